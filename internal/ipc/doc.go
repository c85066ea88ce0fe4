// Package ipc implements the message protocol between the primary and its
// workers.
//
// # Overview
//
// Each worker holds exactly one Link to the primary, used in both directions.
// Frames are JSON envelopes of the form
//
//	{"type": "user-message", "origin": 2, "payload": {...}}
//
// where origin is the sending process id (0 for the primary). Decode turns an
// envelope into one of the concrete Message types at the link boundary, so
// handlers switch on Go types rather than inspecting loosely typed payloads.
//
// # Message Flow
//
//	worker → primary   Hello, ConnectionStatus, RegisterRequest,
//	                   DeregisterRequest, GroupRequest, UserMessage,
//	                   BroadcastMessage
//	primary → worker   UserRegister, RegisterRejected, UserDeregister,
//	                   GroupResult, UserMessage, BroadcastMessage
//
// # Delivery Guarantees
//
// Delivery is at most once. Messages from one sender arrive in send order;
// nothing is promised across senders. Send never blocks the caller: when a
// link's buffer is full the message is dropped and ErrLinkBackedUp returned,
// which callers treat the same as a lost message.
package ipc
