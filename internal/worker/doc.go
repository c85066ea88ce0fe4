// Package worker implements a signalhub worker: the process that holds
// client websockets, tracks each connection's lifecycle, and routes
// signaling frames between clients.
//
// A worker never decides who owns a username. Registration and group
// changes are requested from the primary and only take effect locally once
// the primary's answer arrives. Frames for a recipient connected here are
// written straight to its socket; frames for anyone else go to the primary.
//
// Node is the event loop and the only goroutine touching the worker's
// state. Server feeds it client sockets, RunPrimaryLink feeds it the
// primary's messages.
package worker
