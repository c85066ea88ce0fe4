// Package lifecycle defines the per-connection state machine as a pure
// transition table. It performs no I/O; the worker event loop feeds it events
// and acts on the resulting phase.
//
//	Opening ──Accepted──▶ Open ──RegisterRequested──▶ Registering
//	                       ▲ ▲                           │    │
//	                       │ └────────RegisterFailed─────┘    │
//	                       │                         RegisterConfirmed
//	                       └──Deregistered── Registered ◀─────┘
//
// TransportError moves any live phase to Errored, which always settles to
// Closed. TransportClosed moves any live phase straight to Closed.
package lifecycle

import (
	"errors"
	"fmt"
)

// Phase is where a client connection is in its lifecycle.
type Phase int

const (
	Opening Phase = iota
	Open
	Registering
	Registered
	Errored
	Closed
)

// String returns the phase name used in logs.
func (p Phase) String() string {
	switch p {
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Registering:
		return "registering"
	case Registered:
		return "registered"
	case Errored:
		return "errored"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Event drives a connection from one Phase to the next.
type Event int

const (
	Accepted Event = iota
	RegisterRequested
	RegisterConfirmed
	RegisterFailed
	Deregistered
	TransportError
	TransportClosed
)

// String returns the event name used in logs.
func (e Event) String() string {
	switch e {
	case Accepted:
		return "accepted"
	case RegisterRequested:
		return "register-requested"
	case RegisterConfirmed:
		return "register-confirmed"
	case RegisterFailed:
		return "register-failed"
	case Deregistered:
		return "deregistered"
	case TransportError:
		return "transport-error"
	case TransportClosed:
		return "transport-closed"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// ErrInvalidTransition is returned by Transition for an event the phase
// does not accept.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

type edge struct {
	from Phase
	ev   Event
}

var transitions = map[edge]Phase{
	{Opening, Accepted}:        Open,
	{Opening, TransportError}:  Errored,
	{Opening, TransportClosed}: Closed,

	{Open, RegisterRequested}: Registering,
	// Registrations committed through the query API arrive unsolicited.
	{Open, RegisterConfirmed}: Registered,
	{Open, Deregistered}:      Open,
	{Open, TransportError}:    Errored,
	{Open, TransportClosed}:   Closed,

	{Registering, RegisterConfirmed}: Registered,
	{Registering, RegisterFailed}:    Open,
	{Registering, TransportError}:    Errored,
	{Registering, TransportClosed}:   Closed,

	{Registered, RegisterConfirmed}: Registered,
	{Registered, Deregistered}:      Open,
	{Registered, TransportError}:    Errored,
	{Registered, TransportClosed}:   Closed,

	{Errored, TransportClosed}: Closed,
	{Errored, TransportError}:  Errored,
}

// Transition returns the phase reached by applying ev in from. The phase is
// unchanged when the pair is not in the table.
func Transition(from Phase, ev Event) (Phase, error) {
	to, ok := transitions[edge{from, ev}]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
	}
	return to, nil
}

// Settle forces an Errored phase to Closed and returns any other phase as is.
func Settle(p Phase) Phase {
	if p == Errored {
		return Closed
	}
	return p
}

// AcceptsMessages reports whether client frames are processed in p.
func AcceptsMessages(p Phase) bool {
	return p == Open || p == Registered
}

// Live reports whether p still holds a transport.
func Live(p Phase) bool {
	return p != Errored && p != Closed
}
