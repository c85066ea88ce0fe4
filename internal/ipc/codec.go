package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the wire form of every IPC frame.
type Envelope struct {
	Type    Type            `json:"type"`
	Origin  int             `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// Packet is a decoded envelope.
type Packet struct {
	Origin  int
	Message Message
}

// ErrUnknownType wraps into a DecodeError for envelopes of an unregistered type.
var ErrUnknownType = errors.New("unknown ipc message type")

// DecodeError reports an envelope that could not be turned into a Message.
// The link stays usable after one.
type DecodeError struct {
	Type Type
	Err  error
}

// Error includes the envelope type when it was read.
func (e *DecodeError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("ipc decode: %v", e.Err)
	}
	return fmt.Sprintf("ipc decode %q: %v", e.Type, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DecodeError) Unwrap() error { return e.Err }

func decodeAs[T Message](raw json.RawMessage) (Message, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

var decoders = map[Type]func(json.RawMessage) (Message, error){
	TypeHello:             decodeAs[Hello],
	TypeConnectionStatus:  decodeAs[ConnectionStatus],
	TypeRegisterRequest:   decodeAs[RegisterRequest],
	TypeUserRegister:      decodeAs[UserRegister],
	TypeRegisterRejected:  decodeAs[RegisterRejected],
	TypeDeregisterRequest: decodeAs[DeregisterRequest],
	TypeUserDeregister:    decodeAs[UserDeregister],
	TypeGroupRequest:      decodeAs[GroupRequest],
	TypeGroupResult:       decodeAs[GroupResult],
	TypeUserMessage:       decodeAs[UserMessage],
	TypeBroadcast:         decodeAs[BroadcastMessage],
}

// Encode wraps m in an envelope stamped with the sending process id.
func Encode(origin int, m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("ipc encode %q: %w", m.Type(), err)
	}
	return json.Marshal(Envelope{Type: m.Type(), Origin: origin, Payload: payload})
}

// Decode parses an envelope into its concrete Message. All failures are
// returned as *DecodeError.
func Decode(raw []byte) (Packet, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Packet{}, &DecodeError{Err: err}
	}
	dec, ok := decoders[env.Type]
	if !ok {
		return Packet{}, &DecodeError{Type: env.Type, Err: ErrUnknownType}
	}
	m, err := dec(env.Payload)
	if err != nil {
		return Packet{}, &DecodeError{Type: env.Type, Err: err}
	}
	return Packet{Origin: env.Origin, Message: m}, nil
}

// Sender delivers a message to the peer at the other end of a link.
type Sender interface {
	Send(m Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(m Message) error

// Send calls f(m).
func (f SenderFunc) Send(m Message) error { return f(m) }
