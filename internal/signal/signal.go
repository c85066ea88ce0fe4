// Package signal implements the JSON frame protocol spoken between clients
// and workers over the duplex connection.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Control frame types. Any other type is an application signaling message
// routed between clients.
const (
	TypeConnect         = "conn"
	TypeRegister        = "reg"
	TypeDeregister      = "dereg"
	TypeGroupRegister   = "reggrp"
	TypeGroupDeregister = "dereggrp"
)

// BroadcastScope selects the audience of a broadcast frame.
type BroadcastScope int

const (
	ScopeAll   BroadcastScope = 0
	ScopeGroup BroadcastScope = 1
)

// String returns the scope name used in logs.
func (s BroadcastScope) String() string {
	switch s {
	case ScopeAll:
		return "all"
	case ScopeGroup:
		return "group"
	}
	return fmt.Sprintf("scope(%d)", int(s))
}

// ErrMalformed is returned by Parse for frames that are not a JSON object
// with a string "type".
var ErrMalformed = errors.New("malformed frame")

// Recipients is the "to" field, which may be a single username or a list.
// List records which form was received so it can be written back unchanged.
type Recipients struct {
	Names []string
	List  bool
}

// To builds Recipients, written as a bare string for exactly one name.
func To(names ...string) Recipients {
	return Recipients{Names: names, List: len(names) != 1}
}

// MarshalJSON writes the form the recipients were received in.
func (r Recipients) MarshalJSON() ([]byte, error) {
	if !r.List && len(r.Names) == 1 {
		return json.Marshal(r.Names[0])
	}
	if r.Names == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.Names)
}

// UnmarshalJSON accepts a string or an array of strings.
func (r *Recipients) UnmarshalJSON(data []byte) error {
	res := gjson.ParseBytes(data)
	switch {
	case res.Type == gjson.String:
		*r = Recipients{Names: []string{res.String()}}
	case res.IsArray():
		names := make([]string, 0, len(res.Array()))
		for _, v := range res.Array() {
			if v.Type != gjson.String {
				return fmt.Errorf("%w: recipient %s is not a string", ErrMalformed, v.Raw)
			}
			names = append(names, v.String())
		}
		*r = Recipients{Names: names, List: true}
	case res.Type == gjson.Null:
		*r = Recipients{}
	default:
		return fmt.Errorf("%w: \"to\" must be a string or an array", ErrMalformed)
	}
	return nil
}

// Header is the routing-relevant subset of an inbound frame.
type Header struct {
	From            string          `json:"from"`
	To              Recipients      `json:"to"`
	Type            string          `json:"type"`
	IsClientMessage bool            `json:"isClientMessage"`
	BroadcastType   *BroadcastScope `json:"broadCastType,omitempty"`
	GroupName       string          `json:"groupName,omitempty"`
}

// Frame is a parsed inbound frame. Raw keeps the original bytes so that
// signaling messages reach their recipients verbatim, extra fields included.
type Frame struct {
	Header
	Raw json.RawMessage
}

// IsBroadcast reports whether the frame carries a broadcast scope.
func (f *Frame) IsBroadcast() bool {
	return f.BroadcastType != nil
}

// Peek returns the frame type without decoding the whole payload. ok is
// false when raw is not a JSON object with a string "type".
func Peek(raw []byte) (typ string, ok bool) {
	if !gjson.ValidBytes(raw) {
		return "", false
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return "", false
	}
	t := root.Get("type")
	if t.Type != gjson.String || t.String() == "" {
		return "", false
	}
	return t.String(), true
}

// Parse validates and decodes an inbound frame. Errors wrap ErrMalformed.
func Parse(raw []byte) (*Frame, error) {
	if _, ok := Peek(raw); !ok {
		return nil, fmt.Errorf("%w: not a JSON object with a string type", ErrMalformed)
	}
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		if errors.Is(err, ErrMalformed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	frame := &Frame{Header: h, Raw: make(json.RawMessage, len(raw))}
	copy(frame.Raw, raw)
	return frame, nil
}
