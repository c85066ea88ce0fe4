package signal

import "encoding/json"

// ConnectAck is sent once, unsolicited, right after a connection is accepted.
// The connection id doubles as the client's authorization token.
type ConnectAck struct {
	From          string `json:"from"`
	To            string `json:"to"`
	Type          string `json:"type"`
	Authorization string `json:"authorization"`
	ConnectionID  string `json:"connectionId"`
}

// NewConnectAck returns the frame sent when a connection opens.
func NewConnectAck(server, connectionID string) ConnectAck {
	return ConnectAck{
		From:          server,
		To:            server,
		Type:          TypeConnect,
		Authorization: connectionID,
		ConnectionID:  connectionID,
	}
}

// RegisterAck answers a register request. Message explains a failure.
type RegisterAck struct {
	Type    string `json:"type"`
	From    string `json:"from"`
	To      string `json:"to"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// NewRegisterAck returns the answer to a "reg" request for username.
func NewRegisterAck(server, username string, success bool, message string) RegisterAck {
	return RegisterAck{
		Type:    TypeRegister,
		From:    server,
		To:      username,
		Success: success,
		Message: message,
	}
}

// GroupAck answers a group join ("reggrp") or leave ("dereggrp") request.
type GroupAck struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	GroupName string `json:"groupName"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
}

// Encode serializes a server-originated frame.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
