package ipc

import (
	"encoding/json"

	"github.com/dreamware/signalhub/internal/signal"
	"github.com/dreamware/signalhub/internal/state"
)

// Type tags an envelope's payload.
type Type string

const (
	TypeHello             Type = "hello"
	TypeConnectionStatus  Type = "connection-status"
	TypeRegisterRequest   Type = "register-request"
	TypeUserRegister      Type = "register"
	TypeRegisterRejected  Type = "register-rejected"
	TypeDeregisterRequest Type = "deregister-request"
	TypeUserDeregister    Type = "deregister"
	TypeGroupRequest      Type = "group-request"
	TypeGroupResult       Type = "group-result"
	TypeUserMessage       Type = "user-message"
	TypeBroadcast         Type = "broadcast"
)

// Message is the closed set of IPC payloads. Only types in this package
// implement it.
type Message interface {
	Type() Type
	sealed()
}

// Hello is the first frame a worker sends on a new link.
type Hello struct {
	WorkerID int    `json:"workerId"`
	Addr     string `json:"addr"`
}

// ConnectionStatus reports a client connection opening or closing on the
// sending worker.
type ConnectionStatus struct {
	ConnectionID state.ConnectionID `json:"connectionId"`
	Connected    bool               `json:"connected"`
}

// RegisterRequest asks the primary to commit Username for ConnectionID.
type RegisterRequest struct {
	ConnectionID state.ConnectionID `json:"connectionId"`
	Username     string             `json:"username"`
}

// UserRegister pushes a committed UserContext to the owning worker, which
// binds it to ConnectionIDs.
type UserRegister struct {
	User          *state.UserContext   `json:"user"`
	ConnectionIDs []state.ConnectionID `json:"connectionIds"`
}

// RegisterRejected tells the worker that a RegisterRequest was refused.
type RegisterRejected struct {
	ConnectionID state.ConnectionID `json:"connectionId"`
	Username     string             `json:"username"`
	Reason       string             `json:"reason"`
}

// DeregisterRequest asks the primary to release Username.
type DeregisterRequest struct {
	ConnectionID state.ConnectionID `json:"connectionId"`
	Username     string             `json:"username"`
}

// UserDeregister tells the owning worker to clear its bindings for Username.
type UserDeregister struct {
	Username      string               `json:"username"`
	ConnectionIDs []state.ConnectionID `json:"connectionIds"`
}

// GroupOp distinguishes joining from leaving a group.
type GroupOp string

const (
	GroupJoin  GroupOp = "join"
	GroupLeave GroupOp = "leave"
)

// GroupRequest asks the primary to change a membership on behalf of a client.
type GroupRequest struct {
	ConnectionID state.ConnectionID `json:"connectionId"`
	Username     string             `json:"username"`
	GroupName    string             `json:"groupName"`
	Op           GroupOp            `json:"op"`
}

// GroupResult carries the outcome of a membership change to the owning
// worker. User is the refreshed context on success. ConnectionID is empty
// when the change did not originate from a client connection.
type GroupResult struct {
	ConnectionID state.ConnectionID `json:"connectionId,omitempty"`
	Username     string             `json:"username"`
	GroupName    string             `json:"groupName"`
	Op           GroupOp            `json:"op"`
	Success      bool               `json:"success"`
	Reason       string             `json:"reason,omitempty"`
	User         *state.UserContext `json:"user,omitempty"`
}

// UserMessage is a client frame for a recipient the sending worker could not
// resolve locally. Payload is the original frame, untouched.
type UserMessage struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

// BroadcastMessage fans a client frame out across workers. For group scope
// the primary fills Recipients with the members owned by the target worker.
type BroadcastMessage struct {
	Scope      signal.BroadcastScope `json:"scope"`
	GroupName  string                `json:"groupName,omitempty"`
	From       string                `json:"from"`
	Recipients []string              `json:"recipients,omitempty"`
	Payload    json.RawMessage       `json:"payload"`
}

// Type names each message in its envelope.
func (Hello) Type() Type             { return TypeHello }
func (ConnectionStatus) Type() Type  { return TypeConnectionStatus }
func (RegisterRequest) Type() Type   { return TypeRegisterRequest }
func (UserRegister) Type() Type      { return TypeUserRegister }
func (RegisterRejected) Type() Type  { return TypeRegisterRejected }
func (DeregisterRequest) Type() Type { return TypeDeregisterRequest }
func (UserDeregister) Type() Type    { return TypeUserDeregister }
func (GroupRequest) Type() Type      { return TypeGroupRequest }
func (GroupResult) Type() Type       { return TypeGroupResult }
func (UserMessage) Type() Type       { return TypeUserMessage }
func (BroadcastMessage) Type() Type  { return TypeBroadcast }

func (Hello) sealed()             {}
func (ConnectionStatus) sealed()  {}
func (RegisterRequest) sealed()   {}
func (UserRegister) sealed()      {}
func (RegisterRejected) sealed()  {}
func (DeregisterRequest) sealed() {}
func (UserDeregister) sealed()    {}
func (GroupRequest) sealed()      {}
func (GroupResult) sealed()       {}
func (UserMessage) sealed()       {}
func (BroadcastMessage) sealed()  {}
