package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/dreamware/signalhub/internal/ipc"
	"github.com/dreamware/signalhub/internal/lifecycle"
	"github.com/dreamware/signalhub/internal/metrics"
	"github.com/dreamware/signalhub/internal/signal"
	"github.com/dreamware/signalhub/internal/state"
)

// handleFrame is the entry point for every frame a client sends.
func (n *Node) handleFrame(id state.ConnectionID, raw []byte) {
	conn, err := n.store.GetConnection(id)
	if err != nil {
		n.log.Debug().Str("conn_id", string(id)).Msg("frame for closed connection")
		return
	}
	frame, err := signal.Parse(raw)
	if err != nil {
		metrics.MalformedFrames.Inc()
		n.log.Warn().Err(err).Str("conn_id", string(id)).Msg("dropping malformed frame")
		return
	}
	metrics.MessagesReceived.Inc()

	if !lifecycle.AcceptsMessages(conn.Phase) {
		n.log.Info().Str("conn_id", string(id)).Str("phase", conn.Phase.String()).Str("type", frame.Type).
			Msg("frame rejected in current phase")
		if frame.Type == signal.TypeRegister {
			n.reply(conn.Socket, signal.NewRegisterAck(n.server, frame.From, false, "registration already in progress"))
		}
		return
	}

	switch frame.Type {
	case signal.TypeRegister:
		n.register(conn, frame.From)
	case signal.TypeDeregister:
		n.deregister(conn, frame.From)
	case signal.TypeGroupRegister:
		n.changeGroup(conn, frame, ipc.GroupJoin)
	case signal.TypeGroupDeregister:
		n.changeGroup(conn, frame, ipc.GroupLeave)
	case signal.TypeConnect:
		n.log.Debug().Str("conn_id", string(id)).Msg("ignoring client conn frame")
	default:
		if frame.IsBroadcast() {
			n.broadcast(conn, frame)
		} else {
			n.route(frame)
		}
	}
}

// dispatch applies a message pushed by the primary.
func (n *Node) dispatch(m ipc.Message) {
	switch msg := m.(type) {
	case ipc.UserRegister:
		n.confirmRegistration(msg)
	case ipc.RegisterRejected:
		n.rejectRegistration(msg)
	case ipc.UserDeregister:
		n.releaseUser(msg)
	case ipc.GroupResult:
		n.groupResult(msg)
	case ipc.UserMessage:
		n.deliverForwarded(msg)
	case ipc.BroadcastMessage:
		n.deliverBroadcast(msg)
	default:
		n.log.Warn().Str("type", string(m.Type())).Msg("unexpected ipc message")
	}
}

// register starts the round trip to the primary. The connection stays in
// Registering until a confirmation, a rejection, or the timeout.
func (n *Node) register(conn *state.LocalConnection, username string) {
	if username == "" {
		n.reply(conn.Socket, signal.NewRegisterAck(n.server, username, false, "username is required"))
		return
	}
	next, err := lifecycle.Transition(conn.Phase, lifecycle.RegisterRequested)
	if err != nil {
		msg := fmt.Sprintf("connection is already registered as %q", conn.BoundUsername)
		n.reply(conn.Socket, signal.NewRegisterAck(n.server, username, false, msg))
		return
	}
	if !n.toPrimary(ipc.RegisterRequest{ConnectionID: conn.ID, Username: username}) {
		n.reply(conn.Socket, signal.NewRegisterAck(n.server, username, false, "primary unavailable"))
		return
	}
	conn.Phase = next

	n.nextToken++
	token, id := n.nextToken, conn.ID
	n.pending[id] = &pendingRegistration{
		username: username,
		token:    token,
		timer: time.AfterFunc(n.regTimeout, func() {
			_ = n.enqueue(context.Background(), func() { n.registrationExpired(id, token) })
		}),
	}
	n.log.Debug().Str("conn_id", string(id)).Str("user", username).Msg("registration requested")
}

func (n *Node) cancelPending(id state.ConnectionID) *pendingRegistration {
	p, ok := n.pending[id]
	if !ok {
		return nil
	}
	p.timer.Stop()
	delete(n.pending, id)
	return p
}

func (n *Node) registrationExpired(id state.ConnectionID, token uint64) {
	p, ok := n.pending[id]
	if !ok || p.token != token {
		return
	}
	delete(n.pending, id)
	n.expired[id] = p.username

	conn, err := n.store.GetConnection(id)
	if err != nil {
		return
	}
	if next, err := lifecycle.Transition(conn.Phase, lifecycle.RegisterFailed); err == nil {
		conn.Phase = next
	}
	n.log.Warn().Str("conn_id", string(id)).Str("user", p.username).Dur("timeout", n.regTimeout).Msg("registration timed out")
	n.reply(conn.Socket, signal.NewRegisterAck(n.server, p.username, false, "registration timed out"))
}

// confirmRegistration binds a committed user to its connections. A
// confirmation without a pending request is one made through the query API.
// A confirmation for a request that already timed out is undone, since the
// client was told the name was not granted. A confirmation for a different
// name than the one pending fails the pending request.
func (n *Node) confirmRegistration(m ipc.UserRegister) {
	if m.User == nil {
		n.log.Warn().Msg("register push without user")
		return
	}
	username := m.User.Username
	bound := 0
	for _, id := range m.ConnectionIDs {
		conn, err := n.store.GetConnection(id)
		if err != nil {
			// Closed meanwhile; the primary cascades it when our close arrives.
			n.log.Debug().Str("conn_id", string(id)).Str("user", username).Msg("confirmation for closed connection")
			continue
		}
		p := n.pending[id]
		if (p == nil || p.username != username) && n.expired[id] == username {
			delete(n.expired, id)
			n.log.Warn().Str("conn_id", string(id)).Str("user", username).Msg("late confirmation, releasing name")
			n.toPrimary(ipc.DeregisterRequest{ConnectionID: id, Username: username})
			continue
		}
		if p != nil && p.username != username {
			// The primary rejects the pending name once this one is bound.
			n.cancelPending(id)
			msg := fmt.Sprintf("connection was registered as %q", username)
			n.reply(conn.Socket, signal.NewRegisterAck(n.server, p.username, false, msg))
		}
		next, err := lifecycle.Transition(conn.Phase, lifecycle.RegisterConfirmed)
		if err != nil {
			n.log.Warn().Err(err).Str("conn_id", string(id)).Msg("confirmation ignored")
			continue
		}
		n.cancelPending(id)
		if err := n.store.Bind(id, username); err != nil {
			continue
		}
		conn.Phase = next
		bound++
		n.reply(conn.Socket, signal.NewRegisterAck(n.server, username, true, ""))
	}
	if bound > 0 {
		n.store.PutUser(m.User)
		n.log.Info().Str("user", username).Int("connections", bound).Msg("user registered")
	}
}

func (n *Node) rejectRegistration(m ipc.RegisterRejected) {
	p := n.pending[m.ConnectionID]
	if p == nil || p.username != m.Username {
		if n.expired[m.ConnectionID] == m.Username {
			delete(n.expired, m.ConnectionID)
		}
		return
	}
	n.cancelPending(m.ConnectionID)
	conn, err := n.store.GetConnection(m.ConnectionID)
	if err != nil {
		return
	}
	if next, err := lifecycle.Transition(conn.Phase, lifecycle.RegisterFailed); err == nil {
		conn.Phase = next
	}
	n.reply(conn.Socket, signal.NewRegisterAck(n.server, m.Username, false, m.Reason))
}

// deregister asks the primary to release the connection's name. Bindings
// are cleared when the primary's UserDeregister arrives.
func (n *Node) deregister(conn *state.LocalConnection, username string) {
	if conn.Phase != lifecycle.Registered {
		n.log.Debug().Str("conn_id", string(conn.ID)).Msg("deregister on unregistered connection")
		return
	}
	if username != "" && username != conn.BoundUsername {
		n.log.Warn().Str("conn_id", string(conn.ID)).Str("from", username).Str("user", conn.BoundUsername).
			Msg("deregister for a name the connection does not hold")
		return
	}
	n.toPrimary(ipc.DeregisterRequest{ConnectionID: conn.ID, Username: conn.BoundUsername})
}

func (n *Node) releaseUser(m ipc.UserDeregister) {
	for _, id := range m.ConnectionIDs {
		conn, err := n.store.GetConnection(id)
		if err != nil {
			continue
		}
		if n.store.Unbind(id) == "" {
			continue
		}
		if next, err := lifecycle.Transition(conn.Phase, lifecycle.Deregistered); err == nil {
			conn.Phase = next
		}
	}
	n.store.RemoveUser(m.Username)
	n.log.Info().Str("user", m.Username).Msg("user deregistered")
}

func groupAckType(op ipc.GroupOp) string {
	if op == ipc.GroupLeave {
		return signal.TypeGroupDeregister
	}
	return signal.TypeGroupRegister
}

func (n *Node) changeGroup(conn *state.LocalConnection, frame *signal.Frame, op ipc.GroupOp) {
	nack := func(msg string) {
		n.reply(conn.Socket, signal.GroupAck{
			Type:      groupAckType(op),
			From:      n.server,
			To:        frame.From,
			GroupName: frame.GroupName,
			Message:   msg,
		})
	}
	if conn.Phase != lifecycle.Registered {
		nack("register a username first")
		return
	}
	if frame.GroupName == "" {
		nack("groupName is required")
		return
	}
	if !n.toPrimary(ipc.GroupRequest{
		ConnectionID: conn.ID,
		Username:     conn.BoundUsername,
		GroupName:    frame.GroupName,
		Op:           op,
	}) {
		nack("primary unavailable")
	}
}

// groupResult refreshes the cached user and answers the requesting client.
func (n *Node) groupResult(m ipc.GroupResult) {
	if m.Success && m.User != nil && n.store.HasUser(m.Username) {
		n.store.PutUser(m.User)
	}
	if m.ConnectionID == "" {
		return
	}
	conn, err := n.store.GetConnection(m.ConnectionID)
	if err != nil {
		return
	}
	n.reply(conn.Socket, signal.GroupAck{
		Type:      groupAckType(m.Op),
		From:      n.server,
		To:        m.Username,
		GroupName: m.GroupName,
		Success:   m.Success,
		Message:   m.Reason,
	})
}
