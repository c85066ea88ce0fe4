package worker

import (
	"github.com/dreamware/signalhub/internal/ipc"
	"github.com/dreamware/signalhub/internal/lifecycle"
	"github.com/dreamware/signalhub/internal/metrics"
	"github.com/dreamware/signalhub/internal/signal"
	"github.com/dreamware/signalhub/internal/state"
)

// route delivers a signaling frame to each recipient. Local recipients get
// the frame directly. Others are forwarded through the primary, one
// UserMessage per distinct recipient, but only for frames a client marked as its
// own; anything else is dropped so nothing can loop.
func (n *Node) route(frame *signal.Frame) {
	if len(frame.To.Names) == 0 {
		n.log.Debug().Str("from", frame.From).Str("type", frame.Type).Msg("frame without recipients dropped")
		return
	}
	for _, name := range uniqueNames(frame.To.Names) {
		switch {
		case n.deliverLocal(name, frame.Raw):
			metrics.MessagesRouted.WithLabelValues(metrics.RouteLocal).Inc()
		case frame.IsClientMessage && n.toPrimary(ipc.UserMessage{From: frame.From, To: name, Payload: frame.Raw}):
			metrics.MessagesRouted.WithLabelValues(metrics.RouteForwarded).Inc()
		default:
			metrics.MessagesRouted.WithLabelValues(metrics.RouteDropped).Inc()
			n.log.Debug().Str("from", frame.From).Str("to", name).Msg("recipient unreachable, frame dropped")
		}
	}
}

// uniqueNames drops repeated recipients, keeping first-seen order.
func uniqueNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// deliverLocal writes raw to every connection bound to username and reports
// whether there was at least one.
func (n *Node) deliverLocal(username string, raw []byte) bool {
	conns := n.store.ConnectionsOf(username)
	for _, c := range conns {
		if err := c.Socket.Send(raw); err != nil {
			n.log.Debug().Err(err).Str("conn_id", string(c.ID)).Msg("local delivery failed")
		}
	}
	return len(conns) > 0
}

// broadcast handles a frame carrying broadCastType. Scope all is written to
// every local connection at once and relayed through the primary to the
// other workers. Scope group needs the primary's member list, so it is only
// relayed.
func (n *Node) broadcast(conn *state.LocalConnection, frame *signal.Frame) {
	scope := *frame.BroadcastType
	msg := ipc.BroadcastMessage{Scope: scope, From: frame.From, Payload: frame.Raw}

	switch scope {
	case signal.ScopeAll:
		delivered := n.deliverAll(frame.Raw)
		n.log.Debug().Str("conn_id", string(conn.ID)).Int("local", delivered).Msg("broadcast delivered locally")
	case signal.ScopeGroup:
		if frame.GroupName == "" {
			n.log.Warn().Str("conn_id", string(conn.ID)).Msg("group broadcast without groupName dropped")
			return
		}
		msg.GroupName = frame.GroupName
	default:
		n.log.Warn().Str("conn_id", string(conn.ID)).Str("scope", scope.String()).Msg("unknown broadcast scope")
		return
	}
	metrics.Broadcasts.WithLabelValues(scope.String()).Inc()
	n.toPrimary(msg)
}

// deliverAll writes raw to every live connection and returns the count.
func (n *Node) deliverAll(raw []byte) int {
	sent := 0
	for _, c := range n.store.Connections() {
		if !lifecycle.Live(c.Phase) {
			continue
		}
		if err := c.Socket.Send(raw); err != nil {
			n.log.Debug().Err(err).Str("conn_id", string(c.ID)).Msg("broadcast delivery failed")
			continue
		}
		sent++
	}
	return sent
}

// deliverForwarded handles a UserMessage relayed by the primary. There is no
// further hop: an unknown recipient means the message is dropped.
func (n *Node) deliverForwarded(m ipc.UserMessage) {
	if n.deliverLocal(m.To, m.Payload) {
		metrics.MessagesRouted.WithLabelValues(metrics.RouteLocal).Inc()
		return
	}
	metrics.MessagesRouted.WithLabelValues(metrics.RouteDropped).Inc()
	n.log.Debug().Str("from", m.From).Str("to", m.To).Msg("forwarded recipient gone, frame dropped")
}

// deliverBroadcast handles a broadcast relayed by the primary.
func (n *Node) deliverBroadcast(m ipc.BroadcastMessage) {
	switch m.Scope {
	case signal.ScopeAll:
		n.deliverAll(m.Payload)
	case signal.ScopeGroup:
		for _, name := range m.Recipients {
			n.deliverLocal(name, m.Payload)
		}
	default:
		n.log.Warn().Str("scope", m.Scope.String()).Msg("unknown broadcast scope")
	}
}
