package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/signalhub/internal/ipc"
	"github.com/dreamware/signalhub/internal/lifecycle"
	"github.com/dreamware/signalhub/internal/logging"
	"github.com/dreamware/signalhub/internal/metrics"
	"github.com/dreamware/signalhub/internal/signal"
	"github.com/dreamware/signalhub/internal/state"
)

var (
	// ErrNoPrimary is returned by Connect while the worker has no link to
	// the primary. Connections are refused rather than left unregistrable.
	ErrNoPrimary = errors.New("primary not connected")

	// ErrPrimaryUnreachable is returned by Connect when the new connection
	// could not be announced to the primary.
	ErrPrimaryUnreachable = errors.New("primary link not accepting messages")

	// ErrStopped is returned by calls made after Run has returned.
	ErrStopped = errors.New("node stopped")
)

// NodeOptions configures a Node.
type NodeOptions struct {
	ID                  int
	ServerName          string
	RegistrationTimeout time.Duration
}

type pendingRegistration struct {
	username string
	timer    *time.Timer
	token    uint64
}

// Node is a worker's event loop. It owns the WorkerStore and every decision
// about the connections this worker holds: lifecycle transitions, routing,
// and the worker half of registration and group membership.
//
// All state is touched only from the goroutine running Run. Sockets, the
// primary link and timers hand work to the loop through events.
type Node struct {
	id         int
	server     string
	store      *state.WorkerStore
	primary    ipc.Sender
	pending    map[state.ConnectionID]*pendingRegistration
	expired    map[state.ConnectionID]string
	nextToken  uint64
	regTimeout time.Duration
	events     chan func()
	stopped    chan struct{}
	log        zerolog.Logger
	newID      func() state.ConnectionID
}

// NewNode returns a node with no primary link. Run must be started before
// any call is served.
func NewNode(opts NodeOptions, logger zerolog.Logger) *Node {
	if opts.RegistrationTimeout <= 0 {
		opts.RegistrationTimeout = 5 * time.Second
	}
	return &Node{
		id:         opts.ID,
		server:     opts.ServerName,
		store:      state.NewWorkerStore(opts.ID),
		pending:    make(map[state.ConnectionID]*pendingRegistration),
		expired:    make(map[state.ConnectionID]string),
		regTimeout: opts.RegistrationTimeout,
		events:     make(chan func(), 1024),
		stopped:    make(chan struct{}),
		log:        logging.Component(logger, "node").With().Int("worker_id", opts.ID).Logger(),
		newID:      state.NewConnectionID,
	}
}

// Run processes events until ctx is canceled.
func (n *Node) Run(ctx context.Context) error {
	defer close(n.stopped)
	for {
		select {
		case fn := <-n.events:
			fn()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (n *Node) enqueue(ctx context.Context, fn func()) error {
	select {
	case n.events <- fn:
		return nil
	case <-n.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := n.enqueue(ctx, func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-n.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetPrimary installs the link used to reach the primary.
func (n *Node) SetPrimary(s ipc.Sender) {
	_ = n.enqueue(context.Background(), func() {
		n.primary = s
		n.log.Info().Msg("primary link up")
	})
}

// PrimaryLost drops the primary link and closes every client connection.
// The primary purges them on its side when it notices the link is gone, and
// clients are expected to reconnect.
func (n *Node) PrimaryLost() {
	_ = n.enqueue(context.Background(), func() {
		n.primary = nil
		conns := n.store.Connections()
		for _, c := range conns {
			n.cancelPending(c.ID)
			_ = c.Socket.Close()
			metrics.ConnectionsActive.Dec()
		}
		n.store = state.NewWorkerStore(n.id)
		n.expired = make(map[state.ConnectionID]string)
		n.log.Warn().Int("connections", len(conns)).Msg("primary link lost, closed all connections")
	})
}

// Connect accepts a new client transport: it mints the connection id, tells
// the primary, and sends the connect acknowledgement.
func (n *Node) Connect(ctx context.Context, sock state.Socket) (state.ConnectionID, error) {
	var (
		id  state.ConnectionID
		err error
	)
	if e := n.do(ctx, func() { id, err = n.accept(sock) }); e != nil {
		return "", e
	}
	return id, err
}

func (n *Node) accept(sock state.Socket) (state.ConnectionID, error) {
	if n.primary == nil {
		return "", ErrNoPrimary
	}
	phase, err := lifecycle.Transition(lifecycle.Opening, lifecycle.Accepted)
	if err != nil {
		return "", err
	}
	id := n.newID()
	n.store.PutConnection(&state.LocalConnection{
		ID:       id,
		OwnerID:  n.id,
		Phase:    phase,
		Socket:   sock,
		OpenedAt: time.Now(),
	})
	if !n.toPrimary(ipc.ConnectionStatus{ConnectionID: id, Connected: true}) {
		// The primary would not know the connection, so it could never register.
		n.store.RemoveConnection(id)
		return "", ErrPrimaryUnreachable
	}
	n.reply(sock, signal.NewConnectAck(n.server, string(id)))

	metrics.ConnectionsActive.Inc()
	metrics.ConnectionsTotal.Inc()
	n.log.Debug().Str("conn_id", string(id)).Msg("connection opened")
	return id, nil
}

// Receive queues a raw frame read from connection id.
func (n *Node) Receive(id state.ConnectionID, raw []byte) {
	_ = n.enqueue(context.Background(), func() { n.handleFrame(id, raw) })
}

// Disconnect queues the close of connection id. cause is nil for an orderly
// close and the transport error otherwise.
func (n *Node) Disconnect(id state.ConnectionID, cause error) {
	_ = n.enqueue(context.Background(), func() { n.closeConnection(id, cause) })
}

// Deliver queues a packet received from the primary.
func (n *Node) Deliver(pkt ipc.Packet) {
	_ = n.enqueue(context.Background(), func() { n.dispatch(pkt.Message) })
}

// Status is a point-in-time summary used by the health endpoint.
type Status struct {
	WorkerID    int  `json:"workerId"`
	Primary     bool `json:"primary"`
	Connections int  `json:"connections"`
	Pending     int  `json:"pendingRegistrations"`
}

// Status reads the node's counters on its loop.
func (n *Node) Status(ctx context.Context) (Status, error) {
	var st Status
	err := n.do(ctx, func() {
		st = Status{
			WorkerID:    n.id,
			Primary:     n.primary != nil,
			Connections: len(n.store.Connections()),
			Pending:     len(n.pending),
		}
	})
	return st, err
}

// Inspect runs fn on the loop with the worker's store.
func (n *Node) Inspect(ctx context.Context, fn func(*state.WorkerStore)) error {
	return n.do(ctx, func() { fn(n.store) })
}

func (n *Node) closeConnection(id state.ConnectionID, cause error) {
	conn, err := n.store.GetConnection(id)
	if err != nil {
		return
	}
	ev := lifecycle.TransportClosed
	if cause != nil {
		ev = lifecycle.TransportError
	}
	phase, _ := lifecycle.Transition(conn.Phase, ev)
	conn.Phase = lifecycle.Settle(phase)
	user := conn.BoundUsername

	n.cancelPending(id)
	delete(n.expired, id)
	n.store.RemoveConnection(id)
	_ = conn.Socket.Close()
	metrics.ConnectionsActive.Dec()

	// The primary cascades the bound user, if any, out of its groups.
	n.toPrimary(ipc.ConnectionStatus{ConnectionID: id, Connected: false})

	level := zerolog.DebugLevel
	if cause != nil {
		level = zerolog.InfoLevel
	}
	n.log.WithLevel(level).Err(cause).Str("conn_id", string(id)).Str("user", user).Msg("connection closed")
}

func (n *Node) toPrimary(m ipc.Message) bool {
	if n.primary == nil {
		n.log.Warn().Str("type", string(m.Type())).Msg("no primary link, ipc message dropped")
		return false
	}
	if err := n.primary.Send(m); err != nil {
		n.log.Warn().Err(err).Str("type", string(m.Type())).Msg("ipc send failed")
		return false
	}
	return true
}

// reply writes a server-originated frame to one socket.
func (n *Node) reply(sock state.Socket, v any) {
	frame, err := signal.Encode(v)
	if err != nil {
		n.log.Error().Err(err).Msg("encoding reply")
		return
	}
	if err := sock.Send(frame); err != nil {
		n.log.Debug().Err(err).Msg("reply not delivered")
	}
}
