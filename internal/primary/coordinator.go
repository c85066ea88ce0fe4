package primary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/signalhub/internal/ipc"
	"github.com/dreamware/signalhub/internal/logging"
	"github.com/dreamware/signalhub/internal/metrics"
	"github.com/dreamware/signalhub/internal/signal"
	"github.com/dreamware/signalhub/internal/state"
)

// fromAPI marks workflow calls that did not arrive over a worker link.
const fromAPI = -1

var (
	// ErrStopped is returned by blocking calls once Run has returned.
	ErrStopped = errors.New("coordinator stopped")

	// ErrInvalid is returned for requests missing a required field.
	ErrInvalid = errors.New("invalid request")
)

// Coordinator is the primary's single writer of user, group and connection
// state. Every mutation runs on the goroutine executing Run, one handler at
// a time, so the two competing registrations of a username are always
// processed one after the other and the second observes the first.
//
// Work reaches the loop in two ways:
//   - Deliver, for IPC messages arriving from workers (fire and forget)
//   - the exported blocking methods (RegisterUser, JoinGroup, Snapshot, ...)
//     used by the query API, which wait for their handler to finish
//
// Handlers never wait on IPC round trips. Replies to workers are sent with
// the WorkerRegistry, whose links queue without blocking.
//
// Example:
//
//	workers := NewWorkerRegistry()
//	coord := NewCoordinator(workers, logger)
//	coord.Bootstrap([]string{"p2p", "group_chat"})
//	go coord.Run(ctx)
type Coordinator struct {
	store   *state.PrimaryStore
	workers *WorkerRegistry
	events  chan func()
	stopped chan struct{}
	log     zerolog.Logger
	now     func() time.Time
}

// NewCoordinator returns a coordinator with an empty store. Run must be
// started before any call is served.
func NewCoordinator(workers *WorkerRegistry, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:   state.NewPrimaryStore(),
		workers: workers,
		events:  make(chan func(), 1024),
		stopped: make(chan struct{}),
		log:     logging.Component(logger, "coordinator"),
		now:     time.Now,
	}
}

// Bootstrap creates the default groups. It must be called before Run.
func (c *Coordinator) Bootstrap(groups []string) {
	for _, name := range groups {
		if c.store.HasGroup(name) {
			continue
		}
		c.store.PutGroup(state.NewGroup(name, c.now()))
		c.log.Info().Str("group", name).Msg("default group created")
	}
}

// Run processes events until ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.stopped)
	c.log.Info().Msg("coordinator running")
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-ctx.Done():
			c.log.Info().Msg("coordinator stopping")
			return ctx.Err()
		}
	}
}

func (c *Coordinator) enqueue(ctx context.Context, fn func()) error {
	select {
	case c.events <- fn:
		return nil
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs fn on the loop and waits for it to finish.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := c.enqueue(ctx, func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver queues an IPC message received from worker origin over the link
// attached as generation gen. Messages from a link that has since been
// replaced are dropped on the loop, so nothing read before a purge can
// recreate state the purge removed.
func (c *Coordinator) Deliver(origin int, gen uint64, m ipc.Message) {
	err := c.enqueue(context.Background(), func() {
		if !c.workers.Current(origin, gen) {
			c.log.Debug().Int("worker_id", origin).Uint64("gen", gen).Str("type", string(m.Type())).
				Msg("ipc message from replaced link dropped")
			return
		}
		c.dispatch(origin, m)
	})
	if err != nil {
		c.log.Debug().Err(err).Int("worker_id", origin).Msg("ipc message discarded")
	}
}

// DropWorker runs the disconnect cascade for every connection owned by the
// worker. It is used when a worker's link is lost or it fails health checks.
func (c *Coordinator) DropWorker(workerID int) {
	_ = c.enqueue(context.Background(), func() {
		ids := c.store.ConnectionsOwnedBy(workerID)
		for _, id := range ids {
			c.connectionClosed(id)
		}
		if len(ids) > 0 {
			c.log.Warn().Int("worker_id", workerID).Int("connections", len(ids)).Msg("purged connections of lost worker")
		}
	})
}

func (c *Coordinator) dispatch(origin int, m ipc.Message) {
	switch msg := m.(type) {
	case ipc.ConnectionStatus:
		if msg.Connected {
			c.connectionOpened(origin, msg.ConnectionID)
		} else {
			c.connectionClosed(msg.ConnectionID)
		}
	case ipc.RegisterRequest:
		if _, err := c.register(msg.ConnectionID, msg.Username, origin); err != nil {
			c.log.Info().Err(err).Str("conn_id", string(msg.ConnectionID)).Msg("registration rejected")
			c.sendTo(origin, ipc.RegisterRejected{
				ConnectionID: msg.ConnectionID,
				Username:     msg.Username,
				Reason:       err.Error(),
			})
		}
	case ipc.DeregisterRequest:
		if err := c.deregister(msg.Username, msg.ConnectionID); err != nil {
			c.log.Debug().Err(err).Str("conn_id", string(msg.ConnectionID)).Msg("deregister ignored")
		}
	case ipc.GroupRequest:
		result := ipc.GroupResult{
			ConnectionID: msg.ConnectionID,
			Username:     msg.Username,
			GroupName:    msg.GroupName,
			Op:           msg.Op,
		}
		user, err := c.changeGroup(msg.Op, msg.Username, msg.GroupName)
		if err != nil {
			result.Reason = err.Error()
		} else {
			result.Success = true
			result.User = user
		}
		c.sendTo(origin, result)
	case ipc.UserMessage:
		c.forward(msg)
	case ipc.BroadcastMessage:
		c.fanOut(origin, msg)
	default:
		c.log.Warn().Str("type", string(m.Type())).Int("worker_id", origin).Msg("unexpected ipc message")
	}
}

// connectionOpened records the owner of a new connection. A repeated open for
// a known id keeps the existing record; ownership never changes.
func (c *Coordinator) connectionOpened(owner int, id state.ConnectionID) {
	if rec, err := c.store.GetConnection(id); err == nil {
		if rec.OwnerID != owner {
			c.log.Warn().Str("conn_id", string(id)).Int("owner", rec.OwnerID).Int("worker_id", owner).
				Msg("connection already owned by another worker")
		}
		return
	}
	c.store.PutConnection(state.ConnectionRecord{ID: id, OwnerID: owner, OpenedAt: c.now()})
}

// connectionClosed removes the connection and, if a user was bound to it,
// cascades the user out of every group and the user table. Unknown ids are
// ignored so repeated closes have no further effect.
func (c *Coordinator) connectionClosed(id state.ConnectionID) {
	rec, err := c.store.GetConnection(id)
	if err != nil {
		c.log.Debug().Str("conn_id", string(id)).Msg("close for unknown connection")
		return
	}
	if rec.Username != "" {
		if user, err := c.store.GetUser(rec.Username); err == nil {
			c.removeUser(user)
		}
	}
	c.store.RemoveConnection(id)
}

func (c *Coordinator) register(id state.ConnectionID, username string, origin int) (*state.UserContext, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalid)
	}
	if c.store.HasUser(username) {
		metrics.Registrations.WithLabelValues("conflict").Inc()
		return nil, fmt.Errorf("%w: username %q is already registered", state.ErrConflict, username)
	}
	rec, err := c.store.GetConnection(id)
	if err != nil {
		metrics.Registrations.WithLabelValues("not_found").Inc()
		return nil, err
	}
	if origin != fromAPI && rec.OwnerID != origin {
		return nil, fmt.Errorf("%w: connection %s is not held by worker %d", state.ErrNotFound, id, origin)
	}
	if rec.Username != "" {
		metrics.Registrations.WithLabelValues("conflict").Inc()
		return nil, fmt.Errorf("%w: connection %s is already registered as %q", state.ErrConflict, id, rec.Username)
	}

	user := state.NewUserContext(username, rec.OwnerID, id, c.now())
	c.store.PutUser(user)
	rec.Username = username
	metrics.Registrations.WithLabelValues("committed").Inc()
	metrics.UsersRegistered.Inc()

	c.log.Info().Str("user", username).Str("conn_id", string(id)).Int("worker_id", rec.OwnerID).Msg("user registered")
	c.sendTo(rec.OwnerID, ipc.UserRegister{User: user.Clone(), ConnectionIDs: []state.ConnectionID{id}})
	return user.Clone(), nil
}

// deregister releases username. When id is non-empty it must be one of the
// user's connections.
func (c *Coordinator) deregister(username string, id state.ConnectionID) error {
	user, err := c.store.GetUser(username)
	if err != nil {
		return err
	}
	if id != "" && !user.ConnectionIDs.Has(id) {
		return fmt.Errorf("%w: connection %s is not registered as %q", state.ErrNotFound, id, username)
	}
	c.removeUser(user)
	return nil
}

// removeUser is the deregistration cascade: memberships first, then the
// connection bindings and the user record, then the owning worker is told.
func (c *Coordinator) removeUser(user *state.UserContext) {
	for _, group := range user.Groups.Sorted() {
		if err := c.store.RemoveMember(user.Username, group); err != nil {
			c.log.Warn().Err(err).Str("user", user.Username).Msg("membership already gone")
		}
	}
	conns := user.ConnectionIDs.Sorted()
	for _, id := range conns {
		if rec, err := c.store.GetConnection(id); err == nil && rec.Username == user.Username {
			rec.Username = ""
		}
	}
	c.store.RemoveUser(user.Username)
	metrics.UsersRegistered.Dec()

	c.log.Info().Str("user", user.Username).Msg("user deregistered")
	c.sendTo(user.OwnerID, ipc.UserDeregister{Username: user.Username, ConnectionIDs: conns})
}

func (c *Coordinator) changeGroup(op ipc.GroupOp, username, group string) (*state.UserContext, error) {
	if username == "" || group == "" {
		return nil, fmt.Errorf("%w: username and group name are required", ErrInvalid)
	}
	var err error
	switch op {
	case ipc.GroupJoin:
		err = c.store.AddMember(username, group, c.now())
	case ipc.GroupLeave:
		err = c.store.RemoveMember(username, group)
	default:
		err = fmt.Errorf("%w: unknown group operation %q", ErrInvalid, op)
	}
	if err != nil {
		metrics.GroupChanges.WithLabelValues(string(op), "rejected").Inc()
		return nil, err
	}
	metrics.GroupChanges.WithLabelValues(string(op), "applied").Inc()

	user, err := c.store.GetUser(username)
	if err != nil {
		return nil, err
	}
	c.log.Info().Str("user", username).Str("group", group).Str("op", string(op)).Msg("group membership changed")
	return user.Clone(), nil
}

// forward relays a client message to the worker owning the recipient.
func (c *Coordinator) forward(m ipc.UserMessage) {
	user, err := c.store.GetUser(m.To)
	if err != nil {
		metrics.MessagesRouted.WithLabelValues(metrics.RouteDropped).Inc()
		c.log.Debug().Str("from", m.From).Str("to", m.To).Msg("recipient not registered, message dropped")
		return
	}
	metrics.MessagesRouted.WithLabelValues(metrics.RouteForwarded).Inc()
	c.sendTo(user.OwnerID, m)
}

// fanOut relays a broadcast. Scope all goes to every worker except the
// origin, which delivered locally already. Scope group goes to each worker
// owning at least one member, naming those members.
func (c *Coordinator) fanOut(origin int, m ipc.BroadcastMessage) {
	switch m.Scope {
	case signal.ScopeAll:
		n := c.workers.Broadcast(m, origin)
		c.log.Debug().Str("from", m.From).Int("workers", n).Msg("broadcast relayed")
	case signal.ScopeGroup:
		group, err := c.store.GetGroup(m.GroupName)
		if err != nil {
			c.log.Debug().Err(err).Str("from", m.From).Msg("group broadcast dropped")
			return
		}
		byOwner := make(map[int][]string)
		for _, name := range group.Usernames() {
			if user, err := c.store.GetUser(name); err == nil {
				byOwner[user.OwnerID] = append(byOwner[user.OwnerID], name)
			}
		}
		for owner, names := range byOwner {
			out := m
			out.Recipients = names
			c.sendTo(owner, out)
		}
	default:
		c.log.Warn().Int("scope", int(m.Scope)).Msg("unknown broadcast scope")
	}
}

func (c *Coordinator) sendTo(workerID int, m ipc.Message) {
	if err := c.workers.Send(workerID, m); err != nil {
		c.log.Warn().Err(err).Int("worker_id", workerID).Str("type", string(m.Type())).Msg("ipc send failed")
	}
}
