package primary

import (
	"context"

	"github.com/dreamware/signalhub/internal/ipc"
	"github.com/dreamware/signalhub/internal/state"
)

// RegisterUser binds username to connection id on behalf of the query API.
// The owning worker is notified exactly as for a client-initiated request.
func (c *Coordinator) RegisterUser(ctx context.Context, id state.ConnectionID, username string) (*state.UserContext, error) {
	var (
		user *state.UserContext
		err  error
	)
	if e := c.do(ctx, func() { user, err = c.register(id, username, fromAPI) }); e != nil {
		return nil, e
	}
	return user, err
}

// DeregisterUser releases username and cascades it out of its groups.
func (c *Coordinator) DeregisterUser(ctx context.Context, username string) error {
	var err error
	if e := c.do(ctx, func() { err = c.deregister(username, "") }); e != nil {
		return e
	}
	return err
}

// JoinGroup adds username to group.
func (c *Coordinator) JoinGroup(ctx context.Context, username, group string) error {
	return c.applyGroup(ctx, ipc.GroupJoin, username, group)
}

// LeaveGroup removes username from group.
func (c *Coordinator) LeaveGroup(ctx context.Context, username, group string) error {
	return c.applyGroup(ctx, ipc.GroupLeave, username, group)
}

// applyGroup runs a membership change and pushes the refreshed user to its
// owning worker so the worker's cache follows.
func (c *Coordinator) applyGroup(ctx context.Context, op ipc.GroupOp, username, group string) error {
	var err error
	e := c.do(ctx, func() {
		var user *state.UserContext
		user, err = c.changeGroup(op, username, group)
		if err != nil {
			return
		}
		c.sendTo(user.OwnerID, ipc.GroupResult{
			Username:  username,
			GroupName: group,
			Op:        op,
			Success:   true,
			User:      user,
		})
	})
	if e != nil {
		return e
	}
	return err
}

// UserStatus reports whether username is registered.
func (c *Coordinator) UserStatus(ctx context.Context, username string) (bool, error) {
	var ok bool
	err := c.do(ctx, func() { ok = c.store.HasUser(username) })
	return ok, err
}

// Users returns copies of every registered user.
func (c *Coordinator) Users(ctx context.Context) ([]*state.UserContext, error) {
	var users []*state.UserContext
	err := c.do(ctx, func() { users = c.store.Users() })
	return users, err
}

// Groups returns copies of every live group.
func (c *Coordinator) Groups(ctx context.Context) ([]*state.GroupContext, error) {
	var groups []*state.GroupContext
	err := c.do(ctx, func() { groups = c.store.Groups() })
	return groups, err
}

// Group returns a copy of one group.
func (c *Coordinator) Group(ctx context.Context, name string) (*state.GroupContext, error) {
	var (
		group *state.GroupContext
		err   error
	)
	if e := c.do(ctx, func() {
		var g *state.GroupContext
		if g, err = c.store.GetGroup(name); err == nil {
			group = g.Clone()
		}
	}); e != nil {
		return nil, e
	}
	return group, err
}

// Snapshot returns a copy of the whole store.
func (c *Coordinator) Snapshot(ctx context.Context) (state.Snapshot, error) {
	var snap state.Snapshot
	err := c.do(ctx, func() { snap = c.store.Snapshot() })
	return snap, err
}
