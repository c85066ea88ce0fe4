package state

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// WorkerStore is a worker's live connection table plus its cache of the
// UserContext records confirmed by the primary. Bindings from usernames to
// connections are only created once the primary has confirmed them.
type WorkerStore struct {
	owner int
	conns map[ConnectionID]*LocalConnection
	users map[string]*UserContext
	bound map[string]Set[ConnectionID]
}

// NewWorkerStore returns an empty store for worker owner.
func NewWorkerStore(owner int) *WorkerStore {
	return &WorkerStore{
		owner: owner,
		conns: make(map[ConnectionID]*LocalConnection),
		users: make(map[string]*UserContext),
		bound: make(map[string]Set[ConnectionID]),
	}
}

// Owner returns the worker id every stored connection belongs to.
func (s *WorkerStore) Owner() int { return s.owner }

// PutConnection stores c, replacing any entry with the same id.
func (s *WorkerStore) PutConnection(c *LocalConnection) {
	s.conns[c.ID] = c
}

// GetConnection returns the live connection id or ErrNotFound.
func (s *WorkerStore) GetConnection(id ConnectionID) (*LocalConnection, error) {
	c, ok := s.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: connection %s", ErrNotFound, id)
	}
	return c, nil
}

// RemoveConnection deletes the connection and its username binding.
func (s *WorkerStore) RemoveConnection(id ConnectionID) (*LocalConnection, bool) {
	c, ok := s.conns[id]
	if !ok {
		return nil, false
	}
	s.Unbind(id)
	delete(s.conns, id)
	return c, true
}

// Connections returns every live connection, sorted by id.
func (s *WorkerStore) Connections() []*LocalConnection {
	out := make([]*LocalConnection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *LocalConnection) int {
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return out
}

// HasUser reports whether a copy of username is cached.
func (s *WorkerStore) HasUser(username string) bool {
	_, ok := s.users[username]
	return ok
}

// GetUser returns the cached copy of username or ErrNotFound.
func (s *WorkerStore) GetUser(username string) (*UserContext, error) {
	u, ok := s.users[username]
	if !ok {
		return nil, fmt.Errorf("%w: user %q", ErrNotFound, username)
	}
	return u, nil
}

// PutUser caches a copy of u.
func (s *WorkerStore) PutUser(u *UserContext) {
	s.users[u.Username] = u.Clone()
}

// RemoveUser drops the cached copy of username.
func (s *WorkerStore) RemoveUser(username string) bool {
	if _, ok := s.users[username]; !ok {
		return false
	}
	delete(s.users, username)
	return true
}

// Bind attaches username to connection id, replacing any previous binding
// the connection had.
func (s *WorkerStore) Bind(id ConnectionID, username string) error {
	c, ok := s.conns[id]
	if !ok {
		return fmt.Errorf("%w: connection %s", ErrNotFound, id)
	}
	if c.BoundUsername == username {
		return nil
	}
	s.Unbind(id)
	c.BoundUsername = username
	set, ok := s.bound[username]
	if !ok {
		set = NewSet[ConnectionID]()
		s.bound[username] = set
	}
	set.Add(id)
	return nil
}

// Unbind clears the connection's binding and returns the username it had.
func (s *WorkerStore) Unbind(id ConnectionID) string {
	c, ok := s.conns[id]
	if !ok || c.BoundUsername == "" {
		return ""
	}
	name := c.BoundUsername
	c.BoundUsername = ""
	if set, ok := s.bound[name]; ok {
		set.Remove(id)
		if set.Len() == 0 {
			delete(s.bound, name)
		}
	}
	return name
}

// ConnectionsOf returns the live connections bound to username, sorted by id.
func (s *WorkerStore) ConnectionsOf(username string) []*LocalConnection {
	set, ok := s.bound[username]
	if !ok {
		return nil
	}
	out := make([]*LocalConnection, 0, set.Len())
	for _, id := range set.Sorted() {
		if c, ok := s.conns[id]; ok {
			out = append(out, c)
		}
	}
	return out
}
