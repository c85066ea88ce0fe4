package state

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/exp/slices"
)

// PrimaryStore is the authoritative user, group and connection index held by
// the primary process. It is not safe for concurrent use; see the package
// documentation.
type PrimaryStore struct {
	users  map[string]*UserContext
	groups map[string]*GroupContext
	conns  map[ConnectionID]*ConnectionRecord
}

// NewPrimaryStore returns an empty store.
func NewPrimaryStore() *PrimaryStore {
	return &PrimaryStore{
		users:  make(map[string]*UserContext),
		groups: make(map[string]*GroupContext),
		conns:  make(map[ConnectionID]*ConnectionRecord),
	}
}

// HasUser reports whether username is registered.
func (s *PrimaryStore) HasUser(username string) bool {
	_, ok := s.users[username]
	return ok
}

// GetUser returns the stored record itself, not a copy. Callers outside the
// owning event loop must Clone it.
func (s *PrimaryStore) GetUser(username string) (*UserContext, error) {
	u, ok := s.users[username]
	if !ok {
		return nil, fmt.Errorf("%w: user %q", ErrNotFound, username)
	}
	return u, nil
}

// PutUser stores u itself, replacing any user of the same name.
func (s *PrimaryStore) PutUser(u *UserContext) {
	s.users[u.Username] = u
}

// RemoveUser deletes the user record only. Group memberships are left to the
// caller so the cascade can be observed step by step.
func (s *PrimaryStore) RemoveUser(username string) bool {
	if _, ok := s.users[username]; !ok {
		return false
	}
	delete(s.users, username)
	return true
}

// HasGroup reports whether the group exists.
func (s *PrimaryStore) HasGroup(name string) bool {
	_, ok := s.groups[name]
	return ok
}

// GetGroup returns the stored group itself or ErrNotFound.
func (s *PrimaryStore) GetGroup(name string) (*GroupContext, error) {
	g, ok := s.groups[name]
	if !ok {
		return nil, fmt.Errorf("%w: group %q", ErrNotFound, name)
	}
	return g, nil
}

// PutGroup stores g itself, replacing any group of the same name.
func (s *PrimaryStore) PutGroup(g *GroupContext) {
	s.groups[g.Name] = g
}

// RemoveGroup deletes the group and drops it from every member's group set.
func (s *PrimaryStore) RemoveGroup(name string) bool {
	g, ok := s.groups[name]
	if !ok {
		return false
	}
	for username := range g.Members {
		if u, ok := s.users[username]; ok {
			u.Groups.Remove(name)
		}
	}
	delete(s.groups, name)
	return true
}

// AddMember records username as a member of group, updating both the group's
// member map and the user's group set. It fails with ErrNotFound when either
// side is missing and ErrConflict when the membership already exists.
func (s *PrimaryStore) AddMember(username, group string, at time.Time) error {
	u, err := s.GetUser(username)
	if err != nil {
		return err
	}
	g, err := s.GetGroup(group)
	if err != nil {
		return err
	}
	if _, ok := g.Members[username]; ok {
		return fmt.Errorf("%w: user %q is already a member of %q", ErrConflict, username, group)
	}
	g.Members[username] = Member{JoinedAt: at}
	u.Groups.Add(group)
	return nil
}

// RemoveMember is the strict inverse of AddMember: removing a membership that
// does not exist fails with ErrNotFound.
func (s *PrimaryStore) RemoveMember(username, group string) error {
	g, err := s.GetGroup(group)
	if err != nil {
		return err
	}
	if _, ok := g.Members[username]; !ok {
		return fmt.Errorf("%w: user %q is not a member of %q", ErrNotFound, username, group)
	}
	delete(g.Members, username)
	if u, ok := s.users[username]; ok {
		u.Groups.Remove(group)
	}
	return nil
}

// PutConnection stores rec, replacing any entry with the same id.
func (s *PrimaryStore) PutConnection(rec ConnectionRecord) {
	r := rec
	s.conns[rec.ID] = &r
}

// RemoveConnection forgets the connection record. The bound user is left
// to the caller.
func (s *PrimaryStore) RemoveConnection(id ConnectionID) bool {
	if _, ok := s.conns[id]; !ok {
		return false
	}
	delete(s.conns, id)
	return true
}

// GetConnection returns the stored record itself, not a copy.
func (s *PrimaryStore) GetConnection(id ConnectionID) (*ConnectionRecord, error) {
	rec, ok := s.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: connection %s", ErrNotFound, id)
	}
	return rec, nil
}

// ConnectionsOf returns the connection ids bound to username, sorted.
func (s *PrimaryStore) ConnectionsOf(username string) []ConnectionID {
	u, ok := s.users[username]
	if !ok {
		return nil
	}
	return u.ConnectionIDs.Sorted()
}

// ConnectionsOwnedBy returns the ids of every connection accepted by the
// given worker, sorted.
func (s *PrimaryStore) ConnectionsOwnedBy(owner int) []ConnectionID {
	var out []ConnectionID
	for id, rec := range s.conns {
		if rec.OwnerID == owner {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Users returns copies of every user, sorted by username.
func (s *PrimaryStore) Users() []*UserContext {
	out := make([]*UserContext, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u.Clone())
	}
	slices.SortFunc(out, func(a, b *UserContext) int {
		return strings.Compare(a.Username, b.Username)
	})
	return out
}

// Groups returns copies of every group, sorted by name.
func (s *PrimaryStore) Groups() []*GroupContext {
	out := make([]*GroupContext, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g.Clone())
	}
	slices.SortFunc(out, func(a, b *GroupContext) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// Connections returns copies of every connection record, sorted by id.
func (s *PrimaryStore) Connections() []ConnectionRecord {
	out := make([]ConnectionRecord, 0, len(s.conns))
	for _, rec := range s.conns {
		out = append(out, *rec)
	}
	slices.SortFunc(out, func(a, b ConnectionRecord) int {
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return out
}

// Snapshot copies every connection, user and group.
func (s *PrimaryStore) Snapshot() Snapshot {
	return Snapshot{
		Connections: s.Connections(),
		Users:       s.Users(),
		Groups:      s.Groups(),
	}
}
