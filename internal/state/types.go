package state

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/dreamware/signalhub/internal/lifecycle"
)

// PrimaryID is the process id of the primary. Workers are numbered from 1.
const PrimaryID = 0

var (
	// ErrNotFound is returned when a user, group, membership or connection
	// referenced by an operation does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an operation would violate uniqueness:
	// a taken username or a duplicate group membership.
	ErrConflict = errors.New("conflict")
)

// ConnectionID is the opaque token minted when a client connection opens.
type ConnectionID string

// NewConnectionID mints a random connection id.
func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.NewString())
}

// Set is a string-keyed set that serializes as a sorted JSON array.
type Set[K ~string] map[K]struct{}

// NewSet returns a set holding items.
func NewSet[K ~string](items ...K) Set[K] {
	s := make(Set[K], len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

// Add inserts k.
func (s Set[K]) Add(k K) { s[k] = struct{}{} }

// Remove deletes k.
func (s Set[K]) Remove(k K) { delete(s, k) }

// Len returns the number of items.
func (s Set[K]) Len() int { return len(s) }

// Has reports whether k is in the set.
func (s Set[K]) Has(k K) bool {
	_, ok := s[k]
	return ok
}

// Clone returns an independent copy.
func (s Set[K]) Clone() Set[K] { return NewSet(s.Sorted()...) }

// Sorted returns the items in ascending order.
func (s Set[K]) Sorted() []K {
	out := make([]K, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// MarshalJSON writes the items as a sorted array.
func (s Set[K]) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON reads an array of items.
func (s *Set[K]) UnmarshalJSON(data []byte) error {
	var items []K
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*s = NewSet(items...)
	return nil
}

// UserContext is the record of a registered user. The primary holds the
// authoritative instance; workers hold copies pushed down over IPC.
type UserContext struct {
	Username      string            `json:"username"`
	ConnectionIDs Set[ConnectionID] `json:"connectionIds"`
	Groups        Set[string]       `json:"groups"`
	OwnerID       int               `json:"ownerId"`
	ConnectedAt   time.Time         `json:"connectedAt"`
}

// NewUserContext returns a user bound to one connection and no groups.
func NewUserContext(username string, owner int, conn ConnectionID, at time.Time) *UserContext {
	return &UserContext{
		Username:      username,
		ConnectionIDs: NewSet(conn),
		Groups:        NewSet[string](),
		OwnerID:       owner,
		ConnectedAt:   at,
	}
}

// Clone returns a deep copy of u. It is nil-safe.
func (u *UserContext) Clone() *UserContext {
	if u == nil {
		return nil
	}
	c := *u
	c.ConnectionIDs = u.ConnectionIDs.Clone()
	c.Groups = u.Groups.Clone()
	return &c
}

// Member is a group membership entry.
type Member struct {
	JoinedAt time.Time `json:"joinedAt"`
}

// GroupContext is a named set of member usernames.
type GroupContext struct {
	ID        uuid.UUID         `json:"id"`
	Name      string            `json:"name"`
	Members   map[string]Member `json:"members"`
	CreatedAt time.Time         `json:"createdAt"`
	DeletedAt *time.Time        `json:"deletedAt,omitempty"`
}

// NewGroup returns an empty group with a fresh id.
func NewGroup(name string, at time.Time) *GroupContext {
	return &GroupContext{
		ID:        uuid.New(),
		Name:      name,
		Members:   make(map[string]Member),
		CreatedAt: at,
	}
}

// Clone returns a deep copy of g. It is nil-safe.
func (g *GroupContext) Clone() *GroupContext {
	if g == nil {
		return nil
	}
	c := *g
	c.Members = make(map[string]Member, len(g.Members))
	for k, v := range g.Members {
		c.Members[k] = v
	}
	if g.DeletedAt != nil {
		d := *g.DeletedAt
		c.DeletedAt = &d
	}
	return &c
}

// Usernames returns the member names in sorted order.
func (g *GroupContext) Usernames() []string {
	out := make([]string, 0, len(g.Members))
	for name := range g.Members {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// ConnectionRecord is the primary's index entry for a client connection.
// It carries no socket; it only answers "which worker owns this id".
type ConnectionRecord struct {
	ID       ConnectionID `json:"id"`
	OwnerID  int          `json:"ownerId"`
	Username string       `json:"username,omitempty"`
	OpenedAt time.Time    `json:"openedAt"`
}

// Socket is the write side of a live client transport.
type Socket interface {
	// Send queues a frame for delivery. It must not block.
	Send(frame []byte) error
	Close() error
}

// LocalConnection is a worker's entry for a connection it accepted.
type LocalConnection struct {
	ID            ConnectionID
	OwnerID       int
	BoundUsername string
	Phase         lifecycle.Phase
	Socket        Socket
	OpenedAt      time.Time
}

// Snapshot is a point-in-time copy of the primary's state.
type Snapshot struct {
	Connections []ConnectionRecord `json:"clientConnections"`
	Users       []*UserContext     `json:"users"`
	Groups      []*GroupContext    `json:"groups"`
}
