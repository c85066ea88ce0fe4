package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func seededStore(t *testing.T) *PrimaryStore {
	t.Helper()
	s := NewPrimaryStore()
	s.PutGroup(NewGroup("p2p", epoch))
	s.PutGroup(NewGroup("group_chat", epoch))
	s.PutConnection(ConnectionRecord{ID: "c1", OwnerID: 1, OpenedAt: epoch})
	s.PutUser(NewUserContext("alice", 1, "c1", epoch))
	return s
}

func TestPrimaryStoreUsers(t *testing.T) {
	s := seededStore(t)

	assert.True(t, s.HasUser("alice"))
	assert.False(t, s.HasUser("bob"))

	u, err := s.GetUser("alice")
	require.NoError(t, err)
	assert.Equal(t, 1, u.OwnerID)
	assert.Equal(t, []ConnectionID{"c1"}, s.ConnectionsOf("alice"))

	_, err = s.GetUser("bob")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.True(t, s.RemoveUser("alice"))
	assert.False(t, s.RemoveUser("alice"))
	assert.Nil(t, s.ConnectionsOf("alice"))
}

func TestAddMember(t *testing.T) {
	tests := []struct {
		name    string
		user    string
		group   string
		wantErr error
	}{
		{name: "joins", user: "alice", group: "p2p"},
		{name: "unknown group", user: "alice", group: "nope", wantErr: ErrNotFound},
		{name: "unknown user", user: "bob", group: "p2p", wantErr: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := seededStore(t)
			err := s.AddMember(tt.user, tt.group, epoch)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			g, _ := s.GetGroup(tt.group)
			u, _ := s.GetUser(tt.user)
			assert.Contains(t, g.Members, tt.user)
			assert.True(t, u.Groups.Has(tt.group))
		})
	}
}

func TestAddMemberConflict(t *testing.T) {
	s := seededStore(t)
	require.NoError(t, s.AddMember("alice", "p2p", epoch))

	err := s.AddMember("alice", "p2p", epoch.Add(time.Minute))
	assert.ErrorIs(t, err, ErrConflict)

	g, _ := s.GetGroup("p2p")
	assert.Equal(t, epoch, g.Members["alice"].JoinedAt, "conflicting join must not touch the entry")
}

func TestRemoveMember(t *testing.T) {
	s := seededStore(t)
	require.NoError(t, s.AddMember("alice", "p2p", epoch))
	require.NoError(t, s.AddMember("alice", "group_chat", epoch))

	require.NoError(t, s.RemoveMember("alice", "p2p"))
	g, _ := s.GetGroup("p2p")
	u, _ := s.GetUser("alice")
	assert.NotContains(t, g.Members, "alice")
	assert.Equal(t, []string{"group_chat"}, u.Groups.Sorted())

	assert.ErrorIs(t, s.RemoveMember("alice", "p2p"), ErrNotFound, "absent membership is reported")
	assert.ErrorIs(t, s.RemoveMember("alice", "nope"), ErrNotFound)
}

func TestRemoveGroupDropsMemberships(t *testing.T) {
	s := seededStore(t)
	require.NoError(t, s.AddMember("alice", "p2p", epoch))

	assert.True(t, s.RemoveGroup("p2p"))
	assert.False(t, s.HasGroup("p2p"))
	u, _ := s.GetUser("alice")
	assert.False(t, u.Groups.Has("p2p"))
	assert.False(t, s.RemoveGroup("p2p"))
}

func TestConnections(t *testing.T) {
	s := NewPrimaryStore()
	s.PutConnection(ConnectionRecord{ID: "b", OwnerID: 2})
	s.PutConnection(ConnectionRecord{ID: "a", OwnerID: 1})
	s.PutConnection(ConnectionRecord{ID: "c", OwnerID: 1})

	rec, err := s.GetConnection("b")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.OwnerID)

	assert.Equal(t, []ConnectionID{"a", "c"}, s.ConnectionsOwnedBy(1))
	assert.Empty(t, s.ConnectionsOwnedBy(9))

	assert.True(t, s.RemoveConnection("a"))
	assert.False(t, s.RemoveConnection("a"))
	_, err = s.GetConnection("a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotIsDetached(t *testing.T) {
	s := seededStore(t)
	require.NoError(t, s.AddMember("alice", "p2p", epoch))

	snap := s.Snapshot()
	require.Len(t, snap.Users, 1)
	require.Len(t, snap.Groups, 2)
	require.Len(t, snap.Connections, 1)
	assert.Equal(t, "group_chat", snap.Groups[0].Name)

	snap.Users[0].Groups.Add("mutated")
	delete(snap.Groups[1].Members, "alice")

	u, _ := s.GetUser("alice")
	g, _ := s.GetGroup("p2p")
	assert.False(t, u.Groups.Has("mutated"))
	assert.Contains(t, g.Members, "alice")
}

func TestUserContextJSON(t *testing.T) {
	u := NewUserContext("alice", 2, "c9", epoch)
	u.Groups.Add("p2p")
	u.Groups.Add("file_transfer")

	raw, err := json.Marshal(u)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"username": "alice",
		"connectionIds": ["c9"],
		"groups": ["file_transfer", "p2p"],
		"ownerId": 2,
		"connectedAt": "2024-01-01T00:00:00Z"
	}`, string(raw))

	var back UserContext
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.True(t, back.Groups.Has("p2p"))
	assert.True(t, back.ConnectionIDs.Has("c9"))
}
