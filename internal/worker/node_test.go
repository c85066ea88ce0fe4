package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/dreamware/signalhub/internal/ipc"
	"github.com/dreamware/signalhub/internal/lifecycle"
	"github.com/dreamware/signalhub/internal/signal"
	"github.com/dreamware/signalhub/internal/state"
)

type fakeSocket struct {
	mu     sync.Mutex
	frames []string
	closed bool
}

func (f *fakeSocket) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrSocketClosed
	}
	f.frames = append(f.frames, string(frame))
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) take() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.frames
	f.frames = nil
	return out
}

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakePrimary records what the node sends upstream after an encode/decode
// round trip.
type fakePrimary struct {
	mu   sync.Mutex
	msgs []ipc.Message
}

func (p *fakePrimary) Send(m ipc.Message) error {
	raw, err := ipc.Encode(1, m)
	if err != nil {
		return err
	}
	pkt, err := ipc.Decode(raw)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, pkt.Message)
	return nil
}

func (p *fakePrimary) take() []ipc.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.msgs
	p.msgs = nil
	return out
}

type nodeHarness struct {
	node    *Node
	primary *fakePrimary
	ids     int
}

func newNodeHarness(t *testing.T, timeout time.Duration) *nodeHarness {
	t.Helper()
	h := &nodeHarness{primary: &fakePrimary{}}
	h.node = NewNode(NodeOptions{ID: 1, ServerName: "test-server", RegistrationTimeout: timeout}, zerolog.Nop())
	h.node.newID = func() state.ConnectionID {
		h.ids++
		return state.ConnectionID("c" + string(rune('0'+h.ids)))
	}
	ctx, cancel := context.WithCancel(context.Background())
	go h.node.Run(ctx)
	t.Cleanup(cancel)
	h.node.SetPrimary(h.primary)
	return h
}

func (h *nodeHarness) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.node.do(ctx, func() {}))
}

func (h *nodeHarness) connect(t *testing.T) (state.ConnectionID, *fakeSocket) {
	t.Helper()
	sock := &fakeSocket{}
	id, err := h.node.Connect(context.Background(), sock)
	require.NoError(t, err)
	sock.take()
	h.primary.take()
	return id, sock
}

func (h *nodeHarness) send(t *testing.T, id state.ConnectionID, frame string) {
	t.Helper()
	h.node.Receive(id, []byte(frame))
	h.sync(t)
}

func (h *nodeHarness) phase(t *testing.T, id state.ConnectionID) lifecycle.Phase {
	t.Helper()
	p := lifecycle.Closed
	err := h.node.Inspect(context.Background(), func(s *state.WorkerStore) {
		if c, err := s.GetConnection(id); err == nil {
			p = c.Phase
		}
	})
	assert.NoError(t, err)
	return p
}

// registered connects a client and completes its registration as name.
func (h *nodeHarness) registered(t *testing.T, name string) (state.ConnectionID, *fakeSocket) {
	t.Helper()
	id, sock := h.connect(t)
	h.send(t, id, `{"type":"reg","from":"`+name+`"}`)
	h.primary.take()
	h.node.Deliver(ipc.Packet{Message: ipc.UserRegister{
		User:          state.NewUserContext(name, 1, id, time.Now()),
		ConnectionIDs: []state.ConnectionID{id},
	}})
	h.sync(t)
	sock.take()
	return id, sock
}

func TestConnectAcknowledgesAndNotifiesPrimary(t *testing.T) {
	h := newNodeHarness(t, time.Second)
	sock := &fakeSocket{}
	id, err := h.node.Connect(context.Background(), sock)
	require.NoError(t, err)

	frames := sock.take()
	require.Len(t, frames, 1)
	assert.Equal(t, signal.TypeConnect, gjson.Get(frames[0], "type").String())
	assert.Equal(t, string(id), gjson.Get(frames[0], "connectionId").String())
	assert.Equal(t, string(id), gjson.Get(frames[0], "authorization").String())

	msgs := h.primary.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, ipc.ConnectionStatus{ConnectionID: id, Connected: true}, msgs[0])
	assert.Equal(t, lifecycle.Open, h.phase(t, id))
}

func TestConnectWithoutPrimary(t *testing.T) {
	node := NewNode(NodeOptions{ID: 1}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go node.Run(ctx)

	_, err := node.Connect(context.Background(), &fakeSocket{})
	assert.ErrorIs(t, err, ErrNoPrimary)
}

func TestConnectRefusedWhenPrimaryBackedUp(t *testing.T) {
	node := NewNode(NodeOptions{ID: 1, ServerName: "test-server"}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go node.Run(ctx)
	node.SetPrimary(ipc.SenderFunc(func(ipc.Message) error { return ipc.ErrLinkBackedUp }))

	sock := &fakeSocket{}
	_, err := node.Connect(context.Background(), sock)
	assert.ErrorIs(t, err, ErrPrimaryUnreachable)
	assert.Empty(t, sock.take())

	st, err := node.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, st.Connections)
}

func TestRegisterConfirmed(t *testing.T) {
	h := newNodeHarness(t, time.Second)
	id, sock := h.connect(t)

	h.send(t, id, `{"type":"reg","from":"alice"}`)
	assert.Equal(t, lifecycle.Registering, h.phase(t, id))
	assert.Equal(t, []ipc.Message{ipc.RegisterRequest{ConnectionID: id, Username: "alice"}}, h.primary.take())
	assert.Empty(t, sock.take())

	// Anything but the answer is refused while registering.
	h.send(t, id, `{"type":"reg","from":"alice"}`)
	frames := sock.take()
	require.Len(t, frames, 1)
	assert.False(t, gjson.Get(frames[0], "success").Bool())
	assert.Empty(t, h.primary.take())

	h.node.Deliver(ipc.Packet{Message: ipc.UserRegister{
		User:          state.NewUserContext("alice", 1, id, time.Now()),
		ConnectionIDs: []state.ConnectionID{id},
	}})
	h.sync(t)

	assert.Equal(t, lifecycle.Registered, h.phase(t, id))
	frames = sock.take()
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"type":"reg","from":"test-server","to":"alice","success":true}`, frames[0])

	require.NoError(t, h.node.Inspect(context.Background(), func(s *state.WorkerStore) {
		assert.True(t, s.HasUser("alice"))
		assert.Len(t, s.ConnectionsOf("alice"), 1)
	}))
}

func TestRegisterRejected(t *testing.T) {
	h := newNodeHarness(t, time.Second)
	id, sock := h.connect(t)
	h.send(t, id, `{"type":"reg","from":"alice"}`)
	h.primary.take()

	h.node.Deliver(ipc.Packet{Message: ipc.RegisterRejected{ConnectionID: id, Username: "alice", Reason: "conflict: taken"}})
	h.sync(t)

	assert.Equal(t, lifecycle.Open, h.phase(t, id))
	frames := sock.take()
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"type":"reg","from":"test-server","to":"alice","success":false,"message":"conflict: taken"}`, frames[0])
}

func TestRegisterValidation(t *testing.T) {
	h := newNodeHarness(t, time.Second)
	id, sock := h.registered(t, "alice")

	h.send(t, id, `{"type":"reg","from":"other"}`)
	frames := sock.take()
	require.Len(t, frames, 1)
	assert.Contains(t, gjson.Get(frames[0], "message").String(), "already registered")

	id2, sock2 := h.connect(t)
	h.send(t, id2, `{"type":"reg","from":""}`)
	frames = sock2.take()
	require.Len(t, frames, 1)
	assert.False(t, gjson.Get(frames[0], "success").Bool())
	assert.Empty(t, h.primary.take())
	assert.Equal(t, lifecycle.Open, h.phase(t, id2))
}

// TestRegisterTimeoutThenLateConfirmation checks that a confirmation arriving
// after the timeout is handed back to the primary instead of being applied.
func TestRegisterTimeoutThenLateConfirmation(t *testing.T) {
	h := newNodeHarness(t, 30*time.Millisecond)
	id, sock := h.connect(t)
	h.send(t, id, `{"type":"reg","from":"alice"}`)
	h.primary.take()

	require.Eventually(t, func() bool { return h.phase(t, id) == lifecycle.Open }, time.Second, 10*time.Millisecond)
	frames := sock.take()
	require.Len(t, frames, 1)
	assert.Equal(t, "registration timed out", gjson.Get(frames[0], "message").String())

	h.node.Deliver(ipc.Packet{Message: ipc.UserRegister{
		User:          state.NewUserContext("alice", 1, id, time.Now()),
		ConnectionIDs: []state.ConnectionID{id},
	}})
	h.sync(t)

	assert.Equal(t, lifecycle.Open, h.phase(t, id))
	assert.Empty(t, sock.take())
	assert.Equal(t, []ipc.Message{ipc.DeregisterRequest{ConnectionID: id, Username: "alice"}}, h.primary.take())
}

func TestUnsolicitedConfirmationBinds(t *testing.T) {
	h := newNodeHarness(t, time.Second)
	id, sock := h.connect(t)

	h.node.Deliver(ipc.Packet{Message: ipc.UserRegister{
		User:          state.NewUserContext("bob", 1, id, time.Now()),
		ConnectionIDs: []state.ConnectionID{id},
	}})
	h.sync(t)

	assert.Equal(t, lifecycle.Registered, h.phase(t, id))
	assert.Len(t, sock.take(), 1)
}

// TestConfirmationForOtherNameFailsPendingRequest covers a name committed
// through the query API while the client's own request is in flight.
func TestConfirmationForOtherNameFailsPendingRequest(t *testing.T) {
	h := newNodeHarness(t, time.Second)
	id, sock := h.connect(t)
	h.send(t, id, `{"type":"reg","from":"alice"}`)
	h.primary.take()

	h.node.Deliver(ipc.Packet{Message: ipc.UserRegister{
		User:          state.NewUserContext("bob", 1, id, time.Now()),
		ConnectionIDs: []state.ConnectionID{id},
	}})
	h.sync(t)

	assert.Equal(t, lifecycle.Registered, h.phase(t, id))
	frames := sock.take()
	require.Len(t, frames, 2)
	assert.Equal(t, "alice", gjson.Get(frames[0], "to").String())
	assert.False(t, gjson.Get(frames[0], "success").Bool())
	assert.JSONEq(t, `{"type":"reg","from":"test-server","to":"bob","success":true}`, frames[1])

	// The primary's rejection of alice has nothing left to answer.
	h.node.Deliver(ipc.Packet{Message: ipc.RegisterRejected{ConnectionID: id, Username: "alice", Reason: "conflict"}})
	h.sync(t)
	assert.Empty(t, sock.take())
	assert.Equal(t, lifecycle.Registered, h.phase(t, id))

	// The pending timer was stopped along with the request.
	require.NoError(t, h.node.Inspect(context.Background(), func(s *state.WorkerStore) {
		assert.True(t, s.HasUser("bob"))
	}))
	status, err := h.node.Status(context.Background())
	require.NoError(t, err)
	assert.Zero(t, status.Pending)
}

func TestDeregister(t *testing.T) {
	h := newNodeHarness(t, time.Second)
	id, _ := h.registered(t, "alice")

	// Someone else's name is ignored.
	h.send(t, id, `{"type":"dereg","from":"bob"}`)
	assert.Empty(t, h.primary.take())

	h.send(t, id, `{"type":"dereg","from":"alice"}`)
	assert.Equal(t, []ipc.Message{ipc.DeregisterRequest{ConnectionID: id, Username: "alice"}}, h.primary.take())
	// Still bound until the primary answers.
	assert.Equal(t, lifecycle.Registered, h.phase(t, id))

	h.node.Deliver(ipc.Packet{Message: ipc.UserDeregister{Username: "alice", ConnectionIDs: []state.ConnectionID{id}}})
	h.sync(t)

	assert.Equal(t, lifecycle.Open, h.phase(t, id))
	require.NoError(t, h.node.Inspect(context.Background(), func(s *state.WorkerStore) {
		assert.False(t, s.HasUser("alice"))
		assert.Empty(t, s.ConnectionsOf("alice"))
	}))
}

func TestGroupJoinAndLeave(t *testing.T) {
	h := newNodeHarness(t, time.Second)

	t.Run("requires registration", func(t *testing.T) {
		id, sock := h.connect(t)
		h.send(t, id, `{"type":"reggrp","from":"x","groupName":"p2p"}`)
		frames := sock.take()
		require.Len(t, frames, 1)
		assert.Equal(t, "reggrp", gjson.Get(frames[0], "type").String())
		assert.False(t, gjson.Get(frames[0], "success").Bool())
		assert.Empty(t, h.primary.take())
	})

	id, sock := h.registered(t, "alice")

	t.Run("join", func(t *testing.T) {
		h.send(t, id, `{"type":"reggrp","from":"alice","groupName":"p2p"}`)
		assert.Equal(t, []ipc.Message{ipc.GroupRequest{
			ConnectionID: id, Username: "alice", GroupName: "p2p", Op: ipc.GroupJoin,
		}}, h.primary.take())

		user := state.NewUserContext("alice", 1, id, time.Now())
		user.Groups.Add("p2p")
		h.node.Deliver(ipc.Packet{Message: ipc.GroupResult{
			ConnectionID: id, Username: "alice", GroupName: "p2p", Op: ipc.GroupJoin, Success: true, User: user,
		}})
		h.sync(t)

		frames := sock.take()
		require.Len(t, frames, 1)
		assert.JSONEq(t, `{"type":"reggrp","from":"test-server","to":"alice","groupName":"p2p","success":true}`, frames[0])
		require.NoError(t, h.node.Inspect(context.Background(), func(s *state.WorkerStore) {
			u, err := s.GetUser("alice")
			if assert.NoError(t, err) {
				assert.True(t, u.Groups.Has("p2p"))
			}
		}))
	})

	t.Run("leave rejected", func(t *testing.T) {
		h.send(t, id, `{"type":"dereggrp","from":"alice","groupName":"nope"}`)
		h.primary.take()
		h.node.Deliver(ipc.Packet{Message: ipc.GroupResult{
			ConnectionID: id, Username: "alice", GroupName: "nope", Op: ipc.GroupLeave, Reason: "not found: group",
		}})
		h.sync(t)

		frames := sock.take()
		require.Len(t, frames, 1)
		assert.Equal(t, "dereggrp", gjson.Get(frames[0], "type").String())
		assert.False(t, gjson.Get(frames[0], "success").Bool())
		assert.Equal(t, "not found: group", gjson.Get(frames[0], "message").String())
	})
}

func TestRouting(t *testing.T) {
	h := newNodeHarness(t, time.Second)
	aliceID, alice := h.registered(t, "alice")
	_, bob := h.registered(t, "bob")

	t.Run("local recipient is never forwarded", func(t *testing.T) {
		frame := `{"from":"alice","to":"bob","type":"offer","isClientMessage":true,"sdp":"x"}`
		h.send(t, aliceID, frame)
		frames := bob.take()
		require.Len(t, frames, 1)
		assert.JSONEq(t, frame, frames[0])
		assert.Empty(t, h.primary.take())
		assert.Empty(t, alice.take())
	})

	t.Run("remote recipients forwarded once each", func(t *testing.T) {
		frame := `{"from":"alice","to":["bob","carol","dave"],"type":"offer","isClientMessage":true}`
		h.send(t, aliceID, frame)
		assert.Len(t, bob.take(), 1)

		msgs := h.primary.take()
		require.Len(t, msgs, 2)
		for i, to := range []string{"carol", "dave"} {
			um, ok := msgs[i].(ipc.UserMessage)
			require.True(t, ok)
			assert.Equal(t, "alice", um.From)
			assert.Equal(t, to, um.To)
			assert.JSONEq(t, frame, string(um.Payload))
		}
	})

	t.Run("repeated recipients handled once", func(t *testing.T) {
		frame := `{"from":"alice","to":["bob","bob","carol","carol"],"type":"offer","isClientMessage":true}`
		h.send(t, aliceID, frame)
		assert.Len(t, bob.take(), 1)

		msgs := h.primary.take()
		require.Len(t, msgs, 1)
		um, ok := msgs[0].(ipc.UserMessage)
		require.True(t, ok)
		assert.Equal(t, "carol", um.To)
	})

	t.Run("non-client frames are not forwarded", func(t *testing.T) {
		h.send(t, aliceID, `{"from":"alice","to":"carol","type":"offer"}`)
		assert.Empty(t, h.primary.take())
	})

	t.Run("malformed frames are dropped", func(t *testing.T) {
		h.send(t, aliceID, `{not json`)
		h.send(t, aliceID, `{"from":"alice","to":5,"type":"offer"}`)
		assert.Empty(t, h.primary.take())
		assert.Empty(t, bob.take())
		assert.Equal(t, lifecycle.Registered, h.phase(t, aliceID))
	})

	t.Run("forwarded message delivered", func(t *testing.T) {
		payload := json.RawMessage(`{"from":"zed","to":"alice","type":"answer"}`)
		h.node.Deliver(ipc.Packet{Message: ipc.UserMessage{From: "zed", To: "alice", Payload: payload}})
		h.sync(t)
		frames := alice.take()
		require.Len(t, frames, 1)
		assert.JSONEq(t, string(payload), frames[0])

		// No further hop for an unknown recipient.
		h.node.Deliver(ipc.Packet{Message: ipc.UserMessage{From: "zed", To: "nobody", Payload: payload}})
		h.sync(t)
		assert.Empty(t, h.primary.take())
	})
}

func TestBroadcast(t *testing.T) {
	h := newNodeHarness(t, time.Second)
	aliceID, alice := h.registered(t, "alice")
	_, bob := h.registered(t, "bob")
	_, anon := h.connect(t)

	t.Run("all scope delivers locally and relays", func(t *testing.T) {
		frame := `{"from":"alice","type":"hello","broadCastType":0}`
		h.send(t, aliceID, frame)
		for _, s := range []*fakeSocket{alice, bob, anon} {
			require.Len(t, s.take(), 1)
		}
		msgs := h.primary.take()
		require.Len(t, msgs, 1)
		bm := msgs[0].(ipc.BroadcastMessage)
		assert.Equal(t, signal.ScopeAll, bm.Scope)
		assert.JSONEq(t, frame, string(bm.Payload))
	})

	t.Run("group scope only relays", func(t *testing.T) {
		h.send(t, aliceID, `{"from":"alice","type":"hello","broadCastType":1,"groupName":"p2p"}`)
		assert.Empty(t, alice.take())
		assert.Empty(t, bob.take())
		msgs := h.primary.take()
		require.Len(t, msgs, 1)
		bm := msgs[0].(ipc.BroadcastMessage)
		assert.Equal(t, signal.ScopeGroup, bm.Scope)
		assert.Equal(t, "p2p", bm.GroupName)
	})

	t.Run("relayed group broadcast reaches named members", func(t *testing.T) {
		payload := json.RawMessage(`{"from":"zed","type":"hello","broadCastType":1,"groupName":"p2p"}`)
		h.node.Deliver(ipc.Packet{Message: ipc.BroadcastMessage{
			Scope: signal.ScopeGroup, GroupName: "p2p", From: "zed", Recipients: []string{"bob"}, Payload: payload,
		}})
		h.sync(t)
		assert.Empty(t, alice.take())
		assert.Len(t, bob.take(), 1)
		assert.Empty(t, anon.take())
	})

	t.Run("relayed broadcast to all", func(t *testing.T) {
		payload := json.RawMessage(`{"from":"zed","type":"hello","broadCastType":0}`)
		h.node.Deliver(ipc.Packet{Message: ipc.BroadcastMessage{Scope: signal.ScopeAll, From: "zed", Payload: payload}})
		h.sync(t)
		for _, s := range []*fakeSocket{alice, bob, anon} {
			assert.Len(t, s.take(), 1)
		}
	})
}

func TestDisconnect(t *testing.T) {
	h := newNodeHarness(t, time.Second)
	id, sock := h.registered(t, "alice")

	h.node.Disconnect(id, nil)
	h.sync(t)

	assert.True(t, sock.isClosed())
	assert.Equal(t, []ipc.Message{ipc.ConnectionStatus{ConnectionID: id, Connected: false}}, h.primary.take())
	require.NoError(t, h.node.Inspect(context.Background(), func(s *state.WorkerStore) {
		_, err := s.GetConnection(id)
		assert.ErrorIs(t, err, state.ErrNotFound)
		assert.Empty(t, s.ConnectionsOf("alice"))
	}))

	// Repeated closes and frames for the closed id do nothing.
	h.node.Disconnect(id, nil)
	h.send(t, id, `{"from":"alice","to":"bob","type":"offer","isClientMessage":true}`)
	assert.Empty(t, h.primary.take())
}

func TestDisconnectCancelsPendingRegistration(t *testing.T) {
	h := newNodeHarness(t, time.Second)
	id, _ := h.connect(t)
	h.send(t, id, `{"type":"reg","from":"alice"}`)
	h.primary.take()

	h.node.Disconnect(id, assert.AnError)
	h.sync(t)

	st, err := h.node.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, 0, st.Connections)

	// The confirmation racing the close is ignored.
	h.node.Deliver(ipc.Packet{Message: ipc.UserRegister{
		User:          state.NewUserContext("alice", 1, id, time.Now()),
		ConnectionIDs: []state.ConnectionID{id},
	}})
	h.sync(t)
	assert.Equal(t, []ipc.Message{ipc.ConnectionStatus{ConnectionID: id, Connected: false}}, h.primary.take())
}

func TestPrimaryLostClosesClients(t *testing.T) {
	h := newNodeHarness(t, time.Second)
	_, a := h.registered(t, "alice")
	_, b := h.connect(t)

	h.node.PrimaryLost()
	h.sync(t)

	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	st, err := h.node.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Primary)
	assert.Equal(t, 0, st.Connections)

	_, err = h.node.Connect(context.Background(), &fakeSocket{})
	assert.ErrorIs(t, err, ErrNoPrimary)
}
