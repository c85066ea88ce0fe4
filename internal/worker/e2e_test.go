package worker_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/signalhub/internal/api"
	"github.com/dreamware/signalhub/internal/cluster"
	"github.com/dreamware/signalhub/internal/ipc"
	"github.com/dreamware/signalhub/internal/primary"
	"github.com/dreamware/signalhub/internal/worker"
)

const serverName = "test-server"

// testCluster is a primary and a set of workers wired over real websockets.
type testCluster struct {
	primaryURL string
	workerURLs map[int]string
	api        *cluster.Client
}

func startCluster(t *testing.T, workerIDs ...int) *testCluster {
	t.Helper()
	logger := zerolog.Nop()

	registry := primary.NewWorkerRegistry()
	coord := primary.NewCoordinator(registry, logger)
	coord.Bootstrap([]string{"p2p", "group_chat"})

	psrv := httptest.NewServer(api.NewRouter(api.Options{
		IPC: primary.NewHub(coord, registry, ipc.LinkOptions{}, logger),
	}, coord, logger))
	t.Cleanup(psrv.Close)

	tc := &testCluster{
		primaryURL: psrv.URL,
		workerURLs: make(map[int]string),
		api:        cluster.NewClient(psrv.URL),
	}

	ctx, cancel := context.WithCancel(context.Background())
	ipcURL := "ws" + strings.TrimPrefix(psrv.URL, "http") + "/ipc"
	for _, id := range workerIDs {
		node := worker.NewNode(worker.NodeOptions{ID: id, ServerName: serverName, RegistrationTimeout: 2 * time.Second}, logger)
		wsrv := httptest.NewServer(worker.NewServer(node, worker.SocketOptions{}, logger).Handler())
		t.Cleanup(wsrv.Close)
		tc.workerURLs[id] = wsrv.URL

		go node.Run(ctx)
		go worker.RunPrimaryLink(ctx, node, ipcURL, ipc.Hello{WorkerID: id, Addr: wsrv.URL}, ipc.LinkOptions{}, logger)
	}
	go coord.Run(ctx)
	t.Cleanup(cancel)

	require.Eventually(t, func() bool {
		if registry.Len() != len(workerIDs) {
			return false
		}
		for _, u := range tc.workerURLs {
			if !attached(u) {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond, "workers never attached to the primary")
	return tc
}

func attached(workerURL string) bool {
	resp, err := http.Get(workerURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	var st worker.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return false
	}
	return st.Primary
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

// dial opens a client websocket on the given worker and consumes its
// connection ack.
func (tc *testCluster) dial(t *testing.T, workerID int) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(tc.workerURLs[workerID], "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &client{t: t, conn: conn}
	ack := c.read()
	require.Equal(t, "conn", ack["type"])
	require.Equal(t, serverName, ack["from"])
	c.id, _ = ack["connectionId"].(string)
	require.NotEmpty(t, c.id)
	return c
}

func (c *client) send(frame string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (c *client) readRaw() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	return string(data)
}

func (c *client) read() map[string]any {
	c.t.Helper()
	var out map[string]any
	require.NoError(c.t, json.Unmarshal([]byte(c.readRaw()), &out))
	return out
}

func (c *client) register(name string) map[string]any {
	c.t.Helper()
	c.send(`{"type":"reg","from":"` + name + `"}`)
	return c.read()
}

func TestClusterRegistration(t *testing.T) {
	tc := startCluster(t, 1, 2)

	first := tc.dial(t, 1)
	ack := first.register("alice")
	assert.Equal(t, "reg", ack["type"])
	assert.Equal(t, serverName, ack["from"])
	assert.Equal(t, "alice", ack["to"])
	assert.Equal(t, true, ack["success"])

	second := tc.dial(t, 2)
	ack = second.register("alice")
	assert.Equal(t, false, ack["success"])

	online, err := tc.api.UserStatus(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, online)
}

func TestClusterGroupMembershipFollowsDisconnect(t *testing.T) {
	tc := startCluster(t, 1)
	ctx := context.Background()

	alice := tc.dial(t, 1)
	require.Equal(t, true, alice.register("alice")["success"])

	alice.send(`{"type":"reggrp","from":"alice","groupName":"p2p"}`)
	ack := alice.read()
	assert.Equal(t, "reggrp", ack["type"])
	assert.Equal(t, true, ack["success"])

	groups, err := tc.api.ActiveGroups(ctx, "p2p")
	require.NoError(t, err)
	assert.Contains(t, groups.Groups["p2p"].Members, "alice")

	require.NoError(t, alice.conn.Close())

	assert.Eventually(t, func() bool {
		groups, err := tc.api.ActiveGroups(ctx, "p2p")
		if err != nil {
			return false
		}
		_, member := groups.Groups["p2p"].Members["alice"]
		return !member
	}, 3*time.Second, 20*time.Millisecond)

	online, err := tc.api.UserStatus(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestClusterForwardsAcrossWorkers(t *testing.T) {
	tc := startCluster(t, 1, 2)

	alice := tc.dial(t, 1)
	require.Equal(t, true, alice.register("alice")["success"])
	bob := tc.dial(t, 2)
	require.Equal(t, true, bob.register("bob")["success"])

	offer := `{"type":"offer","from":"alice","to":"bob","isClientMessage":true,"sdp":"v=0"}`
	alice.send(offer)
	assert.JSONEq(t, offer, bob.readRaw())

	answer := `{"type":"answer","from":"bob","to":["alice"],"isClientMessage":true,"sdp":"v=0"}`
	bob.send(answer)
	assert.JSONEq(t, answer, alice.readRaw())
}

func TestClusterBroadcastAll(t *testing.T) {
	tc := startCluster(t, 1, 2)

	local := []*client{tc.dial(t, 1), tc.dial(t, 1), tc.dial(t, 1)}
	remote := []*client{tc.dial(t, 2), tc.dial(t, 2)}

	frame := `{"type":"announce","from":"a1","broadCastType":0,"isClientMessage":true}`
	local[0].send(frame)

	for _, c := range append(local, remote...) {
		assert.JSONEq(t, frame, c.readRaw())
	}
}

func TestClusterGroupBroadcast(t *testing.T) {
	tc := startCluster(t, 1, 2)

	alice := tc.dial(t, 1)
	require.Equal(t, true, alice.register("alice")["success"])
	bob := tc.dial(t, 2)
	require.Equal(t, true, bob.register("bob")["success"])
	carol := tc.dial(t, 2)
	require.Equal(t, true, carol.register("carol")["success"])

	for _, c := range []struct {
		cl   *client
		name string
	}{{alice, "alice"}, {bob, "bob"}} {
		c.cl.send(`{"type":"reggrp","from":"` + c.name + `","groupName":"group_chat"}`)
		require.Equal(t, true, c.cl.read()["success"])
	}

	frame := `{"type":"chat","from":"alice","broadCastType":1,"groupName":"group_chat","isClientMessage":true,"text":"hi"}`
	alice.send(frame)
	assert.JSONEq(t, frame, bob.readRaw())

	// carol is not a member; the next thing she sees is a direct message.
	direct := `{"type":"ping","from":"bob","to":"carol","isClientMessage":true}`
	bob.send(direct)
	assert.JSONEq(t, direct, carol.readRaw())
}

func TestClusterRegistrationThroughAPI(t *testing.T) {
	tc := startCluster(t, 1)
	ctx := context.Background()

	c := tc.dial(t, 1)
	// The connection reaches the primary over IPC, possibly after the ack.
	var resp *cluster.UserRegisterResponse
	require.Eventually(t, func() bool {
		var err error
		resp, err = tc.api.RegisterUser(ctx, c.id, cluster.UserRegisterRequest{Username: "dave", NeedRegister: true})
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
	assert.True(t, resp.Success)
	assert.Equal(t, c.id, resp.ConnectionID)

	ack := c.read()
	assert.Equal(t, "reg", ack["type"])
	assert.Equal(t, "dave", ack["to"])
	assert.Equal(t, true, ack["success"])

	_, err := tc.api.RegisterUser(ctx, c.id, cluster.UserRegisterRequest{Username: "dave", NeedRegister: false})
	require.NoError(t, err)
	online, err := tc.api.UserStatus(ctx, "dave")
	require.NoError(t, err)
	assert.False(t, online)
}
