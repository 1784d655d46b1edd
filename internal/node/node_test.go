package node_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CanRau/logux-core/internal/node"
	"github.com/CanRau/logux-core/internal/store"
	"github.com/CanRau/logux-core/internal/synclog"
	"github.com/CanRau/logux-core/internal/testutil"
	"github.com/CanRau/logux-core/internal/transport"
	"github.com/CanRau/logux-core/internal/types"
)

// pair wires up two Nodes over an in-process TestPair.
type pair struct {
	client     *node.Node
	server     *node.Node
	clientLog  *testutil.TestTime
	serverLog  *testutil.TestTime
	clientConn transport.Connection
	serverConn transport.Connection
}

func newPair(t *testing.T, clientCfg, serverCfg node.Config) *pair {
	t.Helper()
	tp := transport.NewTestPair()

	ct := testutil.NewTestTime(1)
	st := testutil.NewTestTime(1)
	cl := testutil.NewTestLog("client", ct)
	sl := testutil.NewTestLog("server", st)

	return &pair{
		client:     node.New(node.RoleClient, cl, tp.Left, clientCfg),
		server:     node.New(node.RoleServer, sl, tp.Right, serverCfg),
		clientLog:  ct,
		serverLog:  st,
		clientConn: tp.Left,
		serverConn: tp.Right,
	}
}

// start brings up the server first so its message listener is
// registered before the client's "connect" can possibly arrive.
func (p *pair) start(t *testing.T, ctx context.Context) {
	t.Helper()
	require.NoError(t, p.server.Start(ctx))
	require.NoError(t, p.client.Start(ctx))
}

func waitSynchronized(t *testing.T, ctx context.Context, n *node.Node) {
	t.Helper()
	require.NoError(t, n.WaitFor(ctx, node.StateSynchronized))
}

func TestHandshake_ReachesSynchronized(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p := newPair(t, node.Config{Protocol: 7, MinProtocol: 7}, node.Config{Protocol: 7, MinProtocol: 7})
	p.start(t, ctx)

	waitSynchronized(t, ctx, p.client)
	waitSynchronized(t, ctx, p.server)

	require.True(t, p.client.Connected())
	require.True(t, p.server.Connected())
	require.Equal(t, "server", p.client.RemoteNodeID())
	require.Equal(t, "client", p.server.RemoteNodeID())

	p.client.Destroy("test done")
	p.server.Destroy("test done")
}

func TestHandshake_WrongProtocolRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p := newPair(t, node.Config{Protocol: 1, MinProtocol: 1}, node.Config{Protocol: 7, MinProtocol: 7})
	var got *node.NodeError
	p.client.OnError(func(e *node.NodeError) { got = e })

	p.start(t, ctx)

	require.Eventually(t, func() bool { return got != nil }, time.Second, 5*time.Millisecond)
	require.Equal(t, node.KindWrongProtocol, got.Kind)
	require.False(t, p.client.Synchronized())
	require.False(t, p.client.Connected(), "a rejected handshake never counts as connected")
}

func TestHandshake_AuthRejection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	serverCfg := node.Config{
		Protocol: 1, MinProtocol: 1,
		Auth: func(credentials interface{}, nodeID string) (bool, error) { return false, nil },
	}
	p := newPair(t, node.Config{Protocol: 1, MinProtocol: 1}, serverCfg)

	var got *node.NodeError
	p.client.OnError(func(e *node.NodeError) { got = e })
	p.start(t, ctx)

	require.Eventually(t, func() bool { return got != nil }, time.Second, 5*time.Millisecond)
	require.Equal(t, node.KindWrongCredentials, got.Kind)
	require.False(t, p.server.Connected(), "an unauthenticated peer never counts as connected")
}

func TestHandshake_MalformedMessage(t *testing.T) {
	// An empty array is not a valid frame for any tag and must be
	// rejected as wrong-format.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tp := transport.NewTestPair()
	sl := testutil.NewTestLog("server", testutil.NewTestTime(1))
	server := node.New(node.RoleServer, sl, tp.Right, node.Config{Protocol: 1, MinProtocol: 1})

	frames := make(chan transport.Message, 8)
	tp.Left.OnMessage(func(m transport.Message) { frames <- m })

	require.NoError(t, server.Start(ctx))
	require.NoError(t, tp.Left.Connect(ctx))
	tp.Left.Send(transport.Message{})

	select {
	case msg := <-frames:
		require.Equal(t, "error", msg[0])
		require.Equal(t, "wrong-format", msg[1])
		require.Equal(t, "[]", msg[2], "the rejected raw message is echoed back")
	case <-ctx.Done():
		t.Fatal("timed out waiting for error frame")
	}
	require.Eventually(t, func() bool { return server.State() == node.StateDisconnected }, time.Second, 5*time.Millisecond)
}

func TestHandshake_ConnectedCarriesClockPair(t *testing.T) {
	// A stubbed server clock returning 2 then 3 must produce
	// ["connected", P, "server", [2, 3]].
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tp := transport.NewTestPair()
	serverClock := testutil.NewTestTime(1)
	serverClock.Queue(2, 3)
	sl := testutil.NewTestLog("server", testutil.NewTestTime(1))
	server := node.New(node.RoleServer, sl, tp.Right, node.Config{Protocol: 7, MinProtocol: 7}).WithClock(serverClock)

	frames := make(chan transport.Message, 8)
	tp.Left.OnMessage(func(m transport.Message) { frames <- m })

	require.NoError(t, server.Start(ctx))
	require.NoError(t, tp.Left.Connect(ctx))
	tp.Left.Send(transport.Message{"connect", 7, "client", 0})

	select {
	case msg := <-frames:
		require.Equal(t, "connected", msg[0])
		require.EqualValues(t, 7, msg[1])
		require.Equal(t, "server", msg[2])
		require.Equal(t, []int64{2, 3}, msg[3])
	case <-ctx.Done():
		t.Fatal("timed out waiting for connected frame")
	}

	server.Destroy("test done")
}

func TestHandshake_WrongSubprotocolReported(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	clientCfg := node.Config{Protocol: 1, MinProtocol: 1, Subprotocol: "1.4.0"}
	serverCfg := node.Config{
		Protocol: 1, MinProtocol: 1,
		ConnectListener: node.RequireSubprotocol("2.0.0"),
	}
	p := newPair(t, clientCfg, serverCfg)

	var got *node.NodeError
	p.client.OnError(func(e *node.NodeError) { got = e })
	p.start(t, ctx)

	require.Eventually(t, func() bool { return got != nil }, time.Second, 5*time.Millisecond)
	require.Equal(t, node.KindWrongSubprotocol, got.Kind)
	require.True(t, got.Received)
	require.False(t, p.client.Synchronized())
}

func TestUnknownMessageTagDisconnects(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tp := transport.NewTestPair()
	sl := testutil.NewTestLog("server", testutil.NewTestTime(1))
	server := node.New(node.RoleServer, sl, tp.Right, node.Config{Protocol: 1, MinProtocol: 1})

	frames := make(chan transport.Message, 8)
	tp.Left.OnMessage(func(m transport.Message) { frames <- m })

	require.NoError(t, server.Start(ctx))
	require.NoError(t, tp.Left.Connect(ctx))
	tp.Left.Send(transport.Message{"gossip", 1})

	select {
	case msg := <-frames:
		require.Equal(t, "error", msg[0])
		require.Equal(t, "unknown-message", msg[1])
		require.Equal(t, "gossip", msg[2])
	case <-ctx.Done():
		t.Fatal("timed out waiting for error frame")
	}
	require.Eventually(t, func() bool { return server.State() == node.StateDisconnected }, time.Second, 5*time.Millisecond)
}

func TestLiveness_SilentPeerTimesOut(t *testing.T) {
	// An idle connection pings; a peer that never answers the ping fails
	// the node with a timeout error and disconnects it.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tp := transport.NewTestPair()
	cl := testutil.NewTestLog("client", testutil.NewTestTime(1))
	client := node.New(node.RoleClient, cl, tp.Left, node.Config{
		Protocol: 1, MinProtocol: 1,
		PingMs:    20,
		TimeoutMs: 40,
	})

	var got *node.NodeError
	client.OnError(func(e *node.NodeError) { got = e })

	// The peer end is open but nothing is listening: pings go
	// unanswered.
	require.NoError(t, tp.Right.Connect(ctx))
	require.NoError(t, client.Start(ctx))

	require.Eventually(t, func() bool {
		return got != nil && client.State() == node.StateDisconnected
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, node.KindTimeout, got.Kind)
	require.False(t, got.Received, "the timeout originates locally, not from the peer")
}

func TestSyncPipeline_FiltersAndMaps(t *testing.T) {
	// Normative pipeline ordering: outMap -> outFilter -> time-adjust on
	// send, inMap -> inFilter -> subprotocol-tag -> Log.add on receive.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tp := transport.NewTestPair()
	cl := testutil.NewTestLog("client", testutil.NewTestTime(1))
	sl := testutil.NewTestLog("server", testutil.NewTestTime(1))

	clientCfg := node.Config{
		Protocol: 1, MinProtocol: 1,
		OutFilter: func(action types.Action, meta types.Meta) bool {
			private, _ := action["private"].(bool)
			return !private
		},
	}
	serverCfg := node.Config{
		Protocol: 1, MinProtocol: 1,
		InMap: func(action types.Action, meta types.Meta) (types.Action, types.Meta) {
			action = action.Clone()
			action["seen"] = true
			return action, meta
		},
		InFilter: func(action types.Action, meta types.Meta) bool {
			return action.Type() != "drop"
		},
	}

	client := node.New(node.RoleClient, cl, tp.Left, clientCfg)
	server := node.New(node.RoleServer, sl, tp.Right, serverCfg)

	require.NoError(t, server.Start(ctx))
	require.NoError(t, client.Start(ctx))
	waitSynchronized(t, ctx, client)

	for _, a := range []types.Action{
		{"type": "keep"},
		{"type": "keep", "private": true},
		{"type": "drop"},
	} {
		_, err := cl.Add(ctx, a, types.Meta{Reasons: []string{"tab"}})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		last, err := sl.Store().GetLastAdded(ctx)
		return err == nil && last == 1
	}, time.Second, 5*time.Millisecond, "exactly one action should survive both pipelines")

	var stored []types.Action
	require.NoError(t, sl.Each(ctx, synclog.EachOptions{Order: store.OrderAdded}, func(action types.Action, meta types.Meta) bool {
		stored = append(stored, action)
		return false
	}))
	require.Len(t, stored, 1)
	require.Equal(t, "keep", stored[0].Type())
	require.Equal(t, true, stored[0]["seen"], "inMap must run before the entry reaches the Log")
	_, ok := stored[0]["private"]
	require.False(t, ok)

	require.NoError(t, client.WaitFor(ctx, node.StateSynchronized))
	clientSynced, err := cl.Store().GetLastSynced(ctx, "server")
	require.NoError(t, err)
	require.EqualValues(t, 3, clientSynced.Sent, "outFilter-dropped entries still advance the bookmark")

	client.Destroy("test done")
	server.Destroy("test done")
}

func TestHandshake_FixTime(t *testing.T) {
	// Client clock returns 10000 then 11101; server clock returns 50
	// then 1050. Both sides must settle on baseTime 1050 (the server's
	// send timestamp) and the client must estimate timeFix 10000.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tp := transport.NewTestPair()
	clientClock := testutil.NewTestTime(1)
	clientClock.Queue(10000, 11101)
	serverClock := testutil.NewTestTime(1)
	serverClock.Queue(50, 1050)

	cl := testutil.NewTestLog("client", testutil.NewTestTime(1))
	sl := testutil.NewTestLog("server", testutil.NewTestTime(1))

	client := node.New(node.RoleClient, cl, tp.Left, node.Config{Protocol: 1, MinProtocol: 1, FixTime: true}).WithClock(clientClock)
	server := node.New(node.RoleServer, sl, tp.Right, node.Config{Protocol: 1, MinProtocol: 1, FixTime: true}).WithClock(serverClock)

	require.NoError(t, server.Start(ctx))
	require.NoError(t, client.Start(ctx))

	waitSynchronized(t, ctx, client)
	waitSynchronized(t, ctx, server)

	require.EqualValues(t, 1050, client.BaseTime())
	require.EqualValues(t, 1050, server.BaseTime())
	require.EqualValues(t, 10000, client.TimeFix())

	client.Destroy("test done")
	server.Destroy("test done")
}

func TestSync_StreamsPendingActionsAndAcks(t *testing.T) {
	// With lastSent at 3 and actions 4..5 in the store, exactly those
	// two stream in one batch and the ack advances the bookmark to 5.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tp := transport.NewTestPair()
	ct := testutil.NewTestTime(1)
	st := testutil.NewTestTime(1)
	cl := testutil.NewTestLog("client", ct)
	sl := testutil.NewTestLog("server", st)

	// Pre-seed the client's store with actions added 1..5 and mark 1..3
	// as already sent to "server", reproducing "sent: 3" with added 4
	// and 5 outstanding.
	var lastMeta types.Meta
	for i := 0; i < 5; i++ {
		m, err := cl.Add(ctx, types.Action{"type": "t", "i": i}, types.Meta{Reasons: []string{"tab"}})
		require.NoError(t, err)
		lastMeta = m
	}
	require.EqualValues(t, 5, lastMeta.Added)
	sent := uint64(3)
	require.NoError(t, cl.Store().SetLastSynced(ctx, "server", store.SyncedUpdate{Sent: &sent}))

	client := node.New(node.RoleClient, cl, tp.Left, node.Config{Protocol: 1, MinProtocol: 1})
	server := node.New(node.RoleServer, sl, tp.Right, node.Config{Protocol: 1, MinProtocol: 1})

	var applied []types.Meta
	server.OnAdd(func(action types.Action, meta types.Meta) { applied = append(applied, meta) })

	require.NoError(t, server.Start(ctx))
	require.NoError(t, client.Start(ctx))

	waitSynchronized(t, ctx, client)
	waitSynchronized(t, ctx, server)

	require.Len(t, applied, 2, "only the two unsynced actions (added 4, 5) should stream")

	clientSynced, err := cl.Store().GetLastSynced(ctx, "server")
	require.NoError(t, err)
	require.EqualValues(t, 5, clientSynced.Sent)

	client.Destroy("test done")
	server.Destroy("test done")
}

func TestSync_DuplicateDeliveryIsIdempotent(t *testing.T) {
	// An action already present by id on the receiving Log does not
	// re-fire "add" when it arrives again over the wire.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tp := transport.NewTestPair()
	cl := testutil.NewTestLog("client", testutil.NewTestTime(1))
	sl := testutil.NewTestLog("server", testutil.NewTestTime(1))

	shared := types.Meta{ID: "1 client 0", Time: 1, Reasons: []string{"tab"}}
	_, err := sl.Add(ctx, types.Action{"type": "t"}, shared)
	require.NoError(t, err)
	_, err = cl.Add(ctx, types.Action{"type": "t"}, shared)
	require.NoError(t, err)

	client := node.New(node.RoleClient, cl, tp.Left, node.Config{Protocol: 1, MinProtocol: 1})
	server := node.New(node.RoleServer, sl, tp.Right, node.Config{Protocol: 1, MinProtocol: 1})

	var applied int
	server.OnAdd(func(types.Action, types.Meta) { applied++ })

	require.NoError(t, server.Start(ctx))
	require.NoError(t, client.Start(ctx))

	waitSynchronized(t, ctx, client)
	waitSynchronized(t, ctx, server)

	require.Zero(t, applied, "server already had this id; sync must not re-fire add")

	client.Destroy("test done")
	server.Destroy("test done")
}

func TestLocalAddTriggersSyncWhileSynchronized(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tp := transport.NewTestPair()
	cl := testutil.NewTestLog("client", testutil.NewTestTime(1))
	sl := testutil.NewTestLog("server", testutil.NewTestTime(1))

	client := node.New(node.RoleClient, cl, tp.Left, node.Config{Protocol: 1, MinProtocol: 1})
	server := node.New(node.RoleServer, sl, tp.Right, node.Config{Protocol: 1, MinProtocol: 1})

	require.NoError(t, server.Start(ctx))
	require.NoError(t, client.Start(ctx))
	waitSynchronized(t, ctx, client)
	waitSynchronized(t, ctx, server)

	var applied types.Meta
	server.OnAdd(func(action types.Action, meta types.Meta) { applied = meta })

	_, err := cl.Add(ctx, types.Action{"type": "live"}, types.Meta{Reasons: []string{"tab"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return applied.ID != "" }, time.Second, 5*time.Millisecond)
	require.NoError(t, client.WaitFor(ctx, node.StateSynchronized))

	client.Destroy("test done")
	server.Destroy("test done")
}
