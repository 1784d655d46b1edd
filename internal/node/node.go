// Package node implements the Node protocol state machine: handshake
// negotiation, clock-skew correction, action synchronization, ping/pong
// liveness, and the typed error/event surface built on top of a Log and
// a Connection.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CanRau/logux-core/internal/store"
	"github.com/CanRau/logux-core/internal/synclog"
	"github.com/CanRau/logux-core/internal/transport"
	"github.com/CanRau/logux-core/internal/types"
)

// Role distinguishes ClientNode (initiates handshake) from ServerNode
// (awaits handshake).
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Clock supplies the wallclock a Node uses for handshake timestamps
// (t0/t1 on the server, tA/tB on the client). Tests inject a
// deterministic stub; production uses a time.Now()-based clock.
type Clock interface {
	Now() int64
}

type realClock struct{}

func (realClock) Now() int64 { return time.Now().UnixMilli() }

// StateListener is invoked with the new state on every transition.
type StateListener func(State)

// BoolListener is invoked with a single boolean payload (used for the
// connected/synchronized events).
type BoolListener func(bool)

// AddListener mirrors synclog.Listener for the Node's "add" event,
// fired whenever a sync-originated entry is applied locally.
type AddListener = synclog.Listener

// ErrorListener receives a NodeError.
type ErrorListener func(*NodeError)

// Node owns one Log and one Connection and drives the protocol state
// machine between them.
type Node struct {
	role   Role
	nodeID string
	log    *synclog.Log
	conn   transport.Connection
	cfg    Config
	clock  Clock
	tel    telemetry

	mu                sync.Mutex
	state             State
	connected         bool
	synchronized      bool
	remoteNodeID      string
	remoteSubprotocol string
	baseTime          int64
	timeFix           int64

	syncInFlight bool

	handshakeTA int64 // client: wallclock before sending connect

	destroyed bool
	cancel    context.CancelFunc
	group     *errgroup.Group

	lastActivity time.Time
	awaitingPong bool
	pingSentAt   time.Time

	onState      listenerSet[StateListener]
	onConnect    listenerSet[func()]
	onConnected  listenerSet[func()]
	onDisconnect listenerSet[func()]
	onSync       listenerSet[BoolListener]
	onAdd        listenerSet[AddListener]
	onClientErr  listenerSet[ErrorListener]
	onError      listenerSet[ErrorListener]

	unsubMessage transport.Unsubscribe
	unsubEvent   transport.Unsubscribe
	unsubError   transport.Unsubscribe
	unsubAdd     synclog.Unsubscribe
}

// New constructs a Node. role determines handshake behavior; log and
// conn are owned exclusively by this Node until Destroy.
func New(role Role, log *synclog.Log, conn transport.Connection, cfg Config) *Node {
	n := &Node{
		role:   role,
		nodeID: log.NodeID(),
		log:    log,
		conn:   conn,
		cfg:    cfg.withDefaults(),
		clock:  realClock{},
		tel:    newTelemetry(),
		state:  StateDisconnected,
	}
	return n
}

// WithClock overrides the wallclock source (used by tests to pin the
// exact scenario 5 arithmetic).
func (n *Node) WithClock(c Clock) *Node {
	n.clock = c
	return n
}

// Connected reports whether the node currently considers itself
// connected (between successful handshake and any terminal error or
// transport disconnect).
func (n *Node) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

// State returns the current protocol state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Synchronized reports whether both bookmarks are current: no unsynced
// local actions and none expected from the peer.
func (n *Node) Synchronized() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.synchronized
}

// BaseTime returns the clock-skew offset negotiated during the
// handshake, or 0 if FixTime was disabled or no handshake has completed.
func (n *Node) BaseTime() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.baseTime
}

// TimeFix returns the client-side diagnostic clock-skew estimate
// computed during the handshake; always 0 on a ServerNode.
func (n *Node) TimeFix() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.timeFix
}

// RemoteNodeID returns the peer's node id once the handshake has
// completed, or "" before then.
func (n *Node) RemoteNodeID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.remoteNodeID
}

func (n *Node) setState(s State) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
	n.emitState(s)
}

func (n *Node) setSynchronized(v bool) {
	n.mu.Lock()
	changed := n.synchronized != v
	n.synchronized = v
	n.mu.Unlock()
	if changed {
		n.emitSynchronized(v)
	}
}

// Start begins the protocol: subscribes to the connection, opens it if
// needed, and launches the idle-timer and message-processing loops. The
// returned error is only non-nil if the transport failed to open.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	group, gctx := errgroup.WithContext(ctx)
	n.group = group

	inbox := make(chan wireEvent, 64)

	n.unsubMessage = n.conn.OnMessage(func(m transport.Message) {
		select {
		case inbox <- wireEvent{kind: eventMessage, message: m}:
		case <-gctx.Done():
		}
	})
	n.unsubError = n.conn.OnError(func(err error) {
		select {
		case inbox <- wireEvent{kind: eventTransportError, err: err}:
		case <-gctx.Done():
		}
	})
	n.unsubEvent = n.conn.OnEvent(func(ev transport.Event) {
		select {
		case inbox <- wireEvent{kind: eventTransport, transportEvent: ev}:
		case <-gctx.Done():
		}
	})
	n.unsubAdd = n.log.OnAdd(func(action types.Action, meta types.Meta) {
		select {
		case inbox <- wireEvent{kind: eventLocalAdd, action: action, meta: meta}:
		case <-gctx.Done():
		}
	})

	n.mu.Lock()
	n.lastActivity = time.Now()
	n.mu.Unlock()

	n.setState(StateConnecting)

	group.Go(func() error {
		return n.runLoop(gctx, inbox)
	})

	if err := n.conn.Connect(gctx); err != nil {
		n.Destroy("connect failed")
		return fmt.Errorf("node: connect: %w", err)
	}

	if n.cfg.PingMs > 0 {
		group.Go(func() error {
			n.idleTimerLoop(gctx, inbox)
			return nil
		})
	}

	return nil
}

// Destroy cancels pending timers, closes the transport, and detaches all
// listeners. Pending store operations are allowed to resolve; their
// results are dropped once destroyed.
func (n *Node) Destroy(reason string) {
	n.mu.Lock()
	if n.destroyed {
		n.mu.Unlock()
		return
	}
	n.destroyed = true
	wasConnected := n.connected
	n.connected = false
	n.mu.Unlock()

	if n.unsubMessage != nil {
		n.unsubMessage()
	}
	if n.unsubError != nil {
		n.unsubError()
	}
	if n.unsubEvent != nil {
		n.unsubEvent()
	}
	if n.unsubAdd != nil {
		n.unsubAdd()
	}
	if n.cancel != nil {
		n.cancel()
	}
	_ = n.conn.Disconnect(reason)
	n.setState(StateDisconnected)
	if wasConnected {
		n.emitDisconnect()
	}
}

// Wait blocks until the Node's background goroutines exit (after
// Destroy or a fatal error).
func (n *Node) Wait() error {
	if n.group == nil {
		return nil
	}
	return n.group.Wait()
}

// --- event subscription surface ---

func (n *Node) OnState(fn StateListener) transport.Unsubscribe {
	return n.onState.add(fn)
}

func (n *Node) OnConnect(fn func()) transport.Unsubscribe {
	return n.onConnect.add(fn)
}

func (n *Node) OnConnected(fn func()) transport.Unsubscribe {
	return n.onConnected.add(fn)
}

func (n *Node) OnDisconnect(fn func()) transport.Unsubscribe {
	return n.onDisconnect.add(fn)
}

func (n *Node) OnSynchronized(fn BoolListener) transport.Unsubscribe {
	return n.onSync.add(fn)
}

func (n *Node) OnAdd(fn AddListener) transport.Unsubscribe {
	return n.onAdd.add(fn)
}

func (n *Node) OnClientError(fn ErrorListener) transport.Unsubscribe {
	return n.onClientErr.add(fn)
}

func (n *Node) OnError(fn ErrorListener) transport.Unsubscribe {
	return n.onError.add(fn)
}

func (n *Node) emitState(s State) {
	for _, l := range n.onState.snapshot() {
		l(s)
	}
}

func (n *Node) emitConnect() {
	for _, l := range n.onConnect.snapshot() {
		l()
	}
}

func (n *Node) emitConnected() {
	for _, l := range n.onConnected.snapshot() {
		l()
	}
}

func (n *Node) emitDisconnect() {
	for _, l := range n.onDisconnect.snapshot() {
		l()
	}
}

func (n *Node) emitSynchronized(v bool) {
	for _, l := range n.onSync.snapshot() {
		l(v)
	}
}

func (n *Node) emitAdd(action types.Action, meta types.Meta) {
	for _, l := range n.onAdd.snapshot() {
		l(action, meta)
	}
}

func (n *Node) emitClientError(e *NodeError) {
	for _, l := range n.onClientErr.snapshot() {
		l(e)
	}
}

func (n *Node) emitError(e *NodeError) {
	listeners := n.onError.snapshot()
	count := len(listeners)
	for _, l := range listeners {
		l(e)
	}
	if e.Received && e.Informational() {
		return
	}
	if count == 0 {
		// No subscriber registered: surface it as a client error
		// instead of panicking a shared goroutine.
		n.emitClientError(e)
	}
}

// WaitFor resolves when the node reaches the given state, or immediately
// if it already has. The listener is registered before the current
// state is checked, so a transition racing with the caller can never be
// missed between the check and the subscribe.
func (n *Node) WaitFor(ctx context.Context, want State) error {
	ch := make(chan struct{}, 1)
	unsub := n.OnState(func(s State) {
		if s == want {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	if n.State() == want {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// store is a convenience accessor used by the sync/handshake files.
func (n *Node) store() store.Store { return n.log.Store() }
