package node

import (
	"context"
	"encoding/json"
	"time"

	"github.com/CanRau/logux-core/internal/transport"
	"github.com/CanRau/logux-core/internal/types"
)

type eventKind int

const (
	eventMessage eventKind = iota
	eventTransport
	eventTransportError
	eventLocalAdd
	eventPingTick
	eventTimeout
)

type wireEvent struct {
	kind           eventKind
	message        transport.Message
	transportEvent transport.Event
	err            error
	action         types.Action
	meta           types.Meta
}

// runLoop is the Node's single-threaded cooperative scheduler: every
// inbound message, transport event, local add, and timer tick passes
// through this one goroutine, in arrival order, so there is never a data
// race between handlers.
func (n *Node) runLoop(ctx context.Context, inbox chan wireEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-inbox:
			if n.handleEvent(ctx, ev) {
				return nil
			}
		}
	}
}

// handleEvent processes one event; returns true if the loop should stop
// (the Node was destroyed as a result).
func (n *Node) handleEvent(ctx context.Context, ev wireEvent) bool {
	n.mu.Lock()
	destroyed := n.destroyed
	n.mu.Unlock()
	if destroyed {
		return true
	}

	switch ev.kind {
	case eventTransport:
		n.handleTransportEvent(ctx, ev.transportEvent)
	case eventTransportError:
		n.handleTransportError(ev.err)
	case eventMessage:
		n.handleMessage(ctx, ev.message)
	case eventLocalAdd:
		n.handleLocalAdd(ctx, ev.action, ev.meta)
	case eventPingTick:
		n.handlePingTick(ctx)
	case eventTimeout:
		timeoutErr := NewError(KindTimeout, nil)
		n.sendError(timeoutErr)
		n.emitError(timeoutErr)
		n.Destroy("timeout")
		return true
	}
	return false
}

func (n *Node) handleTransportEvent(ctx context.Context, ev transport.Event) {
	switch ev {
	case transport.EventConnect:
		// The transport is open but the node is not "connected" yet:
		// that flag flips only once the handshake succeeds, in
		// finishHandshake.
		n.emitConnect()
		if n.role == RoleClient {
			n.startClientHandshake(ctx)
		} else {
			n.setState(StateWaitingConnect)
		}
	case transport.EventDisconnect:
		n.Destroy("transport disconnected")
	}
}

func (n *Node) handleTransportError(err error) {
	if transport.IsFormatError(err) {
		raw := err.Error()
		if fe, ok := err.(*transport.FormatError); ok {
			raw = fe.Raw
		}
		n.sendError(NewError(KindWrongFormat, raw))
		n.emitError(NewError(KindWrongFormat, raw))
		n.Destroy("wrong-format")
		return
	}
	n.emitClientError(NewError("transport-error", err.Error()))
	n.Destroy("transport error")
}

func (n *Node) handleMessage(ctx context.Context, msg transport.Message) {
	n.touchActivity()
	if len(msg) == 0 {
		n.rejectFormat(msg)
		return
	}
	tag, ok := msg[0].(string)
	if !ok {
		n.rejectFormat(msg)
		return
	}
	switch tag {
	case "connect":
		n.handleConnectMessage(ctx, msg)
	case "connected":
		n.handleConnectedMessage(ctx, msg)
	case "ping":
		n.handlePing(ctx, msg)
	case "pong":
		n.handlePong(msg)
	case "sync":
		n.handleSync(ctx, msg)
	case "synced":
		n.handleSynced(ctx, msg)
	case "debug":
		// debug messages are allowed pre-auth and otherwise ignored by
		// the core; application code observes them via the transport's
		// own message listeners if it needs to.
	case "error":
		n.handleErrorMessage(msg)
	default:
		n.sendError(NewError(KindUnknownMessage, tag))
		n.Destroy("unknown-message")
	}
}

func (n *Node) rejectFormat(msg transport.Message) {
	raw, _ := json.Marshal(msg)
	n.sendError(NewError(KindWrongFormat, string(raw)))
	n.Destroy("wrong-format")
}

func (n *Node) handleErrorMessage(msg transport.Message) {
	if len(msg) < 2 {
		n.rejectFormat(msg)
		return
	}
	kindStr, _ := msg[1].(string)
	var options interface{}
	if len(msg) > 2 {
		options = msg[2]
	}
	n.emitError(NewReceivedError(Kind(kindStr), options))
}

func (n *Node) sendError(e *NodeError) {
	msg := transport.Message{"error", string(e.Kind)}
	if e.Options != nil {
		msg = append(msg, e.Options)
	}
	n.conn.Send(msg)
}

func (n *Node) touchActivity() {
	n.mu.Lock()
	n.lastActivity = time.Now()
	n.awaitingPong = false
	n.mu.Unlock()
}

// idleTimerLoop runs the liveness timer: if no message arrives within
// Ping, send a ping; if no response arrives within a further Timeout,
// fail with a timeout error.
func (n *Node) idleTimerLoop(ctx context.Context, inbox chan wireEvent) {
	if n.cfg.PingMs <= 0 {
		return
	}
	interval := time.Duration(n.cfg.PingMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.mu.Lock()
			idle := time.Since(n.lastActivity)
			awaitingPong := n.awaitingPong
			pingSent := n.pingSentAt
			n.mu.Unlock()

			// The timeout window starts when the ping went out, not at
			// the last received message: the peer gets the full Timeout
			// to answer even when Timeout <= Ping.
			if awaitingPong && n.cfg.TimeoutMs > 0 {
				if time.Since(pingSent) >= time.Duration(n.cfg.TimeoutMs)*time.Millisecond {
					select {
					case inbox <- wireEvent{kind: eventTimeout}:
					case <-ctx.Done():
					}
					return
				}
				continue
			}
			if idle >= interval {
				select {
				case inbox <- wireEvent{kind: eventPingTick}:
				case <-ctx.Done():
				}
			}
		}
	}
}

func (n *Node) handlePingTick(ctx context.Context) {
	synced, err := n.store().GetLastSynced(ctx, n.remoteNodeID)
	if err != nil {
		n.emitClientError(NewError("store-error", err.Error()))
		return
	}
	n.conn.Send(transport.Message{"ping", synced.Sent})
	n.mu.Lock()
	n.awaitingPong = true
	n.pingSentAt = time.Now()
	n.mu.Unlock()
}

func (n *Node) handlePing(ctx context.Context, msg transport.Message) {
	if len(msg) != 2 {
		n.rejectFormat(msg)
		return
	}
	lastAdded, err := n.store().GetLastAdded(ctx)
	if err != nil {
		n.emitClientError(NewError("store-error", err.Error()))
		return
	}
	n.conn.Send(transport.Message{"pong", lastAdded})
}

func (n *Node) handlePong(msg transport.Message) {
	if len(msg) != 2 {
		n.rejectFormat(msg)
		return
	}
	n.mu.Lock()
	n.awaitingPong = false
	n.mu.Unlock()
}
