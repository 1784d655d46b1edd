package node

import (
	"context"
	"math"

	"github.com/CanRau/logux-core/internal/transport"
)

// ConnectListener is invoked after authentication (server) or after
// receiving "connected" (client) with the peer's node id and advertised
// subprotocol. Returning a non-nil *NodeError sends it on the wire and
// disconnects, e.g. a wrong-subprotocol rejection.
type ConnectListener func(remoteNodeID, remoteSubprotocol string) *NodeError

// startClientHandshake sends the initial "connect" message once the
// transport has opened. The message must carry the store's current
// GetLastAdded, so the send is deferred until that read resolves.
func (n *Node) startClientHandshake(ctx context.Context) {
	n.setState(StateSendingConnect)

	lastAdded, err := n.store().GetLastAdded(ctx)
	if err != nil {
		n.emitClientError(NewError("store-error", err.Error()))
		n.Destroy("store error")
		return
	}

	n.mu.Lock()
	n.handshakeTA = n.clock.Now()
	n.mu.Unlock()

	msg := transport.Message{"connect", n.cfg.Protocol, n.nodeID, lastAdded}
	if n.cfg.Credentials != nil || n.cfg.Subprotocol != defaultSubprotocol {
		msg = append(msg, authPayload{Credentials: n.cfg.Credentials, Subprotocol: n.cfg.Subprotocol})
	}
	n.conn.Send(msg)
}

// handleConnectMessage is the server side of the handshake.
func (n *Node) handleConnectMessage(ctx context.Context, msg transport.Message) {
	t0 := n.clock.Now()

	if len(msg) != 4 && len(msg) != 5 {
		n.rejectFormat(msg)
		return
	}
	protocol, ok := toInt64(msg[1])
	if !ok {
		n.rejectFormat(msg)
		return
	}
	nodeID, ok := msg[2].(string)
	if !ok || nodeID == "" {
		n.rejectFormat(msg)
		return
	}
	if _, ok := toUint64(msg[3]); !ok {
		n.rejectFormat(msg)
		return
	}
	var auth authPayload
	if len(msg) == 5 {
		auth = decodeAuth(msg[4])
	}

	if int(protocol) < n.cfg.MinProtocol {
		n.sendError(NewError(KindWrongProtocol, map[string]interface{}{
			"supported": n.cfg.MinProtocol,
			"used":      protocol,
		}))
		n.Destroy("wrong-protocol")
		return
	}

	n.setState(StateAuthenticating)
	n.mu.Lock()
	n.remoteNodeID = nodeID
	n.remoteSubprotocol = auth.Subprotocol
	n.mu.Unlock()

	if n.cfg.Auth != nil {
		accepted, authErr := n.cfg.Auth(auth.Credentials, nodeID)
		if authErr != nil {
			if domainErr, ok := authErr.(*NodeError); ok {
				n.sendError(domainErr)
				n.Destroy("auth error")
				return
			}
			n.emitClientError(NewError("auth-error", authErr.Error()))
			n.Destroy("auth error")
			return
		}
		if !accepted {
			n.sendError(NewError(KindWrongCredentials, nil))
			n.Destroy("wrong-credentials")
			return
		}
	}

	if n.cfg.ConnectListener != nil {
		if nodeErr := n.cfg.ConnectListener(nodeID, auth.Subprotocol); nodeErr != nil {
			n.sendError(nodeErr)
			n.Destroy("rejected by connect listener")
			return
		}
	}

	t1 := n.clock.Now()
	if n.cfg.FixTime {
		// The server only ever has one clock reading pair (t0, t1); it
		// adopts t1 — its own timestamp at the moment it answers — as
		// the shared baseTime reference point; the client adopts the same
		// t1 from the connected message below.
		n.mu.Lock()
		n.baseTime = t1
		n.timeFix = 0
		n.mu.Unlock()
	}

	reply := transport.Message{"connected", n.cfg.Protocol, n.nodeID, []int64{t0, t1}}
	if n.cfg.Subprotocol != defaultSubprotocol {
		reply = append(reply, authPayload{Subprotocol: n.cfg.Subprotocol})
	}
	n.conn.Send(reply)

	n.finishHandshake(ctx)
}

// handleConnectedMessage is the client side of the handshake.
func (n *Node) handleConnectedMessage(ctx context.Context, msg transport.Message) {
	tB := n.clock.Now()

	if len(msg) != 4 && len(msg) != 5 {
		n.rejectFormat(msg)
		return
	}
	protocol, ok := toInt64(msg[1])
	if !ok {
		n.rejectFormat(msg)
		return
	}
	nodeID, ok := msg[2].(string)
	if !ok || nodeID == "" {
		n.rejectFormat(msg)
		return
	}
	t0, t1, ok := decodeTimePair(msg[3])
	if !ok {
		n.rejectFormat(msg)
		return
	}
	var auth authPayload
	if len(msg) == 5 {
		auth = decodeAuth(msg[4])
	}

	if int(protocol) < n.cfg.MinProtocol {
		n.sendError(NewError(KindWrongProtocol, map[string]interface{}{
			"supported": n.cfg.MinProtocol,
			"used":      protocol,
		}))
		n.Destroy("wrong-protocol")
		return
	}

	n.setState(StateAuthenticating)
	n.mu.Lock()
	n.remoteNodeID = nodeID
	n.remoteSubprotocol = auth.Subprotocol
	tA := n.handshakeTA
	n.mu.Unlock()

	if n.cfg.ConnectListener != nil {
		if nodeErr := n.cfg.ConnectListener(nodeID, auth.Subprotocol); nodeErr != nil {
			n.sendError(nodeErr)
			n.Destroy("rejected by connect listener")
			return
		}
	}

	if n.cfg.FixTime {
		rtt := float64(tB-tA-(t1-t0)) / 2
		timeFix := int64(math.Floor(float64(tA) + rtt - float64(t0)))
		n.mu.Lock()
		n.baseTime = t1
		n.timeFix = timeFix
		n.mu.Unlock()
	}

	n.finishHandshake(ctx)
}

// finishHandshake transitions to synchronized, fires the connected
// event, and kicks off the initial sync pass.
func (n *Node) finishHandshake(ctx context.Context) {
	_, span := n.traceHandshake(ctx)
	span.AddEvent("handshake.complete")
	span.End()

	n.mu.Lock()
	n.connected = true
	n.mu.Unlock()
	n.setState(StateSynchronized)
	n.emitConnected()
	n.recordHandshakeDone()
	n.checkSynchronizedState(ctx)
	n.maybeStartSync(ctx)
}
