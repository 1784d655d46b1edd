package node

import (
	"context"
	"errors"

	"github.com/CanRau/logux-core/internal/store"
	"github.com/CanRau/logux-core/internal/synclog"
	"github.com/CanRau/logux-core/internal/transport"
	"github.com/CanRau/logux-core/internal/types"
)

// handleLocalAdd is the sync trigger: any action added to the Log while
// synchronized (by this Node or a sibling Node sharing the same Log)
// queues a sync pass.
func (n *Node) handleLocalAdd(ctx context.Context, action types.Action, meta types.Meta) {
	n.mu.Lock()
	eligible := n.state == StateSynchronized || n.state == StateSending
	n.mu.Unlock()
	if !eligible {
		return
	}
	n.setSynchronized(false)
	n.maybeStartSync(ctx)
}

// maybeStartSync starts a new outgoing sync batch unless one is already
// in flight; the sender must not advance lastSent until the
// corresponding synced(added) acknowledgment arrives, so at most one
// batch is outstanding per peer at a time.
func (n *Node) maybeStartSync(ctx context.Context) {
	n.mu.Lock()
	if n.destroyed || n.syncInFlight {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	n.startSyncBatch(ctx)
}

// startSyncBatch streams every entry with Added > lastSent to the peer
// in one "sync" message, chronological-by-added order. Entries are
// gathered newest-first via Log.Each (stopping as soon as an
// already-sent Added is reached) and then reversed.
func (n *Node) startSyncBatch(ctx context.Context) {
	n.mu.Lock()
	remote := n.remoteNodeID
	n.mu.Unlock()

	synced, err := n.store().GetLastSynced(ctx, remote)
	if err != nil {
		n.emitClientError(NewError("store-error", err.Error()))
		return
	}

	var pending []types.Entry
	err = n.log.Each(ctx, synclog.EachOptions{Order: store.OrderAdded}, func(action types.Action, meta types.Meta) bool {
		if meta.Added <= synced.Sent {
			return true
		}
		pending = append(pending, types.Entry{Action: action, Meta: meta})
		return false
	})
	if err != nil {
		n.emitClientError(NewError("store-error", err.Error()))
		return
	}

	if len(pending) == 0 {
		n.checkSynchronizedState(ctx)
		return
	}

	for i, j := 0, len(pending)-1; i < j; i, j = i+1, j-1 {
		pending[i], pending[j] = pending[j], pending[i]
	}

	maxAdded := pending[len(pending)-1].Meta.Added
	msg := transport.Message{"sync", maxAdded}
	sent := 0
	for _, e := range pending {
		action, meta, ok := n.applySendPipeline(e.Action, e.Meta)
		if !ok {
			continue
		}
		meta.Added = 0
		if n.cfg.Subprotocol != defaultSubprotocol {
			meta.Subprotocol = n.cfg.Subprotocol
		} else {
			meta.Subprotocol = ""
		}
		msg = append(msg, action, meta)
		sent++
	}

	if sent == 0 {
		// Every candidate entry was dropped by outFilter: nothing to
		// send, but the range has been considered, so the bookmark
		// still advances without waiting for an ack that will never
		// come.
		if err := n.store().SetLastSynced(ctx, remote, store.SyncedUpdate{Sent: &maxAdded}); err != nil {
			n.emitClientError(NewError("store-error", err.Error()))
			return
		}
		n.checkSynchronizedState(ctx)
		n.maybeStartSync(ctx)
		return
	}

	n.mu.Lock()
	n.syncInFlight = true
	n.mu.Unlock()
	n.setState(StateSending)
	n.conn.Send(msg)
	n.recordSyncBatch(sent)
}

// handleSync processes an incoming "sync" message: each (action, meta)
// pair is applied to the local Log — accepted with a
// freshly assigned Added, or silently treated as a duplicate by id —
// then a synced(added) acknowledgment is sent.
func (n *Node) handleSync(ctx context.Context, msg transport.Message) {
	if len(msg) < 2 || (len(msg)-2)%2 != 0 {
		n.rejectFormat(msg)
		return
	}
	leadingAdded, ok := toUint64(msg[1])
	if !ok {
		n.rejectFormat(msg)
		return
	}

	n.mu.Lock()
	baseTime := n.baseTime
	remote := n.remoteNodeID
	n.mu.Unlock()

	for i := 2; i < len(msg); i += 2 {
		action, ok1 := decodeAction(msg[i])
		meta, ok2 := decodeMeta(msg[i+1])
		if !ok1 || !ok2 {
			n.rejectFormat(msg)
			return
		}
		meta.Time += baseTime

		action, meta, ok := n.applyReceivePipeline(action, meta)
		if !ok {
			continue
		}

		stored, err := n.log.Add(ctx, action, meta)
		if err != nil {
			if !errors.Is(err, synclog.ErrDuplicate) {
				n.emitClientError(NewError("log-error", err.Error()))
			}
			continue
		}
		n.emitAdd(action, stored)
	}

	if err := n.store().SetLastSynced(ctx, remote, store.SyncedUpdate{Received: &leadingAdded}); err != nil {
		n.emitClientError(NewError("store-error", err.Error()))
		return
	}
	n.conn.Send(transport.Message{"synced", leadingAdded})
	n.checkSynchronizedState(ctx)
}

// handleSynced processes an incoming "synced" acknowledgment: advances
// lastSent and checks for any new local actions queued while the batch
// was in flight.
func (n *Node) handleSynced(ctx context.Context, msg transport.Message) {
	if len(msg) != 2 {
		n.rejectFormat(msg)
		return
	}
	added, ok := toUint64(msg[1])
	if !ok {
		n.rejectFormat(msg)
		return
	}

	n.mu.Lock()
	remote := n.remoteNodeID
	n.mu.Unlock()

	if err := n.store().SetLastSynced(ctx, remote, store.SyncedUpdate{Sent: &added}); err != nil {
		n.emitClientError(NewError("store-error", err.Error()))
		return
	}
	n.recordSynced()

	n.mu.Lock()
	n.syncInFlight = false
	n.mu.Unlock()

	n.checkSynchronizedState(ctx)
	n.maybeStartSync(ctx)
}

// checkSynchronizedState recomputes the observable Synchronized() flag:
// true iff there are no unsynced local actions left to send. When
// nothing remains in flight and the bookmark is current, the state
// machine also settles back from "sending" to "synchronized".
func (n *Node) checkSynchronizedState(ctx context.Context) {
	lastAdded, err := n.store().GetLastAdded(ctx)
	if err != nil {
		n.emitClientError(NewError("store-error", err.Error()))
		return
	}
	n.mu.Lock()
	remote := n.remoteNodeID
	n.mu.Unlock()
	synced, err := n.store().GetLastSynced(ctx, remote)
	if err != nil {
		n.emitClientError(NewError("store-error", err.Error()))
		return
	}

	current := lastAdded == synced.Sent
	n.setSynchronized(current)

	n.mu.Lock()
	inFlight := n.syncInFlight
	state := n.state
	n.mu.Unlock()
	if current && !inFlight && state == StateSending {
		n.setState(StateSynchronized)
	}
}
