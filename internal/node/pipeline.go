package node

import "github.com/CanRau/logux-core/internal/types"

// applyReceivePipeline runs an incoming entry through the configured
// hooks in their fixed order: inMap, then inFilter, then subprotocol
// tagging, then (by the caller) Log.Add. Returns ok=false when the entry
// should be dropped.
func (n *Node) applyReceivePipeline(action types.Action, meta types.Meta) (types.Action, types.Meta, bool) {
	if n.cfg.InMap != nil {
		action, meta = n.cfg.InMap(action, meta)
	}
	if n.cfg.InFilter != nil && !n.cfg.InFilter(action, meta) {
		return action, meta, false
	}
	meta.Subprotocol = n.remoteSubprotocol
	return action, meta, true
}

// applySendPipeline runs an outgoing entry through the configured hooks
// in their fixed order: outMap, then outFilter, then time-adjust, then
// (by the caller) send. Returns ok=false when the entry should be
// omitted.
func (n *Node) applySendPipeline(action types.Action, meta types.Meta) (types.Action, types.Meta, bool) {
	if n.cfg.OutMap != nil {
		action, meta = n.cfg.OutMap(action, meta)
	}
	if n.cfg.OutFilter != nil && !n.cfg.OutFilter(action, meta) {
		return action, meta, false
	}
	meta.Time -= n.baseTime
	return action, meta, true
}
