package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/CanRau/logux-core/internal/node"
	"github.com/CanRau/logux-core/internal/store/memstore"
	"github.com/CanRau/logux-core/internal/synclog"
	"github.com/CanRau/logux-core/internal/transport"
	"github.com/CanRau/logux-core/internal/types"
)

// runClient dials addr, synchronizes against it, and streams every entry
// applied to the local log as a JSON line on stdout until ctx is canceled.
func runClient(ctx context.Context, cfg daemonConfig, addr string) error {
	dial := func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
	nc := transport.NewNetConn(nil, dial)

	l := synclog.New(cfg.NodeID, memstore.New())
	n := node.New(node.RoleClient, l, nc, node.Config{
		Protocol:    cfg.Protocol,
		MinProtocol: cfg.MinProtocol,
		Subprotocol: cfg.Subprotocol,
		PingMs:      cfg.PingMs,
		TimeoutMs:   cfg.TimeoutMs,
		FixTime:     cfg.FixTime,
	})

	n.OnAdd(func(action types.Action, meta types.Meta) {
		line, _ := json.Marshal(map[string]interface{}{"action": action, "meta": meta})
		fmt.Println(string(line))
	})
	n.OnError(func(e *node.NodeError) {
		fmt.Fprintf(os.Stderr, "loguxd: error: %v\n", e)
	})

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("loguxd: connect: %w", err)
	}
	defer n.Destroy("client exiting")

	if err := n.WaitFor(ctx, node.StateSynchronized); err != nil {
		return fmt.Errorf("loguxd: handshake: %w", err)
	}
	fmt.Fprintf(os.Stderr, "loguxd: synchronized with %s as %q\n", addr, cfg.NodeID)

	<-ctx.Done()
	return nil
}
