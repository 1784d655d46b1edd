package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/CanRau/logux-core/internal/node"
	"github.com/CanRau/logux-core/internal/store"
	"github.com/CanRau/logux-core/internal/store/memstore"
	"github.com/CanRau/logux-core/internal/store/sqlstore"
	"github.com/CanRau/logux-core/internal/synclog"
	"github.com/CanRau/logux-core/internal/transport"
)

// server accepts TCP connections and runs one ServerNode per connection
// over a shared Log, the accept-loop/shutdown shape grounded on
// internal/rpc/server_lifecycle_conn.go's Start/Stop.
type server struct {
	cfg      daemonConfig
	log      *synclog.Log
	listener net.Listener

	mu       sync.Mutex
	shutdown bool
	conns    int64
}

func newServer(cfg daemonConfig) (*server, error) {
	var st store.Store
	if cfg.MySQLDSN != "" {
		s, err := sqlstore.Open(cfg.MySQLDSN)
		if err != nil {
			return nil, fmt.Errorf("loguxd: open mysql store: %w", err)
		}
		st = s
	} else {
		st = memstore.New()
	}

	return &server{
		cfg: cfg,
		log: synclog.New(cfg.NodeID, st),
	}, nil
}

// Start opens the listener and blocks, accepting connections until ctx is
// canceled or Stop is called. Each accepted connection gets its own Node
// sharing the daemon's Log, so every connected peer converges on it.
func (s *server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("loguxd: listen %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()

	fmt.Fprintf(os.Stderr, "loguxd: listening on %s (node %q)\n", s.cfg.Addr, s.cfg.NodeID)

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			shutdown := s.shutdown
			s.mu.Unlock()
			if shutdown {
				return nil
			}
			return fmt.Errorf("loguxd: accept: %w", err)
		}
		atomic.AddInt64(&s.conns, 1)
		go s.handleConn(ctx, conn)
	}
}

func (s *server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil
	}
	s.shutdown = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *server) handleConn(ctx context.Context, conn net.Conn) {
	defer atomic.AddInt64(&s.conns, -1)

	nc := transport.NewNetConn(conn, nil)
	n := node.New(node.RoleServer, s.log, nc, node.Config{
		Protocol:    s.cfg.Protocol,
		MinProtocol: s.cfg.MinProtocol,
		Subprotocol: s.cfg.Subprotocol,
		PingMs:      s.cfg.PingMs,
		TimeoutMs:   s.cfg.TimeoutMs,
		FixTime:     s.cfg.FixTime,
	})

	n.OnClientError(func(e *node.NodeError) {
		fmt.Fprintf(os.Stderr, "loguxd: client error from %s: %v\n", conn.RemoteAddr(), e)
	})

	if err := n.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "loguxd: node start failed for %s: %v\n", conn.RemoteAddr(), err)
		return
	}
	_ = n.Wait()
}
