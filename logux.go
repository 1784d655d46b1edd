// Package logux provides a minimal public API over logux-core's internal
// packages for Go programs that want to embed a Node directly rather than
// run it through the loguxd daemon/CLI.
//
// Most embedders only need a Log over a Store and a Node wired to a
// Connection; this file re-exports just those pieces.
package logux

import (
	"github.com/CanRau/logux-core/internal/node"
	"github.com/CanRau/logux-core/internal/store"
	"github.com/CanRau/logux-core/internal/store/memstore"
	"github.com/CanRau/logux-core/internal/synclog"
	"github.com/CanRau/logux-core/internal/transport"
	"github.com/CanRau/logux-core/internal/types"
)

// Core types for working with actions and their metadata.
type (
	Action = types.Action
	Meta   = types.Meta
	Entry  = types.Entry
)

// Log is the action store wrapper: id assignment, reason-based retention,
// and preadd/add/clean events.
type Log = synclog.Log

// Store is the persistence interface a Log is built over.
type Store = store.Store

// Connection is the transport capability a Node depends on.
type Connection = transport.Connection

// Node drives the handshake/sync protocol state machine over a Log and a
// Connection.
type Node = node.Node

// Config holds a Node's handshake/sync/liveness options.
type Config = node.Config

// Role distinguishes a ClientNode from a ServerNode.
type Role = node.Role

// NodeError is the typed domain error a Node sends or receives.
type NodeError = node.NodeError

const (
	RoleClient = node.RoleClient
	RoleServer = node.RoleServer
)

// NewMemoryLog builds a Log over a fresh in-memory Store, the reference
// backend used by tests and small deployments.
func NewMemoryLog(nodeID string) *Log {
	return synclog.New(nodeID, memstore.New())
}

// NewNode constructs a Node bound to log and conn. See node.New for the
// full option surface via cfg.
func NewNode(role Role, log *Log, conn Connection, cfg Config) *Node {
	return node.New(role, log, conn, cfg)
}

// RequireSubprotocol builds a ConnectListener rejecting peers whose
// advertised subprotocol major version differs from constraint's.
func RequireSubprotocol(constraint string) node.ConnectListener {
	return node.RequireSubprotocol(constraint)
}
