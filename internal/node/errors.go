package node

import "fmt"

// Kind enumerates the domain error kinds a Node can send or receive.
// Auth/connect listeners may also supply arbitrary kind strings of their
// own.
type Kind string

const (
	KindWrongFormat      Kind = "wrong-format"
	KindUnknownMessage   Kind = "unknown-message"
	KindWrongProtocol    Kind = "wrong-protocol"
	KindWrongSubprotocol Kind = "wrong-subprotocol"
	KindWrongCredentials Kind = "wrong-credentials"
	KindTimeout          Kind = "timeout"
	KindBruteforce       Kind = "bruteforce"
)

// informational kinds are received errors that are never thrown by
// default; they are only reported through the error-subscription
// surface.
var informational = map[Kind]bool{
	KindTimeout:          true,
	KindWrongProtocol:    true,
	KindWrongSubprotocol: true,
}

// NodeError is the typed domain error sent on the wire or surfaced
// locally. Received is true when the error arrived from the peer rather
// than being generated locally.
type NodeError struct {
	Kind     Kind
	Options  interface{}
	Received bool
}

func (e *NodeError) Error() string {
	if e.Options != nil {
		return fmt.Sprintf("node: %s: %v", e.Kind, e.Options)
	}
	return fmt.Sprintf("node: %s", e.Kind)
}

// Informational reports whether this error kind is never thrown by
// default when received.
func (e *NodeError) Informational() bool {
	return informational[e.Kind]
}

// NewError constructs a locally-generated NodeError.
func NewError(kind Kind, options interface{}) *NodeError {
	return &NodeError{Kind: kind, Options: options}
}

// NewReceivedError constructs a NodeError representing one delivered by
// the peer.
func NewReceivedError(kind Kind, options interface{}) *NodeError {
	return &NodeError{Kind: kind, Options: options, Received: true}
}
