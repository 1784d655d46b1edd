package node

import (
	"golang.org/x/mod/semver"

	"github.com/CanRau/logux-core/internal/types"
)

// defaultSubprotocol is the subprotocol advertised when Config.Subprotocol
// is left unset.
const defaultSubprotocol = "0.0.0"

// State is a Node's position in the protocol state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSendingConnect
	StateWaitingConnect
	StateAuthenticating
	StateSynchronized
	StateSending
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSendingConnect:
		return "sending-connect"
	case StateWaitingConnect:
		return "waiting-connect"
	case StateAuthenticating:
		return "authenticating"
	case StateSynchronized:
		return "synchronized"
	case StateSending:
		return "sending"
	default:
		return "unknown"
	}
}

// AuthFunc authenticates a connecting peer given its credentials and
// advertised node id. The default (nil) accepts all peers.
type AuthFunc func(credentials interface{}, nodeID string) (bool, error)

// FilterFunc drops an entry from sync processing when it returns false.
type FilterFunc func(action types.Action, meta types.Meta) bool

// MapFunc transforms an entry before it is filtered/applied/sent.
type MapFunc func(action types.Action, meta types.Meta) (types.Action, types.Meta)

// Config holds a Node's handshake, sync, and liveness options.
type Config struct {
	// Subprotocol is the semver string advertised to the peer.
	Subprotocol string
	// MinProtocol is the minimum core protocol version this node (as a
	// server) accepts from a connecting client.
	MinProtocol int
	// Protocol is the core protocol version this node speaks.
	Protocol int
	// Credentials is the opaque auth payload sent in the handshake.
	Credentials interface{}
	// Auth authenticates a peer; nil accepts all.
	Auth AuthFunc
	// TimeoutMs is the handshake/liveness deadline in milliseconds; 0
	// disables it.
	TimeoutMs int64
	// PingMs is the interval between outgoing idle pings in milliseconds;
	// 0 disables it.
	PingMs int64
	// FixTime enables clock-skew correction during the handshake.
	FixTime bool

	InFilter  FilterFunc
	InMap     MapFunc
	OutFilter FilterFunc
	OutMap    MapFunc

	// ConnectListener runs after authentication (server) or after
	// receiving "connected" (client); returning a *NodeError rejects the
	// handshake and sends that error to the peer.
	ConnectListener ConnectListener
}

// withDefaults fills in the documented defaults for unset fields.
func (c Config) withDefaults() Config {
	if c.Subprotocol == "" {
		c.Subprotocol = defaultSubprotocol
	}
	if c.Protocol == 0 {
		c.Protocol = 1
	}
	if c.MinProtocol == 0 {
		c.MinProtocol = c.Protocol
	}
	return c
}

// RequireSubprotocol builds a ConnectListener that rejects peers whose
// advertised subprotocol major version differs from constraint's,
// grounded on internal/rpc/server.go's ClientVersion compatibility
// check, generalized here from a hardcoded string compare to a real
// semver comparison via golang.org/x/mod/semver.
func RequireSubprotocol(constraint string) ConnectListener {
	want := canonicalSemver(constraint)
	return func(remoteNodeID, remoteSubprotocol string) *NodeError {
		got := canonicalSemver(remoteSubprotocol)
		if !semver.IsValid(want) || !semver.IsValid(got) || semver.Major(got) != semver.Major(want) {
			return NewError(KindWrongSubprotocol, map[string]interface{}{
				"supported": constraint,
				"used":      remoteSubprotocol,
			})
		}
		return nil
	}
}

// canonicalSemver prefixes a bare "major.minor.patch" string with "v" as
// golang.org/x/mod/semver requires.
func canonicalSemver(v string) string {
	if v == "" || v[0] == 'v' {
		return v
	}
	return "v" + v
}
