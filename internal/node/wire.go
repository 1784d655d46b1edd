package node

import (
	"encoding/json"

	"github.com/CanRau/logux-core/internal/types"
)

// authPayload is the optional fifth element of connect/connected
// messages: the peer's credentials and advertised subprotocol.
type authPayload struct {
	Credentials interface{} `json:"credentials,omitempty"`
	Subprotocol string      `json:"subprotocol,omitempty"`
}

// toInt64 coerces a decoded wire value to int64. JSON-decoded numbers
// arrive as float64; in-process TestPair connections pass Go's native
// numeric types through unchanged.
func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func toUint64(v interface{}) (uint64, bool) {
	i, ok := toInt64(v)
	if !ok || i < 0 {
		return 0, false
	}
	return uint64(i), true
}

// decodeInto re-marshals v (whatever concrete type it arrived as) and
// unmarshals it into out, letting one code path handle both
// already-typed in-process values and generic map[string]interface{}
// values produced by a JSON-framed transport.
func decodeInto(v interface{}, out interface{}) bool {
	if v == nil {
		return true
	}
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, out) == nil
}

func decodeAuth(v interface{}) authPayload {
	var a authPayload
	if a2, ok := v.(authPayload); ok {
		return a2
	}
	decodeInto(v, &a)
	return a
}

// decodeAction accepts either a native types.Action (in-process
// transport) or a map[string]interface{} (JSON-framed transport).
func decodeAction(v interface{}) (types.Action, bool) {
	switch a := v.(type) {
	case types.Action:
		return a, true
	case map[string]interface{}:
		return types.Action(a), true
	default:
		return nil, false
	}
}

func decodeMeta(v interface{}) (types.Meta, bool) {
	if m, ok := v.(types.Meta); ok {
		return m, true
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return types.Meta{}, false
	}
	var meta types.Meta
	if !decodeInto(m, &meta) {
		return types.Meta{}, false
	}
	return meta, true
}

// decodeTimePair decodes the [t0, t1] element of a connected message.
func decodeTimePair(v interface{}) (t0, t1 int64, ok bool) {
	switch arr := v.(type) {
	case []interface{}:
		if len(arr) != 2 {
			return 0, 0, false
		}
		a, ok1 := toInt64(arr[0])
		b, ok2 := toInt64(arr[1])
		return a, b, ok1 && ok2
	case []int64:
		if len(arr) != 2 {
			return 0, 0, false
		}
		return arr[0], arr[1], true
	default:
		return 0, 0, false
	}
}
