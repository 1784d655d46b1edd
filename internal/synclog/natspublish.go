package synclog

import (
	"encoding/json"
	"log"

	"github.com/nats-io/nats.go"

	"github.com/CanRau/logux-core/internal/types"
)

// NatsPublisher fans Log add/clean events out to a JetStream subject for
// persistence and distributed consumption. It is supplementary
// observability on top of the Log — never a replacement for the
// Connection-driven sync protocol — so publish failures are logged, not
// propagated.
type NatsPublisher struct {
	js      nats.JetStreamContext
	subject string
}

// NewNatsPublisher wires a publisher and subscribes it to l's add and
// clean events. Returns unsubscribe handles for both.
func NewNatsPublisher(l *Log, js nats.JetStreamContext, subject string) (Unsubscribe, Unsubscribe) {
	p := &NatsPublisher{js: js, subject: subject}
	unAdd := l.OnAdd(func(action types.Action, meta types.Meta) {
		p.publish("add", action, meta)
	})
	unClean := l.OnClean(func(action types.Action, meta types.Meta) {
		p.publish("clean", action, meta)
	})
	return unAdd, unClean
}

func (p *NatsPublisher) publish(kind string, action types.Action, meta types.Meta) {
	data, err := json.Marshal(struct {
		Kind   string       `json:"kind"`
		Action types.Action `json:"action"`
		Meta   types.Meta   `json:"meta"`
	}{Kind: kind, Action: action, Meta: meta})
	if err != nil {
		log.Printf("synclog: marshal %s event for %s failed: %v", kind, meta.ID, err)
		return
	}
	ack, err := p.js.Publish(p.subject, data)
	if err != nil {
		log.Printf("synclog: publish %s event for %s to %s failed: %v", kind, meta.ID, p.subject, err)
		return
	}
	log.Printf("synclog: published %s event for %s to %s (seq=%d)", kind, meta.ID, p.subject, ack.Sequence)
}
