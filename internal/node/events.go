package node

import (
	"sync"

	"github.com/CanRau/logux-core/internal/transport"
)

// listenerSet is the Node-side analogue of synclog's emitter: a
// slice-backed listener registry that preserves registration order and
// whose Unsubscribe handles actually detach. WaitFor relies on the
// detach to drop its temporary state listener once the awaited state is
// reached.
type listenerSet[T any] struct {
	mu      sync.Mutex
	entries []listenerSetEntry[T]
	nextID  int
}

type listenerSetEntry[T any] struct {
	id int
	fn T
}

func (s *listenerSet[T]) add(fn T) transport.Unsubscribe {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.entries = append(s.entries, listenerSetEntry[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			for i, e := range s.entries {
				if e.id == id {
					s.entries = append(s.entries[:i], s.entries[i+1:]...)
					break
				}
			}
			s.mu.Unlock()
		})
	}
}

// snapshot copies the registered listeners so emission never runs with
// the lock held (a listener may subscribe or unsubscribe reentrantly).
func (s *listenerSet[T]) snapshot() []T {
	s.mu.Lock()
	out := make([]T, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.fn
	}
	s.mu.Unlock()
	return out
}
