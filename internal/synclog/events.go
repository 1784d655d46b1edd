package synclog

import (
	"sync"

	"github.com/CanRau/logux-core/internal/types"
)

// Listener receives an (action, meta) pair for a preadd/add/clean event.
type Listener func(action types.Action, meta types.Meta)

// Unsubscribe detaches a previously registered listener. Safe to call more
// than once.
type Unsubscribe func()

// listenerEntry pairs a registered listener with the id used to remove it
// from the slice on Unsubscribe without disturbing the order of the rest.
type listenerEntry struct {
	id int
	fn Listener
}

// emitter is a small typed pub-sub used for the Log's add and clean events
// (preadd uses preaddEmitter below). Listeners run synchronously, in registration
// order, on the caller's goroutine. Listeners are kept in a slice rather
// than a
// map since map iteration order is randomized and would break that
// ordering guarantee.
type emitter struct {
	mu        sync.Mutex
	listeners []listenerEntry
	nextID    int
}

func newEmitter() *emitter {
	return &emitter{}
}

func (e *emitter) On(l Listener) Unsubscribe {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners = append(e.listeners, listenerEntry{id: id, fn: l})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			for i, entry := range e.listeners {
				if entry.id == id {
					e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
					break
				}
			}
			e.mu.Unlock()
		})
	}
}

func (e *emitter) Emit(action types.Action, meta types.Meta) {
	e.mu.Lock()
	snapshot := make([]Listener, len(e.listeners))
	for i, entry := range e.listeners {
		snapshot[i] = entry.fn
	}
	e.mu.Unlock()

	for _, l := range snapshot {
		l(action, meta)
	}
}

// PreaddListener is invoked before an action is persisted, given a
// pointer to the in-progress meta so it may mutate it in place (append
// reasons, set KeepLast) before Add freezes and emits the final value.
type PreaddListener func(action types.Action, meta *types.Meta)

// preaddListenerEntry mirrors listenerEntry for the pointer-taking
// listener type.
type preaddListenerEntry struct {
	id int
	fn PreaddListener
}

// preaddEmitter is a pub-sub for PreaddListener, structurally identical
// to emitter but over the pointer-taking listener type, and likewise
// slice-backed so registration order is preserved.
type preaddEmitter struct {
	mu        sync.Mutex
	listeners []preaddListenerEntry
	nextID    int
}

func newPreaddEmitter() *preaddEmitter {
	return &preaddEmitter{}
}

func (e *preaddEmitter) On(l PreaddListener) Unsubscribe {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners = append(e.listeners, preaddListenerEntry{id: id, fn: l})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			for i, entry := range e.listeners {
				if entry.id == id {
					e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
					break
				}
			}
			e.mu.Unlock()
		})
	}
}

// Emit runs listeners in registration order, synchronously, each seeing
// the mutations of those before it.
func (e *preaddEmitter) Emit(action types.Action, meta *types.Meta) {
	e.mu.Lock()
	snapshot := make([]PreaddListener, len(e.listeners))
	for i, entry := range e.listeners {
		snapshot[i] = entry.fn
	}
	e.mu.Unlock()

	for _, l := range snapshot {
		l(action, meta)
	}
}
