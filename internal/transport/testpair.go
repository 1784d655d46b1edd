package transport

import (
	"context"
	"sync"
)

// TestPair is two in-process Connections wired directly together, used
// by the test suite in place of a real transport. Left and Right each
// implement Connection; sending on one delivers synchronously to the
// other's message listeners.
type TestPair struct {
	Left  *pairEnd
	Right *pairEnd
}

// NewTestPair constructs a wired pair. Neither end starts connected;
// call Connect on each as a real handshake would.
func NewTestPair() *TestPair {
	p := &TestPair{}
	p.Left = &pairEnd{}
	p.Right = &pairEnd{}
	p.Left.peer = p.Right
	p.Right.peer = p.Left
	return p
}

type pairEnd struct {
	mu        sync.Mutex
	peer      *pairEnd
	connected bool

	events   []Listener
	messages []MessageListener
	errors   []ErrorListener
}

func (e *pairEnd) Connect(_ context.Context) error {
	e.mu.Lock()
	e.connected = true
	listeners := append([]Listener(nil), e.events...)
	e.mu.Unlock()
	for _, l := range listeners {
		if l != nil {
			l(EventConnect)
		}
	}
	return nil
}

func (e *pairEnd) Disconnect(_ string) error {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return nil
	}
	e.connected = false
	listeners := append([]Listener(nil), e.events...)
	e.mu.Unlock()
	for _, l := range listeners {
		if l != nil {
			l(EventDisconnect)
		}
	}
	return nil
}

func (e *pairEnd) Send(message Message) {
	e.mu.Lock()
	peer := e.peer
	connected := e.connected
	e.mu.Unlock()
	if !connected || peer == nil {
		e.reportError(&FormatError{Raw: "send on closed connection"})
		return
	}
	peer.deliver(message)
}

func (e *pairEnd) deliver(message Message) {
	e.mu.Lock()
	listeners := append([]MessageListener(nil), e.messages...)
	e.mu.Unlock()
	for _, l := range listeners {
		if l != nil {
			l(message)
		}
	}
}

func (e *pairEnd) reportError(err error) {
	e.mu.Lock()
	listeners := append([]ErrorListener(nil), e.errors...)
	e.mu.Unlock()
	for _, l := range listeners {
		if l != nil {
			l(err)
		}
	}
}

func (e *pairEnd) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *pairEnd) OnEvent(l Listener) Unsubscribe {
	e.mu.Lock()
	e.events = append(e.events, l)
	idx := len(e.events) - 1
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if idx < len(e.events) {
			e.events[idx] = nil
		}
	}
}

func (e *pairEnd) OnMessage(l MessageListener) Unsubscribe {
	e.mu.Lock()
	e.messages = append(e.messages, l)
	idx := len(e.messages) - 1
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if idx < len(e.messages) {
			e.messages[idx] = nil
		}
	}
}

func (e *pairEnd) OnError(l ErrorListener) Unsubscribe {
	e.mu.Lock()
	e.errors = append(e.errors, l)
	idx := len(e.errors) - 1
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if idx < len(e.errors) {
			e.errors[idx] = nil
		}
	}
}

var _ Connection = (*pairEnd)(nil)
