package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
)

// NetConn adapts a net.Conn to Connection, framing each message as a
// single JSON array followed by a newline, read with bufio.Reader the
// same way the daemon's RPC client/server frame newline-delimited JSON
// requests and responses.
type NetConn struct {
	dial func(ctx context.Context) (net.Conn, error)

	mu        sync.Mutex
	conn      net.Conn
	writer    *bufio.Writer
	connected bool

	events   []Listener
	messages []MessageListener
	errors   []ErrorListener

	closeOnce sync.Once
	done      chan struct{}
}

// NewNetConn wraps an already-established net.Conn (server side) or a
// dial function invoked by Connect (client side). Exactly one of conn or
// dial should be supplied.
func NewNetConn(conn net.Conn, dial func(ctx context.Context) (net.Conn, error)) *NetConn {
	nc := &NetConn{conn: conn, dial: dial, done: make(chan struct{})}
	if conn != nil {
		nc.writer = bufio.NewWriter(conn)
	}
	return nc
}

func (nc *NetConn) Connect(ctx context.Context) error {
	nc.mu.Lock()
	if nc.conn == nil && nc.dial != nil {
		conn, err := nc.dial(ctx)
		if err != nil {
			nc.mu.Unlock()
			return err
		}
		nc.conn = conn
		nc.writer = bufio.NewWriter(conn)
	}
	nc.connected = true
	listeners := append([]Listener(nil), nc.events...)
	conn := nc.conn
	nc.mu.Unlock()

	for _, l := range listeners {
		if l != nil {
			l(EventConnect)
		}
	}
	if conn != nil {
		go nc.readLoop(conn)
	}
	return nil
}

func (nc *NetConn) readLoop(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			nc.Disconnect("read error")
			return
		}
		var msg Message
		if jsonErr := json.Unmarshal(line, &msg); jsonErr != nil {
			nc.reportError(&FormatError{Raw: string(line)})
			continue
		}
		nc.deliver(msg)
	}
}

func (nc *NetConn) deliver(msg Message) {
	nc.mu.Lock()
	listeners := append([]MessageListener(nil), nc.messages...)
	nc.mu.Unlock()
	for _, l := range listeners {
		if l != nil {
			l(msg)
		}
	}
}

func (nc *NetConn) reportError(err error) {
	nc.mu.Lock()
	listeners := append([]ErrorListener(nil), nc.errors...)
	nc.mu.Unlock()
	for _, l := range listeners {
		if l != nil {
			l(err)
		}
	}
}

func (nc *NetConn) Disconnect(_ string) error {
	var err error
	nc.closeOnce.Do(func() {
		nc.mu.Lock()
		wasConnected := nc.connected
		nc.connected = false
		conn := nc.conn
		listeners := append([]Listener(nil), nc.events...)
		nc.mu.Unlock()
		close(nc.done)
		if conn != nil {
			err = conn.Close()
		}
		if wasConnected {
			for _, l := range listeners {
				if l != nil {
					l(EventDisconnect)
				}
			}
		}
	})
	return err
}

func (nc *NetConn) Send(message Message) {
	data, err := json.Marshal(message)
	if err != nil {
		nc.reportError(err)
		return
	}
	nc.mu.Lock()
	writer := nc.writer
	connected := nc.connected
	if !connected || writer == nil {
		nc.mu.Unlock()
		nc.reportError(&FormatError{Raw: "send on closed connection"})
		return
	}
	writeErr := func() error {
		if _, err := writer.Write(data); err != nil {
			return err
		}
		if err := writer.WriteByte('\n'); err != nil {
			return err
		}
		return writer.Flush()
	}()
	nc.mu.Unlock()
	if writeErr != nil {
		nc.reportError(writeErr)
	}
}

func (nc *NetConn) Connected() bool {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.connected
}

func (nc *NetConn) OnEvent(l Listener) Unsubscribe {
	nc.mu.Lock()
	nc.events = append(nc.events, l)
	idx := len(nc.events) - 1
	nc.mu.Unlock()
	return func() {
		nc.mu.Lock()
		defer nc.mu.Unlock()
		if idx < len(nc.events) {
			nc.events[idx] = nil
		}
	}
}

func (nc *NetConn) OnMessage(l MessageListener) Unsubscribe {
	nc.mu.Lock()
	nc.messages = append(nc.messages, l)
	idx := len(nc.messages) - 1
	nc.mu.Unlock()
	return func() {
		nc.mu.Lock()
		defer nc.mu.Unlock()
		if idx < len(nc.messages) {
			nc.messages[idx] = nil
		}
	}
}

func (nc *NetConn) OnError(l ErrorListener) Unsubscribe {
	nc.mu.Lock()
	nc.errors = append(nc.errors, l)
	idx := len(nc.errors) - 1
	nc.mu.Unlock()
	return func() {
		nc.mu.Lock()
		defer nc.mu.Unlock()
		if idx < len(nc.errors) {
			nc.errors[idx] = nil
		}
	}
}

var _ Connection = (*NetConn)(nil)
