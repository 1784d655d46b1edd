// Package testutil provides deterministic test doubles: a
// monotonically-increasing clock (TestTime) and a Log factory bound to
// it (TestLog). TestPair, the third helper the suite leans on, lives in
// internal/transport since it implements that package's Connection
// interface directly.
package testutil

import (
	"sync"

	"github.com/CanRau/logux-core/internal/store/memstore"
	"github.com/CanRau/logux-core/internal/synclog"
)

// TestTime is an explicit, injectable clock with a Next method. Each
// call to Now advances by one millisecond from the last value returned,
// unless Queue has primed specific values.
type TestTime struct {
	mu     sync.Mutex
	last   int64
	queued []int64
}

// NewTestTime returns a clock starting at start - 1, so the first Now()
// call returns start.
func NewTestTime(start int64) *TestTime {
	return &TestTime{last: start - 1}
}

// Queue primes the next len(values) calls to Now to return exactly
// values, in order, before falling back to the increment-by-one
// behavior. Used to pin handshake fixtures where the test needs specific
// clock readings ("returns 2 then 3").
func (t *TestTime) Queue(values ...int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queued = append(t.queued, values...)
}

// Now returns the next queued value, or the last value plus one.
func (t *TestTime) Now() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queued) > 0 {
		v := t.queued[0]
		t.queued = t.queued[1:]
		t.last = v
		return v
	}
	t.last++
	return t.last
}

// Next is an alias for Now.
func (t *TestTime) Next() int64 { return t.Now() }

// NewTestLog builds a Log over a fresh in-memory Store with a TestTime
// clock, the combination the test suite uses in place of wallclock time.
func NewTestLog(nodeID string, clock *TestTime) *synclog.Log {
	return synclog.New(nodeID, memstore.New(), synclog.WithClock(clock))
}
