// Package synclog implements the Log: a wrapper around a Store that
// assigns ids, enforces the at-most-one-insertion-per-id invariant, and
// fans out preadd/add/clean lifecycle events to subscribers.
package synclog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/CanRau/logux-core/internal/store"
	"github.com/CanRau/logux-core/internal/types"
)

// ErrMissingType is returned by Add when action.Type() is empty.
var ErrMissingType = errors.New("synclog: action missing type")

// ErrDuplicate is returned by Add when meta.ID already exists and the
// entry carries no retention reasons to persist (or, for store-backed
// adds, when the store itself reports a duplicate id).
var ErrDuplicate = errors.New("synclog: duplicate id")

// Clock supplies the wallclock used to generate ids. Tests inject a
// deterministic implementation (see testutil.TestTime); by default New
// uses a wallclock-based realClock.
type Clock interface {
	Now() int64
}

// Log wraps a Store, generating ids and dispatching lifecycle events.
type Log struct {
	nodeID string
	store  store.Store
	clock  Clock

	mu       sync.Mutex
	lastTime int64
	sequence int

	preadd *preaddEmitter
	add    *emitter
	clean  *emitter
}

// Option configures a Log at construction time.
type Option func(*Log)

// WithClock overrides the default wallclock source.
func WithClock(c Clock) Option {
	return func(l *Log) { l.clock = c }
}

// New constructs a Log bound to nodeID and backed by st.
func New(nodeID string, st store.Store, opts ...Option) *Log {
	l := &Log{
		nodeID: nodeID,
		store:  st,
		clock:  realClock{},
		preadd: newPreaddEmitter(),
		add:    newEmitter(),
		clean:  newEmitter(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NodeID returns the log's immutable node identifier.
func (l *Log) NodeID() string { return l.nodeID }

// Store returns the underlying store.
func (l *Log) Store() store.Store { return l.store }

// OnPreadd registers a listener invoked before an action is persisted,
// allowed to mutate the meta in place (append reasons, set KeepLast).
func (l *Log) OnPreadd(fn PreaddListener) Unsubscribe { return l.preadd.On(fn) }

// OnAdd registers a listener invoked once meta is final (add event).
func (l *Log) OnAdd(fn Listener) Unsubscribe { return l.add.On(fn) }

// OnClean registers a listener invoked when an entry's reasons are fully
// released.
func (l *Log) OnClean(fn Listener) Unsubscribe { return l.clean.On(fn) }

// GenerateID produces the next monotone id for this log: "<time> <nodeId>
// <seq>". If wallclock time has not advanced past lastTime, the sequence
// is incremented instead, keeping ids monotone even across clock
// regressions (leap seconds).
func (l *Log) GenerateID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if now <= l.lastTime {
		l.sequence++
	} else {
		l.lastTime = now
		l.sequence = 0
	}
	return strconv.FormatInt(l.lastTime, 10) + " " + l.nodeID + " " + strconv.Itoa(l.sequence)
}

// Add inserts action into the log. meta may be partially filled
// in (ID, Time, Reasons, KeepLast): a missing ID is generated, a zero
// Time is taken from the id's time token, and nil Reasons become empty.
// Returns ErrDuplicate when the id already exists.
func (l *Log) Add(ctx context.Context, action types.Action, meta types.Meta) (types.Meta, error) {
	if action.Type() == "" {
		return types.Meta{}, ErrMissingType
	}

	isNew := meta.ID == ""
	if isNew {
		meta.ID = l.GenerateID()
	}
	if meta.Time == 0 {
		t, _, _ := types.SplitID(meta.ID)
		meta.Time, _ = strconv.ParseInt(t, 10, 64)
	}
	if meta.Reasons == nil {
		meta.Reasons = []string{}
	}

	l.preadd.Emit(action, &meta)

	if meta.KeepLast != "" {
		older := meta
		if err := l.RemoveReason(ctx, meta.KeepLast, store.Criteria{OlderThan: &older}); err != nil {
			return types.Meta{}, fmt.Errorf("synclog: keepLast cleanup: %w", err)
		}
		meta.Reasons = append(meta.Reasons, meta.KeepLast)
	}

	if len(meta.Reasons) == 0 {
		if !isNew {
			_, _, ok, err := l.store.ByID(ctx, meta.ID)
			if err != nil {
				return types.Meta{}, err
			}
			if ok {
				return types.Meta{}, ErrDuplicate
			}
		}
		l.add.Emit(action, meta)
		l.clean.Emit(action, meta)
		return meta, nil
	}

	stored, err := l.store.Add(ctx, action, meta)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return types.Meta{}, ErrDuplicate
		}
		return types.Meta{}, err
	}
	l.add.Emit(action, stored)
	return stored, nil
}

// EachOptions configures Each.
type EachOptions struct {
	Order store.Order
}

// EachFunc is called newest-first for every entry; returning stop=true
// ends iteration early.
type EachFunc func(action types.Action, meta types.Meta) (stop bool)

// Each iterates entries from newest to oldest using store.Get, which
// already returns each page newest-first; pages are consumed in order.
func (l *Log) Each(ctx context.Context, opts EachOptions, fn EachFunc) error {
	page, err := l.store.Get(ctx, store.GetOptions{Order: opts.Order})
	if err != nil {
		return err
	}
	for {
		for i := 0; i < len(page.Entries); i++ {
			e := page.Entries[i]
			if fn(e.Action, e.Meta) {
				return nil
			}
		}
		if page.Next == nil {
			return nil
		}
		entries, next, err := page.Next(ctx)
		if err != nil {
			return err
		}
		page = store.Page{Entries: entries, Next: next}
	}
}

var immutableFields = map[string]bool{"id": true, "added": true, "time": true, "subprotocol": true}

// ChangeMeta merges diff into the stored meta for id. Rejects attempts to
// touch ID/Added/Time/Subprotocol. If diff.Reasons is present and empty,
// the entry is removed and a clean event fired instead.
func (l *Log) ChangeMeta(ctx context.Context, id string, diff types.Meta, fields store.MetaFields, touched []string) (bool, error) {
	for _, f := range touched {
		if immutableFields[f] {
			return false, fmt.Errorf("synclog: cannot change immutable meta field %q", f)
		}
	}
	if fields.Reasons && len(diff.Reasons) == 0 {
		action, meta, ok, err := l.store.Remove(ctx, id)
		if err != nil || !ok {
			return ok, err
		}
		l.clean.Emit(action, meta)
		return true, nil
	}
	return l.store.ChangeMeta(ctx, id, diff, fields)
}

// RemoveReason delegates to the store, emitting a clean event for every
// entry whose reasons became empty.
func (l *Log) RemoveReason(ctx context.Context, reason string, criteria store.Criteria) error {
	return l.store.RemoveReason(ctx, reason, criteria, func(action types.Action, meta types.Meta) {
		l.clean.Emit(action, meta)
	})
}

// ByID delegates to the store.
func (l *Log) ByID(ctx context.Context, id string) (types.Action, types.Meta, bool, error) {
	return l.store.ByID(ctx, id)
}

type realClock struct{}

func (realClock) Now() int64 { return nowMillis() }
