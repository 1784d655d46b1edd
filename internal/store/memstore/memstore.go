// Package memstore is the in-memory reference Store implementation used
// by tests and by TestLog. It keeps entries ordered by insertion and
// re-sorts on read, which is adequate for the small logs exercised in
// tests and examples.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/CanRau/logux-core/internal/idcompare"
	"github.com/CanRau/logux-core/internal/store"
	"github.com/CanRau/logux-core/internal/types"
)

const defaultPageSize = 50

// Store is a mutex-protected, in-memory Store. The zero value is not
// usable; construct with New.
type Store struct {
	mu        sync.RWMutex
	entries   map[string]types.Entry
	order     []string // insertion order, for stable Added assignment
	lastAdded uint64
	synced    map[string]store.Synced
	pageSize  int
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		entries:  make(map[string]types.Entry),
		synced:   make(map[string]store.Synced),
		pageSize: defaultPageSize,
	}
}

func (s *Store) Add(_ context.Context, action types.Action, meta types.Meta) (types.Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[meta.ID]; exists {
		return types.Meta{}, store.ErrAlreadyExists
	}
	s.lastAdded++
	meta = meta.Clone()
	meta.Added = s.lastAdded
	s.entries[meta.ID] = types.Entry{Action: action.Clone(), Meta: meta}
	s.order = append(s.order, meta.ID)
	return meta, nil
}

func (s *Store) Get(ctx context.Context, opts store.GetOptions) (store.Page, error) {
	s.mu.RLock()
	all := make([]types.Entry, 0, len(s.entries))
	for _, id := range s.order {
		all = append(all, s.entries[id])
	}
	s.mu.RUnlock()

	sortEntries(all, opts.Order)
	return s.pageOf(all, opts), nil
}

func (s *Store) pageOf(all []types.Entry, opts store.GetOptions) store.Page {
	if len(all) == 0 {
		return store.Page{}
	}
	end := s.pageSize
	if end > len(all) {
		end = len(all)
	}
	page := store.Page{Entries: all[:end]}
	if end < len(all) {
		rest := all[end:]
		page.Next = func(ctx context.Context) ([]types.Entry, store.NextPage, error) {
			next := s.pageOf(rest, opts)
			return next.Entries, next.Next, nil
		}
	}
	return page
}

func sortEntries(entries []types.Entry, order store.Order) {
	switch order {
	case store.OrderAdded:
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].Meta.Added > entries[j].Meta.Added
		})
	default: // OrderCreated
		sort.SliceStable(entries, func(i, j int) bool {
			mi, mj := entries[i].Meta, entries[j].Meta
			return idcompare.Older(&mj, &mi)
		})
	}
}

func (s *Store) ByID(_ context.Context, id string) (types.Action, types.Meta, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, types.Meta{}, false, nil
	}
	return e.Action.Clone(), e.Meta.Clone(), true, nil
}

func (s *Store) Remove(_ context.Context, id string) (types.Action, types.Meta, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, types.Meta{}, false, nil
	}
	delete(s.entries, id)
	s.order = removeID(s.order, id)
	return e.Action, e.Meta, true, nil
}

func removeID(order []string, id string) []string {
	for i, v := range order {
		if v == id {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}

func (s *Store) ChangeMeta(_ context.Context, id string, diff types.Meta, fields store.MetaFields) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false, nil
	}
	if fields.Reasons {
		e.Meta.Reasons = append([]string(nil), diff.Reasons...)
	}
	if fields.KeepLast {
		e.Meta.KeepLast = diff.KeepLast
	}
	s.entries[id] = e
	return true, nil
}

func (s *Store) RemoveReason(_ context.Context, reason string, criteria store.Criteria, onClean store.CleanFunc) error {
	s.mu.Lock()
	var cleaned []types.Entry
	for id, e := range s.entries {
		if !e.Meta.HasReason(reason) || !matches(e.Meta, criteria) {
			continue
		}
		e.Meta.Reasons = without(e.Meta.Reasons, reason)
		if len(e.Meta.Reasons) == 0 {
			delete(s.entries, id)
			s.order = removeID(s.order, id)
			cleaned = append(cleaned, e)
		} else {
			s.entries[id] = e
		}
	}
	s.mu.Unlock()

	if onClean != nil {
		for _, e := range cleaned {
			onClean(e.Action, e.Meta)
		}
	}
	return nil
}

func without(reasons []string, reason string) []string {
	out := make([]string, 0, len(reasons))
	for _, r := range reasons {
		if r != reason {
			out = append(out, r)
		}
	}
	return out
}

func matches(m types.Meta, c store.Criteria) bool {
	if c.ID != "" {
		return m.ID == c.ID
	}
	if c.HasMinAdded && m.Added < c.MinAdded {
		return false
	}
	if c.HasMaxAdded && m.Added > c.MaxAdded {
		return false
	}
	if c.OlderThan != nil && !idcompare.Older(&m, c.OlderThan) {
		return false
	}
	if c.YoungerThan != nil && !idcompare.Older(c.YoungerThan, &m) {
		return false
	}
	return true
}

func (s *Store) GetLastAdded(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAdded, nil
}

func (s *Store) GetLastSynced(_ context.Context, nodeID string) (store.Synced, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.synced[nodeID], nil
}

func (s *Store) SetLastSynced(_ context.Context, nodeID string, update store.SyncedUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.synced[nodeID]
	if update.Sent != nil {
		cur.Sent = *update.Sent
	}
	if update.Received != nil {
		cur.Received = *update.Received
	}
	s.synced[nodeID] = cur
	return nil
}

func (s *Store) Clean(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]types.Entry)
	s.order = nil
	s.synced = make(map[string]store.Synced)
	s.lastAdded = 0
	return nil
}

var _ store.Store = (*Store)(nil)
