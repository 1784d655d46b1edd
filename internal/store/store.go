// Package store defines the Store interface the Log and Node depend on:
// persistence of actions with reason-based retention and a monotonic
// insertion counter. Concrete backends live in sub-packages (memstore for
// the in-memory reference implementation used by tests, sqlstore for a
// pluggable production backend).
package store

import (
	"context"
	"errors"

	"github.com/CanRau/logux-core/internal/types"
)

// ErrAlreadyExists is returned by Add when meta.ID is already present.
var ErrAlreadyExists = errors.New("store: entry already exists")

// Order selects the iteration order used by Get.
type Order int

const (
	// OrderCreated orders by id per the idcompare total order, newest
	// first.
	OrderCreated Order = iota
	// OrderAdded orders by the Added insertion counter, newest first.
	OrderAdded
)

// GetOptions configures a Get call.
type GetOptions struct {
	Order Order
}

// NextPage fetches the next page of entries, or returns (nil, nil, nil)
// when exhausted.
type NextPage func(ctx context.Context) (entries []types.Entry, next NextPage, err error)

// Page is a single page of entries plus a thunk to fetch the next one.
// Next is nil when the page is the last.
type Page struct {
	Entries []types.Entry
	Next    NextPage
}

// Criteria narrows which entries RemoveReason applies to.
type Criteria struct {
	MinAdded    uint64
	MaxAdded    uint64
	HasMinAdded bool
	HasMaxAdded bool
	OlderThan   *types.Meta
	YoungerThan *types.Meta
	ID          string
}

// Synced is the per-node synchronization bookmark pair.
type Synced struct {
	Sent     uint64
	Received uint64
}

// SyncedUpdate is a partial update to a Synced bookmark; a nil field is
// left unchanged.
type SyncedUpdate struct {
	Sent     *uint64
	Received *uint64
}

// CleanFunc is invoked once per entry whose reasons became empty as a
// result of RemoveReason.
type CleanFunc func(action types.Action, meta types.Meta)

// Store is the persistence capability the Log and Node consume. Add is the
// only operation that assigns Added; implementations must guarantee Added
// values are unique and strictly increasing across the store's entire
// lifetime, serializing their own mutations or using compare-and-set.
type Store interface {
	// Add inserts action/meta if meta.ID is absent, assigning a
	// monotonically increasing Added. Returns ErrAlreadyExists if the id
	// is already present.
	Add(ctx context.Context, action types.Action, meta types.Meta) (types.Meta, error)

	// Get returns the first page of entries in the requested order,
	// newest first.
	Get(ctx context.Context, opts GetOptions) (Page, error)

	// ByID looks up an entry by id. ok is false if absent.
	ByID(ctx context.Context, id string) (action types.Action, meta types.Meta, ok bool, err error)

	// Remove deletes an entry unconditionally and returns it. ok is false
	// if the id was absent.
	Remove(ctx context.Context, id string) (action types.Action, meta types.Meta, ok bool, err error)

	// ChangeMeta merges diff into the stored meta. ok is false on unknown
	// id.
	ChangeMeta(ctx context.Context, id string, diff types.Meta, fields MetaFields) (ok bool, err error)

	// RemoveReason strips reason from every entry matching criteria; when
	// an entry's reasons become empty it is deleted and onClean is
	// invoked with its action/meta.
	RemoveReason(ctx context.Context, reason string, criteria Criteria, onClean CleanFunc) error

	// GetLastAdded returns the maximum Added ever assigned, 0 if none.
	GetLastAdded(ctx context.Context) (uint64, error)

	// GetLastSynced returns the synchronization bookmark for nodeID.
	GetLastSynced(ctx context.Context, nodeID string) (Synced, error)

	// SetLastSynced partially updates the synchronization bookmark for
	// nodeID.
	SetLastSynced(ctx context.Context, nodeID string, update SyncedUpdate) error

	// Clean releases any resources held by the store.
	Clean(ctx context.Context) error
}

// MetaFields marks which fields of a ChangeMeta diff were actually set by
// the caller, since the zero value of types.Meta cannot distinguish "not
// present" from "present and zero".
type MetaFields struct {
	Reasons  bool
	KeepLast bool
}
