package synclog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CanRau/logux-core/internal/store"
	"github.com/CanRau/logux-core/internal/store/memstore"
	"github.com/CanRau/logux-core/internal/synclog"
	"github.com/CanRau/logux-core/internal/testutil"
	"github.com/CanRau/logux-core/internal/types"
)

func newLog(t *testing.T) (*synclog.Log, *testutil.TestTime) {
	t.Helper()
	clock := testutil.NewTestTime(1000)
	return testutil.NewTestLog("client", clock), clock
}

func TestAdd_RequiresType(t *testing.T) {
	l, _ := newLog(t)
	_, err := l.Add(context.Background(), types.Action{}, types.Meta{})
	require.ErrorIs(t, err, synclog.ErrMissingType)
}

func TestAdd_NoReasons_NotPersisted(t *testing.T) {
	l, _ := newLog(t)
	ctx := context.Background()

	var added, cleaned int
	l.OnAdd(func(types.Action, types.Meta) { added++ })
	l.OnClean(func(types.Action, types.Meta) { cleaned++ })

	meta, err := l.Add(ctx, types.Action{"type": "a"}, types.Meta{})
	require.NoError(t, err)
	require.NotEmpty(t, meta.ID)
	require.Equal(t, 1, added)
	require.Equal(t, 1, cleaned)

	_, _, ok, err := l.ByID(ctx, meta.ID)
	require.NoError(t, err)
	require.False(t, ok, "no-reason actions are never persisted")
}

func TestAdd_WithReasons_Persisted(t *testing.T) {
	l, _ := newLog(t)
	ctx := context.Background()

	meta, err := l.Add(ctx, types.Action{"type": "a"}, types.Meta{Reasons: []string{"tab"}})
	require.NoError(t, err)
	require.EqualValues(t, 1, meta.Added)

	_, stored, ok, err := l.ByID(ctx, meta.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, meta.ID, stored.ID)
}

func TestAdd_DuplicateExplicitID(t *testing.T) {
	l, _ := newLog(t)
	ctx := context.Background()

	_, err := l.Add(ctx, types.Action{"type": "a"}, types.Meta{ID: "1 client 0", Reasons: []string{"tab"}})
	require.NoError(t, err)

	_, err = l.Add(ctx, types.Action{"type": "a"}, types.Meta{ID: "1 client 0", Reasons: []string{"tab"}})
	require.ErrorIs(t, err, synclog.ErrDuplicate)
}

func TestAdd_DuplicateExplicitID_NoReasons(t *testing.T) {
	l, _ := newLog(t)
	ctx := context.Background()

	meta, err := l.Add(ctx, types.Action{"type": "a"}, types.Meta{ID: "1 client 5"})
	require.NoError(t, err)

	// Same explicit id, still no reasons: the Log only has store.ByID to
	// consult and the first add was never persisted, so re-adding the
	// same explicit id without reasons is not reported as a duplicate.
	_, err = l.Add(ctx, types.Action{"type": "a"}, types.Meta{ID: meta.ID})
	require.NoError(t, err, "first add was not persisted, so this id is free again")
}

func TestGenerateID_MonotonePerLog(t *testing.T) {
	l, clock := newLog(t)
	clock.Queue(100, 100, 99, 101)

	id1 := l.GenerateID()
	id2 := l.GenerateID()
	id3 := l.GenerateID() // clock regresses to 99: sequence still increments
	id4 := l.GenerateID()

	require.Equal(t, "100 client 0", id1)
	require.Equal(t, "100 client 1", id2)
	require.Equal(t, "100 client 2", id3, "clock regression must not move ids backward")
	require.Equal(t, "101 client 0", id4)
}

func TestKeepLast_ReplacesEarlierSameTag(t *testing.T) {
	l, _ := newLog(t)
	ctx := context.Background()

	first, err := l.Add(ctx, types.Action{"type": "cursor", "v": 1}, types.Meta{KeepLast: "cursor"})
	require.NoError(t, err)

	_, _, ok, err := l.ByID(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, ok)

	second, err := l.Add(ctx, types.Action{"type": "cursor", "v": 2}, types.Meta{KeepLast: "cursor"})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	_, _, ok, err = l.ByID(ctx, first.ID)
	require.NoError(t, err)
	require.False(t, ok, "earlier keepLast entry must be removed")

	_, meta, ok, err := l.ByID(ctx, second.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, meta.Reasons, "cursor")
}

func TestEach_NewestFirst(t *testing.T) {
	l, _ := newLog(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Add(ctx, types.Action{"type": "a"}, types.Meta{Reasons: []string{"tab"}})
		require.NoError(t, err)
	}

	var seen []uint64
	err := l.Each(ctx, synclog.EachOptions{Order: store.OrderAdded}, func(action types.Action, meta types.Meta) bool {
		seen = append(seen, meta.Added)
		return false
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{3, 2, 1}, seen)
}

func TestEach_StopsEarly(t *testing.T) {
	l, _ := newLog(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := l.Add(ctx, types.Action{"type": "a"}, types.Meta{Reasons: []string{"tab"}})
		require.NoError(t, err)
	}

	var seen int
	err := l.Each(ctx, synclog.EachOptions{Order: store.OrderAdded}, func(types.Action, types.Meta) bool {
		seen++
		return true
	})
	require.NoError(t, err)
	require.Equal(t, 1, seen)
}

func TestChangeMeta_RejectsImmutableFields(t *testing.T) {
	l, _ := newLog(t)
	ctx := context.Background()
	meta, err := l.Add(ctx, types.Action{"type": "a"}, types.Meta{Reasons: []string{"tab"}})
	require.NoError(t, err)

	_, err = l.ChangeMeta(ctx, meta.ID, types.Meta{ID: "changed"}, store.MetaFields{}, []string{"id"})
	require.Error(t, err)
}

func TestChangeMeta_EmptyReasonsRemoves(t *testing.T) {
	l, _ := newLog(t)
	ctx := context.Background()
	meta, err := l.Add(ctx, types.Action{"type": "a"}, types.Meta{Reasons: []string{"tab"}})
	require.NoError(t, err)

	var cleaned int
	l.OnClean(func(types.Action, types.Meta) { cleaned++ })

	ok, err := l.ChangeMeta(ctx, meta.ID, types.Meta{Reasons: []string{}}, store.MetaFields{Reasons: true}, []string{"reasons"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, cleaned)

	_, _, ok, err = l.ByID(ctx, meta.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRemoveReason_Idempotent(t *testing.T) {
	l, _ := newLog(t)
	ctx := context.Background()
	meta, err := l.Add(ctx, types.Action{"type": "a"}, types.Meta{Reasons: []string{"tab"}})
	require.NoError(t, err)

	require.NoError(t, l.RemoveReason(ctx, "tab", store.Criteria{}))

	_, _, ok, err := l.ByID(ctx, meta.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPreaddListenerCanAppendReasons(t *testing.T) {
	l := testutil.NewTestLog("client", testutil.NewTestTime(1))
	ctx := context.Background()

	l.OnPreadd(func(action types.Action, meta *types.Meta) {
		meta.Reasons = append(meta.Reasons, "injected")
	})

	got, err := l.Add(ctx, types.Action{"type": "a"}, types.Meta{})
	require.NoError(t, err)
	require.Contains(t, got.Reasons, "injected", "preadd listener mutation must survive to the stored meta")

	_, stored, ok, err := l.ByID(ctx, got.ID)
	require.NoError(t, err)
	require.True(t, ok, "reasons added by a preadd listener must persist the entry")
	require.Contains(t, stored.Reasons, "injected")
}

func TestSyncIdempotence(t *testing.T) {
	// Delivering the same entry twice yields the same state and no
	// second add event.
	st := memstore.New()
	l := synclog.New("client", st, synclog.WithClock(testutil.NewTestTime(1)))
	ctx := context.Background()

	meta := types.Meta{ID: "1 server 0", Time: 1, Reasons: []string{"tab"}}
	action := types.Action{"type": "a"}

	var addCount int
	l.OnAdd(func(types.Action, types.Meta) { addCount++ })

	_, err := l.Add(ctx, action, meta)
	require.NoError(t, err)
	require.Equal(t, 1, addCount)

	_, err = l.Add(ctx, action, meta)
	require.ErrorIs(t, err, synclog.ErrDuplicate)
	require.Equal(t, 1, addCount, "duplicate delivery must not re-fire add")
}
