package cache

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/fieldsync/internal/db"
	"github.com/fieldops/fieldsync/internal/errors"
)

type fixture struct {
	store *db.Store
	cache *Cache
	now   time.Time
}

func newFixture(t *testing.T, size int) *fixture {
	t.Helper()
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	f := &fixture{store: db.NewStore(database), now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	f.cache, err = New(f.store, size, WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)
	return f
}

func TestPutGet(t *testing.T) {
	f := newFixture(t, 8)
	ctx := context.Background()
	data := []byte(`[{"id":"loc-1","name":"Plant A"},{"id":"loc-2","name":"Plant B"}]`)

	require.NoError(t, f.cache.Put(ctx, "locations", data, time.Hour))

	e, err := f.cache.Get(ctx, "locations")
	require.NoError(t, err)
	assert.Equal(t, data, e.Data)
	assert.Equal(t, time.Hour, e.TTL)

	// Persisted compressed.
	stored, err := f.store.GetCacheEntry(ctx, "locations")
	require.NoError(t, err)
	decoded, err := snappy.Decode(nil, stored.Data)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestGet_loadsFromStoreAfterEviction(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	require.NoError(t, f.cache.Put(ctx, "a", []byte("alpha"), 0))
	require.NoError(t, f.cache.Put(ctx, "b", []byte("beta"), 0))
	assert.Equal(t, 1, f.cache.Len())

	e, err := f.cache.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), e.Data)
}

func TestGet_returnsCopies(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	require.NoError(t, f.cache.Put(ctx, "k", []byte("value"), 0))

	e, err := f.cache.Get(ctx, "k")
	require.NoError(t, err)
	e.Data[0] = 'X'

	again, err := f.cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), again.Data)
}

func TestGet_missing(t *testing.T) {
	f := newFixture(t, 4)
	_, err := f.cache.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestPut_requiresKey(t *testing.T) {
	f := newFixture(t, 4)
	err := f.cache.Put(context.Background(), "", []byte("x"), 0)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestFetch(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	calls := 0
	fetch := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte("v" + string(rune('0'+calls))), nil
	}

	data, err := f.cache.Fetch(ctx, "equipment", time.Hour, fetch)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)

	data, err = f.cache.Fetch(ctx, "equipment", time.Hour, fetch)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data, "fresh entry served from cache")
	assert.Equal(t, 1, calls)

	f.now = f.now.Add(2 * time.Hour)
	data, err = f.cache.Fetch(ctx, "equipment", time.Hour, fetch)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data, "stale entry refreshed")
}

func TestFetch_offlineServesStale(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	require.NoError(t, f.cache.Put(ctx, "equipment", []byte("old"), time.Minute))
	f.now = f.now.Add(time.Hour)

	offline := func(ctx context.Context) ([]byte, error) {
		return nil, errors.Network("unreachable", 0, stderrors.New("dial tcp"))
	}
	data, err := f.cache.Fetch(ctx, "equipment", time.Minute, offline)
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), data)

	_, err = f.cache.Fetch(ctx, "never-cached", time.Minute, offline)
	assert.True(t, errors.Is(err, errors.ErrNetwork))
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	require.NoError(t, f.cache.Put(ctx, "short", []byte("s"), time.Minute))
	require.NoError(t, f.cache.Put(ctx, "long", []byte("l"), 24*time.Hour))
	require.NoError(t, f.cache.Put(ctx, "forever", []byte("f"), 0))

	f.now = f.now.Add(time.Hour)
	n, err := f.cache.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.cache.Get(ctx, "short")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	_, err = f.cache.Get(ctx, "forever")
	assert.NoError(t, err)
}

func TestClearNonEssential(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	require.NoError(t, f.cache.Put(ctx, "a", []byte("1"), 0))
	require.NoError(t, f.cache.Put(ctx, "b", []byte("2"), 0))

	n, err := f.cache.ClearNonEssential(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, f.cache.Len())

	entries, err := f.store.ListCacheEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
