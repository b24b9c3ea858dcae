// Package cache keeps server reference data (location lists, equipment
// catalogs) available offline. Entries live snappy-compressed in the
// durable store behind an in-memory LRU. Staleness is advisory: a stale
// entry is still served when the server cannot be reached.
package cache

import (
	"context"
	"time"

	"github.com/golang/snappy"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fieldops/fieldsync/internal/errors"
	"github.com/fieldops/fieldsync/internal/logging"
	"github.com/fieldops/fieldsync/internal/models"
)

// DefaultSize is the number of entries held in memory.
const DefaultSize = 256

// Store is the persistence the cache needs.
type Store interface {
	PutCacheEntry(ctx context.Context, e *models.CacheEntry) error
	GetCacheEntry(ctx context.Context, key string) (*models.CacheEntry, error)
	ListCacheEntries(ctx context.Context) ([]*models.CacheEntry, error)
	DeleteCacheEntry(ctx context.Context, key string) error
	ClearCacheEntries(ctx context.Context) (int, error)
}

// FetchFunc loads fresh data from the server.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Cache is the reference-data cache.
type Cache struct {
	store Store
	front *lru.Cache[string, *models.CacheEntry]
	now   func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the cache's time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache holding up to size decoded entries in memory.
func New(store Store, size int, opts ...Option) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	front, err := lru.New[string, *models.CacheEntry](size)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "create cache", err)
	}
	c := &Cache{store: store, front: front, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Put stores data under key. A zero ttl never goes stale.
func (c *Cache) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New(errors.ErrValidation, "cache key is required")
	}
	entry := &models.CacheEntry{
		Key:       key,
		Data:      append([]byte(nil), data...),
		FetchedAt: c.now().UTC(),
		TTL:       ttl,
	}
	stored := *entry
	stored.Data = snappy.Encode(nil, data)
	if err := c.store.PutCacheEntry(ctx, &stored); err != nil {
		return err
	}
	c.front.Add(key, entry)
	return nil
}

// Get returns the entry under key, stale or not. Callers check
// CacheEntry.Stale.
func (c *Cache) Get(ctx context.Context, key string) (*models.CacheEntry, error) {
	if e, ok := c.front.Get(key); ok {
		return clone(e), nil
	}

	stored, err := c.store.GetCacheEntry(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := snappy.Decode(nil, stored.Data)
	if err != nil {
		return nil, errors.Storage("decode cache entry "+key, err)
	}
	stored.Data = data
	c.front.Add(key, stored)
	return clone(stored), nil
}

// Fetch returns fresh data for key, calling fetch when the entry is
// missing or stale. If fetch fails and a stale entry exists, the stale data
// is returned without error.
func (c *Cache) Fetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) ([]byte, error) {
	cached, err := c.Get(ctx, key)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}
	if cached != nil && !cached.Stale(c.now()) {
		return cached.Data, nil
	}

	data, fetchErr := fetch(ctx)
	if fetchErr != nil {
		if cached != nil {
			logging.Warn("Serving stale cache entry", map[string]interface{}{
				"key":        key,
				"fetched_at": cached.FetchedAt,
				"error":      fetchErr.Error(),
			})
			return cached.Data, nil
		}
		return nil, fetchErr
	}

	if err := c.Put(ctx, key, data, ttl); err != nil {
		return nil, err
	}
	return data, nil
}

// Delete removes key. Missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.front.Remove(key)
	return c.store.DeleteCacheEntry(ctx, key)
}

// ExpireStale removes entries past their TTL and returns how many.
func (c *Cache) ExpireStale(ctx context.Context) (int, error) {
	entries, err := c.store.ListCacheEntries(ctx)
	if err != nil {
		return 0, err
	}
	now := c.now()
	n := 0
	for _, e := range entries {
		if !e.Stale(now) {
			continue
		}
		if err := c.Delete(ctx, e.Key); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// ClearNonEssential drops every cache entry to free space, for example
// after the store reported its quota exceeded. Captured records and queued
// operations are untouched.
func (c *Cache) ClearNonEssential(ctx context.Context) (int, error) {
	c.front.Purge()
	n, err := c.store.ClearCacheEntries(ctx)
	if err != nil {
		return 0, err
	}
	logging.Warn("Cleared reference-data cache", map[string]interface{}{"entries": n})
	return n, nil
}

// Len returns the number of entries held in memory.
func (c *Cache) Len() int {
	return c.front.Len()
}

func clone(e *models.CacheEntry) *models.CacheEntry {
	c := *e
	c.Data = append([]byte(nil), e.Data...)
	return &c
}
