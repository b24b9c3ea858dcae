package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/fieldops/fieldsync/internal/models"
)

// PutCacheEntry inserts or refreshes a cache entry. Data is stored as given.
func (s *Store) PutCacheEntry(ctx context.Context, e *models.CacheEntry) error {
	_, err := s.q.ExecContext(ctx, `
	INSERT INTO cache_entries (key, data, fetched_at, ttl_ms) VALUES (?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		data = excluded.data, fetched_at = excluded.fetched_at, ttl_ms = excluded.ttl_ms`,
		e.Key, e.Data, toNanos(e.FetchedAt), e.TTL.Milliseconds())
	return storageError("put cache entry", err)
}

// GetCacheEntry retrieves a cache entry by key.
func (s *Store) GetCacheEntry(ctx context.Context, key string) (*models.CacheEntry, error) {
	row := s.q.QueryRowContext(ctx, `SELECT key, data, fetched_at, ttl_ms FROM cache_entries WHERE key = ?`, key)
	e, err := scanCacheEntry(row)
	if err == sql.ErrNoRows {
		return nil, notFound(TableCacheEntries, key)
	}
	if err != nil {
		return nil, storageError("get cache entry", err)
	}
	return e, nil
}

// ListCacheEntries returns all cache entries ordered by key.
func (s *Store) ListCacheEntries(ctx context.Context) ([]*models.CacheEntry, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT key, data, fetched_at, ttl_ms FROM cache_entries ORDER BY key`)
	if err != nil {
		return nil, storageError("list cache entries", err)
	}
	defer rows.Close()

	var out []*models.CacheEntry
	for rows.Next() {
		e, err := scanCacheEntry(rows)
		if err != nil {
			return nil, storageError("scan cache entry", err)
		}
		out = append(out, e)
	}
	return out, storageError("list cache entries", rows.Err())
}

// DeleteCacheEntry removes a cache entry. Missing keys are not an error.
func (s *Store) DeleteCacheEntry(ctx context.Context, key string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return storageError("delete cache entry", err)
}

// ClearCacheEntries drops every cache entry and returns how many were removed.
func (s *Store) ClearCacheEntries(ctx context.Context) (int, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM cache_entries`)
	if err != nil {
		return 0, storageError("clear cache entries", err)
	}
	return rowsAffected(res, "clear cache entries")
}

func scanCacheEntry(row rowScanner) (*models.CacheEntry, error) {
	var e models.CacheEntry
	var fetchedAt, ttl int64
	if err := row.Scan(&e.Key, &e.Data, &fetchedAt, &ttl); err != nil {
		return nil, err
	}
	e.FetchedAt = fromNanos(fetchedAt)
	e.TTL = time.Duration(ttl) * time.Millisecond
	return &e, nil
}
