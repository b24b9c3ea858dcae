package models

import "time"

// CacheEntry mirrors server reference data (location lists and the like) used
// to populate offline forms.
type CacheEntry struct {
	Key       string        `db:"key" json:"key"`
	Data      []byte        `db:"data" json:"data"`
	FetchedAt time.Time     `db:"fetched_at" json:"fetchedAt"`
	TTL       time.Duration `db:"ttl_ms" json:"ttl"`
}

// TableName returns the table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "cache_entries"
}

// Stale reports whether the entry outlived its TTL. Staleness is advisory.
func (c *CacheEntry) Stale(now time.Time) bool {
	if c.TTL <= 0 {
		return false
	}
	return now.Sub(c.FetchedAt) > c.TTL
}
