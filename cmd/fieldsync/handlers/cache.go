package handlers

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/fieldops/fieldsync/internal/errors"
	"github.com/fieldops/fieldsync/internal/models"
)

// ReferenceCache is the offline reference-data cache.
type ReferenceCache interface {
	Put(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) (*models.CacheEntry, error)
	Delete(ctx context.Context, key string) error
	ClearNonEssential(ctx context.Context) (int, error)
}

// CacheHandler lets the UI park and read reference data.
type CacheHandler struct {
	cache ReferenceCache
	now   func() time.Time
}

// NewCacheHandler creates a new CacheHandler.
func NewCacheHandler(c ReferenceCache) *CacheHandler {
	return &CacheHandler{cache: c, now: time.Now}
}

// Register mounts the cache routes on mux.
func (h *CacheHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/cache/{key}", h.Get)
	mux.HandleFunc("PUT /api/cache/{key}", h.Put)
	mux.HandleFunc("DELETE /api/cache/{key}", h.Delete)
	mux.HandleFunc("DELETE /api/cache", h.Clear)
}

// Get handles GET /api/cache/{key}. The body is the cached JSON; the
// X-Cache-Stale header tells the UI whether it is past its TTL.
func (h *CacheHandler) Get(w http.ResponseWriter, r *http.Request) {
	e, err := h.cache.Get(r.Context(), r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	stale := "false"
	if e.Stale(h.now()) {
		stale = "true"
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache-Stale", stale)
	w.Header().Set("X-Cache-Fetched-At", e.FetchedAt.UTC().Format(time.RFC3339))
	w.WriteHeader(http.StatusOK)
	w.Write(e.Data)
}

// Put handles PUT /api/cache/{key}?ttl=1h.
func (h *CacheHandler) Put(w http.ResponseWriter, r *http.Request) {
	var ttl time.Duration
	if v := r.URL.Query().Get("ttl"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, errors.New(errors.ErrValidation, "ttl must be a non-negative duration"))
			return
		}
		ttl = d
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrValidation, "read cache body", err))
		return
	}
	if err := h.cache.Put(r.Context(), r.PathValue("key"), data, ttl); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /api/cache/{key}.
func (h *CacheHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.Delete(r.Context(), r.PathValue("key")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Clear handles DELETE /api/cache, freeing space held by reference data.
func (h *CacheHandler) Clear(w http.ResponseWriter, r *http.Request) {
	n, err := h.cache.ClearNonEssential(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}
