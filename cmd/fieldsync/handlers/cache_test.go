package handlers

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/fieldsync/internal/cache"
	"github.com/fieldops/fieldsync/internal/db"
)

func newCacheMux(t *testing.T) (*http.ServeMux, *CacheHandler) {
	t.Helper()
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	c, err := cache.New(db.NewStore(database), 8)
	require.NoError(t, err)

	h := NewCacheHandler(c)
	mux := http.NewServeMux()
	h.Register(mux)
	return mux, h
}

func TestCache_putGet(t *testing.T) {
	mux, _ := newCacheMux(t)
	body := `[{"id":"loc-1","name":"Plant A"}]`

	rec := serve(mux, httptest.NewRequest(http.MethodPut, "/api/cache/locations?ttl=1h", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(mux, httptest.NewRequest(http.MethodGet, "/api/cache/locations", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, body, rec.Body.String())
	assert.Equal(t, "false", rec.Header().Get("X-Cache-Stale"))
	assert.NotEmpty(t, rec.Header().Get("X-Cache-Fetched-At"))
}

func TestCache_staleHeader(t *testing.T) {
	mux, h := newCacheMux(t)
	rec := serve(mux, httptest.NewRequest(http.MethodPut, "/api/cache/equipment?ttl=1m", bytes.NewBufferString(`[]`)))
	require.Equal(t, http.StatusNoContent, rec.Code)

	h.now = func() time.Time { return time.Now().Add(time.Hour) }
	rec = serve(mux, httptest.NewRequest(http.MethodGet, "/api/cache/equipment", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("X-Cache-Stale"))
}

func TestCache_badTTL(t *testing.T) {
	mux, _ := newCacheMux(t)
	rec := serve(mux, httptest.NewRequest(http.MethodPut, "/api/cache/k?ttl=soon", bytes.NewBufferString(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCache_missing(t *testing.T) {
	mux, _ := newCacheMux(t)
	rec := serve(mux, httptest.NewRequest(http.MethodGet, "/api/cache/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCache_deleteAndClear(t *testing.T) {
	mux, _ := newCacheMux(t)
	for _, key := range []string{"a", "b", "c"} {
		rec := serve(mux, httptest.NewRequest(http.MethodPut, "/api/cache/"+key, bytes.NewBufferString(`1`)))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}

	rec := serve(mux, httptest.NewRequest(http.MethodDelete, "/api/cache/a", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = serve(mux, httptest.NewRequest(http.MethodGet, "/api/cache/a", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(mux, httptest.NewRequest(http.MethodDelete, "/api/cache", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cleared":2}`, rec.Body.String())
}
