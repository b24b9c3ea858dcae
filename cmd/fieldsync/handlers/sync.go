package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/fieldops/fieldsync/internal/db"
	"github.com/fieldops/fieldsync/internal/errors"
	"github.com/fieldops/fieldsync/internal/models"
	"github.com/fieldops/fieldsync/internal/network"
	"github.com/fieldops/fieldsync/internal/sync/coordinator"
)

// Coordinator is what the sync endpoints need from the offline coordinator.
type Coordinator interface {
	Status() coordinator.Status
	SyncNow(ctx context.Context) (*models.SyncReport, error)
	NotifyWrite(ctx context.Context)
	Refresh(ctx context.Context) (int, error)
	ListConflicts(ctx context.Context, recordID models.UUID, limit int) ([]*models.ConflictLog, error)
}

// Queue is what the sync endpoints need from the operation queue.
type Queue interface {
	ListFailed(ctx context.Context) ([]*models.Operation, error)
	ListUnfinished(ctx context.Context) ([]*models.Operation, error)
	ResetToPending(ctx context.Context, id models.UUID) (*models.Operation, error)
	Discard(ctx context.Context, id models.UUID) (bool, error)
}

// Network accepts the platform connectivity signal.
type Network interface {
	SetPlatformOnline(ctx context.Context, online bool)
	State() network.Transition
}

// SyncHandler serves sync status and queue management.
type SyncHandler struct {
	coord Coordinator
	queue Queue
	net   Network
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(coord Coordinator, q Queue, net Network) *SyncHandler {
	return &SyncHandler{coord: coord, queue: q, net: net}
}

// Register mounts the sync routes on mux.
func (h *SyncHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sync/status", h.GetStatus)
	mux.HandleFunc("POST /api/sync/now", h.SyncNow)
	mux.HandleFunc("GET /api/sync/operations", h.ListOperations)
	mux.HandleFunc("GET /api/sync/failed", h.ListFailed)
	mux.HandleFunc("POST /api/sync/operations/{id}/retry", h.Retry)
	mux.HandleFunc("DELETE /api/sync/operations/{id}", h.Discard)
	mux.HandleFunc("GET /api/sync/conflicts", h.ListConflicts)
	mux.HandleFunc("GET /api/network", h.GetNetwork)
	mux.HandleFunc("POST /api/network", h.SetNetwork)
}

// GetStatus handles GET /api/sync/status.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coord.Status())
}

// SyncNow handles POST /api/sync/now and waits for the pass report.
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	report, err := h.coord.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListOperations handles GET /api/sync/operations: every unfinished
// operation in execution order.
func (h *SyncHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := h.queue.ListUnfinished(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": nonNil(ops)})
}

// ListFailed handles GET /api/sync/failed.
func (h *SyncHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	ops, err := h.queue.ListFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": nonNil(ops)})
}

// Retry handles POST /api/sync/operations/{id}/retry. The operation gets a
// fresh retry budget and the coordinator is woken.
func (h *SyncHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	op, err := h.queue.ResetToPending(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	h.coord.NotifyWrite(r.Context())
	writeJSON(w, http.StatusOK, op)
}

// Discard handles DELETE /api/sync/operations/{id}.
func (h *SyncHandler) Discard(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	recordDeleted, err := h.queue.Discard(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	pending, err := h.coord.Refresh(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recordDeleted": recordDeleted,
		"pendingCount":  pending,
	})
}

// ListConflicts handles GET /api/sync/conflicts?record=<id>&limit=<n>.
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, errors.New(errors.ErrValidation, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	logs, err := h.coord.ListConflicts(r.Context(), models.UUID(r.URL.Query().Get("record")), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": nonNil(logs)})
}

// GetNetwork handles GET /api/network.
func (h *SyncHandler) GetNetwork(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.net.State())
}

// NetworkSignal is the platform connectivity report.
type NetworkSignal struct {
	Online *bool `json:"online"`
}

// SetNetwork handles POST /api/network, the shell's online/offline signal.
// Going online runs the reachability probe before answering.
func (h *SyncHandler) SetNetwork(w http.ResponseWriter, r *http.Request) {
	var sig NetworkSignal
	if err := decodeJSON(w, r, &sig); err != nil {
		writeError(w, err)
		return
	}
	if sig.Online == nil {
		writeError(w, errors.New(errors.ErrValidation, "online is required"))
		return
	}
	h.net.SetPlatformOnline(r.Context(), *sig.Online)
	writeJSON(w, http.StatusOK, h.net.State())
}

// HealthHandler reports whether the store answers.
type HealthHandler struct {
	store *db.Store
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(store *db.Store) *HealthHandler {
	return &HealthHandler{store: store}
}

// Register mounts the health and storage routes on mux.
func (h *HealthHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.Health)
	mux.HandleFunc("GET /api/storage", h.Usage)
}

// Health handles GET /api/health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "fieldsync"})
}

// Usage handles GET /api/storage.
func (h *HealthHandler) Usage(w http.ResponseWriter, r *http.Request) {
	u, err := h.store.Usage(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
