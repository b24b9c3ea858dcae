package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fieldops/fieldsync/internal/capture"
	"github.com/fieldops/fieldsync/internal/db"
	"github.com/fieldops/fieldsync/internal/errors"
	"github.com/fieldops/fieldsync/internal/models"
	syncpkg "github.com/fieldops/fieldsync/internal/sync"
)

// maxPhotoBytes bounds a single photo upload.
const maxPhotoBytes = 20 << 20

// Capturer records field events.
type Capturer interface {
	Record(ctx context.Context, c capture.Capture) (*capture.Result, error)
	Update(ctx context.Context, id models.UUID, c capture.Change) (*capture.Result, error)
	Delete(ctx context.Context, id models.UUID) (*capture.Result, error)
	AttachPhoto(ctx context.Context, p capture.Photo) (*capture.Result, error)
}

// RecordReader reads captured records.
type RecordReader interface {
	GetRecord(ctx context.Context, localID models.UUID) (*models.DomainRecord, error)
	ListRecords(ctx context.Context, f db.RecordFilter) ([]*models.DomainRecord, error)
}

// Thumbnails serves photo previews by evidence hash.
type Thumbnails interface {
	Get(ctx context.Context, hash string) ([]byte, error)
}

// RecordHandler serves capture and record lookup.
type RecordHandler struct {
	capture    Capturer
	records    RecordReader
	thumbnails Thumbnails
}

// NewRecordHandler creates a new RecordHandler.
func NewRecordHandler(c Capturer, records RecordReader) *RecordHandler {
	return &RecordHandler{capture: c, records: records}
}

// WithThumbnails enables GET /api/records/{id}/thumbnail.
func (h *RecordHandler) WithThumbnails(t Thumbnails) *RecordHandler {
	h.thumbnails = t
	return h
}

// Register mounts the record routes on mux.
func (h *RecordHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/records", h.Create)
	mux.HandleFunc("GET /api/records", h.List)
	mux.HandleFunc("GET /api/records/{id}", h.Get)
	mux.HandleFunc("PUT /api/records/{id}", h.Update)
	mux.HandleFunc("DELETE /api/records/{id}", h.Delete)
	mux.HandleFunc("POST /api/records/{id}/photos", h.AttachPhoto)
	mux.HandleFunc("GET /api/records/{id}/thumbnail", h.Thumbnail)
}

// Create handles POST /api/records.
func (h *RecordHandler) Create(w http.ResponseWriter, r *http.Request) {
	var c capture.Capture
	if err := decodeJSON(w, r, &c); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.capture.Record(r.Context(), c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// List handles GET /api/records?kind=&scope=&synced=.
func (h *RecordHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.RecordFilter{
		Kind:              q.Get("kind"),
		OrganizationScope: q.Get("scope"),
	}
	if v := q.Get("synced"); v != "" {
		synced, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, errors.New(errors.ErrValidation, "synced must be a boolean"))
			return
		}
		filter.Synced = &synced
	}

	records, err := h.records.ListRecords(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": nonNil(records)})
}

// Get handles GET /api/records/{id}.
func (h *RecordHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	record, err := h.records.GetRecord(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// Update handles PUT /api/records/{id}.
func (h *RecordHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var c capture.Change
	if err := decodeJSON(w, r, &c); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.capture.Update(r.Context(), id, c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Delete handles DELETE /api/records/{id}. The record is kept locally until
// the delete has synced.
func (h *RecordHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := h.capture.Delete(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// AttachPhoto handles POST /api/records/{id}/photos. The body is the raw
// image; the caption travels in the query string.
func (h *RecordHandler) AttachPhoto(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPhotoBytes))
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrValidation, "read photo", err))
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mimetype.Detect(data).String()
	}
	if !strings.HasPrefix(contentType, "image/") {
		writeError(w, errors.Newf(errors.ErrValidation, "photo must be an image, got %s", contentType))
		return
	}

	priority := 0
	if v := r.URL.Query().Get("priority"); v != "" {
		if priority, err = strconv.Atoi(v); err != nil {
			writeError(w, errors.New(errors.ErrValidation, "priority must be an integer"))
			return
		}
	}

	res, err := h.capture.AttachPhoto(r.Context(), capture.Photo{
		ParentID:    id,
		Data:        data,
		ContentType: contentType,
		Caption:     r.URL.Query().Get("caption"),
		Priority:    priority,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Thumbnail handles GET /api/records/{id}/thumbnail for photo records.
func (h *RecordHandler) Thumbnail(w http.ResponseWriter, r *http.Request) {
	if h.thumbnails == nil {
		writeError(w, errors.New(errors.ErrNotFound, "thumbnails are not enabled"))
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	record, err := h.records.GetRecord(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var fields map[string]interface{}
	_ = json.Unmarshal(record.Payload, &fields)
	hash, _ := fields[syncpkg.FieldEvidenceHash].(string)
	if hash == "" {
		writeError(w, errors.Newf(errors.ErrNotFound, "record %s has no photo", record.LocalID))
		return
	}

	data, err := h.thumbnails.Get(r.Context(), hash)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=86400, immutable")
	w.Header().Set("ETag", `"`+hash+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
