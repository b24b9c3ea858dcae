// Package handlers provides the local REST API the field UI talks to.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/fieldops/fieldsync/internal/errors"
	"github.com/fieldops/fieldsync/internal/logging"
	"github.com/fieldops/fieldsync/internal/models"
	"github.com/fieldops/fieldsync/internal/uuid"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Failed to encode response", err, nil)
	}
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case errors.ErrNotFound:
		status = http.StatusNotFound
	case errors.ErrValidation:
		status = http.StatusBadRequest
	case errors.ErrInvalidTransition, errors.ErrSyncInProgress, errors.ErrSyncConflict:
		status = http.StatusConflict
	case errors.ErrNetwork, errors.ErrTimeout:
		status = http.StatusServiceUnavailable
	case errors.ErrStorageQuotaExceeded:
		status = http.StatusInsufficientStorage
	}
	if status == http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err, nil)
	}

	message := err.Error()
	if appErr, ok := errors.As(err); ok {
		message = appErr.Message
	}
	writeJSON(w, status, ErrorBody{Code: code, Message: message})
}

// pathID reads the {id} path segment. A malformed id is answered with 400
// and ok is false.
func pathID(w http.ResponseWriter, r *http.Request) (id models.UUID, ok bool) {
	raw := r.PathValue("id")
	if !uuid.IsValid(raw) {
		writeError(w, errors.Validation("invalid id "+raw, http.StatusBadRequest))
		return "", false
	}
	return models.UUID(raw), true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return errors.Wrap(errors.ErrValidation, "invalid request body", err)
	}
	return nil
}

// maxBodyBytes bounds JSON bodies; photo uploads use maxPhotoBytes.
const maxBodyBytes = 1 << 20
