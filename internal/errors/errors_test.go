// Package errors tests for the error taxonomy.
package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAppError_Error verifies message formatting with and without a cause.
func TestAppError_Error(t *testing.T) {
	assert.Equal(t, "[NOT_FOUND] operation missing", New(ErrNotFound, "operation missing").Error())
	assert.Equal(t, "[STORAGE_ERROR] put record: disk full",
		Storage("put record", stderrors.New("disk full")).Error())
}

// TestAppError_Unwrap verifies the cause is reachable through errors.Is.
func TestAppError_Unwrap(t *testing.T) {
	cause := stderrors.New("boom")
	err := Wrap(ErrInternal, "wrapped", cause)

	assert.True(t, stderrors.Is(err, cause))
	assert.Equal(t, cause, err.Unwrap())
}

// TestRetryable verifies only network failures are retryable.
func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network", Network("connection refused", 0, nil), true},
		{"server error", Network("bad gateway", 502, nil), true},
		{"timeout", New(ErrTimeout, "deadline exceeded"), true},
		{"validation", Validation("field missing", 422), false},
		{"storage", Storage("write", nil), false},
		{"plain error", stderrors.New("plain"), false},
		{"wrapped network", fmt.Errorf("dispatch: %w", Network("reset", 0, nil)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

// TestIs verifies code matching walks wrap chains.
func TestIs(t *testing.T) {
	inner := New(ErrStorageQuotaExceeded, "database or disk is full")
	outer := fmt.Errorf("put operation: %w", inner)

	assert.True(t, Is(outer, ErrStorageQuotaExceeded))
	assert.True(t, IsStorage(outer))
	assert.False(t, Is(outer, ErrNetwork))
	assert.False(t, Is(nil, ErrNetwork))
}

// TestAs verifies the first AppError is extracted.
func TestAs(t *testing.T) {
	err := fmt.Errorf("send: %w", Validation("quantity must be positive", 422))

	appErr, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, 422, appErr.StatusCode)
	assert.Equal(t, ErrValidation, CodeOf(err))
	assert.Equal(t, ErrInternal, CodeOf(stderrors.New("plain")))
}

// TestNewf verifies formatted messages.
func TestNewf(t *testing.T) {
	err := Newf(ErrInvalidTransition, "cannot move %s from %s to %s", "op-1", "pending", "failed")
	assert.Equal(t, "cannot move op-1 from pending to failed", err.Message)
}
