// Package telemetry tests verify spans are safe without an installed
// provider.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

// TestStartSpan verifies spans start and end against the default provider.
func TestStartSpan(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "sync.pass", attribute.Int("pending", 3))
	if ctx == nil || span == nil {
		t.Fatal("StartSpan() returned nil")
	}
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	span.End()
}

// TestTransport verifies the instrumented transport still delivers requests.
func TestTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := &http.Client{Transport: Transport(nil)}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("StatusCode = %d, want 204", resp.StatusCode)
	}
}
