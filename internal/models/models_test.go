// Package models tests for data model definitions.
package models

import (
	"encoding/json"
	"testing"
	"time"
)

// =====================================================
// UUID Type Tests
// =====================================================

// TestUUID_Scan verifies nil, []byte and string handling.
func TestUUID_Scan(t *testing.T) {
	var id UUID

	if err := id.Scan(nil); err != nil || id != "" {
		t.Errorf("Scan(nil) = %q, %v", id, err)
	}
	if err := id.Scan([]byte("abc")); err != nil || id != "abc" {
		t.Errorf("Scan([]byte) = %q, %v", id, err)
	}
	if err := id.Scan("def"); err != nil || id != "def" {
		t.Errorf("Scan(string) = %q, %v", id, err)
	}
	if err := id.Scan(42); err == nil {
		t.Error("Scan(int) should fail")
	}
}

// =====================================================
// DomainRecord Tests
// =====================================================

// TestDomainRecord_EffectiveTimestamp verifies UpdatedAt takes precedence.
func TestDomainRecord_EffectiveTimestamp(t *testing.T) {
	created := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	r := &DomainRecord{CreatedAt: created}

	if !r.EffectiveTimestamp().Equal(created) {
		t.Errorf("EffectiveTimestamp() = %v, want CreatedAt", r.EffectiveTimestamp())
	}

	r.UpdatedAt = created.Add(time.Hour)
	if !r.EffectiveTimestamp().Equal(r.UpdatedAt) {
		t.Errorf("EffectiveTimestamp() = %v, want UpdatedAt", r.EffectiveTimestamp())
	}
}

// TestDomainRecord_Clone verifies the payload is not shared.
func TestDomainRecord_Clone(t *testing.T) {
	r := &DomainRecord{LocalID: "a", Payload: json.RawMessage(`{"hours":3}`)}
	c := r.Clone()
	c.Payload[2] = 'X'

	if string(r.Payload) != `{"hours":3}` {
		t.Errorf("Clone shares payload: %s", r.Payload)
	}
	if (*DomainRecord)(nil).Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}

// =====================================================
// Operation Tests
// =====================================================

// TestOperationStatus_Finished verifies terminal states.
func TestOperationStatus_Finished(t *testing.T) {
	tests := map[OperationStatus]bool{
		OperationStatusPending:   false,
		OperationStatusSyncing:   false,
		OperationStatusCompleted: true,
		OperationStatusFailed:    true,
	}
	for status, want := range tests {
		if got := status.Finished(); got != want {
			t.Errorf("%s.Finished() = %v, want %v", status, got, want)
		}
	}
}

// TestOperation_DependsOn verifies dependency lookup.
func TestOperation_DependsOn(t *testing.T) {
	op := &Operation{Dependencies: []UUID{"x", "y"}}
	if !op.DependsOn("y") || op.DependsOn("z") {
		t.Errorf("DependsOn mismatch for %v", op.Dependencies)
	}
}

// TestOperation_ErrorMessage verifies nil-safe error access.
func TestOperation_ErrorMessage(t *testing.T) {
	op := &Operation{}
	if op.ErrorMessage() != "" {
		t.Error("expected empty error message")
	}
	msg := "HTTP 503"
	op.LastError = &msg
	if op.ErrorMessage() != msg {
		t.Errorf("ErrorMessage() = %q, want %q", op.ErrorMessage(), msg)
	}
}

// =====================================================
// CacheEntry Tests
// =====================================================

// TestCacheEntry_Stale verifies advisory TTL handling.
func TestCacheEntry_Stale(t *testing.T) {
	fetched := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	e := &CacheEntry{FetchedAt: fetched, TTL: time.Hour}

	if e.Stale(fetched.Add(30 * time.Minute)) {
		t.Error("entry should be fresh within TTL")
	}
	if !e.Stale(fetched.Add(2 * time.Hour)) {
		t.Error("entry should be stale after TTL")
	}
	e.TTL = 0
	if e.Stale(fetched.Add(1000 * time.Hour)) {
		t.Error("entry without TTL never goes stale")
	}
}

// TestTableNames verifies the persisted table layout.
func TestTableNames(t *testing.T) {
	names := []string{
		DomainRecord{}.TableName(),
		Operation{}.TableName(),
		CacheEntry{}.TableName(),
		ConflictLog{}.TableName(),
	}
	want := []string{"domain_records", "operations", "cache_entries", "conflict_log"}
	for i := range names {
		if names[i] != want[i] {
			t.Errorf("TableName[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}
