// Package storage tests for the evidence store.
package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fieldops/fieldsync/internal/errors"
)

// =====================================================
// CalculateHash Tests
// =====================================================

// TestCalculateHash_empty verifies the known digest of empty input.
func TestCalculateHash_empty(t *testing.T) {
	expected := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := CalculateHash(nil); got != expected {
		t.Errorf("CalculateHash(nil) = %q, want %q", got, expected)
	}
}

// TestCalculateHashFromReader verifies reader hashing matches byte hashing.
func TestCalculateHashFromReader(t *testing.T) {
	data := "photo bytes"
	got, err := CalculateHashFromReader(strings.NewReader(data))
	if err != nil {
		t.Fatalf("CalculateHashFromReader() failed: %v", err)
	}
	if got != CalculateHash([]byte(data)) {
		t.Errorf("reader hash %q differs from byte hash", got)
	}
}

// =====================================================
// EvidenceStore Tests
// =====================================================

// TestPutGet verifies storage and retrieval by hash.
func TestPutGet(t *testing.T) {
	dir := t.TempDir()
	s := NewEvidenceStore(dir)

	data := []byte("\x89PNG fake image")
	hash, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if hash != CalculateHash(data) {
		t.Errorf("Put() hash = %q, want content hash", hash)
	}

	expectedPath := filepath.Join(dir, hash[0:2], hash[2:4], hash)
	if _, err := os.Stat(expectedPath); err != nil {
		t.Errorf("blob not at %s: %v", expectedPath, err)
	}

	got, err := s.Get(hash)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("Get() = %q, want %q", got, data)
	}

	size, err := s.Size(hash)
	if err != nil {
		t.Fatalf("Size() failed: %v", err)
	}
	if size != int64(len(data)) {
		t.Errorf("Size() = %d, want %d", size, len(data))
	}
}

// TestPut_deduplicates verifies identical content is stored once.
func TestPut_deduplicates(t *testing.T) {
	s := NewEvidenceStore(t.TempDir())

	h1, err := s.Put([]byte("same"))
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	h2, err := s.Put([]byte("same"))
	if err != nil {
		t.Fatalf("second Put() failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hashes differ: %q != %q", h1, h2)
	}

	hashes, err := s.List()
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(hashes) != 1 {
		t.Errorf("List() = %d entries, want 1", len(hashes))
	}
}

// TestGet_missing verifies NOT_FOUND for unknown hashes.
func TestGet_missing(t *testing.T) {
	s := NewEvidenceStore(t.TempDir())

	_, err := s.Get(CalculateHash([]byte("never stored")))
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Get() error = %v, want NOT_FOUND", err)
	}
	if s.Exists(CalculateHash([]byte("never stored"))) {
		t.Error("Exists() = true for missing blob")
	}
}

// TestGet_invalidHash verifies malformed hashes never touch the filesystem.
func TestGet_invalidHash(t *testing.T) {
	s := NewEvidenceStore(t.TempDir())

	for _, hash := range []string{"", "abc", "../../etc/passwd", strings.Repeat("G", 64)} {
		if _, err := s.Get(hash); !errors.Is(err, errors.ErrValidation) {
			t.Errorf("Get(%q) error = %v, want VALIDATION_ERROR", hash, err)
		}
	}
}

// TestVerify_detectsCorruption verifies tampered blobs are reported.
func TestVerify_detectsCorruption(t *testing.T) {
	dir := t.TempDir()
	s := NewEvidenceStore(dir)

	good, _ := s.Put([]byte("good"))
	bad, _ := s.Put([]byte("bad"))
	if err := os.WriteFile(filepath.Join(dir, bad[0:2], bad[2:4], bad), []byte("tampered"), 0644); err != nil {
		t.Fatalf("failed to tamper: %v", err)
	}

	corrupted, err := s.Verify()
	if err != nil {
		t.Fatalf("Verify() failed: %v", err)
	}
	if len(corrupted) != 1 || corrupted[0] != bad {
		t.Errorf("Verify() = %v, want [%s]", corrupted, bad)
	}

	if _, err := s.Get(bad); !errors.IsStorage(err) {
		t.Errorf("Get() of tampered blob error = %v, want storage error", err)
	}
	if _, err := s.Get(good); err != nil {
		t.Errorf("Get() of intact blob failed: %v", err)
	}
}

// TestDelete verifies removal and idempotence.
func TestDelete(t *testing.T) {
	s := NewEvidenceStore(t.TempDir())

	hash, _ := s.Put([]byte("to delete"))
	if err := s.Delete(hash); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if s.Exists(hash) {
		t.Error("blob still exists after Delete()")
	}
	if err := s.Delete(hash); err != nil {
		t.Errorf("second Delete() failed: %v", err)
	}
}

// TestList_emptyStore verifies listing a store that was never written.
func TestList_emptyStore(t *testing.T) {
	s := NewEvidenceStore(filepath.Join(t.TempDir(), "missing"))

	hashes, err := s.List()
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(hashes) != 0 {
		t.Errorf("List() = %v, want empty", hashes)
	}
}
