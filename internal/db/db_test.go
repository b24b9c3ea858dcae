// Package db tests for database connection management.
package db

import (
	"os"
	"path/filepath"
	"testing"
)

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()

	db, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	dbPath := filepath.Join(tmpDir, FileName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if db.Path() != dbPath {
		t.Errorf("Path() = %q, want %q", db.Path(), dbPath)
	}

	var walMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&walMode); err != nil {
		t.Errorf("Failed to check WAL mode: %v", err)
	}
	if walMode != "wal" {
		t.Errorf("WAL mode not enabled, got: %s", walMode)
	}

	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		t.Errorf("Failed to check foreign keys: %v", err)
	}
	if fkEnabled != 1 {
		t.Errorf("Foreign keys not enabled, got: %d", fkEnabled)
	}

	// FULL = 2
	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous").Scan(&synchronous); err != nil {
		t.Errorf("Failed to check synchronous: %v", err)
	}
	if synchronous != 2 {
		t.Errorf("synchronous = %d, want 2 (FULL)", synchronous)
	}

	var version int
	if err := db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version); err != nil {
		t.Errorf("Failed to read schema version: %v", err)
	}
	if version < 1 {
		t.Errorf("schema version = %d, want >= 1", version)
	}
}

// TestOpen_invalidDataDir verifies error when data directory cannot be created.
func TestOpen_invalidDataDir(t *testing.T) {
	_, err := Open("/dev/null/invalid_path/that/cannot/be/created")
	if err == nil {
		t.Error("Open() with invalid path should return error")
	}
}

// TestClose verifies database closing.
func TestClose(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	if err := db.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}

	var result int
	if err := db.QueryRow("SELECT 1").Scan(&result); err == nil {
		t.Error("Query on closed database should fail")
	}
}

// TestDB_reopen verifies the schema is not reapplied on reopen.
func TestDB_reopen(t *testing.T) {
	tmpDir := t.TempDir()

	db1, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("First Open() failed: %v", err)
	}
	if err := db1.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	db2, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("Second Open() failed: %v", err)
	}
	defer db2.Close()

	var n int
	if err := db2.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
		t.Fatalf("Failed to count migrations: %v", err)
	}
	if n != 1 {
		t.Errorf("schema_migrations rows = %d, want 1", n)
	}
}
