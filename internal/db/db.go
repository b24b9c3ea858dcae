// Package db provides the durable offline store: SQLite connection
// management, migrations and table-scoped CRUD for domain records,
// operations, cache entries and the conflict audit log.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "fieldsync.db"

// DB wraps the sql.DB with fieldsync-specific configuration.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the offline store in dataDir and applies
// pending migrations. The database is opened with:
// - WAL mode so reads don't block the single writer
// - FULL synchronous mode; captured records must survive power loss
// - Foreign key constraints enabled (operations cascade with their record)
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, FileName)

	// modernc.org/sqlite is pure Go, no CGO
	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers; one connection also serializes
	// every table through the same transaction isolation.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	migrator := NewEmbeddedMigrator(sqlDB)
	if err := migrator.Initialize(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := migrator.Up(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &DB{DB: sqlDB, path: dbPath}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
