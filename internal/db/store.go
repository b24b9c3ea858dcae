package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/fieldops/fieldsync/internal/errors"
)

// Table names of the offline store.
const (
	TableDomainRecords = "domain_records"
	TableOperations    = "operations"
	TableCacheEntries  = "cache_entries"
	TableConflictLog   = "conflict_log"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// Store provides table-scoped CRUD over the offline database. Single-record
// writes are atomic; use WithTx to group writes that must land together.
type Store struct {
	db   *DB
	q    querier
	inTx bool
}

// NewStore creates a Store over an opened database.
func NewStore(db *DB) *Store {
	return &Store{db: db, q: db.DB}
}

// WithTx runs fn inside a single transaction. fn receives a Store bound to
// the transaction; any error rolls every write back. Nested calls reuse the
// outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&Store{db: s.db, q: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageError("commit transaction", err)
	}
	return nil
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storageError("ping", err)
	}
	return nil
}

// Usage summarizes the store footprint.
type Usage struct {
	Records      int   `json:"records"`
	Operations   int   `json:"operations"`
	CacheEntries int   `json:"cacheEntries"`
	Conflicts    int   `json:"conflicts"`
	Bytes        int64 `json:"bytes"`
}

// Usage reports row counts per table and the database size in bytes.
func (s *Store) Usage(ctx context.Context) (*Usage, error) {
	u := &Usage{}
	counts := []struct {
		table string
		dest  *int
	}{
		{TableDomainRecords, &u.Records},
		{TableOperations, &u.Operations},
		{TableCacheEntries, &u.CacheEntries},
		{TableConflictLog, &u.Conflicts},
	}
	for _, c := range counts {
		if err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dest); err != nil {
			return nil, storageError("count "+c.table, err)
		}
	}

	var pageCount, pageSize int64
	if err := s.q.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return nil, storageError("page count", err)
	}
	if err := s.q.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return nil, storageError("page size", err)
	}
	u.Bytes = pageCount * pageSize
	return u, nil
}

// storageError maps driver failures onto the StorageError taxonomy.
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(errors.ErrNotFound, op, err)
	}

	var sqliteErr *sqlite.Error
	if stderrors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_FULL:
			return errors.Wrap(errors.ErrStorageQuotaExceeded, op, err)
		case sqlite3.SQLITE_CONSTRAINT:
			return errors.Wrap(errors.ErrValidation, op, err)
		}
	}
	return errors.Storage(op, err)
}

func notFound(table string, key interface{}) error {
	return errors.Newf(errors.ErrNotFound, "%s: %v not found", table, key)
}

// Timestamps are stored as Unix nanoseconds so a round trip through the
// store is lossless. Zero means unset.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// blob keeps NOT NULL blob columns non-null for empty payloads.
func blob(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

func rowsAffected(res sql.Result, op string) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageError(fmt.Sprintf("%s rows affected", op), err)
	}
	return int(n), nil
}
