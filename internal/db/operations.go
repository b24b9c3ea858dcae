package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fieldops/fieldsync/internal/models"
)

const operationColumns = `id, kind, action, record_id, priority, dependencies, status,
	retry_count, next_attempt_at, last_attempt_at, last_error, created_at, completed_at`

// OperationFilter narrows ListOperations. Zero fields match everything.
type OperationFilter struct {
	Statuses []models.OperationStatus
	RecordID models.UUID
	Match    func(*models.Operation) bool
}

// PutOperation inserts or updates an operation. Updates keep the original
// insertion rowid, which breaks ordering ties between equal timestamps.
func (s *Store) PutOperation(ctx context.Context, op *models.Operation) error {
	deps := op.Dependencies
	if deps == nil {
		deps = []models.UUID{}
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}

	var lastError sql.NullString
	if op.LastError != nil {
		lastError = sql.NullString{String: *op.LastError, Valid: true}
	}

	query := `
	INSERT INTO operations (` + operationColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		kind = excluded.kind,
		action = excluded.action,
		record_id = excluded.record_id,
		priority = excluded.priority,
		dependencies = excluded.dependencies,
		status = excluded.status,
		retry_count = excluded.retry_count,
		next_attempt_at = excluded.next_attempt_at,
		last_attempt_at = excluded.last_attempt_at,
		last_error = excluded.last_error,
		created_at = excluded.created_at,
		completed_at = excluded.completed_at
	`
	_, err = s.q.ExecContext(ctx, query,
		op.ID, op.Kind, string(op.Action), op.RecordID, op.Priority, string(depsJSON),
		string(op.Status), op.RetryCount, toNanos(op.NextAttemptAt), toNanos(op.LastAttemptAt),
		lastError, toNanos(op.CreatedAt), toNanos(op.CompletedAt),
	)
	return storageError("put operation", err)
}

// GetOperation retrieves an operation by id.
func (s *Store) GetOperation(ctx context.Context, id models.UUID) (*models.Operation, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, notFound(TableOperations, id)
	}
	if err != nil {
		return nil, storageError("get operation", err)
	}
	return op, nil
}

// ListOperations returns operations in drain order: ascending priority, then
// creation time, then insertion order.
func (s *Store) ListOperations(ctx context.Context, f OperationFilter) ([]*models.Operation, error) {
	var where []string
	var args []any
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.RecordID != "" {
		where = append(where, "record_id = ?")
		args = append(args, f.RecordID)
	}

	query := `SELECT ` + operationColumns + ` FROM operations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority, created_at, rowid"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError("list operations", err)
	}
	defer rows.Close()

	var out []*models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, storageError("scan operation", err)
		}
		if f.Match != nil && !f.Match(op) {
			continue
		}
		out = append(out, op)
	}
	return out, storageError("list operations", rows.Err())
}

// DeleteOperation removes an operation.
func (s *Store) DeleteOperation(ctx context.Context, id models.UUID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, id)
	if err != nil {
		return storageError("delete operation", err)
	}
	n, err := rowsAffected(res, "delete operation")
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(TableOperations, id)
	}
	return nil
}

// CountOperations returns the number of operations per status.
func (s *Store) CountOperations(ctx context.Context) (map[models.OperationStatus]int, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM operations GROUP BY status`)
	if err != nil {
		return nil, storageError("count operations", err)
	}
	defer rows.Close()

	counts := map[models.OperationStatus]int{
		models.OperationStatusPending:   0,
		models.OperationStatusSyncing:   0,
		models.OperationStatusCompleted: 0,
		models.OperationStatusFailed:    0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageError("scan operation count", err)
		}
		counts[models.OperationStatus(status)] = n
	}
	return counts, storageError("count operations", rows.Err())
}

// DiscardOperation removes an operation and, when nothing else references
// its record and the record never synced, the captured record as well.
// Reports whether the record was removed.
func (s *Store) DiscardOperation(ctx context.Context, id models.UUID) (bool, error) {
	var recordDeleted bool
	err := s.WithTx(ctx, func(tx *Store) error {
		op, err := tx.GetOperation(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.DeleteOperation(ctx, id); err != nil {
			return err
		}

		var others int
		if err := tx.q.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM operations WHERE record_id = ?`, op.RecordID).Scan(&others); err != nil {
			return storageError("count record operations", err)
		}
		if others > 0 {
			return nil
		}

		res, err := tx.q.ExecContext(ctx,
			`DELETE FROM domain_records WHERE local_id = ? AND synced = 0`, op.RecordID)
		if err != nil {
			return storageError("discard record", err)
		}
		n, err := rowsAffected(res, "discard record")
		recordDeleted = n > 0
		return err
	})
	return recordDeleted, err
}

// RecoverOrphans deletes operations whose record no longer exists. Run on
// startup to repair stores written with foreign keys disabled.
func (s *Store) RecoverOrphans(ctx context.Context) (int, error) {
	res, err := s.q.ExecContext(ctx, `
	DELETE FROM operations
	WHERE NOT EXISTS (SELECT 1 FROM domain_records r WHERE r.local_id = operations.record_id)`)
	if err != nil {
		return 0, storageError("recover orphaned operations", err)
	}
	return rowsAffected(res, "recover orphaned operations")
}

func scanOperation(row rowScanner) (*models.Operation, error) {
	var op models.Operation
	var action, status, deps string
	var lastError sql.NullString
	var nextAttemptAt, lastAttemptAt, createdAt, completedAt int64
	if err := row.Scan(&op.ID, &op.Kind, &action, &op.RecordID, &op.Priority, &deps, &status,
		&op.RetryCount, &nextAttemptAt, &lastAttemptAt, &lastError, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	op.Action = models.Action(action)
	op.Status = models.OperationStatus(status)
	if err := json.Unmarshal([]byte(deps), &op.Dependencies); err != nil {
		return nil, fmt.Errorf("decode dependencies of %s: %w", op.ID, err)
	}
	if len(op.Dependencies) == 0 {
		op.Dependencies = nil
	}
	if lastError.Valid {
		msg := lastError.String
		op.LastError = &msg
	}
	op.NextAttemptAt = fromNanos(nextAttemptAt)
	op.LastAttemptAt = fromNanos(lastAttemptAt)
	op.CreatedAt = fromNanos(createdAt)
	op.CompletedAt = fromNanos(completedAt)
	return &op, nil
}
