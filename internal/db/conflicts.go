package db

import (
	"context"
	"database/sql"

	"github.com/fieldops/fieldsync/internal/models"
	"github.com/fieldops/fieldsync/internal/uuid"
)

// CreateConflictLog persists a conflict audit entry, assigning an id when
// the entry has none.
func (s *Store) CreateConflictLog(ctx context.Context, c *models.ConflictLog) error {
	if c.ID == "" {
		c.ID = models.UUID(uuid.New())
	}
	_, err := s.q.ExecContext(ctx, `
	INSERT INTO conflict_log (id, record_id, operation_id, local_version, remote_version,
		local_timestamp, remote_timestamp, winner, resolved_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.RecordID, nullString(string(c.OperationID)), blob(c.LocalVersion), blob(c.RemoteVersion),
		toNanos(c.LocalTimestamp), toNanos(c.RemoteTimestamp), c.Winner, toNanos(c.ResolvedAt))
	return storageError("create conflict log", err)
}

// ListConflictLogs returns audit entries, newest first. An empty recordID
// lists every record; limit <= 0 means no limit.
func (s *Store) ListConflictLogs(ctx context.Context, recordID models.UUID, limit int) ([]*models.ConflictLog, error) {
	query := `SELECT id, record_id, operation_id, local_version, remote_version,
		local_timestamp, remote_timestamp, winner, resolved_at FROM conflict_log`
	var args []any
	if recordID != "" {
		query += ` WHERE record_id = ?`
		args = append(args, recordID)
	}
	query += ` ORDER BY resolved_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError("list conflict logs", err)
	}
	defer rows.Close()

	var out []*models.ConflictLog
	for rows.Next() {
		var c models.ConflictLog
		var opID sql.NullString
		var local, remote []byte
		var localTS, remoteTS, resolvedAt int64
		if err := rows.Scan(&c.ID, &c.RecordID, &opID, &local, &remote,
			&localTS, &remoteTS, &c.Winner, &resolvedAt); err != nil {
			return nil, storageError("scan conflict log", err)
		}
		c.OperationID = models.UUID(opID.String)
		c.LocalVersion = local
		c.RemoteVersion = remote
		c.LocalTimestamp = fromNanos(localTS)
		c.RemoteTimestamp = fromNanos(remoteTS)
		c.ResolvedAt = fromNanos(resolvedAt)
		out = append(out, &c)
	}
	return out, storageError("list conflict logs", rows.Err())
}
