package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/fieldops/fieldsync/internal/models"
)

const recordColumns = `local_id, server_id, kind, payload, organization_scope,
	created_at, updated_at, server_updated_at, synced, synced_at`

// RecordFilter narrows ListRecords. Zero fields match everything; Match is
// applied after the SQL filter.
type RecordFilter struct {
	Synced            *bool
	Kind              string
	OrganizationScope string
	Match             func(*models.DomainRecord) bool
}

// PutRecord inserts or replaces a domain record.
func (s *Store) PutRecord(ctx context.Context, r *models.DomainRecord) error {
	query := `
	INSERT INTO domain_records (` + recordColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		server_id = excluded.server_id,
		kind = excluded.kind,
		payload = excluded.payload,
		organization_scope = excluded.organization_scope,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		server_updated_at = excluded.server_updated_at,
		synced = excluded.synced,
		synced_at = excluded.synced_at
	`
	_, err := s.q.ExecContext(ctx, query,
		r.LocalID, nullString(r.ServerID), r.Kind, blob(r.Payload), r.OrganizationScope,
		toNanos(r.CreatedAt), toNanos(r.UpdatedAt), toNanos(r.ServerUpdatedAt),
		boolInt(r.Synced), toNanos(r.SyncedAt),
	)
	return storageError("put record", err)
}

// GetRecord retrieves a domain record by local id.
func (s *Store) GetRecord(ctx context.Context, localID models.UUID) (*models.DomainRecord, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM domain_records WHERE local_id = ?`, localID)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, notFound(TableDomainRecords, localID)
	}
	if err != nil {
		return nil, storageError("get record", err)
	}
	return r, nil
}

// ListRecords returns records matching the filter ordered by creation time.
func (s *Store) ListRecords(ctx context.Context, f RecordFilter) ([]*models.DomainRecord, error) {
	var where []string
	var args []any
	if f.Synced != nil {
		where = append(where, "synced = ?")
		args = append(args, boolInt(*f.Synced))
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.OrganizationScope != "" {
		where = append(where, "organization_scope = ?")
		args = append(args, f.OrganizationScope)
	}

	query := `SELECT ` + recordColumns + ` FROM domain_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, rowid"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError("list records", err)
	}
	defer rows.Close()

	var out []*models.DomainRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, storageError("scan record", err)
		}
		if f.Match != nil && !f.Match(r) {
			continue
		}
		out = append(out, r)
	}
	return out, storageError("list records", rows.Err())
}

// DeleteRecord deletes a record. Its operations go with it so no operation
// is ever left referencing a missing record.
func (s *Store) DeleteRecord(ctx context.Context, localID models.UUID) error {
	return s.WithTx(ctx, func(tx *Store) error {
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM operations WHERE record_id = ?`, localID); err != nil {
			return storageError("delete record operations", err)
		}
		res, err := tx.q.ExecContext(ctx, `DELETE FROM domain_records WHERE local_id = ?`, localID)
		if err != nil {
			return storageError("delete record", err)
		}
		n, err := rowsAffected(res, "delete record")
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound(TableDomainRecords, localID)
		}
		return nil
	})
}

// CountUnsyncedWithoutOperation counts records not yet synced that have no
// unfinished operation, i.e. captured records caught between the write and
// the enqueue.
func (s *Store) CountUnsyncedWithoutOperation(ctx context.Context) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM domain_records r
	WHERE r.synced = 0 AND NOT EXISTS (
		SELECT 1 FROM operations o
		WHERE o.record_id = r.local_id AND o.status IN ('pending', 'syncing', 'failed')
	)`).Scan(&n)
	return n, storageError("count unsynced records", err)
}

// PurgeSyncedRecords deletes synced records whose sync happened before the
// cutoff and that no unfinished operation still references, either as its
// own record or through a dependency on one of the record's operations.
func (s *Store) PurgeSyncedRecords(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := s.WithTx(ctx, func(tx *Store) error {
		cond := `synced = 1 AND synced_at > 0 AND synced_at < ? AND NOT EXISTS (
			SELECT 1 FROM operations o
			WHERE o.record_id = domain_records.local_id AND o.status <> 'completed'
		) AND NOT EXISTS (
			SELECT 1 FROM operations waiting, json_each(waiting.dependencies) dep
			JOIN operations o ON o.id = dep.value
			WHERE waiting.status <> 'completed' AND o.record_id = domain_records.local_id
		)`
		if _, err := tx.q.ExecContext(ctx, `
		DELETE FROM operations WHERE record_id IN (SELECT local_id FROM domain_records WHERE `+cond+`)`,
			toNanos(before)); err != nil {
			return storageError("purge synced record operations", err)
		}
		res, err := tx.q.ExecContext(ctx, `DELETE FROM domain_records WHERE `+cond, toNanos(before))
		if err != nil {
			return storageError("purge synced records", err)
		}
		n, err = rowsAffected(res, "purge synced records")
		return err
	})
	return n, err
}

func scanRecord(row rowScanner) (*models.DomainRecord, error) {
	var r models.DomainRecord
	var serverID sql.NullString
	var payload []byte
	var createdAt, updatedAt, serverUpdatedAt, syncedAt int64
	var synced int
	if err := row.Scan(&r.LocalID, &serverID, &r.Kind, &payload, &r.OrganizationScope,
		&createdAt, &updatedAt, &serverUpdatedAt, &synced, &syncedAt); err != nil {
		return nil, err
	}
	r.ServerID = serverID.String
	r.Payload = payload
	r.CreatedAt = fromNanos(createdAt)
	r.UpdatedAt = fromNanos(updatedAt)
	r.ServerUpdatedAt = fromNanos(serverUpdatedAt)
	r.Synced = synced == 1
	r.SyncedAt = fromNanos(syncedAt)
	return &r, nil
}
