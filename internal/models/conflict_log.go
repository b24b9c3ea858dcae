package models

import (
	"encoding/json"
	"time"
)

// Conflict winners.
const (
	WinnerLocal  = "local"
	WinnerRemote = "remote"
)

// ConflictLog is the audit entry written for every last-write-wins decision.
// It is the only evidence of the overwritten version and is retained for
// operator review.
type ConflictLog struct {
	ID              UUID            `db:"id" json:"id"`
	RecordID        UUID            `db:"record_id" json:"recordId"`
	OperationID     UUID            `db:"operation_id" json:"operationId,omitempty"`
	LocalVersion    json.RawMessage `db:"local_version" json:"localVersion"`
	RemoteVersion   json.RawMessage `db:"remote_version" json:"remoteVersion"`
	LocalTimestamp  time.Time       `db:"local_timestamp" json:"localTimestamp"`
	RemoteTimestamp time.Time       `db:"remote_timestamp" json:"remoteTimestamp"`
	Winner          string          `db:"winner" json:"winner"`
	ResolvedAt      time.Time       `db:"resolved_at" json:"resolvedAt"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}
