package models

import "time"

// OperationStatus is the lifecycle state of a queued operation.
type OperationStatus string

const (
	OperationStatusPending   OperationStatus = "pending"
	OperationStatusSyncing   OperationStatus = "syncing"
	OperationStatusCompleted OperationStatus = "completed"
	OperationStatusFailed    OperationStatus = "failed"
)

// Finished reports whether the status is terminal for a sync pass.
func (s OperationStatus) Finished() bool {
	return s == OperationStatusCompleted || s == OperationStatusFailed
}

// Action is the server-side mutation an operation performs.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Well-known operation kinds. Kinds form an open set routed by the remote
// client's route table.
const (
	KindRecordCreate  = "record-create"
	KindRecordUpdate  = "record-update"
	KindRecordDelete  = "record-delete"
	KindPhotoAttach   = "photo-attach"
	KindCounterUpdate = "counter-update"
)

// Operation is a queued intent to synchronize one DomainRecord mutation.
type Operation struct {
	ID           UUID            `db:"id" json:"id" validate:"required,uuid4"`
	Kind         string          `db:"kind" json:"kind" validate:"required,max=64"`
	Action       Action          `db:"action" json:"action" validate:"required,oneof=create update delete"`
	RecordID     UUID            `db:"record_id" json:"recordId" validate:"required"`
	Priority     int             `db:"priority" json:"priority" validate:"gte=0,lte=100"`
	Dependencies []UUID          `db:"dependencies" json:"dependencies,omitempty" validate:"dive,required"`
	Status       OperationStatus `db:"status" json:"status" validate:"required,oneof=pending syncing completed failed"`
	RetryCount   int             `db:"retry_count" json:"retryCount" validate:"gte=0"`
	// NextAttemptAt holds the backoff deadline of a retried operation.
	NextAttemptAt time.Time `db:"next_attempt_at" json:"nextAttemptAt,omitempty"`
	LastAttemptAt time.Time `db:"last_attempt_at" json:"lastAttemptAt,omitempty"`
	LastError     *string   `db:"last_error" json:"lastError,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt" validate:"required"`
	CompletedAt   time.Time `db:"completed_at" json:"completedAt,omitempty"`
}

// TableName returns the table name for Operation.
func (Operation) TableName() string {
	return "operations"
}

// DependsOn reports whether id is one of the operation's dependencies.
func (o *Operation) DependsOn(id UUID) bool {
	for _, dep := range o.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}

// ErrorMessage returns LastError or the empty string.
func (o *Operation) ErrorMessage() string {
	if o.LastError == nil {
		return ""
	}
	return *o.LastError
}
