// Package queue manages the durable operation queue: ordering, dependency
// gating and the operation state machine. Every transition is written to the
// store before it returns.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fieldops/fieldsync/internal/db"
	"github.com/fieldops/fieldsync/internal/errors"
	"github.com/fieldops/fieldsync/internal/logging"
	"github.com/fieldops/fieldsync/internal/models"
	"github.com/fieldops/fieldsync/internal/uuid"
)

// OperationStore is the subset of the durable store the queue needs.
type OperationStore interface {
	PutOperation(ctx context.Context, op *models.Operation) error
	GetOperation(ctx context.Context, id models.UUID) (*models.Operation, error)
	ListOperations(ctx context.Context, f db.OperationFilter) ([]*models.Operation, error)
	DeleteOperation(ctx context.Context, id models.UUID) error
	CountOperations(ctx context.Context) (map[models.OperationStatus]int, error)
	DiscardOperation(ctx context.Context, id models.UUID) (bool, error)
}

var unfinished = []models.OperationStatus{
	models.OperationStatusPending,
	models.OperationStatusSyncing,
	models.OperationStatusFailed,
}

// Queue is the operation queue.
type Queue struct {
	store    OperationStore
	validate *validator.Validate
	now      func() time.Time
	mu       *sync.Mutex
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the queue's time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue over store.
func New(store OperationStore, opts ...Option) *Queue {
	q := &Queue{
		store:    store,
		validate: validator.New(),
		now:      time.Now,
		mu:       &sync.Mutex{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// With returns a Queue sharing q's clock but writing through store,
// typically a transaction-bound *db.Store. The transaction already
// serializes its writes, so the copy gets its own lock; sharing q's would
// deadlock against a caller waiting for the single connection.
func (q *Queue) With(store OperationStore) *Queue {
	c := *q
	c.store = store
	c.mu = &sync.Mutex{}
	return &c
}

// Enqueue validates op, fills in defaults and persists it as pending.
// Every dependency must already be queued.
func (q *Queue) Enqueue(ctx context.Context, op *models.Operation) error {
	if op.ID == "" {
		op.ID = models.UUID(uuid.New())
	}
	if op.Status == "" {
		op.Status = models.OperationStatusPending
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = q.now().UTC()
	}

	if op.Status != models.OperationStatusPending {
		return errors.Newf(errors.ErrValidation, "operation %s must be enqueued as pending, got %s", op.ID, op.Status)
	}
	if err := q.validate.Struct(op); err != nil {
		return errors.Wrap(errors.ErrValidation, fmt.Sprintf("invalid operation %s", op.ID), err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, dep := range op.Dependencies {
		if dep == op.ID {
			return errors.Newf(errors.ErrValidation, "operation %s depends on itself", op.ID)
		}
		if _, err := q.store.GetOperation(ctx, dep); err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				return errors.Newf(errors.ErrValidation, "operation %s depends on unknown operation %s", op.ID, dep)
			}
			return err
		}
	}

	if err := q.store.PutOperation(ctx, op); err != nil {
		return err
	}

	logging.Debug("Operation enqueued", map[string]interface{}{
		"operation_id": op.ID,
		"kind":         op.Kind,
		"record_id":    op.RecordID,
		"priority":     op.Priority,
	})
	return nil
}

// Get returns an operation by id.
func (q *Queue) Get(ctx context.Context, id models.UUID) (*models.Operation, error) {
	return q.store.GetOperation(ctx, id)
}

// ListPending returns pending operations in drain order.
func (q *Queue) ListPending(ctx context.Context) ([]*models.Operation, error) {
	return q.store.ListOperations(ctx, db.OperationFilter{
		Statuses: []models.OperationStatus{models.OperationStatusPending},
	})
}

// ListFailed returns operations awaiting manual intervention.
func (q *Queue) ListFailed(ctx context.Context) ([]*models.Operation, error) {
	return q.store.ListOperations(ctx, db.OperationFilter{
		Statuses: []models.OperationStatus{models.OperationStatusFailed},
	})
}

// ListUnfinished returns pending, syncing and failed operations.
func (q *Queue) ListUnfinished(ctx context.Context) ([]*models.Operation, error) {
	return q.store.ListOperations(ctx, db.OperationFilter{Statuses: unfinished})
}

// Plan describes what a drain loop can do at a given instant.
type Plan struct {
	// Next is the first pending operation that may run now, or nil.
	Next *models.Operation
	// WakeAt is the earliest backoff deadline among runnable operations that
	// are not yet due. Zero when nothing is waiting on backoff.
	WakeAt time.Time
	// Blocked holds pending operations gated by unfinished, failed or
	// missing dependencies.
	Blocked []*models.Operation
}

// Done reports whether nothing can run now or later in this pass.
func (p *Plan) Done() bool {
	return p.Next == nil && p.WakeAt.IsZero()
}

// Plan inspects the pending operations in drain order.
func (q *Queue) Plan(ctx context.Context, now time.Time) (*Plan, error) {
	ops, err := q.store.ListOperations(ctx, db.OperationFilter{})
	if err != nil {
		return nil, err
	}

	status := make(map[models.UUID]models.OperationStatus, len(ops))
	for _, op := range ops {
		status[op.ID] = op.Status
	}

	plan := &Plan{}
	for _, op := range ops {
		if op.Status != models.OperationStatusPending {
			continue
		}
		if !dependenciesMet(op, status) {
			plan.Blocked = append(plan.Blocked, op)
			continue
		}
		if op.NextAttemptAt.After(now) {
			if plan.WakeAt.IsZero() || op.NextAttemptAt.Before(plan.WakeAt) {
				plan.WakeAt = op.NextAttemptAt
			}
			continue
		}
		if plan.Next == nil {
			plan.Next = op
		}
	}
	return plan, nil
}

// NextReady returns the first pending operation whose dependencies are all
// completed and whose backoff elapsed, or nil.
func (q *Queue) NextReady(ctx context.Context, now time.Time) (*models.Operation, error) {
	plan, err := q.Plan(ctx, now)
	if err != nil {
		return nil, err
	}
	return plan.Next, nil
}

func dependenciesMet(op *models.Operation, status map[models.UUID]models.OperationStatus) bool {
	for _, dep := range op.Dependencies {
		if status[dep] != models.OperationStatusCompleted {
			return false
		}
	}
	return true
}

// MarkSyncing moves a pending operation to syncing.
func (q *Queue) MarkSyncing(ctx context.Context, id models.UUID) (*models.Operation, error) {
	return q.transition(ctx, id, models.OperationStatusSyncing, func(op *models.Operation) {
		op.LastAttemptAt = q.now().UTC()
	})
}

// MarkCompleted moves a syncing operation to completed. Completing an
// already completed operation is a no-op.
func (q *Queue) MarkCompleted(ctx context.Context, id models.UUID) (*models.Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.store.GetOperation(ctx, id)
	if err != nil {
		return nil, err
	}
	if op.Status == models.OperationStatusCompleted {
		return op, nil
	}
	return q.apply(ctx, op, models.OperationStatusCompleted, func(op *models.Operation) {
		op.CompletedAt = q.now().UTC()
		op.LastError = nil
		op.NextAttemptAt = time.Time{}
	})
}

// MarkRetry returns a syncing operation to pending after a retryable
// failure. It becomes eligible again once delay elapsed.
func (q *Queue) MarkRetry(ctx context.Context, id models.UUID, cause error, delay time.Duration) (*models.Operation, error) {
	return q.transition(ctx, id, models.OperationStatusPending, func(op *models.Operation) {
		op.RetryCount++
		op.LastError = errorString(cause)
		op.NextAttemptAt = q.now().UTC().Add(delay)
	})
}

// MarkFailed parks a syncing operation for manual intervention.
func (q *Queue) MarkFailed(ctx context.Context, id models.UUID, cause error) (*models.Operation, error) {
	return q.transition(ctx, id, models.OperationStatusFailed, func(op *models.Operation) {
		op.RetryCount++
		op.LastError = errorString(cause)
		op.NextAttemptAt = time.Time{}
	})
}

// Release returns a syncing operation to pending without spending a
// retry, for passes interrupted before the outcome was known.
func (q *Queue) Release(ctx context.Context, id models.UUID) (*models.Operation, error) {
	return q.transition(ctx, id, models.OperationStatusPending, func(op *models.Operation) {})
}

// ResetToPending re-arms a failed operation with a fresh retry budget.
func (q *Queue) ResetToPending(ctx context.Context, id models.UUID) (*models.Operation, error) {
	return q.transition(ctx, id, models.OperationStatusPending, func(op *models.Operation) {
		op.RetryCount = 0
		op.LastError = nil
		op.NextAttemptAt = time.Time{}
	})
}

// RecoverInterrupted returns operations left syncing by a crashed or
// cancelled pass to pending without spending a retry.
func (q *Queue) RecoverInterrupted(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.store.ListOperations(ctx, db.OperationFilter{
		Statuses: []models.OperationStatus{models.OperationStatusSyncing},
	})
	if err != nil {
		return 0, err
	}
	for _, op := range ops {
		op.Status = models.OperationStatusPending
		if err := q.store.PutOperation(ctx, op); err != nil {
			return 0, err
		}
	}
	if len(ops) > 0 {
		logging.Warn("Recovered interrupted operations", map[string]interface{}{"count": len(ops)})
	}
	return len(ops), nil
}

// Discard removes a failed operation. It refuses while unfinished
// operations depend on it. When the operation was the last reference to a
// never-synced record, the record is removed too; the return value reports
// that.
func (q *Queue) Discard(ctx context.Context, id models.UUID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.store.GetOperation(ctx, id)
	if err != nil {
		return false, err
	}
	if op.Status != models.OperationStatusFailed {
		return false, errors.Newf(errors.ErrInvalidTransition,
			"only failed operations can be discarded, %s is %s", id, op.Status)
	}

	dependents, err := q.store.ListOperations(ctx, db.OperationFilter{
		Statuses: unfinished,
		Match:    func(o *models.Operation) bool { return o.DependsOn(id) },
	})
	if err != nil {
		return false, err
	}
	if len(dependents) > 0 {
		return false, errors.Newf(errors.ErrValidation,
			"operation %s has %d unfinished dependents", id, len(dependents))
	}

	recordDeleted, err := q.store.DiscardOperation(ctx, id)
	if err != nil {
		return false, err
	}
	logging.Info("Operation discarded", map[string]interface{}{
		"operation_id":   id,
		"record_id":      op.RecordID,
		"record_deleted": recordDeleted,
	})
	return recordDeleted, nil
}

// PurgeCompleted deletes completed operations finished before cutoff that
// no unfinished operation still depends on.
func (q *Queue) PurgeCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	open, err := q.store.ListOperations(ctx, db.OperationFilter{Statuses: unfinished})
	if err != nil {
		return 0, err
	}
	referenced := make(map[models.UUID]bool)
	for _, op := range open {
		for _, dep := range op.Dependencies {
			referenced[dep] = true
		}
	}

	done, err := q.store.ListOperations(ctx, db.OperationFilter{
		Statuses: []models.OperationStatus{models.OperationStatusCompleted},
		Match: func(o *models.Operation) bool {
			return o.CompletedAt.Before(cutoff) && !referenced[o.ID]
		},
	})
	if err != nil {
		return 0, err
	}
	for _, op := range done {
		if err := q.store.DeleteOperation(ctx, op.ID); err != nil && !errors.Is(err, errors.ErrNotFound) {
			return 0, err
		}
	}
	return len(done), nil
}

// Stats counts operations per status.
type Stats struct {
	Pending   int `json:"pending"`
	Syncing   int `json:"syncing"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Unfinished is the number of operations not yet completed.
func (s Stats) Unfinished() int {
	return s.Pending + s.Syncing + s.Failed
}

// Stats returns queue statistics.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.store.CountOperations(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Pending:   counts[models.OperationStatusPending],
		Syncing:   counts[models.OperationStatusSyncing],
		Completed: counts[models.OperationStatusCompleted],
		Failed:    counts[models.OperationStatusFailed],
	}
	s.Total = s.Pending + s.Syncing + s.Completed + s.Failed
	return s, nil
}

func (q *Queue) transition(ctx context.Context, id models.UUID, to models.OperationStatus, mutate func(*models.Operation)) (*models.Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.store.GetOperation(ctx, id)
	if err != nil {
		return nil, err
	}
	return q.apply(ctx, op, to, mutate)
}

func (q *Queue) apply(ctx context.Context, op *models.Operation, to models.OperationStatus, mutate func(*models.Operation)) (*models.Operation, error) {
	if !CanTransition(op.Status, to) {
		return nil, errors.Newf(errors.ErrInvalidTransition,
			"operation %s cannot move from %s to %s", op.ID, op.Status, to)
	}
	from := op.Status
	op.Status = to
	mutate(op)
	if err := q.store.PutOperation(ctx, op); err != nil {
		return nil, err
	}

	logging.Debug("Operation transition", map[string]interface{}{
		"operation_id": op.ID,
		"from":         from,
		"to":           to,
		"retry_count":  op.RetryCount,
	})
	return op, nil
}

func errorString(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	return &msg
}
