package sync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fieldops/fieldsync/internal/db"
	"github.com/fieldops/fieldsync/internal/errors"
	"github.com/fieldops/fieldsync/internal/logging"
	"github.com/fieldops/fieldsync/internal/models"
	"github.com/fieldops/fieldsync/internal/sync/conflict"
	"github.com/fieldops/fieldsync/internal/sync/queue"
	"github.com/fieldops/fieldsync/internal/sync/remote"
	"github.com/fieldops/fieldsync/internal/telemetry"
)

// Payload fields the processor fills in at dispatch time.
const (
	// FieldParentLocalID names the local id of the record a payload
	// attaches to. The processor adds FieldParentServerID once the parent
	// has synced.
	FieldParentLocalID  = "parentLocalId"
	FieldParentServerID = "parentServerId"
	// FieldEvidenceHash references a blob in the evidence store; the
	// processor inlines it as base64 under FieldEvidenceData.
	FieldEvidenceHash = "evidenceHash"
	FieldEvidenceData = "data"
)

// Processor executes sync passes.
type Processor struct {
	store    *db.Store
	queue    *queue.Queue
	api      remote.API
	resolver *conflict.Resolver
	evidence EvidenceReader
	policy   queue.RetryPolicy
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	running atomic.Bool
}

// Option configures a Processor.
type Option func(*Processor)

// WithRetryPolicy overrides the retry ceiling and backoff.
func WithRetryPolicy(p queue.RetryPolicy) Option {
	return func(pr *Processor) { pr.policy = p }
}

// WithClock overrides the processor's time source.
func WithClock(now func() time.Time) Option {
	return func(pr *Processor) { pr.now = now }
}

// WithSleeper overrides how the processor waits for backoff deadlines.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(pr *Processor) { pr.sleep = sleep }
}

// WithEvidence enables inlining of photo evidence.
func WithEvidence(e EvidenceReader) Option {
	return func(pr *Processor) { pr.evidence = e }
}

// WithResolver overrides the conflict resolver.
func WithResolver(r *conflict.Resolver) Option {
	return func(pr *Processor) { pr.resolver = r }
}

// NewProcessor creates a Processor.
func NewProcessor(store *db.Store, q *queue.Queue, api remote.API, opts ...Option) *Processor {
	p := &Processor{
		store:  store,
		queue:  q,
		api:    api,
		policy: queue.DefaultRetryPolicy(),
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.resolver == nil {
		p.resolver = conflict.NewResolver(p.now)
	}
	return p
}

// InProgress reports whether a pass is running.
func (p *Processor) InProgress() bool {
	return p.running.Load()
}

// RunOnce drains the queue once. Operations run in priority, creation
// order, each only after its dependencies completed. Retryable failures
// are retried within the pass after their backoff; the pass ends when
// every operation is completed, failed or blocked.
//
// Per-operation failures are recorded in the report. Only store failures
// and ctx cancellation end the pass early; the partial report is returned
// with the error.
func (p *Processor) RunOnce(ctx context.Context) (*models.SyncReport, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, errors.New(errors.ErrSyncInProgress, "a sync pass is already running")
	}
	defer p.running.Store(false)

	ctx, span := telemetry.StartSpan(ctx, "sync.pass")
	defer span.End()

	report := &models.SyncReport{StartedAt: p.now().UTC()}
	attempted := make(map[models.UUID]bool)

	err := p.drain(ctx, report, attempted)
	report.Attempted = len(attempted)
	report.FinishedAt = p.now().UTC()

	span.SetAttributes(
		attribute.Int("sync.attempted", report.Attempted),
		attribute.Int("sync.succeeded", report.Succeeded),
		attribute.Int("sync.failed", report.Failed),
		attribute.Int("sync.conflicts", report.Conflicts),
		attribute.Int("sync.skipped", report.Skipped),
	)
	fields := map[string]interface{}{
		"attempted":   report.Attempted,
		"succeeded":   report.Succeeded,
		"failed":      report.Failed,
		"conflicts":   report.Conflicts,
		"skipped":     report.Skipped,
		"duration_ms": report.Duration().Milliseconds(),
	}
	if err != nil {
		telemetry.RecordError(span, err)
		logging.ErrorWithCode("Sync pass aborted", string(errors.CodeOf(err)), err, fields)
		return report, err
	}
	logging.Info("Sync pass completed", fields)
	return report, nil
}

func (p *Processor) drain(ctx context.Context, report *models.SyncReport, attempted map[models.UUID]bool) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		plan, err := p.queue.Plan(ctx, p.now())
		if err != nil {
			return err
		}

		if plan.Next != nil {
			if err := p.process(ctx, plan.Next, report, attempted); err != nil {
				return err
			}
			continue
		}

		if plan.Done() {
			report.Skipped = len(plan.Blocked)
			return nil
		}
		if err := p.sleep(ctx, plan.WakeAt.Sub(p.now())); err != nil {
			return err
		}
	}
}

// process runs one attempt of op. The returned error is fatal to the pass;
// remote failures are folded into the operation's state instead.
func (p *Processor) process(ctx context.Context, op *models.Operation, report *models.SyncReport, attempted map[models.UUID]bool) error {
	ctx, span := telemetry.StartSpan(ctx, "sync.dispatch",
		attribute.String("operation.id", string(op.ID)),
		attribute.String("operation.kind", op.Kind),
		attribute.String("operation.action", string(op.Action)),
		attribute.Int("operation.retry_count", op.RetryCount),
	)
	defer span.End()

	op, err := p.queue.MarkSyncing(ctx, op.ID)
	if err != nil {
		return err
	}

	record, err := p.store.GetRecord(ctx, op.RecordID)
	if errors.Is(err, errors.ErrNotFound) {
		logging.Warn("Purging operation whose record no longer exists", map[string]interface{}{
			"operation_id": op.ID,
			"record_id":    op.RecordID,
		})
		if err := p.store.DeleteOperation(ctx, op.ID); err != nil && !errors.Is(err, errors.ErrNotFound) {
			return p.release(ctx, op, err)
		}
		return nil
	}
	if err != nil {
		return p.release(ctx, op, err)
	}
	attempted[op.ID] = true

	remoteErr, fatal := p.dispatch(ctx, op, record, report)
	if fatal != nil {
		telemetry.RecordError(span, fatal)
		return p.release(ctx, op, fatal)
	}

	if remoteErr == nil {
		if _, err := p.queue.MarkCompleted(ctx, op.ID); err != nil {
			return p.release(ctx, op, err)
		}
		report.Succeeded++
		return nil
	}

	telemetry.RecordError(span, remoteErr)
	if ctx.Err() != nil {
		return p.release(ctx, op, ctx.Err())
	}

	retryCount := op.RetryCount + 1
	if retry, delay := p.policy.Decide(remoteErr, retryCount); retry {
		if _, err := p.queue.MarkRetry(ctx, op.ID, remoteErr, delay); err != nil {
			return p.release(ctx, op, err)
		}
		logging.Warn("Operation will be retried", map[string]interface{}{
			"operation_id": op.ID,
			"retry_count":  retryCount,
			"delay_ms":     delay.Milliseconds(),
			"error":        remoteErr.Error(),
		})
		return nil
	}

	if _, err := p.queue.MarkFailed(ctx, op.ID, remoteErr); err != nil {
		return p.release(ctx, op, err)
	}
	report.Failed++
	report.Errors = append(report.Errors, models.OperationError{OperationID: op.ID, Error: remoteErr.Error()})
	logging.ErrorWithCode("Operation failed", string(errors.CodeOf(remoteErr)), remoteErr, map[string]interface{}{
		"operation_id": op.ID,
		"kind":         op.Kind,
		"retry_count":  retryCount,
	})
	return nil
}

// release hands an operation whose attempt was cut short back to pending
// and returns cause. The store write must outlive a cancelled ctx. If the
// store refuses even that, the next start's RecoverInterrupted frees it.
func (p *Processor) release(ctx context.Context, op *models.Operation, cause error) error {
	if _, err := p.queue.Release(context.WithoutCancel(ctx), op.ID); err != nil {
		logging.Error("Could not release interrupted operation", err, map[string]interface{}{
			"operation_id": op.ID,
			"cause":        cause.Error(),
		})
	}
	return cause
}

// dispatch performs the remote side of op. remoteErr feeds the retry
// policy; fatal aborts the pass.
func (p *Processor) dispatch(ctx context.Context, op *models.Operation, record *models.DomainRecord, report *models.SyncReport) (remoteErr, fatal error) {
	switch op.Action {
	case models.ActionDelete:
		if record.ServerID == "" {
			// Never reached the server; nothing to delete remotely.
			return nil, p.adopt(ctx, op, &remote.Ack{})
		}
		ack, err := p.api.Send(ctx, &remote.Request{
			OperationID: op.ID, Kind: op.Kind, Action: models.ActionDelete, ServerID: record.ServerID,
		})
		if err != nil {
			return err, nil
		}
		return nil, p.adopt(ctx, op, ack)

	case models.ActionUpdate:
		if record.ServerID != "" {
			current, err := p.api.Fetch(ctx, op.Kind, record.ServerID)
			switch {
			case errors.Is(err, errors.ErrNotFound):
				// Nothing to compare against; let the update decide.
			case err != nil:
				return err, nil
			default:
				existing := current.ToDomain()
				if p.resolver.Detect(record, existing) {
					localWins, err := p.resolve(ctx, op, record, existing, report)
					if err != nil || !localWins {
						return nil, err
					}
				}
			}
			return p.send(ctx, op, record, models.ActionUpdate, report)
		}
		// Update of a record whose create never synced.
		return p.send(ctx, op, record, models.ActionCreate, report)

	default:
		return p.send(ctx, op, record, models.ActionCreate, report)
	}
}

// send transmits the record payload and adopts the acknowledgement. An
// answer carrying an existing divergent record goes through the resolver;
// a create whose local version wins is sent again as an update.
func (p *Processor) send(ctx context.Context, op *models.Operation, record *models.DomainRecord, action models.Action, report *models.SyncReport) (remoteErr, fatal error) {
	payload, err := p.buildPayload(ctx, record)
	if err != nil {
		if errors.IsStorage(err) {
			return nil, err
		}
		return err, nil
	}

	serverID := ""
	if action == models.ActionUpdate {
		serverID = record.ServerID
	}
	ack, err := p.api.Send(ctx, &remote.Request{
		OperationID: op.ID,
		Kind:        op.Kind,
		Action:      action,
		ServerID:    serverID,
		Payload:     payload,
	})
	if err != nil {
		return err, nil
	}

	if ack.Existing != nil {
		existing := ack.Existing.ToDomain()
		localWins, err := p.resolve(ctx, op, record, existing, report)
		if err != nil || !localWins {
			return nil, err
		}
		if action == models.ActionUpdate {
			// The server refused the newer local version twice over.
			return errors.Newf(errors.ErrSyncConflict,
				"server rejected update of %s despite newer local version", record.LocalID), nil
		}
		record = record.Clone()
		record.ServerID = existing.ServerID
		return p.send(ctx, op, record, models.ActionUpdate, report)
	}
	return nil, p.adopt(ctx, op, ack)
}

// resolve applies last-write-wins between the local record and the remote
// version, persisting the audit entry. When the remote version wins it is
// written locally and the record is marked synced.
func (p *Processor) resolve(ctx context.Context, op *models.Operation, record, existing *models.DomainRecord, report *models.SyncReport) (bool, error) {
	res, err := p.resolver.Resolve(record, existing)
	if err != nil {
		return false, errors.Wrap(errors.ErrSyncConflict, "resolve conflict", err)
	}
	res.Audit.OperationID = op.ID

	err = p.store.WithTx(ctx, func(tx *db.Store) error {
		if err := tx.CreateConflictLog(ctx, res.Audit); err != nil {
			return err
		}
		if res.LocalWins() {
			return nil
		}

		current, err := tx.GetRecord(ctx, record.LocalID)
		if err != nil {
			return err
		}
		current.Payload = res.Winner.Payload
		current.UpdatedAt = res.Winner.UpdatedAt
		current.ServerID = existing.ServerID
		current.ServerUpdatedAt = existing.EffectiveTimestamp()
		return p.markSynced(ctx, tx, op, current)
	})
	if err != nil {
		return false, err
	}
	report.Conflicts++
	return res.LocalWins(), nil
}

// adopt records the server's acknowledgement on the local record. Only the
// server-owned fields are touched so a concurrent local edit survives.
func (p *Processor) adopt(ctx context.Context, op *models.Operation, ack *remote.Ack) error {
	return p.store.WithTx(ctx, func(tx *db.Store) error {
		current, err := tx.GetRecord(ctx, op.RecordID)
		if err != nil {
			return err
		}
		if ack.ServerID != "" {
			current.ServerID = ack.ServerID
		}
		if !ack.UpdatedAt.IsZero() {
			current.ServerUpdatedAt = ack.UpdatedAt
		}
		return p.markSynced(ctx, tx, op, current)
	})
}

// markSynced flags the record synced unless other operations on it are
// still unfinished.
func (p *Processor) markSynced(ctx context.Context, tx *db.Store, op *models.Operation, record *models.DomainRecord) error {
	others, err := tx.ListOperations(ctx, db.OperationFilter{
		RecordID: record.LocalID,
		Statuses: []models.OperationStatus{
			models.OperationStatusPending,
			models.OperationStatusSyncing,
			models.OperationStatusFailed,
		},
		Match: func(o *models.Operation) bool { return o.ID != op.ID },
	})
	if err != nil {
		return err
	}
	if len(others) == 0 {
		record.Synced = true
		record.SyncedAt = p.now().UTC()
	}
	return tx.PutRecord(ctx, record)
}

// buildPayload fills in dispatch-time references: the parent's server id
// and inlined evidence.
func (p *Processor) buildPayload(ctx context.Context, record *models.DomainRecord) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(record.Payload, &fields); err != nil || fields == nil {
		// Not an object; send as captured.
		return record.Payload, nil
	}
	changed := false

	if raw, ok := fields[FieldParentLocalID]; ok {
		var parentID models.UUID
		if err := json.Unmarshal(raw, &parentID); err != nil {
			return nil, errors.Validation(fmt.Sprintf("invalid %s: %v", FieldParentLocalID, err), 0)
		}
		parent, err := p.store.GetRecord(ctx, parentID)
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.Validation(fmt.Sprintf("parent record %s no longer exists", parentID), 0)
		}
		if err != nil {
			return nil, err
		}
		if parent.ServerID == "" {
			return nil, errors.Validation(fmt.Sprintf("parent record %s has not synced", parentID), 0)
		}
		fields[FieldParentServerID], _ = json.Marshal(parent.ServerID)
		changed = true
	}

	if raw, ok := fields[FieldEvidenceHash]; ok && p.evidence != nil {
		var hash string
		if err := json.Unmarshal(raw, &hash); err != nil {
			return nil, errors.Validation(fmt.Sprintf("invalid %s: %v", FieldEvidenceHash, err), 0)
		}
		data, err := p.evidence.Get(hash)
		if err != nil {
			if errors.IsStorage(err) {
				return nil, err
			}
			return nil, errors.Wrap(errors.ErrValidation, "load evidence "+hash, err)
		}
		fields[FieldEvidenceData], _ = json.Marshal(base64.StdEncoding.EncodeToString(data))
		changed = true
	}

	if !changed {
		return record.Payload, nil
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrap(errors.ErrValidation, "encode payload", err)
	}
	return out, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
