// Package capture records field events offline. Every write stores the
// DomainRecord and queues its Operation in one transaction, then tells the
// coordinator there is work.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fieldops/fieldsync/internal/db"
	"github.com/fieldops/fieldsync/internal/errors"
	"github.com/fieldops/fieldsync/internal/logging"
	"github.com/fieldops/fieldsync/internal/models"
	syncpkg "github.com/fieldops/fieldsync/internal/sync"
	"github.com/fieldops/fieldsync/internal/sync/queue"
	"github.com/fieldops/fieldsync/internal/uuid"
)

// KindPhoto is the record kind of attached photo evidence.
const KindPhoto = "photo"

// Notifier is told after every committed write.
type Notifier interface {
	NotifyWrite(ctx context.Context)
}

// EvidenceStore keeps photo bytes out of the database.
type EvidenceStore interface {
	Put(data []byte) (string, error)
}

// Thumbnailer renders previews of stored photo evidence in the background.
type Thumbnailer interface {
	Enqueue(hash string) error
}

// Service is the capture entry point.
type Service struct {
	store      *db.Store
	queue      *queue.Queue
	evidence   EvidenceStore
	notifier   Notifier
	thumbnails Thumbnailer
	validate   *validator.Validate
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier registers the coordinator to wake on writes.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithEvidence enables AttachPhoto.
func WithEvidence(e EvidenceStore) Option {
	return func(s *Service) { s.evidence = e }
}

// WithThumbnails prepares a preview of every attached photo.
func WithThumbnails(t Thumbnailer) Option {
	return func(s *Service) { s.thumbnails = t }
}

// WithClock overrides the capture timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a capture Service.
func New(store *db.Store, q *queue.Queue, opts ...Option) *Service {
	s := &Service{
		store:    store,
		queue:    q,
		validate: validator.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Capture describes a new record.
type Capture struct {
	Kind              string          `json:"kind" validate:"required,max=64"`
	Payload           json.RawMessage `json:"payload" validate:"required"`
	OrganizationScope string          `json:"organizationScope,omitempty" validate:"max=128"`
	// OperationKind defaults to models.KindRecordCreate.
	OperationKind string `json:"operationKind,omitempty" validate:"max=64"`
	Priority      int    `json:"priority" validate:"gte=0,lte=100"`
}

// Change describes an edit of an existing record.
type Change struct {
	Payload json.RawMessage `json:"payload" validate:"required"`
	// OperationKind defaults to models.KindRecordUpdate.
	OperationKind string `json:"operationKind,omitempty" validate:"max=64"`
	Priority      int    `json:"priority" validate:"gte=0,lte=100"`
}

// Photo is evidence attached to a captured record.
type Photo struct {
	ParentID    models.UUID `json:"parentId" validate:"required"`
	Data        []byte      `json:"-" validate:"required"`
	ContentType string      `json:"contentType" validate:"required,max=64"`
	Caption     string      `json:"caption,omitempty" validate:"max=512"`
	Priority    int         `json:"priority" validate:"gte=0,lte=100"`
}

// Result is what a capture call wrote.
type Result struct {
	Record    *models.DomainRecord `json:"record"`
	Operation *models.Operation    `json:"operation"`
}

// Record stores a new record and queues its create.
func (s *Service) Record(ctx context.Context, c Capture) (*Result, error) {
	if err := s.check(c, c.Payload); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	record := &models.DomainRecord{
		LocalID:           models.UUID(uuid.New()),
		Kind:              c.Kind,
		Payload:           c.Payload,
		OrganizationScope: c.OrganizationScope,
		CreatedAt:         now,
	}
	op := &models.Operation{
		Kind:     orDefault(c.OperationKind, models.KindRecordCreate),
		Action:   models.ActionCreate,
		RecordID: record.LocalID,
		Priority: c.Priority,
	}

	err := s.store.WithTx(ctx, func(tx *db.Store) error {
		if err := tx.PutRecord(ctx, record); err != nil {
			return err
		}
		return s.queue.With(tx).Enqueue(ctx, op)
	})
	if err != nil {
		return nil, err
	}
	return s.committed(ctx, record, op), nil
}

// Update replaces the payload of a record and queues the update after any
// unfinished operation on it.
func (s *Service) Update(ctx context.Context, localID models.UUID, c Change) (*Result, error) {
	if err := s.check(c, c.Payload); err != nil {
		return nil, err
	}
	op := &models.Operation{
		Kind:     orDefault(c.OperationKind, models.KindRecordUpdate),
		Action:   models.ActionUpdate,
		Priority: c.Priority,
	}
	record, err := s.change(ctx, localID, op, func(r *models.DomainRecord) {
		r.Payload = c.Payload
	})
	if err != nil {
		return nil, err
	}
	return s.committed(ctx, record, op), nil
}

// Delete queues the server-side deletion of a record. The local record is
// kept until the delete synced and retention expires.
func (s *Service) Delete(ctx context.Context, localID models.UUID) (*Result, error) {
	op := &models.Operation{
		Kind:   models.KindRecordDelete,
		Action: models.ActionDelete,
	}
	record, err := s.change(ctx, localID, op, nil)
	if err != nil {
		return nil, err
	}
	return s.committed(ctx, record, op), nil
}

// AttachPhoto stores the photo bytes as evidence and captures a photo
// record referencing them. The upload waits for every unfinished operation
// on the parent so the parent's server id is known at dispatch.
func (s *Service) AttachPhoto(ctx context.Context, p Photo) (*Result, error) {
	if s.evidence == nil {
		return nil, errors.New(errors.ErrInternal, "photo evidence store not configured")
	}
	if err := s.validate.Struct(p); err != nil {
		return nil, errors.Wrap(errors.ErrValidation, "invalid photo", err)
	}

	hash, err := s.evidence.Put(p.Data)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(map[string]interface{}{
		syncpkg.FieldParentLocalID: p.ParentID,
		syncpkg.FieldEvidenceHash:  hash,
		"contentType":              p.ContentType,
		"size":                     len(p.Data),
		"caption":                  p.Caption,
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "encode photo payload", err)
	}

	now := s.now().UTC()
	var record *models.DomainRecord
	var op *models.Operation
	err = s.store.WithTx(ctx, func(tx *db.Store) error {
		parent, err := tx.GetRecord(ctx, p.ParentID)
		if err != nil {
			return err
		}
		deps, err := unfinishedOn(ctx, tx, parent.LocalID)
		if err != nil {
			return err
		}

		record = &models.DomainRecord{
			LocalID:           models.UUID(uuid.New()),
			Kind:              KindPhoto,
			Payload:           payload,
			OrganizationScope: parent.OrganizationScope,
			CreatedAt:         now,
		}
		if err := tx.PutRecord(ctx, record); err != nil {
			return err
		}
		op = &models.Operation{
			Kind:         models.KindPhotoAttach,
			Action:       models.ActionCreate,
			RecordID:     record.LocalID,
			Priority:     p.Priority,
			Dependencies: deps,
		}
		return s.queue.With(tx).Enqueue(ctx, op)
	})
	if err != nil {
		return nil, err
	}
	if s.thumbnails != nil {
		if err := s.thumbnails.Enqueue(hash); err != nil {
			logging.Warn("Thumbnail not scheduled", map[string]interface{}{
				"record_id": record.LocalID,
				"error":     err.Error(),
			})
		}
	}
	return s.committed(ctx, record, op), nil
}

// change applies mutate to a stored record, marks it unsynced and queues op
// behind the record's unfinished operations, all in one transaction.
func (s *Service) change(ctx context.Context, localID models.UUID, op *models.Operation, mutate func(*models.DomainRecord)) (*models.DomainRecord, error) {
	var record *models.DomainRecord
	err := s.store.WithTx(ctx, func(tx *db.Store) error {
		var err error
		record, err = tx.GetRecord(ctx, localID)
		if err != nil {
			return err
		}
		deps, err := unfinishedOn(ctx, tx, localID)
		if err != nil {
			return err
		}

		if mutate != nil {
			mutate(record)
		}
		record.UpdatedAt = s.now().UTC()
		record.Synced = false
		record.SyncedAt = time.Time{}
		if err := tx.PutRecord(ctx, record); err != nil {
			return err
		}

		op.RecordID = localID
		op.Dependencies = deps
		return s.queue.With(tx).Enqueue(ctx, op)
	})
	return record, err
}

func (s *Service) check(v interface{}, payload json.RawMessage) error {
	if err := s.validate.Struct(v); err != nil {
		return errors.Wrap(errors.ErrValidation, "invalid capture", err)
	}
	if !json.Valid(payload) {
		return errors.New(errors.ErrValidation, "payload is not valid JSON")
	}
	return nil
}

func (s *Service) committed(ctx context.Context, record *models.DomainRecord, op *models.Operation) *Result {
	logging.Info("Record captured", map[string]interface{}{
		"record_id":    record.LocalID,
		"kind":         record.Kind,
		"operation_id": op.ID,
		"action":       op.Action,
		"depends_on":   len(op.Dependencies),
	})
	if s.notifier != nil {
		s.notifier.NotifyWrite(ctx)
	}
	return &Result{Record: record, Operation: op}
}

// unfinishedOn returns the ids of operations on recordID that have not
// completed, in drain order.
func unfinishedOn(ctx context.Context, tx *db.Store, recordID models.UUID) ([]models.UUID, error) {
	ops, err := tx.ListOperations(ctx, db.OperationFilter{
		RecordID: recordID,
		Statuses: []models.OperationStatus{
			models.OperationStatusPending,
			models.OperationStatusSyncing,
			models.OperationStatusFailed,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list operations of %s: %w", recordID, err)
	}
	var deps []models.UUID
	for _, op := range ops {
		deps = append(deps, op.ID)
	}
	return deps, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
