package capture

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/fieldsync/internal/db"
	"github.com/fieldops/fieldsync/internal/errors"
	"github.com/fieldops/fieldsync/internal/models"
	syncpkg "github.com/fieldops/fieldsync/internal/sync"
	"github.com/fieldops/fieldsync/internal/sync/queue"
	"github.com/fieldops/fieldsync/internal/sync/storage"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) NotifyWrite(ctx context.Context) { c.n.Add(1) }

type fixture struct {
	store    *db.Store
	queue    *queue.Queue
	evidence *storage.EvidenceStore
	notifier *countingNotifier
	svc      *Service
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	f := &fixture{
		store:    db.NewStore(database),
		evidence: storage.NewEvidenceStore(t.TempDir()),
		notifier: &countingNotifier{},
		now:      base,
	}
	clock := func() time.Time { return f.now }
	f.queue = queue.New(f.store, queue.WithClock(clock))
	f.svc = New(f.store, f.queue, WithNotifier(f.notifier), WithEvidence(f.evidence), WithClock(clock))
	return f
}

func (f *fixture) capture(t *testing.T) *Result {
	t.Helper()
	res, err := f.svc.Record(context.Background(), Capture{
		Kind:              "cleaning-session",
		Payload:           json.RawMessage(`{"equipment":"E-7","minutes":40}`),
		OrganizationScope: "org-1",
	})
	require.NoError(t, err)
	return res
}

func TestRecord_writesRecordAndOperation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.capture(t)

	stored, err := f.store.GetRecord(ctx, res.Record.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "cleaning-session", stored.Kind)
	assert.Equal(t, "org-1", stored.OrganizationScope)
	assert.False(t, stored.Synced)
	assert.True(t, stored.CreatedAt.Equal(base))

	op, err := f.queue.Get(ctx, res.Operation.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KindRecordCreate, op.Kind)
	assert.Equal(t, models.ActionCreate, op.Action)
	assert.Equal(t, models.OperationStatusPending, op.Status)
	assert.Equal(t, res.Record.LocalID, op.RecordID)
	assert.Empty(t, op.Dependencies)

	assert.Equal(t, int32(1), f.notifier.n.Load())
}

func TestRecord_customOperationKind(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Record(context.Background(), Capture{
		Kind:          "counter",
		Payload:       json.RawMessage(`{"value":1200}`),
		OperationKind: models.KindCounterUpdate,
		Priority:      2,
	})
	require.NoError(t, err)
	assert.Equal(t, models.KindCounterUpdate, res.Operation.Kind)
	assert.Equal(t, 2, res.Operation.Priority)
}

func TestRecord_validation(t *testing.T) {
	tests := []struct {
		name string
		in   Capture
	}{
		{"missing kind", Capture{Payload: json.RawMessage(`{}`)}},
		{"missing payload", Capture{Kind: "usage-log"}},
		{"malformed payload", Capture{Kind: "usage-log", Payload: json.RawMessage(`{"hours":`)}},
		{"priority out of range", Capture{Kind: "usage-log", Payload: json.RawMessage(`{}`), Priority: 101}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Record(context.Background(), tt.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrValidation), "got %v", err)

			records, err := f.store.ListRecords(context.Background(), db.RecordFilter{})
			require.NoError(t, err)
			assert.Empty(t, records)
			assert.Zero(t, f.notifier.n.Load())
		})
	}
}

func TestUpdate_dependsOnUnfinishedOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.capture(t)

	f.now = base.Add(time.Hour)
	res, err := f.svc.Update(ctx, created.Record.LocalID, Change{Payload: json.RawMessage(`{"equipment":"E-7","minutes":45}`)})
	require.NoError(t, err)

	assert.Equal(t, models.ActionUpdate, res.Operation.Action)
	assert.Equal(t, models.KindRecordUpdate, res.Operation.Kind)
	assert.Equal(t, []models.UUID{created.Operation.ID}, res.Operation.Dependencies)

	stored, err := f.store.GetRecord(ctx, created.Record.LocalID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"equipment":"E-7","minutes":45}`, string(stored.Payload))
	assert.True(t, stored.UpdatedAt.Equal(base.Add(time.Hour)))
	assert.True(t, stored.CreatedAt.Equal(base))
	assert.Equal(t, int32(2), f.notifier.n.Load())
}

func TestUpdate_afterSyncHasNoDependencies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.capture(t)

	_, err := f.queue.MarkSyncing(ctx, created.Operation.ID)
	require.NoError(t, err)
	_, err = f.queue.MarkCompleted(ctx, created.Operation.ID)
	require.NoError(t, err)
	stored, err := f.store.GetRecord(ctx, created.Record.LocalID)
	require.NoError(t, err)
	stored.Synced = true
	stored.SyncedAt = base
	require.NoError(t, f.store.PutRecord(ctx, stored))

	res, err := f.svc.Update(ctx, created.Record.LocalID, Change{Payload: json.RawMessage(`{"minutes":50}`)})
	require.NoError(t, err)
	assert.Empty(t, res.Operation.Dependencies)
	assert.False(t, res.Record.Synced)
	assert.True(t, res.Record.SyncedAt.IsZero())
}

func TestUpdate_unknownRecord(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Update(context.Background(), "missing", Change{Payload: json.RawMessage(`{}`)})
	assert.True(t, errors.Is(err, errors.ErrNotFound), "got %v", err)
	assert.Zero(t, f.notifier.n.Load())
}

func TestDelete_queuesDeleteBehindPendingWork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.capture(t)

	res, err := f.svc.Delete(ctx, created.Record.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionDelete, res.Operation.Action)
	assert.Equal(t, models.KindRecordDelete, res.Operation.Kind)
	assert.Equal(t, []models.UUID{created.Operation.ID}, res.Operation.Dependencies)

	// The record stays until the delete synced.
	_, err = f.store.GetRecord(ctx, created.Record.LocalID)
	assert.NoError(t, err)
}

func TestAttachPhoto(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent := f.capture(t)
	data := []byte("\xff\xd8\xff jpeg")

	res, err := f.svc.AttachPhoto(ctx, Photo{
		ParentID:    parent.Record.LocalID,
		Data:        data,
		ContentType: "image/jpeg",
		Caption:     "after cleaning",
	})
	require.NoError(t, err)

	assert.Equal(t, KindPhoto, res.Record.Kind)
	assert.Equal(t, "org-1", res.Record.OrganizationScope)
	assert.Equal(t, models.KindPhotoAttach, res.Operation.Kind)
	assert.Equal(t, []models.UUID{parent.Operation.ID}, res.Operation.Dependencies)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(res.Record.Payload, &payload))
	assert.Equal(t, string(parent.Record.LocalID), payload[syncpkg.FieldParentLocalID])
	hash, _ := payload[syncpkg.FieldEvidenceHash].(string)
	assert.Equal(t, storage.CalculateHash(data), hash)
	assert.EqualValues(t, len(data), payload["size"])

	stored, err := f.evidence.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, data, stored)
}

func TestAttachPhoto_unknownParent(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.AttachPhoto(context.Background(), Photo{
		ParentID: "missing", Data: []byte("x"), ContentType: "image/png",
	})
	assert.True(t, errors.Is(err, errors.ErrNotFound), "got %v", err)
}

func TestAttachPhoto_requiresEvidenceStore(t *testing.T) {
	f := newFixture(t)
	svc := New(f.store, f.queue)
	_, err := svc.AttachPhoto(context.Background(), Photo{
		ParentID: "x", Data: []byte("x"), ContentType: "image/png",
	})
	assert.True(t, errors.Is(err, errors.ErrInternal))
}
