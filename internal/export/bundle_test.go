package export

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/fieldsync/internal/capture"
	"github.com/fieldops/fieldsync/internal/db"
	"github.com/fieldops/fieldsync/internal/errors"
	"github.com/fieldops/fieldsync/internal/models"
	"github.com/fieldops/fieldsync/internal/sync/queue"
	"github.com/fieldops/fieldsync/internal/sync/storage"
)

type device struct {
	store    *db.Store
	queue    *queue.Queue
	evidence *storage.EvidenceStore
	capture  *capture.Service
	export   *Service
}

func newDevice(t *testing.T) *device {
	t.Helper()
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}

	d := &device{
		store:    db.NewStore(database),
		evidence: storage.NewEvidenceStore(t.TempDir()),
	}
	d.queue = queue.New(d.store, queue.WithClock(clock))
	d.capture = capture.New(d.store, d.queue, capture.WithEvidence(d.evidence), capture.WithClock(clock))
	d.export = New(d.store, WithEvidence(d.evidence))
	return d
}

func (d *device) record(t *testing.T, payload string) *capture.Result {
	t.Helper()
	res, err := d.capture.Record(context.Background(), capture.Capture{
		Kind:    "usage-log",
		Payload: json.RawMessage(payload),
	})
	require.NoError(t, err)
	return res
}

func TestExportImport_sealed(t *testing.T) {
	ctx := context.Background()
	a := newDevice(t)
	first := a.record(t, `{"hours":1}`)
	_, err := a.capture.Update(ctx, first.Record.LocalID, capture.Change{Payload: json.RawMessage(`{"hours":2}`)})
	require.NoError(t, err)
	a.record(t, `{"hours":5}`)

	var bundle bytes.Buffer
	res, err := a.export.Export(ctx, &bundle, "correct horse")
	require.NoError(t, err)
	assert.True(t, res.Encrypted)
	assert.Equal(t, 2, res.RecordCount)
	assert.Equal(t, 3, res.OperationCount)
	assert.Equal(t, FormatVersion, res.Version)
	assert.True(t, bytes.HasPrefix(bundle.Bytes(), []byte(sealedMagic)))

	b := newDevice(t)
	imported, err := b.export.Import(ctx, bytes.NewReader(bundle.Bytes()), "correct horse")
	require.NoError(t, err)
	assert.Equal(t, 2, imported.RecordsImported)
	assert.Equal(t, 3, imported.OperationsImported)

	pending, err := b.queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	var update *models.Operation
	for _, op := range pending {
		if op.Action == models.ActionUpdate {
			update = op
		}
	}
	require.NotNil(t, update)
	assert.Equal(t, []models.UUID{first.Operation.ID}, update.Dependencies)

	got, err := b.store.GetRecord(ctx, first.Record.LocalID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"hours":2}`, string(got.Payload))

	again, err := b.export.Import(ctx, bytes.NewReader(bundle.Bytes()), "correct horse")
	require.NoError(t, err)
	assert.Zero(t, again.RecordsImported)
	assert.Zero(t, again.OperationsImported)
	assert.Equal(t, 2, again.RecordsSkipped)
	assert.Equal(t, 3, again.OperationsSkipped)
}

func TestImport_passwordErrors(t *testing.T) {
	ctx := context.Background()
	a := newDevice(t)
	a.record(t, `{"hours":1}`)

	var bundle bytes.Buffer
	_, err := a.export.Export(ctx, &bundle, "secret")
	require.NoError(t, err)

	b := newDevice(t)
	_, err = b.export.Import(ctx, bytes.NewReader(bundle.Bytes()), "")
	assert.True(t, errors.Is(err, errors.ErrValidation))
	_, err = b.export.Import(ctx, bytes.NewReader(bundle.Bytes()), "wrong")
	assert.True(t, errors.Is(err, errors.ErrValidation))

	records, err := b.store.ListRecords(ctx, db.RecordFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestImport_notABundle(t *testing.T) {
	b := newDevice(t)
	_, err := b.export.Import(context.Background(), bytes.NewReader([]byte("hello")), "")
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestExport_photoCarriesSyncedParentAndEvidence(t *testing.T) {
	ctx := context.Background()
	a := newDevice(t)
	parent := a.record(t, `{"inspection":"valve"}`)

	_, err := a.queue.MarkSyncing(ctx, parent.Operation.ID)
	require.NoError(t, err)
	_, err = a.queue.MarkCompleted(ctx, parent.Operation.ID)
	require.NoError(t, err)
	synced := parent.Record.Clone()
	synced.Synced = true
	synced.ServerID = "srv-1"
	synced.SyncedAt = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, a.store.PutRecord(ctx, synced))

	photo := []byte("\xff\xd8 jpeg bytes")
	attached, err := a.capture.AttachPhoto(ctx, capture.Photo{
		ParentID:    parent.Record.LocalID,
		Data:        photo,
		ContentType: "image/jpeg",
	})
	require.NoError(t, err)
	assert.Empty(t, attached.Operation.Dependencies)

	var bundle bytes.Buffer
	res, err := a.export.Export(ctx, &bundle, "")
	require.NoError(t, err)
	assert.False(t, res.Encrypted)
	assert.Equal(t, 2, res.RecordCount)
	assert.Equal(t, 1, res.OperationCount)
	assert.Equal(t, 1, res.EvidenceCount)

	b := newDevice(t)
	imported, err := b.export.Import(ctx, &bundle, "")
	require.NoError(t, err)
	assert.Equal(t, 1, imported.EvidenceImported)
	assert.True(t, b.evidence.Exists(storage.CalculateHash(photo)))

	gotParent, err := b.store.GetRecord(ctx, parent.Record.LocalID)
	require.NoError(t, err)
	assert.True(t, gotParent.Synced)
	assert.Equal(t, "srv-1", gotParent.ServerID)

	pending, err := b.queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, attached.Operation.ID, pending[0].ID)
}

func TestExport_failedOperationsGoOutPending(t *testing.T) {
	ctx := context.Background()
	a := newDevice(t)
	res := a.record(t, `{"hours":3}`)

	_, err := a.queue.MarkSyncing(ctx, res.Operation.ID)
	require.NoError(t, err)
	_, err = a.queue.MarkFailed(ctx, res.Operation.ID, errors.New(errors.ErrValidation, "HTTP 422"))
	require.NoError(t, err)

	var bundle bytes.Buffer
	_, err = a.export.Export(ctx, &bundle, "")
	require.NoError(t, err)

	b := newDevice(t)
	_, err = b.export.Import(ctx, &bundle, "")
	require.NoError(t, err)

	op, err := b.queue.Get(ctx, res.Operation.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OperationStatusPending, op.Status)
	assert.Zero(t, op.RetryCount)
	assert.Nil(t, op.LastError)
}
