// Package export moves unsynced work between devices. A bundle holds the
// unsynced records, their unfinished operations and referenced photo
// evidence as a gzip tar, optionally sealed with a password. Importing a
// bundle queues the operations on the receiving device, which can then push
// them when it has a connection. Operation ids travel as idempotency keys,
// so a record pushed by both devices is applied once by the server.
package export

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/fieldops/fieldsync/internal/crypto"
	"github.com/fieldops/fieldsync/internal/db"
	"github.com/fieldops/fieldsync/internal/errors"
	"github.com/fieldops/fieldsync/internal/logging"
	"github.com/fieldops/fieldsync/internal/models"
	syncpkg "github.com/fieldops/fieldsync/internal/sync"
	"github.com/fieldops/fieldsync/internal/sync/queue"
)

// FormatVersion is written to every manifest.
const FormatVersion = 1

const (
	manifestName   = "manifest.json"
	recordsName    = "records.json"
	operationsName = "operations.json"
	evidenceDir    = "evidence"

	// sealedMagic prefixes password-protected bundles.
	sealedMagic = "FIELDSYNC-SEALED\n"

	maxEntryBytes = 64 << 20
)

// Manifest describes a bundle.
type Manifest struct {
	Version        int       `json:"version"`
	ExportedAt     time.Time `json:"exportedAt"`
	RecordCount    int       `json:"recordCount"`
	OperationCount int       `json:"operationCount"`
	EvidenceCount  int       `json:"evidenceCount"`
	// Checksum is the sha256 of records.json followed by operations.json.
	Checksum string `json:"checksum"`
}

// Result summarizes an export.
type Result struct {
	Manifest
	Encrypted bool
	SizeBytes int64
	Duration  time.Duration
}

// ImportResult summarizes an import.
type ImportResult struct {
	RecordsImported    int
	RecordsSkipped     int
	OperationsImported int
	OperationsSkipped  int
	EvidenceImported   int
	Duration           time.Duration
}

// Evidence is the slice of the evidence store a bundle needs.
type Evidence interface {
	Get(hash string) ([]byte, error)
	Put(data []byte) (string, error)
	Exists(hash string) bool
}

// Service exports and imports bundles.
type Service struct {
	store    *db.Store
	evidence Evidence
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithEvidence includes photo evidence in bundles.
func WithEvidence(e Evidence) Option {
	return func(s *Service) { s.evidence = e }
}

// WithClock overrides the manifest timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates an export service over the local store.
func New(store *db.Store, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type contents struct {
	records    []*models.DomainRecord
	operations []*models.Operation
	evidence   map[string][]byte
}

// Export writes a bundle of everything not yet confirmed by the server. A
// non-empty password seals the bundle.
func (s *Service) Export(ctx context.Context, w io.Writer, password string) (*Result, error) {
	started := time.Now()

	c, err := s.collect(ctx)
	if err != nil {
		return nil, err
	}

	recordsJSON, err := json.MarshalIndent(c.records, "", "  ")
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "encode records", err)
	}
	opsJSON, err := json.MarshalIndent(c.operations, "", "  ")
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "encode operations", err)
	}

	manifest := Manifest{
		Version:        FormatVersion,
		ExportedAt:     s.now().UTC(),
		RecordCount:    len(c.records),
		OperationCount: len(c.operations),
		EvidenceCount:  len(c.evidence),
		Checksum:       checksum(recordsJSON, opsJSON),
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "encode manifest", err)
	}

	var archive bytes.Buffer
	gz := gzip.NewWriter(&archive)
	tw := tar.NewWriter(gz)

	entries := []struct {
		name string
		data []byte
	}{
		{manifestName, manifestJSON},
		{recordsName, recordsJSON},
		{operationsName, opsJSON},
	}
	hashes := make([]string, 0, len(c.evidence))
	for hash := range c.evidence {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)
	for _, hash := range hashes {
		entries = append(entries, struct {
			name string
			data []byte
		}{path.Join(evidenceDir, hash), c.evidence[hash]})
	}

	for _, e := range entries {
		header := &tar.Header{
			Name:    e.name,
			Mode:    0600,
			Size:    int64(len(e.data)),
			ModTime: manifest.ExportedAt,
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, errors.Wrap(errors.ErrInternal, "write archive header", err)
		}
		if _, err := tw.Write(e.data); err != nil {
			return nil, errors.Wrap(errors.ErrInternal, "write archive entry", err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "close archive", err)
	}
	if err := gz.Close(); err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "close gzip stream", err)
	}

	out := archive.Bytes()
	if password != "" {
		sealed, err := crypto.Seal(out, password)
		if err != nil {
			return nil, errors.Wrap(errors.ErrInternal, "seal bundle", err)
		}
		out = []byte(sealedMagic + sealed)
	}

	n, err := w.Write(out)
	if err != nil {
		return nil, errors.Storage("write bundle", err)
	}

	result := &Result{
		Manifest:  manifest,
		Encrypted: password != "",
		SizeBytes: int64(n),
		Duration:  time.Since(started),
	}
	logging.Info("Bundle exported", map[string]interface{}{
		"records":    result.RecordCount,
		"operations": result.OperationCount,
		"evidence":   result.EvidenceCount,
		"encrypted":  result.Encrypted,
		"size_bytes": result.SizeBytes,
	})
	return result, nil
}

// collect gathers unsynced records, the parents they reference and every
// unfinished operation. Operations go out as fresh pending entries.
func (s *Service) collect(ctx context.Context) (*contents, error) {
	unsynced := false
	records, err := s.store.ListRecords(ctx, db.RecordFilter{Synced: &unsynced})
	if err != nil {
		return nil, err
	}

	included := make(map[models.UUID]bool, len(records))
	for _, r := range records {
		included[r.LocalID] = true
	}

	c := &contents{evidence: make(map[string][]byte)}
	for _, r := range records {
		fields := payloadFields(r.Payload)

		if parentID := stringField(fields, syncpkg.FieldParentLocalID); parentID != "" && !included[models.UUID(parentID)] {
			parent, err := s.store.GetRecord(ctx, models.UUID(parentID))
			switch {
			case err == nil:
				included[parent.LocalID] = true
				c.records = append(c.records, parent)
			case !errors.Is(err, errors.ErrNotFound):
				return nil, err
			}
		}

		if hash := stringField(fields, syncpkg.FieldEvidenceHash); hash != "" && s.evidence != nil {
			if _, ok := c.evidence[hash]; !ok {
				data, err := s.evidence.Get(hash)
				if err != nil {
					return nil, errors.Wrap(errors.CodeOf(err), fmt.Sprintf("read evidence of %s", r.LocalID), err)
				}
				c.evidence[hash] = data
			}
		}
		c.records = append(c.records, r)
	}

	ops, err := s.store.ListOperations(ctx, db.OperationFilter{
		Statuses: []models.OperationStatus{
			models.OperationStatusPending,
			models.OperationStatusSyncing,
			models.OperationStatusFailed,
		},
	})
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		c.operations = append(c.operations, fresh(op))
	}
	return c, nil
}

// Import reads a bundle and stores whatever is not already present. The
// whole import commits or rolls back together.
func (s *Service) Import(ctx context.Context, r io.Reader, password string) (*ImportResult, error) {
	started := time.Now()

	raw, err := io.ReadAll(io.LimitReader(r, 4*maxEntryBytes))
	if err != nil {
		return nil, errors.Storage("read bundle", err)
	}
	archive, err := unseal(raw, password)
	if err != nil {
		return nil, err
	}

	manifest, c, err := readArchive(archive)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{}
	for hash, data := range c.evidence {
		if s.evidence == nil {
			return nil, errors.New(errors.ErrInternal, "bundle carries evidence but no evidence store is configured")
		}
		if s.evidence.Exists(hash) {
			continue
		}
		got, err := s.evidence.Put(data)
		if err != nil {
			return nil, err
		}
		if got != hash {
			return nil, errors.Newf(errors.ErrValidation, "evidence %s does not match its content", hash)
		}
		result.EvidenceImported++
	}

	err = s.store.WithTx(ctx, func(tx *db.Store) error {
		for _, rec := range c.records {
			_, err := tx.GetRecord(ctx, rec.LocalID)
			if err == nil {
				result.RecordsSkipped++
				continue
			}
			if !errors.Is(err, errors.ErrNotFound) {
				return err
			}
			if err := tx.PutRecord(ctx, rec); err != nil {
				return err
			}
			result.RecordsImported++
		}

		q := queue.New(tx)
		sort.SliceStable(c.operations, func(i, j int) bool {
			return c.operations[i].CreatedAt.Before(c.operations[j].CreatedAt)
		})
		for _, op := range c.operations {
			_, err := tx.GetOperation(ctx, op.ID)
			if err == nil {
				result.OperationsSkipped++
				continue
			}
			if !errors.Is(err, errors.ErrNotFound) {
				return err
			}
			if _, err := tx.GetRecord(ctx, op.RecordID); err != nil {
				if errors.Is(err, errors.ErrNotFound) {
					return errors.Newf(errors.ErrValidation, "operation %s references missing record %s", op.ID, op.RecordID)
				}
				return err
			}
			op.Dependencies = knownDependencies(ctx, tx, op.Dependencies)
			if err := q.Enqueue(ctx, op); err != nil {
				return err
			}
			result.OperationsImported++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.Duration = time.Since(started)
	logging.Info("Bundle imported", map[string]interface{}{
		"exported_at":         manifest.ExportedAt,
		"records_imported":    result.RecordsImported,
		"records_skipped":     result.RecordsSkipped,
		"operations_imported": result.OperationsImported,
		"operations_skipped":  result.OperationsSkipped,
		"evidence_imported":   result.EvidenceImported,
	})
	return result, nil
}

// knownDependencies drops dependencies the receiving store has never seen.
// Those finished on the exporting device before the bundle was cut.
func knownDependencies(ctx context.Context, tx *db.Store, deps []models.UUID) []models.UUID {
	var kept []models.UUID
	for _, dep := range deps {
		if _, err := tx.GetOperation(ctx, dep); err == nil {
			kept = append(kept, dep)
		}
	}
	return kept
}

func unseal(raw []byte, password string) ([]byte, error) {
	if !bytes.HasPrefix(raw, []byte(sealedMagic)) {
		return raw, nil
	}
	if password == "" {
		return nil, errors.New(errors.ErrValidation, "bundle is sealed; a password is required")
	}
	archive, err := crypto.Open(strings.TrimSpace(string(raw[len(sealedMagic):])), password)
	if err != nil {
		return nil, errors.Wrap(errors.ErrValidation, "unseal bundle: wrong password or corrupted file", err)
	}
	return archive, nil
}

func readArchive(archive []byte) (*Manifest, *contents, error) {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, nil, errors.Wrap(errors.ErrValidation, "bundle is not a gzip archive", err)
	}
	defer gz.Close()

	var manifestJSON, recordsJSON, opsJSON []byte
	c := &contents{evidence: make(map[string][]byte)}

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, errors.Wrap(errors.ErrValidation, "read bundle archive", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxEntryBytes+1))
		if err != nil {
			return nil, nil, errors.Wrap(errors.ErrValidation, "read bundle entry "+header.Name, err)
		}
		if len(data) > maxEntryBytes {
			return nil, nil, errors.Newf(errors.ErrValidation, "bundle entry %s is too large", header.Name)
		}

		name := path.Clean(header.Name)
		switch {
		case name == manifestName:
			manifestJSON = data
		case name == recordsName:
			recordsJSON = data
		case name == operationsName:
			opsJSON = data
		case path.Dir(name) == evidenceDir:
			c.evidence[path.Base(name)] = data
		}
	}

	if manifestJSON == nil || recordsJSON == nil || opsJSON == nil {
		return nil, nil, errors.New(errors.ErrValidation, "bundle is missing its manifest or data files")
	}

	var manifest Manifest
	if err := json.Unmarshal(manifestJSON, &manifest); err != nil {
		return nil, nil, errors.Wrap(errors.ErrValidation, "decode manifest", err)
	}
	if manifest.Version != FormatVersion {
		return nil, nil, errors.Newf(errors.ErrValidation, "unsupported bundle version %d", manifest.Version)
	}
	if got := checksum(recordsJSON, opsJSON); got != manifest.Checksum {
		return nil, nil, errors.Newf(errors.ErrValidation, "bundle checksum mismatch: manifest %s, content %s", manifest.Checksum, got)
	}

	if err := json.Unmarshal(recordsJSON, &c.records); err != nil {
		return nil, nil, errors.Wrap(errors.ErrValidation, "decode records", err)
	}
	if err := json.Unmarshal(opsJSON, &c.operations); err != nil {
		return nil, nil, errors.Wrap(errors.ErrValidation, "decode operations", err)
	}
	return &manifest, c, nil
}

func checksum(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// fresh resets the delivery state of an operation for another device.
func fresh(op *models.Operation) *models.Operation {
	c := *op
	c.Status = models.OperationStatusPending
	c.RetryCount = 0
	c.NextAttemptAt = time.Time{}
	c.LastAttemptAt = time.Time{}
	c.LastError = nil
	c.CompletedAt = time.Time{}
	return &c
}

func payloadFields(payload json.RawMessage) map[string]json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil
	}
	return fields
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
