// Package sync drains the operation queue against the remote server.
package sync

import (
	"context"

	"github.com/fieldops/fieldsync/internal/models"
)

// Runner runs sync passes. The offline coordinator depends on this rather
// than on *Processor so tests can script pass outcomes.
type Runner interface {
	// RunOnce drains every operation that can complete now and reports
	// the outcome. It fails with SYNC_IN_PROGRESS while another pass runs.
	RunOnce(ctx context.Context) (*models.SyncReport, error)

	// InProgress reports whether a pass is running.
	InProgress() bool
}

// EvidenceReader reads content-addressed photo evidence.
type EvidenceReader interface {
	Get(hash string) ([]byte, error)
}
