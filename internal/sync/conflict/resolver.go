// Package conflict resolves divergent versions of a DomainRecord using last
// write wins. Every decision yields an audit entry; nothing is merged.
package conflict

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"time"

	"github.com/fieldops/fieldsync/internal/logging"
	"github.com/fieldops/fieldsync/internal/models"
)

// Resolver applies last-write-wins to a local/remote pair.
type Resolver struct {
	now func() time.Time
}

// NewResolver creates a Resolver. A nil clock uses time.Now.
func NewResolver(now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{now: now}
}

// Resolution is the outcome of a conflict.
type Resolution struct {
	// Winner is the version to keep, carrying the local identity.
	Winner *models.DomainRecord
	// WinnerSide is models.WinnerLocal or models.WinnerRemote.
	WinnerSide string
	Audit      *models.ConflictLog
}

// LocalWins reports whether the local version was kept.
func (r *Resolution) LocalWins() bool {
	return r.WinnerSide == models.WinnerLocal
}

// Resolve picks the version with the later effective timestamp (UpdatedAt,
// else CreatedAt). Equal timestamps go to the remote version. Inputs are
// never modified.
func (r *Resolver) Resolve(local, remote *models.DomainRecord) (*Resolution, error) {
	if local == nil || remote == nil {
		return nil, ErrInvalidConflict
	}

	localTS := local.EffectiveTimestamp()
	remoteTS := remote.EffectiveTimestamp()

	localSnap, err := json.Marshal(local)
	if err != nil {
		return nil, &ConflictError{Message: "snapshot local version: " + err.Error()}
	}
	remoteSnap, err := json.Marshal(remote)
	if err != nil {
		return nil, &ConflictError{Message: "snapshot remote version: " + err.Error()}
	}

	var winner *models.DomainRecord
	side := models.WinnerRemote
	if localTS.After(remoteTS) {
		side = models.WinnerLocal
		winner = local.Clone()
	} else {
		winner = remote.Clone()
		winner.LocalID = local.LocalID
		winner.OrganizationScope = local.OrganizationScope
		winner.CreatedAt = local.CreatedAt
		if winner.Kind == "" {
			winner.Kind = local.Kind
		}
	}
	if winner.ServerID == "" {
		winner.ServerID = remote.ServerID
	}

	audit := &models.ConflictLog{
		RecordID:        local.LocalID,
		LocalVersion:    localSnap,
		RemoteVersion:   remoteSnap,
		LocalTimestamp:  localTS,
		RemoteTimestamp: remoteTS,
		Winner:          side,
		ResolvedAt:      r.now().UTC(),
	}

	logging.Info("Conflict resolved using last-write-wins",
		map[string]interface{}{
			"record_id":        local.LocalID,
			"server_id":        winner.ServerID,
			"winner_side":      side,
			"local_timestamp":  localTS,
			"remote_timestamp": remoteTS,
		})

	return &Resolution{Winner: winner, WinnerSide: side, Audit: audit}, nil
}

// Detect reports whether remote diverged from what the local record last
// synced: the remote changed since ServerUpdatedAt and its payload differs.
func (r *Resolver) Detect(local, remote *models.DomainRecord) bool {
	if local == nil || remote == nil {
		return false
	}
	if remote.EffectiveTimestamp().Equal(local.ServerUpdatedAt) {
		return false
	}
	if payloadHash(local.Payload) == payloadHash(remote.Payload) {
		return false
	}

	logging.Warn("Concurrent edit conflict detected",
		map[string]interface{}{
			"record_id":         local.LocalID,
			"server_id":         remote.ServerID,
			"local_timestamp":   local.EffectiveTimestamp(),
			"remote_timestamp":  remote.EffectiveTimestamp(),
			"server_updated_at": local.ServerUpdatedAt,
		})
	return true
}

// payloadHash hashes the compacted JSON so whitespace differences do not
// count as divergence.
func payloadHash(payload json.RawMessage) [sha256.Size]byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return sha256.Sum256(payload)
	}
	return sha256.Sum256(buf.Bytes())
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: both versions must be non-nil"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}
