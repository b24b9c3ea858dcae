// Package conflict provides unit tests for last-write-wins resolution.
package conflict

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/fieldops/fieldsync/internal/models"
)

var (
	t0       = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	resolved = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
)

func fixedResolver() *Resolver {
	return NewResolver(func() time.Time { return resolved })
}

func localVersion(updated time.Time) *models.DomainRecord {
	return &models.DomainRecord{
		LocalID:           "local-1",
		ServerID:          "srv-1",
		Kind:              "inspection",
		Payload:           json.RawMessage(`{"status":"local"}`),
		OrganizationScope: "org-1",
		CreatedAt:         t0,
		UpdatedAt:         updated,
		ServerUpdatedAt:   t0,
	}
}

func remoteVersion(updated time.Time) *models.DomainRecord {
	return &models.DomainRecord{
		ServerID:  "srv-1",
		Kind:      "inspection",
		Payload:   json.RawMessage(`{"status":"remote"}`),
		CreatedAt: t0,
		UpdatedAt: updated,
	}
}

// TestResolve_localNewer verifies the later local edit wins.
func TestResolve_localNewer(t *testing.T) {
	local := localVersion(t0.Add(2 * time.Minute))
	remote := remoteVersion(t0.Add(time.Minute))

	res, err := fixedResolver().Resolve(local, remote)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !res.LocalWins() {
		t.Fatalf("WinnerSide = %s, want local", res.WinnerSide)
	}
	if string(res.Winner.Payload) != `{"status":"local"}` {
		t.Errorf("Winner payload = %s", res.Winner.Payload)
	}
	if res.Audit.Winner != models.WinnerLocal {
		t.Errorf("Audit winner = %s", res.Audit.Winner)
	}
	if !res.Audit.ResolvedAt.Equal(resolved) {
		t.Errorf("ResolvedAt = %v, want %v", res.Audit.ResolvedAt, resolved)
	}
}

// TestResolve_remoteNewer verifies the remote version wins and keeps the
// local identity.
func TestResolve_remoteNewer(t *testing.T) {
	local := localVersion(t0.Add(time.Minute))
	remote := remoteVersion(t0.Add(2 * time.Minute))

	res, err := fixedResolver().Resolve(local, remote)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.LocalWins() {
		t.Fatal("expected remote to win")
	}
	if res.Winner.LocalID != "local-1" {
		t.Errorf("Winner LocalID = %s, want local-1", res.Winner.LocalID)
	}
	if res.Winner.OrganizationScope != "org-1" {
		t.Errorf("Winner scope = %q, want org-1", res.Winner.OrganizationScope)
	}
	if string(res.Winner.Payload) != `{"status":"remote"}` {
		t.Errorf("Winner payload = %s", res.Winner.Payload)
	}
}

// TestResolve_tieGoesRemote verifies equal timestamps favour the server.
func TestResolve_tieGoesRemote(t *testing.T) {
	ts := t0.Add(time.Minute)
	res, err := fixedResolver().Resolve(localVersion(ts), remoteVersion(ts))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.WinnerSide != models.WinnerRemote {
		t.Errorf("WinnerSide = %s, want remote", res.WinnerSide)
	}
}

// TestResolve_fallsBackToCreatedAt verifies never-edited versions compare
// by creation time.
func TestResolve_fallsBackToCreatedAt(t *testing.T) {
	local := localVersion(time.Time{})
	local.CreatedAt = t0.Add(time.Hour)
	remote := remoteVersion(t0.Add(time.Minute))

	res, err := fixedResolver().Resolve(local, remote)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !res.LocalWins() {
		t.Errorf("WinnerSide = %s, want local", res.WinnerSide)
	}
	if !res.Audit.LocalTimestamp.Equal(local.CreatedAt) {
		t.Errorf("LocalTimestamp = %v, want CreatedAt", res.Audit.LocalTimestamp)
	}
}

// TestResolve_deterministic verifies identical inputs yield identical
// decisions and inputs stay untouched.
func TestResolve_deterministic(t *testing.T) {
	local := localVersion(t0.Add(time.Minute))
	remote := remoteVersion(t0.Add(time.Minute))
	remote.LocalID = ""
	r := fixedResolver()

	first, err := r.Resolve(local, remote)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	second, err := r.Resolve(local, remote)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if first.WinnerSide != second.WinnerSide {
		t.Errorf("non-deterministic winner: %s vs %s", first.WinnerSide, second.WinnerSide)
	}
	if string(first.Audit.LocalVersion) != string(second.Audit.LocalVersion) ||
		string(first.Audit.RemoteVersion) != string(second.Audit.RemoteVersion) {
		t.Error("audit snapshots differ between identical resolutions")
	}
	if remote.LocalID != "" {
		t.Error("Resolve mutated the remote input")
	}
	first.Winner.Payload[0] = 'X'
	if string(remote.Payload) != `{"status":"remote"}` {
		t.Error("winner shares payload memory with the input")
	}
}

// TestResolve_auditSnapshots verifies both versions are captured.
func TestResolve_auditSnapshots(t *testing.T) {
	res, err := fixedResolver().Resolve(localVersion(t0), remoteVersion(t0.Add(time.Minute)))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	var snap models.DomainRecord
	if err := json.Unmarshal(res.Audit.LocalVersion, &snap); err != nil {
		t.Fatalf("local snapshot is not a record: %v", err)
	}
	if string(snap.Payload) != `{"status":"local"}` {
		t.Errorf("local snapshot payload = %s", snap.Payload)
	}
	if res.Audit.RecordID != "local-1" {
		t.Errorf("Audit RecordID = %s", res.Audit.RecordID)
	}
}

// TestResolve_nilInputs verifies the error path.
func TestResolve_nilInputs(t *testing.T) {
	r := fixedResolver()
	if _, err := r.Resolve(nil, remoteVersion(t0)); err != ErrInvalidConflict {
		t.Errorf("Resolve(nil, remote) error = %v", err)
	}
	if _, err := r.Resolve(localVersion(t0), nil); err != ErrInvalidConflict {
		t.Errorf("Resolve(local, nil) error = %v", err)
	}
}

// TestDetect covers divergence detection.
func TestDetect(t *testing.T) {
	r := fixedResolver()
	local := localVersion(t0.Add(time.Minute))

	tests := []struct {
		name   string
		remote *models.DomainRecord
		want   bool
	}{
		{"nil remote", nil, false},
		{"unchanged since last sync", remoteVersion(t0), false},
		{"changed with same payload", &models.DomainRecord{
			Payload: json.RawMessage(`{ "status" : "local" }`), UpdatedAt: t0.Add(time.Hour),
		}, false},
		{"changed with different payload", remoteVersion(t0.Add(time.Hour)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Detect(local, tt.remote); got != tt.want {
				t.Errorf("Detect() = %v, want %v", got, tt.want)
			}
		})
	}
}
