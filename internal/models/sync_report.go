package models

import "time"

// OperationError pairs a failed operation with its last error.
type OperationError struct {
	OperationID UUID   `json:"operationId"`
	Error       string `json:"error"`
}

// SyncReport is the ephemeral result of one sync pass.
type SyncReport struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Conflicts counts last-write-wins resolutions made during the pass.
	Conflicts int `json:"conflicts"`
	// Skipped counts pending operations left blocked by unfinished dependencies.
	Skipped    int              `json:"skipped"`
	Errors     []OperationError `json:"errors,omitempty"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt time.Time        `json:"finishedAt"`
}

// Duration returns the wall time of the pass.
func (r *SyncReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
