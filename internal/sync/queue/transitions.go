package queue

import "github.com/fieldops/fieldsync/internal/models"

var transitions = map[models.OperationStatus][]models.OperationStatus{
	models.OperationStatusPending: {models.OperationStatusSyncing},
	models.OperationStatusSyncing: {
		models.OperationStatusCompleted,
		models.OperationStatusPending,
		models.OperationStatusFailed,
	},
	// manual retry
	models.OperationStatusFailed: {models.OperationStatusPending},
}

// CanTransition reports whether an operation may move from one status to
// another.
func CanTransition(from, to models.OperationStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
