package pet

import (
	"fmt"
	"sort"
	"time"
)

// BatchStatus is the audit status of a dispatch or cleanup batch.
type BatchStatus string

// Batch status values persisted in dispatch_history.status.
const (
	BatchQueued           BatchStatus = "queued"
	BatchDispatched       BatchStatus = "dispatched"
	BatchCompleted        BatchStatus = "completed"
	BatchFailed           BatchStatus = "failed"
	BatchCleanupCompleted BatchStatus = "cleanup_completed"
	BatchCleanupFailed    BatchStatus = "cleanup_failed"
)

var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchQueued:     {BatchDispatched, BatchFailed, BatchCleanupCompleted, BatchCleanupFailed},
	BatchDispatched: {BatchCompleted, BatchFailed},
}

// Terminal reports whether no further transition is allowed.
func (s BatchStatus) Terminal() bool {
	return len(batchTransitions[s]) == 0
}

// CanTransition reports whether s may move to next.
func (s BatchStatus) CanTransition(next BatchStatus) bool {
	for _, allowed := range batchTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Predecessors lists the statuses from which next is reachable.
func Predecessors(next BatchStatus) []BatchStatus {
	var out []BatchStatus
	for from, tos := range batchTransitions {
		for _, to := range tos {
			if to == next {
				out = append(out, from)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CheckTransition returns ErrInvalidTransition when s cannot move to next.
func CheckTransition(from, next BatchStatus) error {
	if !from.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next)
	}
	return nil
}

// Batch is one row of dispatch_history.
type Batch struct {
	ID          string      `json:"batchId"`
	PetCount    int         `json:"petCount"`
	PetIDs      []string    `json:"petIds"`
	Status      BatchStatus `json:"status"`
	CreatedAt   time.Time   `json:"createdAt"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	Notes       string      `json:"notes,omitempty"`
}

// FailureEntry is one row of dispatch_failures.
type FailureEntry struct {
	Operation string    `json:"operation"`
	BatchID   string    `json:"batchId,omitempty"`
	Error     string    `json:"error"`
	Attempts  int       `json:"attempts"`
	FailedAt  time.Time `json:"failedAt"`
}

// LogStatus is the outcome recorded in dispatch_log.
type LogStatus string

// Outcomes of a processed work message.
const (
	LogCompleted    LogStatus = "completed"
	LogRetried      LogStatus = "retried"
	LogDeadLettered LogStatus = "dead_lettered"
)

// LogEntry is one row of dispatch_log, keyed by pet id and action.
type LogEntry struct {
	PetID       string      `json:"petId"`
	Action      MessageType `json:"action"`
	RetryCount  int         `json:"retryCount"`
	Status      LogStatus   `json:"status"`
	Error       string      `json:"error,omitempty"`
	ProcessedAt time.Time   `json:"processedAt"`
}
