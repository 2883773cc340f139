package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/pet-image-pipeline/internal/pet"
)

// AuditLog records batches, message outcomes, and failures in memory.
type AuditLog struct {
	mu       sync.RWMutex
	order    []string
	batches  map[string]pet.Batch
	messages []pet.LogEntry
	failures []pet.FailureEntry
}

// NewAuditLog creates an empty AuditLog.
func NewAuditLog() *AuditLog {
	return &AuditLog{batches: make(map[string]pet.Batch)}
}

// CreateBatch stores a new batch row.
func (a *AuditLog) CreateBatch(_ context.Context, batch pet.Batch) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.batches[batch.ID]; exists {
		return fmt.Errorf("batch %s already exists", batch.ID)
	}
	batch.PetIDs = append([]string(nil), batch.PetIDs...)
	a.batches[batch.ID] = batch
	a.order = append(a.order, batch.ID)
	return nil
}

// UpdateBatchStatus applies a monotonic status transition.
func (a *AuditLog) UpdateBatchStatus(_ context.Context, batchID string, status pet.BatchStatus, at time.Time, notes string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	batch, ok := a.batches[batchID]
	if !ok {
		return fmt.Errorf("batch %s: %w", batchID, pet.ErrNotFound)
	}
	if err := pet.CheckTransition(batch.Status, status); err != nil {
		return err
	}
	batch.Status = status
	if status.Terminal() {
		batch.CompletedAt = &at
	}
	if notes != "" {
		batch.Notes = notes
	}
	a.batches[batchID] = batch
	return nil
}

// RecordFailure appends to the failure trail.
func (a *AuditLog) RecordFailure(_ context.Context, entry pet.FailureEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, entry)
	return nil
}

// RecordMessage appends to the message log.
func (a *AuditLog) RecordMessage(_ context.Context, entry pet.LogEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, entry)
	return nil
}

// ListBatches returns the most recent batches first.
func (a *AuditLog) ListBatches(_ context.Context, limit int) ([]pet.Batch, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]pet.Batch, 0, len(a.order))
	for i := len(a.order) - 1; i >= 0; i-- {
		out = append(out, a.batches[a.order[i]])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListFailures returns the most recent failures first.
func (a *AuditLog) ListFailures(_ context.Context, limit int) ([]pet.FailureEntry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]pet.FailureEntry, 0, len(a.failures))
	for i := len(a.failures) - 1; i >= 0; i-- {
		out = append(out, a.failures[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Batch returns one batch by id.
func (a *AuditLog) Batch(id string) (pet.Batch, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.batches[id]
	return b, ok
}

// Messages returns a copy of the message log.
func (a *AuditLog) Messages() []pet.LogEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]pet.LogEntry(nil), a.messages...)
}

// Failures returns a copy of the failure trail in insertion order.
func (a *AuditLog) Failures() []pet.FailureEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]pet.FailureEntry(nil), a.failures...)
}
