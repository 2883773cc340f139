package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/pet-image-pipeline/internal/pet"
)

// AuditStore implements pet.AuditLog on the dispatch_* tables.
type AuditStore struct {
	db DB
}

// NewAuditStore wraps an open pool.
func NewAuditStore(db DB) (*AuditStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &AuditStore{db: db}, nil
}

// CreateBatch inserts a dispatch_history row.
func (s *AuditStore) CreateBatch(ctx context.Context, batch pet.Batch) error {
	petIDs := batch.PetIDs
	if petIDs == nil {
		petIDs = []string{}
	}
	_, err := s.db.Exec(ctx, `INSERT INTO dispatch_history
		(batch_id, pet_count, pet_ids, status, created_at, notes)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		batch.ID, batch.PetCount, petIDs, string(batch.Status), batch.CreatedAt, batch.Notes)
	if err != nil {
		return fmt.Errorf("insert batch %s: %w", batch.ID, err)
	}
	return nil
}

// UpdateBatchStatus moves a batch forward. The WHERE clause admits only
// legal predecessors, so terminal rows are never rewritten.
func (s *AuditStore) UpdateBatchStatus(
	ctx context.Context,
	batchID string,
	status pet.BatchStatus,
	at time.Time,
	notes string,
) error {
	from := pet.Predecessors(status)
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing moves to %s", pet.ErrInvalidTransition, status)
	}
	allowed := make([]string, 0, len(from))
	for _, st := range from {
		allowed = append(allowed, string(st))
	}
	var completedAt *time.Time
	if status.Terminal() {
		completedAt = &at
	}
	tag, err := s.db.Exec(ctx, `UPDATE dispatch_history
		SET status = $1,
			completed_at = COALESCE($2, completed_at),
			notes = CASE WHEN $3 = '' THEN notes ELSE $3 END
		WHERE batch_id = $4 AND status = ANY($5)`,
		string(status), completedAt, notes, batchID, allowed)
	if err != nil {
		return fmt.Errorf("update batch %s: %w", batchID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: batch %s cannot move to %s", pet.ErrInvalidTransition, batchID, status)
	}
	return nil
}

// RecordFailure appends to dispatch_failures.
func (s *AuditStore) RecordFailure(ctx context.Context, entry pet.FailureEntry) error {
	_, err := s.db.Exec(ctx, `INSERT INTO dispatch_failures
		(operation, batch_id, error, attempts, failed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.Operation, entry.BatchID, entry.Error, entry.Attempts, entry.FailedAt)
	if err != nil {
		return fmt.Errorf("insert dispatch failure: %w", err)
	}
	return nil
}

// RecordMessage appends to dispatch_log.
func (s *AuditStore) RecordMessage(ctx context.Context, entry pet.LogEntry) error {
	_, err := s.db.Exec(ctx, `INSERT INTO dispatch_log
		(pet_id, action, retry_count, status, error, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.PetID, string(entry.Action), entry.RetryCount, string(entry.Status), entry.Error, entry.ProcessedAt)
	if err != nil {
		return fmt.Errorf("insert dispatch log: %w", err)
	}
	return nil
}

// ListBatches returns the newest batches first.
func (s *AuditStore) ListBatches(ctx context.Context, limit int) ([]pet.Batch, error) {
	rows, err := s.db.Query(ctx, `SELECT batch_id, pet_count, pet_ids, status, created_at, completed_at, notes
		FROM dispatch_history
		ORDER BY created_at DESC
		LIMIT $1`, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []pet.Batch
	for rows.Next() {
		var b pet.Batch
		if err := rows.Scan(&b.ID, &b.PetCount, &b.PetIDs, &b.Status, &b.CreatedAt, &b.CompletedAt, &b.Notes); err != nil {
			return nil, fmt.Errorf("scan batch row: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch rows: %w", err)
	}
	return out, nil
}

// ListFailures returns the newest failures first.
func (s *AuditStore) ListFailures(ctx context.Context, limit int) ([]pet.FailureEntry, error) {
	rows, err := s.db.Query(ctx, `SELECT operation, batch_id, error, attempts, failed_at
		FROM dispatch_failures
		ORDER BY failed_at DESC
		LIMIT $1`, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	var out []pet.FailureEntry
	for rows.Next() {
		var f pet.FailureEntry
		if err := rows.Scan(&f.Operation, &f.BatchID, &f.Error, &f.Attempts, &f.FailedAt); err != nil {
			return nil, fmt.Errorf("scan failure row: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failure rows: %w", err)
	}
	return out, nil
}
