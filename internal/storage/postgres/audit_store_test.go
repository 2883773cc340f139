package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pet-image-pipeline/internal/pet"
)

func newMockAudit(t *testing.T) (pgxmock.PgxPoolIface, *AuditStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewAuditStore(mock)
	require.NoError(t, err)
	return mock, store
}

func TestAuditStoreCreateBatch(t *testing.T) {
	t.Parallel()

	mock, store := newMockAudit(t)
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO dispatch_history`).
		WithArgs("batch_1", 2, []string{"a", "b"}, "queued", now, "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.CreateBatch(context.Background(), pet.Batch{
		ID: "batch_1", PetCount: 2, PetIDs: []string{"a", "b"}, Status: pet.BatchQueued, CreatedAt: now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditStoreUpdateBatchStatusGuardsPredecessors(t *testing.T) {
	t.Parallel()

	mock, store := newMockAudit(t)
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`UPDATE dispatch_history`).
		WithArgs("failed", &now, "boom", "batch_1", []string{"dispatched", "queued"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`WHERE batch_id = \$4 AND status = ANY\(\$5\)`).
		WithArgs("completed", &now, "", "batch_2", []string{"dispatched"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ctx := context.Background()
	require.NoError(t, store.UpdateBatchStatus(ctx, "batch_1", pet.BatchFailed, now, "boom"))
	err := store.UpdateBatchStatus(ctx, "batch_2", pet.BatchCompleted, now, "")
	require.ErrorIs(t, err, pet.ErrInvalidTransition)
	err = store.UpdateBatchStatus(ctx, "batch_3", pet.BatchQueued, now, "")
	require.ErrorIs(t, err, pet.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditStoreRecordRows(t *testing.T) {
	t.Parallel()

	mock, store := newMockAudit(t)
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO dispatch_failures`).
		WithArgs("dispatch", "batch_1", "remote down", 3, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO dispatch_log`).
		WithArgs("p1", "crawl", 2, "dead_lettered", "boom", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ctx := context.Background()
	require.NoError(t, store.RecordFailure(ctx, pet.FailureEntry{
		Operation: "dispatch", BatchID: "batch_1", Error: "remote down", Attempts: 3, FailedAt: now,
	}))
	require.NoError(t, store.RecordMessage(ctx, pet.LogEntry{
		PetID: "p1", Action: pet.MessageCrawl, RetryCount: 2, Status: pet.LogDeadLettered, Error: "boom", ProcessedAt: now,
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditStoreListFailures(t *testing.T) {
	t.Parallel()

	mock, store := newMockAudit(t)
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM dispatch_failures\s+ORDER BY failed_at DESC`).
		WithArgs(5).
		WillReturnRows(mock.NewRows([]string{"operation", "batch_id", "error", "attempts", "failed_at"}).
			AddRow("dispatch", "batch_1", "boom", 3, now))

	got, err := store.ListFailures(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 3, got[0].Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}
