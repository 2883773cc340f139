package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pet-image-pipeline/internal/pet"
)

var petCols = []string{
	"id", "type", "name", "source_url", "has_jpeg", "has_webp",
	"screenshot_requested_at", "screenshot_completed_at", "image_checked_at",
	"created_at", "expires_at", "is_deleted", "deleted_at",
}

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *RecordStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewRecordStore(mock)
	require.NoError(t, err)
	return mock, store
}

func TestRecordStoreGet(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	created := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	requested := created.Add(time.Hour)
	var none *time.Time

	mock.ExpectQuery(`SELECT .* FROM pets WHERE id = \$1`).
		WithArgs("p1").
		WillReturnRows(mock.NewRows(petCols).AddRow(
			"p1", pet.TypeDog, "Rex", "https://shelter.example/rex", true, false,
			&requested, none, none, created, none, false, none,
		))

	rec, err := store.Get(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, "Rex", rec.Name)
	require.Equal(t, pet.TypeDog, rec.Type)
	require.Equal(t, requested, *rec.ScreenshotRequestedAt)
	require.Nil(t, rec.ScreenshotCompletedAt)
	require.Equal(t, pet.LifecycleRequested, rec.Lifecycle())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreGetNotFound(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectQuery(`FROM pets WHERE id = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, pet.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreListMissingImagesOrdersNewestFirst(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	var none *time.Time
	mock.ExpectQuery(`NOT has_jpeg OR NOT has_webp\)\s+ORDER BY created_at DESC\s+LIMIT \$1`).
		WithArgs(2).
		WillReturnRows(mock.NewRows(petCols).
			AddRow("b", pet.TypeCat, "", "u", false, false, none, none, none, now, none, false, none).
			AddRow("a", pet.TypeDog, "", "u", true, false, none, none, none, now.Add(-time.Hour), none, false, none))

	got, err := store.ListMissingImages(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "b", got[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreSetImageFlag(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`UPDATE pets SET has_webp = \$1, image_checked_at = \$2 WHERE id = \$3`).
		WithArgs(true, at, "p1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE pets SET has_jpeg`).
		WithArgs(false, at, "ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.SetImageFlag(context.Background(), "p1", pet.FormatWebP, true, at))
	err := store.SetImageFlag(context.Background(), "ghost", pet.FormatJPEG, false, at)
	require.ErrorIs(t, err, pet.ErrNotFound)
	require.Error(t, store.SetImageFlag(context.Background(), "p1", pet.Format("gif"), true, at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreMarkScreenshotCompletedKeepsFirstStamp(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`screenshot_completed_at = COALESCE\(screenshot_completed_at, \$1\)`).
		WithArgs(at, "p1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.MarkScreenshotCompleted(context.Background(), "p1", at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreMarkScreenshotRequestedKeepsCompletedRecords(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	at := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`CASE WHEN screenshot_completed_at IS NULL THEN \$1 ELSE screenshot_requested_at END`).
		WithArgs(at, "p1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.MarkScreenshotRequested(context.Background(), "p1", at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreImageCounts(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectQuery(`COUNT\(\*\) FILTER \(WHERE has_jpeg\)`).
		WillReturnRows(mock.NewRows([]string{"total", "jpeg", "webp", "both"}).
			AddRow(int64(10), int64(6), int64(4), int64(3)))

	total, jpeg, webp, both, err := store.ImageCounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int64{10, 6, 4, 3}, []int64{total, jpeg, webp, both})
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreExpirationStatements(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC)
	cutoff := now.Add(-14 * 24 * time.Hour)

	mock.ExpectExec(`DELETE FROM pets WHERE is_deleted AND deleted_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(`UPDATE pets SET is_deleted = TRUE, deleted_at = \$1`).
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 5))
	mock.ExpectExec(`SET expires_at = created_at \+ make_interval`).
		WithArgs(float64(30 * 24 * 60 * 60)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 7))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM pets WHERE NOT is_deleted AND expires_at >= \$1 AND expires_at < \$2`).
		WithArgs(now, now.Add(7*24*time.Hour)).
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(int64(3)))

	hard, err := store.HardDeleteBefore(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(2), hard)

	soft, err := store.SoftDeleteExpired(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(5), soft)

	filled, err := store.BackfillTTL(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(7), filled)

	upcoming, err := store.CountExpiringBetween(ctx, now, now.Add(7*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(3), upcoming)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS pets`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, Migrate(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewStoresRequireDB(t *testing.T) {
	t.Parallel()

	_, err := NewRecordStore(nil)
	require.Error(t, err)
	_, err = NewAuditStore(nil)
	require.Error(t, err)
	_, err = Connect(context.Background(), Config{})
	require.Error(t, err)
}
