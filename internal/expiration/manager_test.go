package expiration

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pet-image-pipeline/internal/pet"
	"github.com/JakeFAU/pet-image-pipeline/internal/storage/memory"
)

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("batch_%d", s.n), nil
}

// brokenCounts fails the count queries used by CleanupStats.
type brokenCounts struct {
	*memory.RecordStore
}

func (brokenCounts) CountExpired(context.Context, time.Time) (int64, error) {
	return 0, errors.New("db down")
}

func (brokenCounts) HardDeleteBefore(context.Context, time.Time) (int64, error) {
	return 0, errors.New("db down")
}

var t0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func newManager(store pet.RecordStore, clock *stepClock) (*Manager, *memory.BlobStore, *memory.AuditLog) {
	blobs := memory.NewBlobStore()
	audit := memory.NewAuditLog()
	return New(store, blobs, audit, &seqIDs{}, clock, nil, Config{}), blobs, audit
}

func TestTwoStageDeletionAfterGracePeriod(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &stepClock{now: t0}
	store := memory.NewRecordStore(
		pet.Record{ID: "old", Type: pet.TypeDog, CreatedAt: t0.Add(-40 * day), ExpiresAt: ptr(t0.Add(-time.Hour))},
		pet.Record{ID: "fresh", Type: pet.TypeCat, CreatedAt: t0, ExpiresAt: ptr(t0.Add(30 * day))},
	)
	m, _, _ := newManager(store, clock)

	res := m.DeleteExpiredPets(ctx)
	require.Empty(t, res.Errors)
	require.Equal(t, int64(1), res.SoftDeleted)
	require.Zero(t, res.HardDeleted)

	rec, err := store.Get(ctx, "old")
	require.NoError(t, err)
	require.True(t, rec.IsDeleted)
	require.Equal(t, t0, *rec.DeletedAt)
	require.Equal(t, pet.LifecycleSoftDeleted, rec.Lifecycle())

	clock.now = t0.Add(13 * day)
	require.Zero(t, m.DeleteExpiredPets(ctx).HardDeleted)

	clock.now = t0.Add(14 * day)
	require.Zero(t, m.DeleteExpiredPets(ctx).HardDeleted, "cutoff is exclusive")

	clock.now = t0.Add(14*day + time.Second)
	res = m.DeleteExpiredPets(ctx)
	require.Equal(t, int64(1), res.HardDeleted)
	_, err = store.Get(ctx, "old")
	require.ErrorIs(t, err, pet.ErrNotFound)

	_, err = store.Get(ctx, "fresh")
	require.NoError(t, err)
}

func TestExpiredPetImagesDerivesKeysAndSkipsBadRows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &stepClock{now: t0.Add(20 * day)}
	store := memory.NewRecordStore(
		pet.Record{ID: "a", Type: pet.TypeDog, IsDeleted: true, DeletedAt: ptr(t0)},
		pet.Record{ID: "b", Type: pet.Type("ferret"), IsDeleted: true, DeletedAt: ptr(t0)},
		pet.Record{ID: "c", Type: pet.TypeCat, IsDeleted: true, DeletedAt: ptr(t0.Add(19 * day))},
	)
	m, _, _ := newManager(store, clock)

	got, err := m.ExpiredPetImages(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, got.PetIDs)
	require.Equal(t, []string{"pets/dogs/a/original.jpg", "pets/dogs/a/optimized.webp"}, got.Keys)
	require.Len(t, got.Skipped, 1)
	require.Contains(t, got.Skipped[0], "ferret")
}

func TestBackfillDefaultTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewRecordStore(
		pet.Record{ID: "a", Type: pet.TypeDog, CreatedAt: t0},
		pet.Record{ID: "b", Type: pet.TypeDog, CreatedAt: t0, ExpiresAt: ptr(t0.Add(day))},
	)
	m, _, _ := newManager(store, &stepClock{now: t0})

	n, err := m.BackfillDefaultTTL(ctx, 30)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	rec, _ := store.Get(ctx, "a")
	require.Equal(t, t0.Add(30*day), *rec.ExpiresAt)
	rec, _ = store.Get(ctx, "b")
	require.Equal(t, t0.Add(day), *rec.ExpiresAt)

	_, err = m.BackfillDefaultTTL(ctx, 0)
	require.Error(t, err)
}

func TestCleanupStatsDegradesToZero(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := memory.NewRecordStore(
		pet.Record{ID: "a", Type: pet.TypeDog, ExpiresAt: ptr(t0.Add(-day))},
		pet.Record{ID: "b", Type: pet.TypeDog, ExpiresAt: ptr(t0.Add(3 * day))},
		pet.Record{ID: "c", Type: pet.TypeDog, IsDeleted: true, DeletedAt: ptr(t0)},
	)

	healthy, _, _ := newManager(base, &stepClock{now: t0})
	require.Equal(t, Stats{Total: 3, Expired: 1, Deleted: 1, ExpiringSoon: 1}, healthy.CleanupStats(ctx))

	degraded, _, _ := newManager(brokenCounts{base}, &stepClock{now: t0})
	require.Equal(t, Stats{Total: 3, Expired: 0, Deleted: 1, ExpiringSoon: 1}, degraded.CleanupStats(ctx))

	res := degraded.DeleteExpiredPets(ctx)
	require.Len(t, res.Errors, 1)
	require.Equal(t, int64(1), res.SoftDeleted)
}

func TestSweepPurgesImagesAndAudits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &stepClock{now: t0.Add(15 * day)}
	store := memory.NewRecordStore(
		pet.Record{ID: "gone", Type: pet.TypeCat, IsDeleted: true, DeletedAt: ptr(t0)},
		pet.Record{ID: "live", Type: pet.TypeDog, CreatedAt: t0},
	)
	m, blobs, audit := newManager(store, clock)
	require.NoError(t, blobs.Put(ctx, "pets/cats/gone/original.jpg", "image/jpeg", []byte("j")))
	require.NoError(t, blobs.Put(ctx, "pets/dogs/live/original.jpg", "image/jpeg", []byte("j")))

	res, err := m.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, "batch_1", res.BatchID)
	require.Equal(t, 2, res.ImagesPurged)
	require.Equal(t, int64(1), res.Delete.HardDeleted)
	require.Equal(t, []string{"pets/dogs/live/original.jpg"}, blobs.Keys())

	batch, ok := audit.Batch("batch_1")
	require.True(t, ok)
	require.Equal(t, pet.BatchCleanupCompleted, batch.Status)
	require.Equal(t, 1, batch.PetCount)
	require.NotNil(t, batch.CompletedAt)
}

func TestSweepPartialFailureIsReportedNotReturned(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := brokenCounts{memory.NewRecordStore()}
	m, _, audit := newManager(store, &stepClock{now: t0})

	res, err := m.Sweep(ctx)
	require.NoError(t, err, "soft delete still ran")
	require.True(t, res.Delete.HardDeleteFailed())
	require.False(t, res.Delete.SoftDeleteFailed())
	require.NotEmpty(t, res.Errors)
	batch, ok := audit.Batch(res.BatchID)
	require.True(t, ok)
	require.Equal(t, pet.BatchCleanupFailed, batch.Status)
	require.Contains(t, batch.Notes, "db down")
}

// deadStore fails both deletion stages.
type deadStore struct {
	*memory.RecordStore
}

func (deadStore) HardDeleteBefore(context.Context, time.Time) (int64, error) {
	return 0, errors.New("db down")
}

func (deadStore) SoftDeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, errors.New("db down")
}

func TestSweepFailsWhenNothingRan(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _, audit := newManager(deadStore{memory.NewRecordStore()}, &stepClock{now: t0})

	res, err := m.Sweep(ctx)
	require.ErrorContains(t, err, "db down")
	require.Zero(t, res.ImagesPurged)
	batch, ok := audit.Batch(res.BatchID)
	require.True(t, ok)
	require.Equal(t, pet.BatchCleanupFailed, batch.Status)
}
