// Package expiration moves records through ACTIVE -> SOFT_DELETED ->
// HARD_DELETED. Soft deletion hides a record once expiresAt passes; hard
// deletion purges it after a grace period, together with its images.
package expiration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pet-image-pipeline/internal/metrics"
	"github.com/JakeFAU/pet-image-pipeline/internal/pet"
)

const day = 24 * time.Hour

// Config controls retention windows.
type Config struct {
	// GracePeriod is how long a soft-deleted record survives before purge.
	GracePeriod time.Duration
	// UpcomingWindow bounds the "expiring soon" statistic.
	UpcomingWindow time.Duration
}

// DefaultConfig keeps soft-deleted rows for 14 days and reports a 7 day horizon.
func DefaultConfig() Config {
	return Config{GracePeriod: 14 * day, UpcomingWindow: 7 * day}
}

// DeleteResult reports one DeleteExpiredPets pass.
type DeleteResult struct {
	HardDeleted int64    `json:"hardDeleted"`
	SoftDeleted int64    `json:"softDeleted"`
	Errors      []string `json:"errors,omitempty"`

	hardFailed bool
	softFailed bool
}

// HardDeleteFailed reports whether the purge of soft-deleted rows errored.
func (r DeleteResult) HardDeleteFailed() bool { return r.hardFailed }

// SoftDeleteFailed reports whether marking expired rows errored.
func (r DeleteResult) SoftDeleteFailed() bool { return r.softFailed }

// ImageCandidates lists storage keys belonging to rows about to be purged.
type ImageCandidates struct {
	PetIDs  []string `json:"petIds"`
	Keys    []string `json:"keys"`
	Skipped []string `json:"skipped,omitempty"`
}

// Stats summarises retention state. Failed counts read as zero.
type Stats struct {
	Total        int64 `json:"totalPets"`
	Expired      int64 `json:"expiredPets"`
	Deleted      int64 `json:"deletedPets"`
	ExpiringSoon int64 `json:"expiringSoon"`
}

// SweepResult reports a full cleanup run.
type SweepResult struct {
	BatchID      string       `json:"batchId"`
	ImagesPurged int          `json:"imagesPurged"`
	Delete       DeleteResult `json:"delete"`
	Errors       []string     `json:"errors,omitempty"`
}

// Manager runs the expiration lifecycle.
type Manager struct {
	records pet.RecordStore
	objects pet.ObjectStorage
	audit   pet.AuditLog
	ids     pet.IDGenerator
	clock   pet.Clock
	logger  *zap.Logger
	cfg     Config
}

// New builds a Manager.
func New(
	records pet.RecordStore,
	objects pet.ObjectStorage,
	audit pet.AuditLog,
	ids pet.IDGenerator,
	clock pet.Clock,
	logger *zap.Logger,
	cfg Config,
) *Manager {
	def := DefaultConfig()
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.UpcomingWindow <= 0 {
		cfg.UpcomingWindow = def.UpcomingWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		records: records,
		objects: objects,
		audit:   audit,
		ids:     ids,
		clock:   clock,
		logger:  logger.Named("expiration"),
		cfg:     cfg,
	}
}

func (m *Manager) cutoff(now time.Time) time.Time {
	return now.Add(-m.cfg.GracePeriod)
}

// DeleteExpiredPets purges soft-deleted rows past the grace period, then
// soft-deletes rows past expiry. Failures are collected, never returned.
func (m *Manager) DeleteExpiredPets(ctx context.Context) DeleteResult {
	now := m.clock.Now()
	var res DeleteResult

	hard, err := m.records.HardDeleteBefore(ctx, m.cutoff(now))
	if err != nil {
		res.hardFailed = true
		res.Errors = append(res.Errors, fmt.Sprintf("hard delete: %v", err))
		m.logger.Error("hard delete failed", zap.Error(err))
	} else {
		res.HardDeleted = hard
		metrics.ObserveExpiration("hard_deleted", hard)
	}

	soft, err := m.records.SoftDeleteExpired(ctx, now)
	if err != nil {
		res.softFailed = true
		res.Errors = append(res.Errors, fmt.Sprintf("soft delete: %v", err))
		m.logger.Error("soft delete failed", zap.Error(err))
	} else {
		res.SoftDeleted = soft
		metrics.ObserveExpiration("soft_deleted", soft)
	}

	m.logger.Info("expired pets processed",
		zap.Int64("hard_deleted", res.HardDeleted),
		zap.Int64("soft_deleted", res.SoftDeleted),
		zap.Int("errors", len(res.Errors)),
	)
	return res
}

// ExpiredPetImages returns the image keys of rows eligible for hard deletion.
// Rows whose keys cannot be derived are reported in Skipped.
func (m *Manager) ExpiredPetImages(ctx context.Context) (ImageCandidates, error) {
	rows, err := m.records.ListHardDeleteCandidates(ctx, m.cutoff(m.clock.Now()))
	if err != nil {
		return ImageCandidates{}, fmt.Errorf("list hard delete candidates: %w", err)
	}
	var out ImageCandidates
	for _, rec := range rows {
		if rec.ID == "" || !rec.Type.Valid() {
			out.Skipped = append(out.Skipped, fmt.Sprintf("%q: invalid type %q", rec.ID, rec.Type))
			continue
		}
		out.PetIDs = append(out.PetIDs, rec.ID)
		out.Keys = append(out.Keys, pet.ImageKeys(rec.Type, rec.ID)...)
	}
	return out, nil
}

// BackfillDefaultTTL sets expiresAt = createdAt + days for rows without one.
func (m *Manager) BackfillDefaultTTL(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("ttl days must be positive, got %d", days)
	}
	n, err := m.records.BackfillTTL(ctx, time.Duration(days)*day)
	if err != nil {
		return 0, fmt.Errorf("backfill ttl: %w", err)
	}
	m.logger.Info("ttl backfilled", zap.Int64("rows", n), zap.Int("days", days))
	return n, nil
}

// CleanupStats counts retention state. Each failed count degrades to zero.
func (m *Manager) CleanupStats(ctx context.Context) Stats {
	now := m.clock.Now()
	count := func(name string, fn func() (int64, error)) int64 {
		n, err := fn()
		if err != nil {
			m.logger.Warn("cleanup stat unavailable", zap.String("stat", name), zap.Error(err))
			return 0
		}
		return n
	}
	return Stats{
		Total: count("total", func() (int64, error) { return m.records.CountAll(ctx) }),
		Expired: count("expired", func() (int64, error) {
			return m.records.CountExpired(ctx, now)
		}),
		Deleted: count("deleted", func() (int64, error) { return m.records.CountDeleted(ctx) }),
		ExpiringSoon: count("expiring_soon", func() (int64, error) {
			return m.records.CountExpiringBetween(ctx, now, now.Add(m.cfg.UpcomingWindow))
		}),
	}
}

// Sweep purges images of rows about to be hard-deleted, runs
// DeleteExpiredPets, and records the run as a cleanup batch. Partial failures
// are reported in the result's Errors; an error is returned only when no stage
// made progress.
func (m *Manager) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	candidates, err := m.ExpiredPetImages(ctx)
	if err != nil {
		return res, err
	}

	batchID, err := m.ids.NewID()
	if err != nil {
		return res, fmt.Errorf("allocate cleanup batch id: %w", err)
	}
	res.BatchID = batchID
	m.auditCreate(ctx, pet.Batch{
		ID:        batchID,
		PetCount:  len(candidates.PetIDs),
		PetIDs:    candidates.PetIDs,
		Status:    pet.BatchQueued,
		CreatedAt: m.clock.Now(),
		Notes:     "cleanup sweep",
	})

	res.Errors = append(res.Errors, candidates.Skipped...)
	for _, key := range candidates.Keys {
		if err := m.objects.Delete(ctx, key); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("delete %s: %v", key, err))
			continue
		}
		res.ImagesPurged++
	}

	res.Delete = m.DeleteExpiredPets(ctx)
	res.Errors = append(res.Errors, res.Delete.Errors...)

	status := pet.BatchCleanupCompleted
	if len(res.Errors) > 0 {
		status = pet.BatchCleanupFailed
	}
	notes := fmt.Sprintf("images=%d hard=%d soft=%d", res.ImagesPurged, res.Delete.HardDeleted, res.Delete.SoftDeleted)
	if len(res.Errors) > 0 {
		notes += "; errors: " + strings.Join(res.Errors, "; ")
	}
	if err := m.audit.UpdateBatchStatus(ctx, batchID, status, m.clock.Now(), notes); err != nil {
		m.logger.Error("failed to close cleanup batch", zap.String("batch_id", batchID), zap.Error(err))
	}

	m.logger.Info("cleanup sweep finished",
		zap.String("batch_id", batchID),
		zap.Int("images_purged", res.ImagesPurged),
		zap.String("status", string(status)),
	)
	if res.ImagesPurged == 0 && res.Delete.HardDeleteFailed() && res.Delete.SoftDeleteFailed() {
		return res, errors.New(notes)
	}
	return res, nil
}

func (m *Manager) auditCreate(ctx context.Context, batch pet.Batch) {
	if err := m.audit.CreateBatch(ctx, batch); err != nil {
		m.logger.Error("failed to record cleanup batch", zap.String("batch_id", batch.ID), zap.Error(err))
	}
}
