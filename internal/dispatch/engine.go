// Package dispatch selects records that still lack images, records the batch
// in the audit trail, and triggers the screenshot worker with bounded retries.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/pet-image-pipeline/internal/metrics"
	"github.com/JakeFAU/pet-image-pipeline/internal/pet"
	"github.com/JakeFAU/pet-image-pipeline/internal/retry"
	"github.com/JakeFAU/pet-image-pipeline/internal/telemetry"
)

// ErrInvalidLimit rejects limits outside [0, MaxLimit].
var ErrInvalidLimit = errors.New("invalid dispatch limit")

// Config sizes dispatch batches and the remote retry budget.
type Config struct {
	DefaultLimit   int
	ScheduledLimit int
	MaxLimit       int
	Retry          retry.Config
}

// DefaultConfig returns batches of 10 on demand and 50 on schedule.
func DefaultConfig() Config {
	return Config{
		DefaultLimit:   10,
		ScheduledLimit: 50,
		MaxLimit:       100,
		Retry:          retry.DefaultConfig(),
	}
}

// Images is the slice of the reconciler the engine needs.
type Images interface {
	FindRecordsWithoutImages(ctx context.Context, limit int) ([]pet.Record, error)
	MarkScreenshotRequested(ctx context.Context, id string) error
	MarkScreenshotCompleted(ctx context.Context, id string) error
}

// PetSummary identifies one dispatched record.
type PetSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Result describes one dispatch call.
type Result struct {
	Success bool         `json:"success"`
	BatchID string       `json:"batchId,omitempty"`
	Count   int          `json:"count"`
	Pets    []PetSummary `json:"pets"`
}

// Completion reports how a screenshot callback closed a batch.
type Completion struct {
	BatchID   string          `json:"batchId"`
	Status    pet.BatchStatus `json:"status"`
	Completed int             `json:"completed"`
	Failed    int             `json:"failed"`
	Errors    []string        `json:"errors,omitempty"`
}

// Engine runs dispatch batches.
type Engine struct {
	images  Images
	audit   pet.AuditLog
	trigger pet.ScreenshotTrigger
	retrier *retry.Retrier
	ids     pet.IDGenerator
	clock   pet.Clock
	logger  *zap.Logger
	cfg     Config
}

// New builds an Engine. A nil sleeper waits on real timers.
func New(
	images Images,
	audit pet.AuditLog,
	trigger pet.ScreenshotTrigger,
	ids pet.IDGenerator,
	clock pet.Clock,
	sleep retry.Sleeper,
	logger *zap.Logger,
	cfg Config,
) *Engine {
	def := DefaultConfig()
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.ScheduledLimit <= 0 {
		cfg.ScheduledLimit = def.ScheduledLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = def.MaxLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		images:  images,
		audit:   audit,
		trigger: trigger,
		retrier: retry.New(cfg.Retry, sleep),
		ids:     ids,
		clock:   clock,
		logger:  logger.Named("dispatch"),
		cfg:     cfg,
	}
}

// Config exposes the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// DispatchScheduled dispatches a batch of the scheduled size.
func (e *Engine) DispatchScheduled(ctx context.Context) (Result, error) {
	return e.DispatchBatch(ctx, e.cfg.ScheduledLimit)
}

// DispatchBatch selects up to limit records missing an image, newest first,
// and triggers screenshots for them. A zero limit uses DefaultLimit. When no
// record qualifies the result is a successful no-op without a batch row.
func (e *Engine) DispatchBatch(ctx context.Context, limit int) (Result, error) {
	if limit == 0 {
		limit = e.cfg.DefaultLimit
	}
	if limit < 0 || limit > e.cfg.MaxLimit {
		return Result{}, fmt.Errorf("%w: %d (max %d)", ErrInvalidLimit, limit, e.cfg.MaxLimit)
	}

	ctx, span := telemetry.Tracer("dispatch").Start(ctx, "dispatch.batch")
	defer span.End()
	span.SetAttributes(attribute.Int("dispatch.limit", limit))

	records, err := e.images.FindRecordsWithoutImages(ctx, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select records")
		return Result{}, fmt.Errorf("select records: %w", err)
	}
	if len(records) == 0 {
		e.logger.Info("no records awaiting images")
		metrics.ObserveDispatch("empty", 0)
		return Result{Success: true, Pets: []PetSummary{}}, nil
	}

	batchID, err := e.ids.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("allocate batch id: %w", err)
	}
	span.SetAttributes(attribute.String("batch.id", batchID), attribute.Int("batch.size", len(records)))
	logger := e.logger.With(zap.String("batch_id", batchID))

	ids := make([]string, 0, len(records))
	summaries := make([]PetSummary, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
		summaries = append(summaries, PetSummary{ID: rec.ID, Name: rec.Name})
	}

	// Audit writes outlive the caller so an abandoned request still leaves
	// the batch in a terminal state.
	auditCtx := context.WithoutCancel(ctx)
	if err := e.audit.CreateBatch(auditCtx, pet.Batch{
		ID:        batchID,
		PetCount:  len(records),
		PetIDs:    ids,
		Status:    pet.BatchQueued,
		CreatedAt: e.clock.Now(),
	}); err != nil {
		logger.Error("failed to record batch", zap.Error(err))
	}

	refs := pet.Refs(records)
	err = e.retrier.Do(ctx, func(ctx context.Context) error {
		return e.trigger.TriggerScreenshots(ctx, batchID, refs)
	}, func(err error, attempts int) {
		e.recordFailure(auditCtx, batchID, err, attempts)
	})
	if err != nil {
		logger.Error("screenshot dispatch failed", zap.Int("pets", len(records)), zap.Error(err))
		e.closeBatch(auditCtx, logger, batchID, pet.BatchFailed, err.Error())
		metrics.ObserveDispatch("failed", len(records))
		span.RecordError(err)
		span.SetStatus(codes.Error, "trigger screenshots")
		return Result{BatchID: batchID, Count: len(records), Pets: summaries}, fmt.Errorf("dispatch batch %s: %w", batchID, err)
	}

	e.closeBatch(auditCtx, logger, batchID, pet.BatchDispatched, "")
	for _, id := range ids {
		if err := e.images.MarkScreenshotRequested(auditCtx, id); err != nil {
			logger.Warn("failed to mark screenshot requested", zap.String("pet_id", id), zap.Error(err))
		}
	}
	metrics.ObserveDispatch("dispatched", len(records))
	logger.Info("batch dispatched", zap.Int("pets", len(records)))

	return Result{Success: true, BatchID: batchID, Count: len(records), Pets: summaries}, nil
}

// CompleteBatch applies the screenshot worker's callback. Completed records are
// stamped; the batch becomes completed unless nothing completed and some failed.
func (e *Engine) CompleteBatch(ctx context.Context, batchID string, completed, failed []string) (Completion, error) {
	if strings.TrimSpace(batchID) == "" {
		return Completion{}, errors.New("batch id is required")
	}
	logger := e.logger.With(zap.String("batch_id", batchID))
	out := Completion{BatchID: batchID, Status: pet.BatchCompleted, Failed: len(failed)}

	for _, id := range completed {
		if err := e.images.MarkScreenshotCompleted(ctx, id); err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", id, err))
			logger.Warn("failed to mark screenshot completed", zap.String("pet_id", id), zap.Error(err))
			continue
		}
		out.Completed++
	}
	if out.Completed == 0 && len(failed) > 0 {
		out.Status = pet.BatchFailed
	}

	notes := fmt.Sprintf("completed=%d failed=%d", out.Completed, out.Failed)
	if len(failed) > 0 {
		notes += " failed_ids=" + strings.Join(failed, ",")
	}
	if err := e.audit.UpdateBatchStatus(ctx, batchID, out.Status, e.clock.Now(), notes); err != nil {
		return out, fmt.Errorf("close batch %s: %w", batchID, err)
	}
	logger.Info("batch closed by callback",
		zap.String("status", string(out.Status)),
		zap.Int("completed", out.Completed),
		zap.Int("failed", out.Failed),
	)
	return out, nil
}

func (e *Engine) recordFailure(ctx context.Context, batchID string, cause error, attempts int) {
	err := e.audit.RecordFailure(ctx, pet.FailureEntry{
		Operation: "dispatch",
		BatchID:   batchID,
		Error:     cause.Error(),
		Attempts:  attempts,
		FailedAt:  e.clock.Now(),
	})
	if err != nil {
		e.logger.Error("failed to record dispatch failure", zap.String("batch_id", batchID), zap.Error(err))
	}
}

func (e *Engine) closeBatch(ctx context.Context, logger *zap.Logger, batchID string, status pet.BatchStatus, notes string) {
	if err := e.audit.UpdateBatchStatus(ctx, batchID, status, e.clock.Now(), notes); err != nil {
		logger.Error("failed to update batch status", zap.String("status", string(status)), zap.Error(err))
	}
}
