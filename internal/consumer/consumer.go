// Package consumer processes work messages delivered by the queue transport.
// Each delivery ends acknowledged, re-enqueued with a delay, or dead-lettered.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/pet-image-pipeline/internal/expiration"
	"github.com/JakeFAU/pet-image-pipeline/internal/metrics"
	"github.com/JakeFAU/pet-image-pipeline/internal/pet"
	"github.com/JakeFAU/pet-image-pipeline/internal/retry"
	"github.com/JakeFAU/pet-image-pipeline/internal/telemetry"
)

// Images marks screenshot requests on records.
type Images interface {
	MarkScreenshotRequested(ctx context.Context, id string) error
}

// Sweeper runs one expiration cleanup pass.
type Sweeper interface {
	Sweep(ctx context.Context) (expiration.SweepResult, error)
}

// Workers bundles the handlers invoked per message type.
type Workers struct {
	Screenshots pet.ScreenshotTrigger
	Images      Images
	Crawler     pet.Crawler
	Converter   pet.Converter
	Sweeper     Sweeper
}

// Consumer drives deliveries through their handlers.
type Consumer struct {
	transport pet.Transport
	audit     pet.AuditLog
	workers   Workers
	clock     pet.Clock
	logger    *zap.Logger
}

// New builds a Consumer.
func New(transport pet.Transport, audit pet.AuditLog, workers Workers, clock pet.Clock, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		transport: transport,
		audit:     audit,
		workers:   workers,
		clock:     clock,
		logger:    logger.Named("consumer"),
	}
}

// Run receives from the transport until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("queue consumer started")
	err := c.transport.Receive(ctx, c.HandleBatch)
	c.logger.Info("queue consumer stopped")
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive: %w", err)
	}
	return nil
}

// HandleBatch processes every delivery independently and waits for all of them.
func (c *Consumer) HandleBatch(ctx context.Context, deliveries []pet.Delivery) {
	var wg sync.WaitGroup
	for _, d := range deliveries {
		wg.Add(1)
		go func(d pet.Delivery) {
			defer wg.Done()
			c.Handle(ctx, d)
		}(d)
	}
	wg.Wait()
}

// Handle runs one delivery to a terminal transport action.
func (c *Consumer) Handle(ctx context.Context, d pet.Delivery) {
	metrics.IncActiveHandlers()
	defer metrics.DecActiveHandlers()

	msg := d.Message().WithDefaults()
	ctx, span := telemetry.Tracer("consumer").Start(ctx, "consumer.handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("message.id", msg.ID),
		attribute.String("message.type", string(msg.Type)),
		attribute.Int("message.retry_count", msg.RetryCount),
	)
	logger := c.logger.With(
		zap.String("message_id", msg.ID),
		zap.String("message_type", string(msg.Type)),
		zap.String("pet_id", msg.Payload.PetID()),
		zap.Int("retry_count", msg.RetryCount),
	)

	err := c.process(ctx, msg)
	if err == nil {
		if ackErr := d.Ack(ctx); ackErr != nil {
			logger.Warn("ack failed", zap.Error(ackErr))
		}
		c.record(ctx, logger, msg, msg.RetryCount, pet.LogCompleted, "")
		metrics.ObserveMessage(string(msg.Type), string(pet.LogCompleted))
		logger.Debug("message processed")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "handler failed")
	c.fail(ctx, logger, d, msg, err)
}

// process dispatches on the message type. Every known type has a case.
func (c *Consumer) process(ctx context.Context, msg pet.WorkMessage) error {
	switch msg.Type {
	case pet.MessageScreenshot:
		return c.screenshot(ctx, msg)
	case pet.MessageCrawl:
		return c.crawl(ctx, msg)
	case pet.MessageConvert:
		return c.convert(ctx, msg)
	case pet.MessageCleanup:
		return c.cleanup(ctx)
	default:
		return fmt.Errorf("%w: %q", pet.ErrUnknownMessageType, msg.Type)
	}
}

func (c *Consumer) screenshot(ctx context.Context, msg pet.WorkMessage) error {
	if c.workers.Screenshots == nil {
		return errors.New("screenshot worker not configured")
	}
	ref, err := firstRef(msg)
	if err != nil {
		return err
	}
	batchID := msg.Payload.BatchID
	if batchID == "" {
		batchID = msg.ID
	}
	if err := c.workers.Screenshots.TriggerScreenshots(ctx, batchID, []pet.Ref{ref}); err != nil {
		return fmt.Errorf("trigger screenshot %s: %w", ref.ID, err)
	}
	if c.workers.Images != nil {
		if err := c.workers.Images.MarkScreenshotRequested(ctx, ref.ID); err != nil {
			c.logger.Warn("failed to mark screenshot requested", zap.String("pet_id", ref.ID), zap.Error(err))
		}
	}
	return nil
}

func (c *Consumer) crawl(ctx context.Context, msg pet.WorkMessage) error {
	if c.workers.Crawler == nil {
		return errors.New("crawler not configured")
	}
	ref, err := firstRef(msg)
	if err != nil {
		return err
	}
	if err := c.workers.Crawler.Crawl(ctx, ref); err != nil {
		return fmt.Errorf("crawl %s: %w", ref.ID, err)
	}
	return nil
}

func (c *Consumer) convert(ctx context.Context, msg pet.WorkMessage) error {
	if c.workers.Converter == nil {
		return errors.New("converter not configured")
	}
	ref, err := firstRef(msg)
	if err != nil {
		return err
	}
	if err := c.workers.Converter.ConvertBatch(ctx, []string{ref.ID}); err != nil {
		return fmt.Errorf("convert %s: %w", ref.ID, err)
	}
	return nil
}

func (c *Consumer) cleanup(ctx context.Context) error {
	if c.workers.Sweeper == nil {
		return errors.New("expiration sweeper not configured")
	}
	if _, err := c.workers.Sweeper.Sweep(ctx); err != nil {
		return fmt.Errorf("cleanup sweep: %w", err)
	}
	return nil
}

func firstRef(msg pet.WorkMessage) (pet.Ref, error) {
	if len(msg.Payload.Pets) == 0 || msg.Payload.Pets[0].ID == "" {
		return pet.Ref{}, fmt.Errorf("%s message carries no pet", msg.Type)
	}
	return msg.Payload.Pets[0], nil
}

// fail re-enqueues the message with a capped delay or dead-letters it. The
// original delivery is acknowledged only after the follow-up write succeeds.
func (c *Consumer) fail(ctx context.Context, logger *zap.Logger, d pet.Delivery, msg pet.WorkMessage, cause error) {
	next := msg.RetryCount + 1
	if next < msg.MaxRetries && !errors.Is(cause, pet.ErrUnknownMessageType) {
		again := msg
		again.RetryCount = next
		delay := retry.QueueDelay(next)
		if err := c.transport.Publish(ctx, again, delay); err != nil {
			logger.Error("re-enqueue failed; returning delivery", zap.NamedError("cause", cause), zap.Error(err))
			c.nack(ctx, logger, d)
			return
		}
		if err := d.Ack(ctx); err != nil {
			logger.Warn("ack after re-enqueue failed", zap.Error(err))
		}
		c.record(ctx, logger, msg, next, pet.LogRetried, cause.Error())
		metrics.ObserveMessage(string(msg.Type), string(pet.LogRetried))
		logger.Warn("message re-enqueued", zap.Int("next_retry", next), zap.Duration("delay", delay), zap.Error(cause))
		return
	}

	dl := pet.DeadLetter{Message: msg, Error: cause.Error(), FailedAt: c.clock.Now()}
	if err := c.transport.PublishDeadLetter(ctx, dl); err != nil {
		logger.Error("dead-letter write failed; returning delivery", zap.NamedError("cause", cause), zap.Error(err))
		c.nack(ctx, logger, d)
		return
	}
	if err := d.Ack(ctx); err != nil {
		logger.Warn("ack after dead-letter failed", zap.Error(err))
	}
	c.record(ctx, logger, msg, msg.RetryCount, pet.LogDeadLettered, cause.Error())
	metrics.ObserveMessage(string(msg.Type), string(pet.LogDeadLettered))
	logger.Error("message dead-lettered", zap.Error(cause))
}

func (c *Consumer) nack(ctx context.Context, logger *zap.Logger, d pet.Delivery) {
	if err := d.Nack(ctx); err != nil {
		logger.Error("nack failed", zap.Error(err))
	}
	metrics.ObserveMessage(string(d.Message().Type), "nacked")
}

func (c *Consumer) record(ctx context.Context, logger *zap.Logger, msg pet.WorkMessage, retryCount int, status pet.LogStatus, errText string) {
	if c.audit == nil {
		return
	}
	err := c.audit.RecordMessage(ctx, pet.LogEntry{
		PetID:       msg.Payload.PetID(),
		Action:      msg.Type,
		RetryCount:  retryCount,
		Status:      status,
		Error:       errText,
		ProcessedAt: c.clock.Now(),
	})
	if err != nil {
		logger.Error("failed to write dispatch log", zap.Error(err))
	}
}
