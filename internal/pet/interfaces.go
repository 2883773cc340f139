package pet

import (
	"context"
	"time"
)

// RecordStore persists pet records. Every mutation is a single-row or
// single-statement update.
type RecordStore interface {
	Get(ctx context.Context, id string) (Record, error)
	ListMissingImages(ctx context.Context, limit int) ([]Record, error)
	ListPendingScreenshots(ctx context.Context, limit int) ([]Record, error)
	SetImageFlag(ctx context.Context, id string, format Format, present bool, checkedAt time.Time) error
	MarkScreenshotRequested(ctx context.Context, id string, at time.Time) error
	MarkScreenshotCompleted(ctx context.Context, id string, at time.Time) error
	ImageCounts(ctx context.Context) (total, jpeg, webp, both int64, err error)

	HardDeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	SoftDeleteExpired(ctx context.Context, now time.Time) (int64, error)
	ListHardDeleteCandidates(ctx context.Context, cutoff time.Time) ([]Record, error)
	BackfillTTL(ctx context.Context, ttl time.Duration) (int64, error)
	CountAll(ctx context.Context) (int64, error)
	CountExpired(ctx context.Context, now time.Time) (int64, error)
	CountDeleted(ctx context.Context) (int64, error)
	CountExpiringBetween(ctx context.Context, from, to time.Time) (int64, error)
}

// AuditLog writes the dispatch_history, dispatch_log and dispatch_failures trails.
type AuditLog interface {
	CreateBatch(ctx context.Context, batch Batch) error
	UpdateBatchStatus(ctx context.Context, batchID string, status BatchStatus, at time.Time, notes string) error
	RecordFailure(ctx context.Context, entry FailureEntry) error
	RecordMessage(ctx context.Context, entry LogEntry) error
	ListBatches(ctx context.Context, limit int) ([]Batch, error)
	ListFailures(ctx context.Context, limit int) ([]FailureEntry, error)
}

// ObjectStorage holds image blobs under canonical keys.
type ObjectStorage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key, contentType string, data []byte) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Delivery is one message handed over by a transport.
type Delivery interface {
	Message() WorkMessage
	// Ack removes the delivery from the transport.
	Ack(ctx context.Context) error
	// Nack returns the delivery to the transport for redelivery.
	Nack(ctx context.Context) error
}

// BatchHandler processes one batch of deliveries.
type BatchHandler func(ctx context.Context, deliveries []Delivery)

// Transport is an at-least-once channel with a paired dead-letter channel.
type Transport interface {
	Publish(ctx context.Context, msg WorkMessage, delay time.Duration) error
	PublishDeadLetter(ctx context.Context, dl DeadLetter) error
	// Receive blocks, invoking handler until ctx is done.
	Receive(ctx context.Context, handler BatchHandler) error
	Close() error
}

// ScreenshotTrigger starts screenshot capture for a batch of records.
type ScreenshotTrigger interface {
	TriggerScreenshots(ctx context.Context, batchID string, pets []Ref) error
}

// Crawler asks the external crawler to refresh one record.
type Crawler interface {
	Crawl(ctx context.Context, ref Ref) error
}

// Converter asks the conversion worker to produce JPEG/WebP images.
type Converter interface {
	ConvertBatch(ctx context.Context, petIDs []string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces opaque, time-ordered identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
