// Package images reconciles cached image flags on pet records with the
// objects actually present in storage. Object storage is authoritative; flags
// are a cache that is only flipped after a successful write or delete.
package images

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

// Status reports where a record's images stand in storage.
type Status struct {
	PetID     string    `json:"petId"`
	Found     bool      `json:"found"`
	HasJPEG   bool      `json:"hasJpeg"`
	HasWebP   bool      `json:"hasWebp"`
	JPEGURL   string    `json:"jpegUrl,omitempty"`
	WebPURL   string    `json:"webpUrl,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Reconciler keeps pet records and image objects consistent.
type Reconciler struct {
	records       pet.RecordStore
	objects       pet.ObjectStorage
	clock         pet.Clock
	logger        *zap.Logger
	publicBaseURL string
}

// New builds a Reconciler. publicBaseURL prefixes object keys in returned URLs.
func New(records pet.RecordStore, objects pet.ObjectStorage, clock pet.Clock, logger *zap.Logger, publicBaseURL string) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		records:       records,
		objects:       objects,
		clock:         clock,
		logger:        logger.Named("images"),
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

// PublicURL returns the public location of key.
func (r *Reconciler) PublicURL(key string) string {
	if r.publicBaseURL == "" {
		return "/" + key
	}
	return r.publicBaseURL + "/" + key
}

// Status probes storage for both formats. Unknown ids yield Found=false.
func (r *Reconciler) Status(ctx context.Context, id string) (Status, error) {
	rec, found, err := r.lookup(ctx, id)
	if err != nil || !found {
		return Status{PetID: id, CheckedAt: r.clock.Now()}, err
	}
	return r.probe(ctx, rec)
}

func (r *Reconciler) lookup(ctx context.Context, id string) (pet.Record, bool, error) {
	rec, err := r.records.Get(ctx, id)
	switch {
	case errors.Is(err, pet.ErrNotFound):
		return pet.Record{}, false, nil
	case err != nil:
		return pet.Record{}, false, fmt.Errorf("load pet %s: %w", id, err)
	}
	return rec, true, nil
}

func (r *Reconciler) probe(ctx context.Context, rec pet.Record) (Status, error) {
	status := Status{PetID: rec.ID, Found: true, CheckedAt: r.clock.Now()}
	for _, format := range pet.AllFormats {
		key := pet.ImageKey(rec.Type, rec.ID, format)
		ok, err := r.objects.Exists(ctx, key)
		if err != nil {
			return status, fmt.Errorf("probe %s: %w", key, err)
		}
		if !ok {
			continue
		}
		switch format {
		case pet.FormatJPEG:
			status.HasJPEG, status.JPEGURL = true, r.PublicURL(key)
		case pet.FormatWebP:
			status.HasWebP, status.WebPURL = true, r.PublicURL(key)
		}
	}
	return status, nil
}

// Upload writes the object first and only then flips the record's flag.
func (r *Reconciler) Upload(ctx context.Context, id string, data []byte, format pet.Format) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("image data is empty")
	}
	rec, err := r.records.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("load pet %s: %w", id, err)
	}
	key := pet.ImageKey(rec.Type, rec.ID, format)
	if err := r.objects.Put(ctx, key, format.ContentType(), data); err != nil {
		return "", fmt.Errorf("store %s: %w", key, err)
	}
	if err := r.records.SetImageFlag(ctx, id, format, true, r.clock.Now()); err != nil {
		return "", fmt.Errorf("flag %s on %s: %w", format, id, err)
	}
	metrics.ObserveImageWrite(string(format), "put")
	r.logger.Info("image uploaded",
		zap.String("pet_id", id),
		zap.String("format", string(format)),
		zap.Int("bytes", len(data)),
	)
	return r.PublicURL(key), nil
}

// Delete removes the objects for formats (both when none are given) and clears their flags.
func (r *Reconciler) Delete(ctx context.Context, id string, formats ...pet.Format) error {
	if len(formats) == 0 {
		formats = pet.AllFormats
	}
	rec, err := r.records.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load pet %s: %w", id, err)
	}
	for _, format := range formats {
		key := pet.ImageKey(rec.Type, rec.ID, format)
		if err := r.objects.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		if err := r.records.SetImageFlag(ctx, id, format, false, r.clock.Now()); err != nil {
			return fmt.Errorf("clear %s on %s: %w", format, id, err)
		}
		metrics.ObserveImageWrite(string(format), "delete")
	}
	return nil
}

// Reconcile probes storage and sets any flag that storage proves should be true.
// Flags are never cleared here; only Delete clears them.
func (r *Reconciler) Reconcile(ctx context.Context, id string) (Status, error) {
	rec, found, err := r.lookup(ctx, id)
	if err != nil || !found {
		return Status{PetID: id, CheckedAt: r.clock.Now()}, err
	}
	status, err := r.probe(ctx, rec)
	if err != nil {
		return status, err
	}
	flips := map[pet.Format]bool{
		pet.FormatJPEG: status.HasJPEG && !rec.HasJPEG,
		pet.FormatWebP: status.HasWebP && !rec.HasWebP,
	}
	for _, format := range pet.AllFormats {
		if !flips[format] {
			continue
		}
		if err := r.records.SetImageFlag(ctx, id, format, true, status.CheckedAt); err != nil {
			return status, fmt.Errorf("flag %s on %s: %w", format, id, err)
		}
		r.logger.Info("image flag reconciled", zap.String("pet_id", id), zap.String("format", string(format)))
	}
	return status, nil
}

// Statistics summarises image coverage over live records.
func (r *Reconciler) Statistics(ctx context.Context) (pet.Stats, error) {
	total, jpeg, webp, both, err := r.records.ImageCounts(ctx)
	if err != nil {
		return pet.Stats{}, fmt.Errorf("image statistics: %w", err)
	}
	return pet.NewStats(total, jpeg, webp, both), nil
}

// FindRecordsWithoutImages lists live records missing a format, newest first.
func (r *Reconciler) FindRecordsWithoutImages(ctx context.Context, limit int) ([]pet.Record, error) {
	return r.records.ListMissingImages(ctx, limit)
}

// PendingScreenshots lists requested but uncompleted screenshots, oldest request first.
func (r *Reconciler) PendingScreenshots(ctx context.Context, limit int) ([]pet.Record, error) {
	return r.records.ListPendingScreenshots(ctx, limit)
}

// MarkScreenshotRequested stamps the request time.
func (r *Reconciler) MarkScreenshotRequested(ctx context.Context, id string) error {
	return r.records.MarkScreenshotRequested(ctx, id, r.clock.Now())
}

// MarkScreenshotCompleted stamps completion and sets hasJpeg. Repeat calls keep the first stamp.
func (r *Reconciler) MarkScreenshotCompleted(ctx context.Context, id string) error {
	return r.records.MarkScreenshotCompleted(ctx, id, r.clock.Now())
}
