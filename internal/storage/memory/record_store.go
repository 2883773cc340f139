package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/pet-image-pipeline/internal/pet"
)

// RecordStore keeps pet records in memory with the same query semantics as
// the Postgres store.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]pet.Record
}

// NewRecordStore constructs a RecordStore seeded with records.
func NewRecordStore(records ...pet.Record) *RecordStore {
	s := &RecordStore{records: make(map[string]pet.Record, len(records))}
	for _, r := range records {
		s.records[r.ID] = r
	}
	return s
}

// Upsert inserts or replaces a record, mirroring crawl ingestion.
func (s *RecordStore) Upsert(_ context.Context, r pet.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r
	return nil
}

// Get returns the record or pet.ErrNotFound.
func (s *RecordStore) Get(_ context.Context, id string) (pet.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return pet.Record{}, fmt.Errorf("get %s: %w", id, pet.ErrNotFound)
	}
	return r, nil
}

// ListMissingImages returns live records lacking JPEG or WebP, newest first.
func (s *RecordStore) ListMissingImages(_ context.Context, limit int) ([]pet.Record, error) {
	out := s.filter(func(r pet.Record) bool { return !r.IsDeleted && r.MissingImages() })
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

// ListPendingScreenshots returns requested but uncompleted screenshots, oldest request first.
func (s *RecordStore) ListPendingScreenshots(_ context.Context, limit int) ([]pet.Record, error) {
	out := s.filter(func(r pet.Record) bool {
		return !r.IsDeleted && r.ScreenshotRequestedAt != nil && r.ScreenshotCompletedAt == nil
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ScreenshotRequestedAt.Before(*out[j].ScreenshotRequestedAt)
	})
	return truncate(out, limit), nil
}

// SetImageFlag sets the format flag and imageCheckedAt.
func (s *RecordStore) SetImageFlag(_ context.Context, id string, format pet.Format, present bool, checkedAt time.Time) error {
	return s.mutate(id, func(r *pet.Record) {
		switch format {
		case pet.FormatJPEG:
			r.HasJPEG = present
		case pet.FormatWebP:
			r.HasWebP = present
		}
		r.ImageCheckedAt = timePtr(checkedAt)
	})
}

// MarkScreenshotRequested stamps screenshotRequestedAt unless the screenshot
// already completed.
func (s *RecordStore) MarkScreenshotRequested(_ context.Context, id string, at time.Time) error {
	return s.mutate(id, func(r *pet.Record) {
		if r.ScreenshotCompletedAt == nil {
			r.ScreenshotRequestedAt = timePtr(at)
		}
	})
}

// MarkScreenshotCompleted stamps completion and sets hasJpeg. A missing
// request timestamp is backfilled so the record stays valid.
func (s *RecordStore) MarkScreenshotCompleted(_ context.Context, id string, at time.Time) error {
	return s.mutate(id, func(r *pet.Record) {
		if r.ScreenshotRequestedAt == nil {
			r.ScreenshotRequestedAt = timePtr(at)
		}
		if r.ScreenshotCompletedAt == nil {
			r.ScreenshotCompletedAt = timePtr(at)
		}
		r.HasJPEG = true
	})
}

// ImageCounts returns total, jpeg, webp, and both counts over live records.
func (s *RecordStore) ImageCounts(_ context.Context) (total, jpeg, webp, both int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.IsDeleted {
			continue
		}
		total++
		if r.HasJPEG {
			jpeg++
		}
		if r.HasWebP {
			webp++
		}
		if r.HasJPEG && r.HasWebP {
			both++
		}
	}
	return total, jpeg, webp, both, nil
}

// HardDeleteBefore removes soft-deleted rows whose deletedAt precedes cutoff.
func (s *RecordStore) HardDeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.records {
		if r.IsDeleted && r.DeletedAt != nil && r.DeletedAt.Before(cutoff) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// SoftDeleteExpired hides live rows whose expiresAt precedes now.
func (s *RecordStore) SoftDeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.records {
		if !r.IsDeleted && r.ExpiresAt != nil && r.ExpiresAt.Before(now) {
			r.IsDeleted = true
			r.DeletedAt = timePtr(now)
			s.records[id] = r
			n++
		}
	}
	return n, nil
}

// ListHardDeleteCandidates returns the rows HardDeleteBefore would remove.
func (s *RecordStore) ListHardDeleteCandidates(_ context.Context, cutoff time.Time) ([]pet.Record, error) {
	out := s.filter(func(r pet.Record) bool {
		return r.IsDeleted && r.DeletedAt != nil && r.DeletedAt.Before(cutoff)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// BackfillTTL sets expiresAt = createdAt + ttl where expiresAt is unset.
func (s *RecordStore) BackfillTTL(_ context.Context, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.records {
		if r.ExpiresAt != nil {
			continue
		}
		r.ExpiresAt = timePtr(r.CreatedAt.Add(ttl))
		s.records[id] = r
		n++
	}
	return n, nil
}

// CountAll counts every row, deleted or not.
func (s *RecordStore) CountAll(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)), nil
}

// CountExpired counts live rows past their expiry.
func (s *RecordStore) CountExpired(_ context.Context, now time.Time) (int64, error) {
	return s.count(func(r pet.Record) bool {
		return !r.IsDeleted && r.ExpiresAt != nil && r.ExpiresAt.Before(now)
	}), nil
}

// CountDeleted counts soft-deleted rows.
func (s *RecordStore) CountDeleted(_ context.Context) (int64, error) {
	return s.count(func(r pet.Record) bool { return r.IsDeleted }), nil
}

// CountExpiringBetween counts live rows expiring in [from, to).
func (s *RecordStore) CountExpiringBetween(_ context.Context, from, to time.Time) (int64, error) {
	return s.count(func(r pet.Record) bool {
		return !r.IsDeleted && r.ExpiresAt != nil && !r.ExpiresAt.Before(from) && r.ExpiresAt.Before(to)
	}), nil
}

func (s *RecordStore) mutate(id string, fn func(*pet.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("update %s: %w", id, pet.ErrNotFound)
	}
	fn(&r)
	s.records[id] = r
	return nil
}

func (s *RecordStore) filter(keep func(pet.Record) bool) []pet.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pet.Record
	for _, r := range s.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func (s *RecordStore) count(keep func(pet.Record) bool) int64 {
	return int64(len(s.filter(keep)))
}

func truncate(records []pet.Record, limit int) []pet.Record {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}

func timePtr(t time.Time) *time.Time {
	return &t
}
