package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/pet-image-pipeline/internal/pet"
)

const recordColumns = `id, type, name, source_url, has_jpeg, has_webp,
	screenshot_requested_at, screenshot_completed_at, image_checked_at,
	created_at, expires_at, is_deleted, deleted_at`

// RecordStore implements pet.RecordStore on the pets table.
type RecordStore struct {
	db DB
}

// NewRecordStore wraps an open pool.
func NewRecordStore(db DB) (*RecordStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &RecordStore{db: db}, nil
}

// Get loads one record by id.
func (s *RecordStore) Get(ctx context.Context, id string) (pet.Record, error) {
	row := s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM pets WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pet.Record{}, fmt.Errorf("get %s: %w", id, pet.ErrNotFound)
		}
		return pet.Record{}, fmt.Errorf("get pet %s: %w", id, err)
	}
	return rec, nil
}

// ListMissingImages selects live rows lacking a format, newest first.
func (s *RecordStore) ListMissingImages(ctx context.Context, limit int) ([]pet.Record, error) {
	return s.list(ctx, `SELECT `+recordColumns+` FROM pets
		WHERE NOT is_deleted AND (NOT has_jpeg OR NOT has_webp)
		ORDER BY created_at DESC
		LIMIT $1`, limitArg(limit))
}

// ListPendingScreenshots selects requested, uncompleted rows, oldest request first.
func (s *RecordStore) ListPendingScreenshots(ctx context.Context, limit int) ([]pet.Record, error) {
	return s.list(ctx, `SELECT `+recordColumns+` FROM pets
		WHERE NOT is_deleted
			AND screenshot_requested_at IS NOT NULL
			AND screenshot_completed_at IS NULL
		ORDER BY screenshot_requested_at ASC
		LIMIT $1`, limitArg(limit))
}

// SetImageFlag updates one format flag and stamps image_checked_at.
func (s *RecordStore) SetImageFlag(ctx context.Context, id string, format pet.Format, present bool, checkedAt time.Time) error {
	var column string
	switch format {
	case pet.FormatJPEG:
		column = "has_jpeg"
	case pet.FormatWebP:
		column = "has_webp"
	default:
		return fmt.Errorf("unknown image format %q", format)
	}
	query := fmt.Sprintf(`UPDATE pets SET %s = $1, image_checked_at = $2 WHERE id = $3`, column)
	return s.updateOne(ctx, "set image flag", id, query, present, checkedAt, id)
}

// MarkScreenshotRequested stamps screenshot_requested_at. A completed record
// keeps its original request time so requested never follows completed.
func (s *RecordStore) MarkScreenshotRequested(ctx context.Context, id string, at time.Time) error {
	return s.updateOne(ctx, "mark screenshot requested", id,
		`UPDATE pets SET screenshot_requested_at =
			CASE WHEN screenshot_completed_at IS NULL THEN $1 ELSE screenshot_requested_at END
		WHERE id = $2`, at, id)
}

// MarkScreenshotCompleted stamps completion once and sets has_jpeg.
func (s *RecordStore) MarkScreenshotCompleted(ctx context.Context, id string, at time.Time) error {
	return s.updateOne(ctx, "mark screenshot completed", id,
		`UPDATE pets SET
			screenshot_requested_at = COALESCE(screenshot_requested_at, $1),
			screenshot_completed_at = COALESCE(screenshot_completed_at, $1),
			has_jpeg = TRUE
		WHERE id = $2`, at, id)
}

// ImageCounts aggregates image coverage over live rows.
func (s *RecordStore) ImageCounts(ctx context.Context) (total, jpeg, webp, both int64, err error) {
	err = s.db.QueryRow(ctx, `SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE has_jpeg),
			COUNT(*) FILTER (WHERE has_webp),
			COUNT(*) FILTER (WHERE has_jpeg AND has_webp)
		FROM pets WHERE NOT is_deleted`).Scan(&total, &jpeg, &webp, &both)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("count images: %w", err)
	}
	return total, jpeg, webp, both, nil
}

// HardDeleteBefore purges soft-deleted rows older than cutoff.
func (s *RecordStore) HardDeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM pets WHERE is_deleted AND deleted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("hard delete pets: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SoftDeleteExpired hides rows whose expires_at has passed.
func (s *RecordStore) SoftDeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `UPDATE pets SET is_deleted = TRUE, deleted_at = $1
		WHERE NOT is_deleted AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("soft delete pets: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListHardDeleteCandidates returns rows HardDeleteBefore would purge.
func (s *RecordStore) ListHardDeleteCandidates(ctx context.Context, cutoff time.Time) ([]pet.Record, error) {
	return s.list(ctx, `SELECT `+recordColumns+` FROM pets
		WHERE is_deleted AND deleted_at < $1
		ORDER BY id`, cutoff)
}

// BackfillTTL sets expires_at for rows that have none.
func (s *RecordStore) BackfillTTL(ctx context.Context, ttl time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx, `UPDATE pets SET expires_at = created_at + make_interval(secs => $1)
		WHERE expires_at IS NULL`, ttl.Seconds())
	if err != nil {
		return 0, fmt.Errorf("backfill ttl: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountAll counts every row.
func (s *RecordStore) CountAll(ctx context.Context) (int64, error) {
	return s.count(ctx, "count pets", `SELECT COUNT(*) FROM pets`)
}

// CountExpired counts live rows past expiry.
func (s *RecordStore) CountExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.count(ctx, "count expired pets",
		`SELECT COUNT(*) FROM pets WHERE NOT is_deleted AND expires_at < $1`, now)
}

// CountDeleted counts soft-deleted rows.
func (s *RecordStore) CountDeleted(ctx context.Context) (int64, error) {
	return s.count(ctx, "count deleted pets", `SELECT COUNT(*) FROM pets WHERE is_deleted`)
}

// CountExpiringBetween counts live rows expiring in [from, to).
func (s *RecordStore) CountExpiringBetween(ctx context.Context, from, to time.Time) (int64, error) {
	return s.count(ctx, "count expiring pets",
		`SELECT COUNT(*) FROM pets WHERE NOT is_deleted AND expires_at >= $1 AND expires_at < $2`, from, to)
}

func (s *RecordStore) list(ctx context.Context, query string, args ...any) ([]pet.Record, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pets: %w", err)
	}
	defer rows.Close()

	var out []pet.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pet row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pet rows: %w", err)
	}
	return out, nil
}

func (s *RecordStore) updateOne(ctx context.Context, op, id, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", op, id, pet.ErrNotFound)
	}
	return nil
}

func (s *RecordStore) count(ctx context.Context, op, query string, args ...any) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

// limitArg maps non-positive limits to NULL, which Postgres reads as no limit.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (pet.Record, error) {
	var rec pet.Record
	err := row.Scan(
		&rec.ID,
		&rec.Type,
		&rec.Name,
		&rec.SourceURL,
		&rec.HasJPEG,
		&rec.HasWebP,
		&rec.ScreenshotRequestedAt,
		&rec.ScreenshotCompletedAt,
		&rec.ImageCheckedAt,
		&rec.CreatedAt,
		&rec.ExpiresAt,
		&rec.IsDeleted,
		&rec.DeletedAt,
	)
	return rec, err
}
