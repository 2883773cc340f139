// Package pet defines the records, messages, and audit types shared by the
// dispatch, queue, image, and expiration subsystems.
package pet

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across subsystems.
var (
	ErrNotFound           = errors.New("pet record not found")
	ErrInvalidTransition  = errors.New("invalid batch status transition")
	ErrUnknownMessageType = errors.New("unknown work message type")
	ErrInvalidRecord      = errors.New("invalid pet record")
)

// Type is the species of a listed pet.
type Type string

// Supported pet types.
const (
	TypeDog Type = "dog"
	TypeCat Type = "cat"
)

// Valid reports whether t is a known pet type.
func (t Type) Valid() bool {
	return t == TypeDog || t == TypeCat
}

// ParseType converts raw input into a Type.
func ParseType(raw string) (Type, error) {
	t := Type(raw)
	if !t.Valid() {
		return "", fmt.Errorf("unknown pet type %q", raw)
	}
	return t, nil
}

// Record is one pet awaiting adoption together with its image and lifecycle state.
type Record struct {
	ID                    string     `json:"id"`
	Type                  Type       `json:"type"`
	Name                  string     `json:"name"`
	SourceURL             string     `json:"sourceUrl"`
	HasJPEG               bool       `json:"hasJpeg"`
	HasWebP               bool       `json:"hasWebp"`
	ScreenshotRequestedAt *time.Time `json:"screenshotRequestedAt,omitempty"`
	ScreenshotCompletedAt *time.Time `json:"screenshotCompletedAt,omitempty"`
	ImageCheckedAt        *time.Time `json:"imageCheckedAt,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	ExpiresAt             *time.Time `json:"expiresAt,omitempty"`
	IsDeleted             bool       `json:"isDeleted"`
	DeletedAt             *time.Time `json:"deletedAt,omitempty"`
}

// MissingImages reports whether at least one image format is still absent.
func (r Record) MissingImages() bool {
	return !r.HasJPEG || !r.HasWebP
}

// Ref is the subset of a record sent to remote workers.
type Ref struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	SourceURL string `json:"sourceUrl"`
	Type      Type   `json:"type"`
}

// Ref projects the record onto the worker payload shape.
func (r Record) Ref() Ref {
	return Ref{ID: r.ID, Name: r.Name, SourceURL: r.SourceURL, Type: r.Type}
}

// Refs projects a slice of records.
func Refs(records []Record) []Ref {
	out := make([]Ref, 0, len(records))
	for _, r := range records {
		out = append(out, r.Ref())
	}
	return out
}

// Format identifies a stored image encoding.
type Format string

// Stored image formats.
const (
	FormatJPEG Format = "jpeg"
	FormatWebP Format = "webp"
)

// AllFormats lists every stored format in a stable order.
var AllFormats = []Format{FormatJPEG, FormatWebP}

// ParseFormat accepts "jpeg", "jpg", and "webp".
func ParseFormat(raw string) (Format, error) {
	switch raw {
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "webp":
		return FormatWebP, nil
	default:
		return "", fmt.Errorf("unknown image format %q", raw)
	}
}

// ContentType returns the MIME type used when writing objects of this format.
func (f Format) ContentType() string {
	if f == FormatWebP {
		return "image/webp"
	}
	return "image/jpeg"
}

func (f Format) fileName() string {
	if f == FormatWebP {
		return "optimized.webp"
	}
	return "original.jpg"
}

// ImageKey returns the canonical object key, e.g. pets/dogs/<id>/original.jpg.
func ImageKey(t Type, id string, f Format) string {
	return fmt.Sprintf("pets/%ss/%s/%s", t, id, f.fileName())
}

// ImageKeys returns the keys of every format for one record.
func ImageKeys(t Type, id string) []string {
	keys := make([]string, 0, len(AllFormats))
	for _, f := range AllFormats {
		keys = append(keys, ImageKey(t, id, f))
	}
	return keys
}

// Stats aggregates image coverage across live (non-deleted) records.
type Stats struct {
	Total    int64    `json:"totalPets"`
	WithJPEG int64    `json:"petsWithJpeg"`
	WithWebP int64    `json:"petsWithWebp"`
	WithBoth int64    `json:"petsWithBoth"`
	Coverage Coverage `json:"coverage"`
}

// Coverage holds percentages in the range [0, 100].
type Coverage struct {
	JPEG float64 `json:"jpeg"`
	WebP float64 `json:"webp"`
	Both float64 `json:"both"`
}

// NewStats derives coverage percentages; totals of zero yield zero coverage.
func NewStats(total, jpeg, webp, both int64) Stats {
	return Stats{
		Total:    total,
		WithJPEG: jpeg,
		WithWebP: webp,
		WithBoth: both,
		Coverage: Coverage{
			JPEG: percent(jpeg, total),
			WebP: percent(webp, total),
			Both: percent(both, total),
		},
	}
}

func percent(n, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}
