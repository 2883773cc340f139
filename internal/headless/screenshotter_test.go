package headless

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pet-image-pipeline/internal/images"
	"github.com/JakeFAU/pet-image-pipeline/internal/pet"
	"github.com/JakeFAU/pet-image-pipeline/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestNewChromedpLimiterValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1}, nil, nil)
	require.Error(t, err)

	s, err := NewChromedp(Config{MaxParallel: 2}, nil, nil)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, 2, cap(s.limiter))
	require.Equal(t, 45*time.Second, s.cfg.NavigationTimeout)
	require.Equal(t, 85, s.cfg.Quality)
}

func TestTriggerScreenshotsUploadsAndMarksCompleted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := memory.NewRecordStore(
		pet.Record{ID: "ok", Type: pet.TypeDog, SourceURL: "https://shelter.example/ok"},
		pet.Record{ID: "bad", Type: pet.TypeCat, SourceURL: "https://shelter.example/bad"},
	)
	blobs := memory.NewBlobStore()
	reconciler := images.New(store, blobs, fixedClock{now: now}, nil, "")

	capture := func(_ context.Context, url string) ([]byte, error) {
		if url == "https://shelter.example/bad" {
			return nil, errors.New("navigation timeout")
		}
		return []byte("jpeg-bytes"), nil
	}
	s := New(Config{MaxParallel: 1}, reconciler, capture, nil)

	err := s.TriggerScreenshots(ctx, "batch_1", []pet.Ref{
		{ID: "ok", SourceURL: "https://shelter.example/ok", Type: pet.TypeDog},
		{ID: "bad", SourceURL: "https://shelter.example/bad", Type: pet.TypeCat},
		{ID: "nourl", Type: pet.TypeCat},
	})
	require.NoError(t, err, "one captured record keeps the batch alive")

	data, err := blobs.Get(ctx, "pets/dogs/ok/original.jpg")
	require.NoError(t, err)
	require.Equal(t, []byte("jpeg-bytes"), data)

	rec, err := store.Get(ctx, "ok")
	require.NoError(t, err)
	require.True(t, rec.HasJPEG)
	require.Equal(t, now, *rec.ScreenshotCompletedAt)

	bad, err := store.Get(ctx, "bad")
	require.NoError(t, err)
	require.False(t, bad.HasJPEG)
	require.Len(t, s.limiter, 0, "slots released")
}

func TestTriggerScreenshotsRejectsEmptyCapture(t *testing.T) {
	t.Parallel()

	store := memory.NewRecordStore(pet.Record{ID: "1", Type: pet.TypeDog})
	reconciler := images.New(store, memory.NewBlobStore(), fixedClock{}, nil, "")
	s := New(Config{}, reconciler, func(context.Context, string) ([]byte, error) { return nil, nil }, nil)

	err := s.TriggerScreenshots(context.Background(), "b", []pet.Ref{{ID: "1", SourceURL: "https://x"}})
	require.ErrorContains(t, err, "empty screenshot")
}

func TestTriggerScreenshotsFailsWhenNothingCaptured(t *testing.T) {
	t.Parallel()

	store := memory.NewRecordStore(
		pet.Record{ID: "bad", Type: pet.TypeCat, SourceURL: "https://shelter.example/bad"},
	)
	reconciler := images.New(store, memory.NewBlobStore(), fixedClock{}, nil, "")
	capture := func(context.Context, string) ([]byte, error) {
		return nil, errors.New("navigation timeout")
	}
	s := New(Config{MaxParallel: 1}, reconciler, capture, nil)

	err := s.TriggerScreenshots(context.Background(), "batch_1", []pet.Ref{
		{ID: "bad", SourceURL: "https://shelter.example/bad", Type: pet.TypeCat},
		{ID: "nourl", Type: pet.TypeCat},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad: navigation timeout")
	require.Contains(t, err.Error(), "nourl: record has no source url")
}

func TestAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	s := New(Config{MaxParallel: 1}, nil, nil, nil)
	require.NoError(t, s.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.acquire(ctx), context.Canceled)
	s.release()
	s.release()
}

func TestDocumentStatusIgnoresSubresources(t *testing.T) {
	t.Parallel()

	status := &documentStatus{}
	status.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 404},
	})
	require.Zero(t, status.get())

	status.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 410},
	})
	require.Equal(t, 410, status.get())
	status.captureEvent("unrelated")
	require.Equal(t, 410, status.get())
}
