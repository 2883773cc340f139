// Package headless captures pet listing screenshots with a local headless
// Chrome. It stands in for the remote screenshot workflow during development.
package headless

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/pet-image-pipeline/internal/metrics"
	"github.com/JakeFAU/pet-image-pipeline/internal/pet"
)

// Config controls browser behaviour.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	Width             int64
	Height            int64
	// Quality is the JPEG quality in [1, 100].
	Quality int
}

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 45 * time.Second
	}
	if c.Width <= 0 {
		c.Width = 1280
	}
	if c.Height <= 0 {
		c.Height = 960
	}
	if c.Quality <= 0 || c.Quality > 100 {
		c.Quality = 85
	}
	return c
}

// Images stores captured screenshots and stamps completion.
type Images interface {
	Upload(ctx context.Context, id string, data []byte, format pet.Format) (string, error)
	MarkScreenshotCompleted(ctx context.Context, id string) error
}

// CaptureFunc renders url and returns JPEG bytes.
type CaptureFunc func(ctx context.Context, url string) ([]byte, error)

// Screenshotter implements pet.ScreenshotTrigger by capturing each record's
// source page and writing it as the record's original JPEG.
type Screenshotter struct {
	cfg         Config
	images      Images
	capture     CaptureFunc
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewChromedp creates a Screenshotter backed by chromedp.
func NewChromedp(cfg Config, images Images, logger *zap.Logger) (*Screenshotter, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	s := newScreenshotter(cfg, images, nil, logger)
	s.allocator = allocCtx
	s.allocCancel = allocCancel
	s.capture = s.captureChromedp
	return s, nil
}

// New builds a Screenshotter around a custom capture function.
func New(cfg Config, images Images, capture CaptureFunc, logger *zap.Logger) *Screenshotter {
	return newScreenshotter(cfg, images, capture, logger)
}

func newScreenshotter(cfg Config, images Images, capture CaptureFunc, logger *zap.Logger) *Screenshotter {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Screenshotter{
		cfg:         cfg,
		images:      images,
		capture:     capture,
		limiter:     limiter,
		allocCancel: func() {},
		logger:      logger.Named("headless"),
	}
}

// Close shuts the browser allocator down.
func (s *Screenshotter) Close() {
	s.allocCancel()
}

// TriggerScreenshots captures every record in turn. Per-record failures are
// logged and the batch succeeds when at least one record was captured; the
// joined failures are returned only when nothing succeeded.
func (s *Screenshotter) TriggerScreenshots(ctx context.Context, batchID string, pets []pet.Ref) error {
	var errs []error
	captured := 0
	for _, ref := range pets {
		if err := s.shoot(ctx, ref); err != nil {
			s.logger.Warn("screenshot failed",
				zap.String("batch_id", batchID),
				zap.String("pet_id", ref.ID),
				zap.Error(err),
			)
			metrics.ObserveRemoteRequest("headless", "error")
			errs = append(errs, fmt.Errorf("%s: %w", ref.ID, err))
			continue
		}
		metrics.ObserveRemoteRequest("headless", "ok")
		captured++
	}
	if captured > 0 {
		if len(errs) > 0 {
			s.logger.Warn("batch partially captured",
				zap.String("batch_id", batchID),
				zap.Int("captured", captured),
				zap.Int("failed", len(errs)),
			)
		}
		return nil
	}
	return errors.Join(errs...)
}

func (s *Screenshotter) shoot(ctx context.Context, ref pet.Ref) error {
	if ref.SourceURL == "" {
		return errors.New("record has no source url")
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	data, err := s.capture(ctx, ref.SourceURL)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("empty screenshot")
	}
	if _, err := s.images.Upload(ctx, ref.ID, data, pet.FormatJPEG); err != nil {
		return err
	}
	return s.images.MarkScreenshotCompleted(ctx, ref.ID)
}

func (s *Screenshotter) captureChromedp(ctx context.Context, url string) ([]byte, error) {
	taskCtx, taskCancel := chromedp.NewContext(s.allocator)
	defer taskCancel()
	// Stop the tab when the caller gives up.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, s.cfg.NavigationTimeout)
	defer cancel()

	status := &documentStatus{}
	chromedp.ListenTarget(taskCtx, status.captureEvent)

	var buf []byte
	actions := []chromedp.Action{
		s.setupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.FullScreenshot(&buf, s.cfg.Quality),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return nil, fmt.Errorf("chromedp run: %w", err)
	}
	if code := status.get(); code >= 400 {
		return nil, fmt.Errorf("source page returned HTTP %d", code)
	}
	return buf, nil
}

func (s *Screenshotter) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := emulation.SetDeviceMetricsOverride(s.cfg.Width, s.cfg.Height, 1, false).Do(ctx); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (s *Screenshotter) acquire(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	select {
	case s.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (s *Screenshotter) release() {
	if s.limiter == nil {
		return
	}
	select {
	case <-s.limiter:
	default:
	}
}
