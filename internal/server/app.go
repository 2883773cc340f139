// Package server builds the pipeline's dependency graph from config and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/pet-image-pipeline/internal/api"
	"github.com/JakeFAU/pet-image-pipeline/internal/config"
	"github.com/JakeFAU/pet-image-pipeline/internal/consumer"
	"github.com/JakeFAU/pet-image-pipeline/internal/dispatch"
	"github.com/JakeFAU/pet-image-pipeline/internal/expiration"
	"github.com/JakeFAU/pet-image-pipeline/internal/headless"
	"github.com/JakeFAU/pet-image-pipeline/internal/images"
	"github.com/JakeFAU/pet-image-pipeline/internal/pet"
	"github.com/JakeFAU/pet-image-pipeline/internal/scheduler"
)

// Version is stamped into traces. Overridden at link time.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	Records    pet.RecordStore
	Audit      pet.AuditLog
	Objects    pet.ObjectStorage
	Transport  pet.Transport
	Images     *images.Reconciler
	Dispatch   *dispatch.Engine
	Expiration *expiration.Manager
	Producer   *consumer.Producer
	Consumer   *consumer.Consumer
	Scheduler  *scheduler.Scheduler
	API        *api.Server

	pool          *pgxpool.Pool
	redisClient   *redis.Client
	pubsubClient  *pubsub.Client
	storageClient *storage.Client
	screenshotter *headless.Screenshotter
	tracer        *sdktrace.TracerProvider

	closeOnce sync.Once
	closeErr  error
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Handler exposes the HTTP routes.
func (a *App) Handler() http.Handler {
	return a.API.Handler()
}

// Ready pings the stateful backends.
func (a *App) Ready(ctx context.Context) error {
	if a.pool != nil {
		if err := a.pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Run serves HTTP, consumes the queue and runs scheduled jobs until ctx is
// canceled or SIGINT/SIGTERM arrives, then drains and closes everything.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a.logger.Info("application started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := a.Consumer.Run(ctx); err != nil {
			a.logger.Error("consumer stopped with error", zap.Error(err))
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		a.Scheduler.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()

	return a.Close(shutdownCtx)
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(a.cfg.Server.ShutdownTimeoutSeconds) * time.Second
}

// Close releases every backend. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeErr = errors.Join(a.closeInfrastructure(), a.closeObservability(ctx))
		a.logger.Info("shutdown complete")
	})
	return a.closeErr
}

func (a *App) closeInfrastructure() error {
	var errs []error
	if a.Transport != nil {
		if err := a.Transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	if a.screenshotter != nil {
		a.screenshotter.Close()
	}
	// Queue transports own their clients; these are only set when Build
	// failed before the transport was constructed.
	if a.Transport == nil && a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub client: %w", err))
		}
	}
	if a.Transport == nil && a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis client: %w", err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gcs client: %w", err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return errors.Join(errs...)
}

func (a *App) closeObservability(ctx context.Context) error {
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync on stderr-backed loggers reports EINVAL on some platforms.
	_ = a.logger.Sync()
	return nil
}
