package server

import (
	"context"
	"fmt"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/pet-image-pipeline/internal/api"
	"github.com/JakeFAU/pet-image-pipeline/internal/clock/system"
	"github.com/JakeFAU/pet-image-pipeline/internal/config"
	"github.com/JakeFAU/pet-image-pipeline/internal/consumer"
	"github.com/JakeFAU/pet-image-pipeline/internal/dispatch"
	"github.com/JakeFAU/pet-image-pipeline/internal/expiration"
	"github.com/JakeFAU/pet-image-pipeline/internal/headless"
	"github.com/JakeFAU/pet-image-pipeline/internal/id/uuid"
	"github.com/JakeFAU/pet-image-pipeline/internal/images"
	"github.com/JakeFAU/pet-image-pipeline/internal/logging"
	"github.com/JakeFAU/pet-image-pipeline/internal/pet"
	"github.com/JakeFAU/pet-image-pipeline/internal/policy/ratelimit"
	memoryqueue "github.com/JakeFAU/pet-image-pipeline/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/pet-image-pipeline/internal/queue/pubsub"
	redisqueue "github.com/JakeFAU/pet-image-pipeline/internal/queue/redis"
	"github.com/JakeFAU/pet-image-pipeline/internal/remote"
	"github.com/JakeFAU/pet-image-pipeline/internal/retry"
	"github.com/JakeFAU/pet-image-pipeline/internal/scheduler"
	gcsstorage "github.com/JakeFAU/pet-image-pipeline/internal/storage/gcs"
	localstorage "github.com/JakeFAU/pet-image-pipeline/internal/storage/local"
	memorystorage "github.com/JakeFAU/pet-image-pipeline/internal/storage/memory"
	pgstore "github.com/JakeFAU/pet-image-pipeline/internal/storage/postgres"
	"github.com/JakeFAU/pet-image-pipeline/internal/telemetry"
)

// Build creates the application's dependencies. On error every backend opened
// so far is released.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("records_backend", cfg.Records.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("screenshots_backend", cfg.Screenshots.Backend),
	)

	if err := app.build(ctx); err != nil {
		if closeErr := app.Close(context.Background()); closeErr != nil {
			logger.Warn("cleanup after failed build", zap.Error(closeErr))
		}
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	var err error
	a.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Tracing.ServiceName,
		Version:     Version,
		SampleRatio: a.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}

	if err = a.setupRecords(ctx); err != nil {
		return err
	}
	if err = a.setupStorage(ctx); err != nil {
		return err
	}
	if err = a.setupQueue(ctx); err != nil {
		return err
	}

	clock := system.New()
	batchIDs := uuid.NewBatchIDGenerator()
	a.Images = images.New(a.Records, a.Objects, clock, a.logger, a.cfg.Storage.PublicBaseURL)

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.Remote.RequestsPerSecond,
		DefaultBurst: a.cfg.Remote.Burst,
	})
	remoteOpts := remote.Options{
		Timeout: a.cfg.RemoteTimeout(),
		Token:   a.cfg.Remote.Token,
		Limiter: limiter,
		Logger:  a.logger.Named("remote"),
	}
	trigger, err := a.setupScreenshots(remoteOpts)
	if err != nil {
		return err
	}

	a.Dispatch = dispatch.New(a.Images, a.Audit, trigger, batchIDs, clock, nil, a.logger, dispatch.Config{
		DefaultLimit:   a.cfg.Dispatch.DefaultLimit,
		ScheduledLimit: a.cfg.Dispatch.ScheduledLimit,
		MaxLimit:       a.cfg.Dispatch.MaxLimit,
		Retry: retry.Config{
			MaxAttempts: a.cfg.Dispatch.MaxAttempts,
			Delay:       a.cfg.RetryDelay(),
			Multiplier:  a.cfg.Dispatch.Multiplier,
		},
	})
	a.Expiration = expiration.New(a.Records, a.Objects, a.Audit, batchIDs, clock, a.logger, expiration.Config{
		GracePeriod:    a.cfg.GracePeriod(),
		UpcomingWindow: a.cfg.UpcomingWindow(),
	})

	workers := consumer.Workers{
		Screenshots: trigger,
		Images:      a.Images,
		Sweeper:     a.Expiration,
	}
	if a.cfg.Remote.CrawlerURL != "" {
		crawler, err := remote.NewCrawlerClient(a.cfg.Remote.CrawlerURL, remoteOpts)
		if err != nil {
			return fmt.Errorf("crawler client init failed: %w", err)
		}
		workers.Crawler = crawler
	}
	if a.cfg.Remote.ConverterURL != "" {
		converter, err := remote.NewConverterClient(a.cfg.Remote.ConverterURL, remoteOpts)
		if err != nil {
			return fmt.Errorf("converter client init failed: %w", err)
		}
		workers.Converter = converter
	}
	a.Consumer = consumer.New(a.Transport, a.Audit, workers, clock, a.logger)
	a.Producer = consumer.NewProducer(a.Transport, uuid.NewMessageIDGenerator(), clock)

	a.Scheduler = scheduler.New(a.logger,
		scheduler.Job{
			Name:     "scheduled_dispatch",
			Interval: time.Duration(a.cfg.Dispatch.IntervalMinutes) * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := a.Dispatch.DispatchScheduled(ctx)
				return err
			},
		},
		scheduler.Job{
			Name:     "expiration_sweep",
			Interval: time.Duration(a.cfg.Expiration.SweepIntervalMinutes) * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := a.Expiration.Sweep(ctx)
				return err
			},
		},
	)

	a.API = api.NewServer(api.Deps{
		Dispatch:   a.Dispatch,
		Images:     a.Images,
		Expiration: a.Expiration,
		Producer:   a.Producer,
		Audit:      a.Audit,
		Ready:      a.Ready,
	}, api.Options{
		RequestTimeout: time.Duration(a.cfg.Server.RequestTimeoutSeconds) * time.Second,
		MaxUploadBytes: a.cfg.Server.MaxUploadBytes,
	}, a.logger)
	return nil
}

func (a *App) setupRecords(ctx context.Context) error {
	if a.cfg.Records.Backend != config.BackendPostgres {
		a.logger.Info("using in-memory record store")
		a.Records = memorystorage.NewRecordStore()
		a.Audit = memorystorage.NewAuditLog()
		return nil
	}
	pgCfg := a.cfg.Records.Postgres
	var err error
	a.pool, err = pgstore.Connect(ctx, pgstore.Config{
		DSN:             pgCfg.DSN,
		MaxConns:        pgCfg.MaxConns,
		MinConns:        pgCfg.MinConns,
		MaxConnLifetime: time.Duration(pgCfg.MaxConnLifetimeMinutes) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	if pgCfg.Migrate {
		if err := pgstore.Migrate(ctx, a.pool); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
		a.logger.Info("postgres schema applied")
	}
	records, err := pgstore.NewRecordStore(a.pool)
	if err != nil {
		return fmt.Errorf("record store init failed: %w", err)
	}
	audit, err := pgstore.NewAuditStore(a.pool)
	if err != nil {
		return fmt.Errorf("audit store init failed: %w", err)
	}
	a.Records, a.Audit = records, audit
	a.logger.Info("using postgres record store",
		zap.Int32("max_conns", pgCfg.MaxConns),
		zap.Bool("migrate", pgCfg.Migrate),
	)
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		var err error
		a.storageClient, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(a.storageClient, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.Objects = blobs
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
	case config.BackendLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.Objects = blobs
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
	default:
		a.logger.Info("using in-memory storage backend")
		a.Objects = memorystorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupQueue(ctx context.Context) error {
	switch a.cfg.Queue.Backend {
	case config.BackendRedis:
		rc := a.cfg.Queue.Redis
		var err error
		a.redisClient, err = redisqueue.Connect(ctx, rc.URL)
		if err != nil {
			return fmt.Errorf("redis init failed: %w", err)
		}
		q, err := redisqueue.New(a.redisClient, redisqueue.Config{
			Prefix:       rc.Prefix,
			BatchSize:    rc.BatchSize,
			PollInterval: time.Duration(rc.PollIntervalMs) * time.Millisecond,
			Visibility:   time.Duration(rc.VisibilitySeconds) * time.Second,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("redis queue init failed: %w", err)
		}
		a.Transport = q
		a.logger.Info("using redis queue", zap.String("prefix", rc.Prefix))
	case config.BackendPubSub:
		pc := a.cfg.Queue.PubSub
		var err error
		a.pubsubClient, err = pubsub.NewClient(ctx, pc.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		psCfg := pubsubqueue.Config{
			ProjectID:      pc.ProjectID,
			WorkTopic:      pc.WorkTopic,
			DLQTopic:       pc.DLQTopic,
			Subscription:   pc.Subscription,
			MaxOutstanding: pc.MaxOutstanding,
		}
		if pc.EnsureTopology {
			if err := pubsubqueue.EnsureTopology(ctx, a.pubsubClient, psCfg); err != nil {
				return fmt.Errorf("pubsub topology failed: %w", err)
			}
		}
		q, err := pubsubqueue.New(a.pubsubClient, psCfg, a.logger)
		if err != nil {
			return fmt.Errorf("pubsub queue init failed: %w", err)
		}
		a.Transport = q
		a.logger.Info("using pubsub queue",
			zap.String("project", pc.ProjectID),
			zap.String("topic", pc.WorkTopic),
		)
	default:
		a.logger.Info("using in-memory queue")
		a.Transport = memoryqueue.NewQueue()
	}
	return nil
}

func (a *App) setupScreenshots(opts remote.Options) (pet.ScreenshotTrigger, error) {
	if a.cfg.Screenshots.Backend == config.ScreenshotsHeadless {
		hc := a.cfg.Screenshots.Headless
		shots, err := headless.NewChromedp(headless.Config{
			MaxParallel:       hc.MaxParallel,
			UserAgent:         hc.UserAgent,
			NavigationTimeout: time.Duration(hc.NavTimeoutSec) * time.Second,
			Quality:           hc.Quality,
		}, a.Images, a.logger)
		if err != nil {
			return nil, fmt.Errorf("headless screenshotter init failed: %w", err)
		}
		a.screenshotter = shots
		a.logger.Info("using headless screenshots", zap.Int("max_parallel", hc.MaxParallel))
		return shots, nil
	}
	wf, err := remote.NewWorkflowClient(remote.WorkflowConfig{
		URL: a.cfg.Remote.WorkflowURL,
		Ref: a.cfg.Remote.WorkflowRef,
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("workflow client init failed: %w", err)
	}
	a.logger.Info("using screenshot workflow", zap.String("ref", a.cfg.Remote.WorkflowRef))
	return wf, nil
}
