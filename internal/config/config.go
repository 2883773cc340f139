// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted by the *.backend keys.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendRedis    = "redis"
	BackendPubSub   = "pubsub"

	ScreenshotsWorkflow = "workflow"
	ScreenshotsHeadless = "headless"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch"`
	Remote      RemoteConfig      `mapstructure:"remote"`
	Screenshots ScreenshotsConfig `mapstructure:"screenshots"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Records     RecordsConfig     `mapstructure:"records"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Expiration  ExpirationConfig  `mapstructure:"expiration"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int   `mapstructure:"port"`
	RequestTimeoutSeconds  int   `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int   `mapstructure:"shutdown_timeout_seconds"`
	MaxUploadBytes         int64 `mapstructure:"max_upload_bytes"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// DispatchConfig sizes batches and the remote retry budget.
type DispatchConfig struct {
	DefaultLimit   int     `mapstructure:"default_limit"`
	ScheduledLimit int     `mapstructure:"scheduled_limit"`
	MaxLimit       int     `mapstructure:"max_limit"`
	MaxAttempts    int     `mapstructure:"max_attempts"`
	DelayMs        int     `mapstructure:"delay_ms"`
	Multiplier     float64 `mapstructure:"multiplier"`
	// IntervalMinutes schedules automatic dispatch; 0 disables it.
	IntervalMinutes int `mapstructure:"interval_minutes"`
}

// RemoteConfig locates the out-of-process workers.
type RemoteConfig struct {
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	Token             string  `mapstructure:"token"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	WorkflowURL       string  `mapstructure:"workflow_url"`
	WorkflowRef       string  `mapstructure:"workflow_ref"`
	CrawlerURL        string  `mapstructure:"crawler_url"`
	ConverterURL      string  `mapstructure:"converter_url"`
}

// ScreenshotsConfig selects the screenshot backend.
type ScreenshotsConfig struct {
	Backend  string         `mapstructure:"backend"`
	Headless HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig configures the local chromedp screenshotter.
type HeadlessConfig struct {
	MaxParallel   int    `mapstructure:"max_parallel"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	UserAgent     string `mapstructure:"user_agent"`
	Quality       int    `mapstructure:"quality"`
}

// QueueConfig selects and configures the work queue transport.
type QueueConfig struct {
	Backend string       `mapstructure:"backend"`
	Redis   RedisConfig  `mapstructure:"redis"`
	PubSub  PubSubConfig `mapstructure:"pubsub"`
}

// RedisConfig configures the Redis sorted-set transport.
type RedisConfig struct {
	URL               string `mapstructure:"url"`
	Prefix            string `mapstructure:"prefix"`
	BatchSize         int    `mapstructure:"batch_size"`
	PollIntervalMs    int    `mapstructure:"poll_interval_ms"`
	VisibilitySeconds int    `mapstructure:"visibility_seconds"`
}

// PubSubConfig configures the Pub/Sub transport.
type PubSubConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	WorkTopic      string `mapstructure:"work_topic"`
	DLQTopic       string `mapstructure:"dlq_topic"`
	Subscription   string `mapstructure:"subscription"`
	MaxOutstanding int    `mapstructure:"max_outstanding"`
	EnsureTopology bool   `mapstructure:"ensure_topology"`
}

// RecordsConfig selects the record and audit store.
type RecordsConfig struct {
	Backend  string         `mapstructure:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig controls the pgx pool.
type PostgresConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	Migrate                bool   `mapstructure:"migrate"`
}

// StorageConfig selects where image objects live.
type StorageConfig struct {
	Backend       string `mapstructure:"backend"`
	LocalDir      string `mapstructure:"local_dir"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// ExpirationConfig controls retention.
type ExpirationConfig struct {
	GraceDays      int `mapstructure:"grace_days"`
	UpcomingDays   int `mapstructure:"upcoming_days"`
	DefaultTTLDays int `mapstructure:"default_ttl_days"`
	// SweepIntervalMinutes schedules automatic sweeps; 0 disables them.
	SweepIntervalMinutes int `mapstructure:"sweep_interval_minutes"`
}

// Load builds a Config from disk/environment. Every key has a default so that
// PETS_* environment variables are visible to Unmarshal.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PETS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("server.max_upload_bytes", 10<<20)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.service_name", "pet-image-pipeline")
	v.SetDefault("tracing.sample_ratio", 0.1)
	v.SetDefault("dispatch.default_limit", 10)
	v.SetDefault("dispatch.scheduled_limit", 50)
	v.SetDefault("dispatch.max_limit", 100)
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.delay_ms", 1000)
	v.SetDefault("dispatch.multiplier", 2.0)
	v.SetDefault("dispatch.interval_minutes", 0)
	v.SetDefault("remote.timeout_seconds", 15)
	v.SetDefault("remote.requests_per_second", 1.0)
	v.SetDefault("remote.burst", 2)
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.workflow_url", "")
	v.SetDefault("remote.workflow_ref", "main")
	v.SetDefault("remote.crawler_url", "")
	v.SetDefault("remote.converter_url", "")
	v.SetDefault("screenshots.backend", ScreenshotsWorkflow)
	v.SetDefault("screenshots.headless.max_parallel", 1)
	v.SetDefault("screenshots.headless.nav_timeout_seconds", 45)
	v.SetDefault("screenshots.headless.quality", 85)
	v.SetDefault("screenshots.headless.user_agent", "")
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.redis.url", "redis://localhost:6379/0")
	v.SetDefault("queue.redis.prefix", "pets:work")
	v.SetDefault("queue.redis.batch_size", 10)
	v.SetDefault("queue.redis.poll_interval_ms", 500)
	v.SetDefault("queue.redis.visibility_seconds", 300)
	v.SetDefault("queue.pubsub.project_id", "")
	v.SetDefault("queue.pubsub.ensure_topology", false)
	v.SetDefault("queue.pubsub.work_topic", "pet-work")
	v.SetDefault("queue.pubsub.dlq_topic", "pet-work-dlq")
	v.SetDefault("queue.pubsub.subscription", "pet-work-consumer")
	v.SetDefault("queue.pubsub.max_outstanding", 10)
	v.SetDefault("records.backend", BackendMemory)
	v.SetDefault("records.postgres.dsn", "")
	v.SetDefault("records.postgres.migrate", false)
	v.SetDefault("records.postgres.max_conns", 10)
	v.SetDefault("records.postgres.min_conns", 1)
	v.SetDefault("records.postgres.max_conn_lifetime_minutes", 30)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.local_dir", "data/images")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.public_base_url", "")
	v.SetDefault("expiration.grace_days", 14)
	v.SetDefault("expiration.upcoming_days", 7)
	v.SetDefault("expiration.default_ttl_days", 30)
	v.SetDefault("expiration.sweep_interval_minutes", 60)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Remote.TimeoutSeconds <= 0 {
		return fmt.Errorf("remote.timeout_seconds must be > 0")
	}
	if c.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("dispatch.max_attempts must be > 0")
	}
	if c.Dispatch.DelayMs < 0 || c.Dispatch.Multiplier <= 0 {
		return fmt.Errorf("dispatch.delay_ms must be >= 0 and dispatch.multiplier > 0")
	}
	if c.Dispatch.DefaultLimit <= 0 || c.Dispatch.DefaultLimit > c.Dispatch.MaxLimit ||
		c.Dispatch.ScheduledLimit <= 0 || c.Dispatch.ScheduledLimit > c.Dispatch.MaxLimit {
		return fmt.Errorf("dispatch.default_limit and dispatch.scheduled_limit must be in [1, dispatch.max_limit]")
	}
	if c.Expiration.GraceDays <= 0 {
		return fmt.Errorf("expiration.grace_days must be > 0")
	}
	switch c.Screenshots.Backend {
	case ScreenshotsWorkflow:
		if c.Remote.WorkflowURL == "" {
			return fmt.Errorf("remote.workflow_url is required for the workflow screenshot backend")
		}
	case ScreenshotsHeadless:
		if c.Screenshots.Headless.MaxParallel <= 0 {
			return fmt.Errorf("screenshots.headless.max_parallel must be > 0")
		}
	default:
		return fmt.Errorf("unknown screenshots.backend %q", c.Screenshots.Backend)
	}
	switch c.Queue.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Queue.Redis.URL == "" {
			return fmt.Errorf("queue.redis.url is required for the redis backend")
		}
	case BackendPubSub:
		if c.Queue.PubSub.ProjectID == "" {
			return fmt.Errorf("queue.pubsub.project_id is required for the pubsub backend")
		}
	default:
		return fmt.Errorf("unknown queue.backend %q", c.Queue.Backend)
	}
	switch c.Records.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Records.Postgres.DSN == "" {
			return fmt.Errorf("records.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown records.backend %q", c.Records.Backend)
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	return nil
}

// RemoteTimeout is the per-request deadline for worker calls.
func (c Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}

// RetryDelay is the initial backoff between dispatch attempts.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.Dispatch.DelayMs) * time.Millisecond
}

// GracePeriod is how long soft-deleted records are kept.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.Expiration.GraceDays) * 24 * time.Hour
}

// UpcomingWindow bounds the expiring-soon statistic.
func (c Config) UpcomingWindow() time.Duration {
	return time.Duration(c.Expiration.UpcomingDays) * 24 * time.Hour
}
