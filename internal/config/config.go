// Package config loads and validates importer configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	BackendMemory  = "memory"
	BackendGCS     = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Backoff   BackoffConfig   `mapstructure:"backoff"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Crypto    CryptoConfig    `mapstructure:"crypto"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// StreamConfig locates the producer's event stream.
type StreamConfig struct {
	Endpoint     string        `mapstructure:"endpoint"`
	APIKey       string        `mapstructure:"api_key"`
	StallTimeout time.Duration `mapstructure:"stall_timeout"`
}

// BackoffConfig bounds retries of throttled operations.
type BackoffConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Step        time.Duration `mapstructure:"step"`
	Stagger     time.Duration `mapstructure:"stagger"`
}

// IngestConfig tunes how scraped questions become domain records.
type IngestConfig struct {
	TitleMaxLength int    `mapstructure:"title_max_length"`
	SubjectColor   string `mapstructure:"subject_color"`
	SubjectIcon    string `mapstructure:"subject_icon"`
	RewardPoints   int    `mapstructure:"reward_points"`
	RewardReason   string `mapstructure:"reward_reason"`
}

// JobsConfig governs the detached job worker and pollers.
type JobsConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	IdleInterval    time.Duration `mapstructure:"idle_interval"`
	FinalizeTimeout time.Duration `mapstructure:"finalize_timeout"`
}

// DatabaseConfig selects and tunes the relational store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	JobsTable       string        `mapstructure:"jobs_table"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig enables the subject cache.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// StorageConfig controls the raw payload archive.
type StorageConfig struct {
	ArchiveEnabled bool   `mapstructure:"archive_enabled"`
	Backend        string `mapstructure:"backend"`
	GCSBucket      string `mapstructure:"gcs_bucket"`
	GCSEndpoint    string `mapstructure:"gcs_endpoint"`
	Prefix         string `mapstructure:"prefix"`
}

// PubSubConfig holds the notification topics.
type PubSubConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	ProjectID       string `mapstructure:"project_id"`
	JobsTopic       string `mapstructure:"jobs_topic"`
	ReputationTopic string `mapstructure:"reputation_topic"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// RateLimitConfig limits job submissions per owner.
type RateLimitConfig struct {
	RPS     float64       `mapstructure:"rps"`
	Burst   int           `mapstructure:"burst"`
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
}

// CryptoConfig holds the credential encryption key.
type CryptoConfig struct {
	// Key is a base64-encoded 32-byte AES key.
	Key string `mapstructure:"key"`
	// InsecureNoop stores credentials merely encoded. Development only.
	InsecureNoop bool `mapstructure:"insecure_noop"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("IMPORTER")
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
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("stream.endpoint", "")
	v.SetDefault("stream.api_key", "")
	v.SetDefault("stream.stall_timeout", 90*time.Second)
	v.SetDefault("backoff.max_attempts", 3)
	v.SetDefault("backoff.step", 10*time.Second)
	v.SetDefault("backoff.stagger", 2*time.Second)
	v.SetDefault("ingest.title_max_length", 100)
	v.SetDefault("ingest.subject_color", "#6366f1")
	v.SetDefault("ingest.subject_icon", "book")
	v.SetDefault("ingest.reward_points", 10)
	v.SetDefault("ingest.reward_reason", "question imported")
	v.SetDefault("jobs.poll_interval", 5*time.Second)
	v.SetDefault("jobs.idle_interval", 5*time.Second)
	v.SetDefault("jobs.finalize_timeout", 30*time.Second)
	v.SetDefault("database.driver", DriverMemory)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.jobs_table", "import_jobs")
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "importer")
	v.SetDefault("redis.ttl", time.Hour)
	v.SetDefault("redis.lock_ttl", 5*time.Second)
	v.SetDefault("storage.archive_enabled", false)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.gcs_endpoint", "")
	v.SetDefault("storage.prefix", "raw")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.jobs_topic", "job.finished")
	v.SetDefault("pubsub.reputation_topic", "reputation.awarded")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 64)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 5*time.Second)
	v.SetDefault("rate_limit.rps", 0.1)
	v.SetDefault("rate_limit.burst", 3)
	v.SetDefault("rate_limit.idle_ttl", 30*time.Minute)
	v.SetDefault("crypto.key", "")
	v.SetDefault("crypto.insecure_noop", false)
	v.SetDefault("telemetry.service_name", "exam-importer")
	v.SetDefault("telemetry.sample_ratio", 0.1)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits. Settings only one
// command needs (the stream endpoint, the crypto key) are checked there.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if c.Stream.Endpoint != "" {
		if u, err := url.Parse(c.Stream.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("stream.endpoint %q is not an absolute URL", c.Stream.Endpoint))
		}
	}
	if c.Backoff.MaxAttempts <= 0 {
		errs = append(errs, errors.New("backoff.max_attempts must be > 0"))
	}
	if c.Backoff.Step < 0 || c.Backoff.Stagger < 0 {
		errs = append(errs, errors.New("backoff durations must be >= 0"))
	}
	if c.Jobs.PollInterval <= 0 {
		errs = append(errs, errors.New("jobs.poll_interval must be > 0"))
	}
	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q must be memory or postgres", c.Database.Driver))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	if c.Storage.ArchiveEnabled {
		switch c.Storage.Backend {
		case BackendMemory:
		case BackendGCS:
			if c.Storage.GCSBucket == "" {
				errs = append(errs, errors.New("storage.gcs_bucket is required for the gcs backend"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.backend %q must be memory or gcs", c.Storage.Backend))
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.sample_ratio must be within [0, 1]"))
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		errs = append(errs, errors.New("pubsub.project_id is required when pubsub is enabled"))
	}
	return errors.Join(errs...)
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
