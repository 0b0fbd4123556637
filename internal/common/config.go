package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Logging     LoggingConfig   `toml:"logging"`
	Queue       QueueConfig     `toml:"queue"`
	Storage     StorageConfig   `toml:"storage"`
	Vector      VectorConfig    `toml:"vector"`
	Reaper      ReaperConfig    `toml:"reaper"`
	Converter   ConverterConfig `toml:"converter"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`      // e.g., "1s" - how often workers poll for messages
	Concurrency       int    `toml:"concurrency"`        // Number of concurrent workers
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g., "5m" - message visibility timeout for redelivery
	QueueName         string `toml:"queue_name"`         // Queue name prefix in Badger
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
	Mongo  MongoConfig  `toml:"mongo"`
	Minio  MinioConfig  `toml:"minio"`
	Redis  RedisConfig  `toml:"redis"`
}

// BadgerConfig represents BadgerDB-specific configuration for the queue
type BadgerConfig struct {
	Path     string `toml:"path"`      // Database directory path
	InMemory bool   `toml:"in_memory"` // In-memory mode for tests
}

type MongoConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

type MinioConfig struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseSSL    bool   `toml:"use_ssl"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"` // Empty disables the cache tier entirely
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// VectorConfig carries the render-pipeline knobs.
type VectorConfig struct {
	MaxPages           int    `toml:"max_pages"`             // Admission cap on layout.totalPages
	MaxSeriesEnd       int64  `toml:"max_series_end"`        // Admission cap on series arithmetic end
	BatchSize          int    `toml:"batch_size"`            // Pages per batch child (hard cap 50)
	BatchAttempts      int    `toml:"batch_attempts"`        // Attempts per batch child
	BackoffBase        string `toml:"backoff_base"`          // Exponential backoff base, e.g. "2s"
	RenderLockTTL      int    `toml:"render_lock_ttl_secs"`  // Per-document render lock TTL (>= 60)
	MaxActiveJobs      int    `toml:"max_active_jobs"`       // Global active-job cap, 0 disables
	MergeMaxMS         int    `toml:"merge_max_ms"`          // Merge wall-clock budget, 0 disables
	FinalPDFTTLHours   int    `toml:"final_pdf_ttl_hours"`   // Output expiry
	MetadataMACSecret  string `toml:"metadata_mac_secret"`   // HMAC key for payload integrity
	AuditEventsPerSec  int    `toml:"audit_events_per_sec"`  // PAGE_RENDERED audit rate limit
	SignedURLTTLMinute int    `toml:"signed_url_ttl_minute"` // Presigned output URL TTL
}

// ReaperConfig controls the periodic job sweep.
type ReaperConfig struct {
	IntervalMS int `toml:"interval_ms"` // Sweep cadence
	StaleMS    int `toml:"stale_ms"`    // Running-with-no-output staleness horizon
}

// ConverterConfig locates the external SVG->PDF converter.
type ConverterConfig struct {
	Binary         string `toml:"binary"` // e.g. "rsvg-convert"
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// DefaultConfig returns a config with sensible defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
		Queue: QueueConfig{
			PollInterval:      "1s",
			Concurrency:       1,
			VisibilityTimeout: "5m",
			QueueName:         "vectorpress",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{Path: "./data/queue"},
			Mongo:  MongoConfig{URI: "mongodb://localhost:27017", Database: "vectorpress"},
			Minio:  MinioConfig{Endpoint: "localhost:9000", Bucket: "documents"},
			Redis:  RedisConfig{Addr: "localhost:6379"},
		},
		Vector: VectorConfig{
			MaxPages:           700,
			MaxSeriesEnd:       1_000_000_000,
			BatchSize:          10,
			BatchAttempts:      3,
			BackoffBase:        "2s",
			RenderLockTTL:      1800,
			MaxActiveJobs:      0,
			MergeMaxMS:         0,
			FinalPDFTTLHours:   24,
			AuditEventsPerSec:  2,
			SignedURLTTLMinute: 60,
		},
		Reaper: ReaperConfig{
			IntervalMS: 5 * 60 * 1000,
			StaleMS:    15 * 60 * 1000,
		},
		Converter: ConverterConfig{
			Binary:         "rsvg-convert",
			TimeoutSeconds: 30,
		},
	}
}

// LoadConfig loads configuration: defaults -> TOML file -> environment.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps well-known environment variables onto config
// fields. Environment always wins over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("VECTORPRESS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		c.Storage.Mongo.URI = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Storage.Redis.Addr = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		c.Storage.Minio.Endpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		c.Storage.Minio.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		c.Storage.Minio.SecretKey = v
	}
	if v := os.Getenv("VECTOR_METADATA_MAC_SECRET"); v != "" {
		c.Vector.MetadataMACSecret = v
	}

	envInt("VECTOR_MAX_PAGES", &c.Vector.MaxPages)
	envInt64("VECTOR_MAX_SERIES_END", &c.Vector.MaxSeriesEnd)
	envInt("VECTOR_BATCH_SIZE", &c.Vector.BatchSize)
	envInt("VECTOR_BATCH_ATTEMPTS", &c.Vector.BatchAttempts)
	envInt("VECTOR_RENDER_LOCK_TTL_SECONDS", &c.Vector.RenderLockTTL)
	envInt("VECTOR_MAX_ACTIVE_JOBS", &c.Vector.MaxActiveJobs)
	envInt("VECTOR_MERGE_MAX_MS", &c.Vector.MergeMaxMS)
	envInt("FINAL_PDF_TTL_HOURS", &c.Vector.FinalPDFTTLHours)
	envInt("PRINT_JOB_STALE_MS", &c.Reaper.StaleMS)
	envInt("JOB_CLEANUP_INTERVAL_MS", &c.Reaper.IntervalMS)
	envInt("QUEUE_CONCURRENCY", &c.Queue.Concurrency)
}

// normalize clamps knobs to their documented bounds.
func (c *Config) normalize() error {
	if c.Vector.BatchSize < 1 {
		c.Vector.BatchSize = 1
	}
	if c.Vector.BatchSize > 50 {
		c.Vector.BatchSize = 50
	}
	if c.Vector.BatchAttempts < 1 {
		c.Vector.BatchAttempts = 1
	}
	if c.Vector.RenderLockTTL < 60 {
		c.Vector.RenderLockTTL = 60
	}
	if c.Queue.Concurrency < 1 {
		c.Queue.Concurrency = 1
	}
	if _, err := time.ParseDuration(c.Queue.PollInterval); err != nil {
		return fmt.Errorf("invalid queue.poll_interval: %w", err)
	}
	if _, err := time.ParseDuration(c.Queue.VisibilityTimeout); err != nil {
		return fmt.Errorf("invalid queue.visibility_timeout: %w", err)
	}
	if _, err := time.ParseDuration(c.Vector.BackoffBase); err != nil {
		return fmt.Errorf("invalid vector.backoff_base: %w", err)
	}
	return nil
}

// PollInterval returns the parsed queue poll interval.
func (c *Config) PollInterval() time.Duration {
	d, _ := time.ParseDuration(c.Queue.PollInterval)
	return d
}

// VisibilityTimeout returns the parsed queue visibility timeout.
func (c *Config) VisibilityTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Queue.VisibilityTimeout)
	return d
}

// BackoffBase returns the parsed batch retry backoff base.
func (c *Config) BackoffBase() time.Duration {
	d, _ := time.ParseDuration(c.Vector.BackoffBase)
	return d
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
