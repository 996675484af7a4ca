package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix namespaces environment overrides: CODECOLLECT_WORKER_COUNT sets
// worker_count.
const EnvPrefix = "CODECOLLECT_"

type Config struct {
	Port string `koanf:"port"`

	// Auth. Empty disables bearer-token checks on /api routes.
	APIKey string `koanf:"api_key"`

	// Worker pool
	WorkerCount       int `koanf:"worker_count"`
	MaxQueueSize      int `koanf:"max_queue_size"`
	RenderConcurrency int `koanf:"render_concurrency"`

	// Upload limits
	MaxUploadBytes  int64 `koanf:"max_upload_bytes"`
	MaxExtractBytes int64 `koanf:"max_extract_bytes"`
	MaxFileBytes    int64 `koanf:"max_file_bytes"`

	// Splitting
	DefaultMaxSizeMB float64 `koanf:"default_max_size_mb"`

	// Task state
	TaskTTL           time.Duration `koanf:"task_ttl"`
	CleanupInterval   time.Duration `koanf:"cleanup_interval"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	PublishInterval   time.Duration `koanf:"publish_interval"`

	// Storage
	WorkDir        string `koanf:"work_dir"`
	OutputDir      string `koanf:"output_dir"`
	StorageBackend string `koanf:"storage_backend"`
	GCSBucket      string `koanf:"gcs_bucket"`
	GCSPrefix      string `koanf:"gcs_prefix"`

	LogLevel string `koanf:"log_level"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Port: "8090",

		WorkerCount:       2,
		MaxQueueSize:      100,
		RenderConcurrency: 4,

		MaxUploadBytes:  200 << 20,
		MaxExtractBytes: 1 << 30,
		MaxFileBytes:    5 << 20,

		DefaultMaxSizeMB: 0.39,

		TaskTTL:           1 * time.Hour,
		CleanupInterval:   5 * time.Minute,
		HeartbeatInterval: 1 * time.Second,
		PublishInterval:   100 * time.Millisecond,

		WorkDir:        "data/work",
		OutputDir:      "data/output",
		StorageBackend: "local",

		LogLevel: "info",
	}
}

// Load reads configuration from an optional YAML file, then from
// CODECOLLECT_* environment variables. Later sources win.
func Load(path string) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil)
	if err != nil {
		return cfg, fmt.Errorf("load environment: %w", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Port == "" {
		c.Port = d.Port
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = d.WorkerCount
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.RenderConcurrency <= 0 {
		c.RenderConcurrency = d.RenderConcurrency
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = d.MaxUploadBytes
	}
	if c.MaxExtractBytes <= 0 {
		c.MaxExtractBytes = d.MaxExtractBytes
	}
	if c.TaskTTL <= 0 {
		c.TaskTTL = d.TaskTTL
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.PublishInterval < 0 {
		c.PublishInterval = 0
	}
	if c.StorageBackend == "" {
		c.StorageBackend = d.StorageBackend
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}

func (c Config) Validate() error {
	if c.DefaultMaxSizeMB <= 0 {
		return errors.New("default_max_size_mb must be positive")
	}
	switch c.StorageBackend {
	case "local":
		if c.OutputDir == "" {
			return errors.New("output_dir is required for local storage")
		}
	case "gcs":
		if c.GCSBucket == "" {
			return errors.New("gcs_bucket is required for gcs storage")
		}
	default:
		return fmt.Errorf("unknown storage_backend %q", c.StorageBackend)
	}
	if c.WorkDir == "" {
		return errors.New("work_dir is required")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}
