package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/undp-data/dfpp/internal/progress"
)

// Config defines configuration for the dfpp CLI.
type Config struct {
	Bucket      string          `yaml:"bucket"`
	Project     string          `yaml:"project"`
	LogLevel    string          `yaml:"log_level"`
	CacheDir    string          `yaml:"cache_dir"`
	Download    DownloadConfig  `yaml:"download"`
	Transform   TransformConfig `yaml:"transform"`
	Universe    UniverseConfig  `yaml:"universe"`
	RedisURL    string          `yaml:"redis_url"`
	PostgresDSN string          `yaml:"postgres_dsn"`
	ErrorReport string          `yaml:"error_report"`
	MetricsAddr string          `yaml:"metrics_addr"`
	Schedule    string          `yaml:"schedule"`
}

// DownloadConfig defines the download stage.
type DownloadConfig struct {
	ChunkSize      int           `yaml:"chunk_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ChunkSlack     time.Duration `yaml:"chunk_slack"`
	AckTimeout     time.Duration `yaml:"ack_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	MinBytes       int64         `yaml:"min_bytes"`
	Progress       bool          `yaml:"progress"`
	Retry          RetryConfig   `yaml:"retry"`
}

// RetryConfig defines the delay between download attempts.
type RetryConfig struct {
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// TransformConfig defines the transform stage.
type TransformConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

// UniverseConfig locates the canonical key list in the bucket.
type UniverseConfig struct {
	Path      string `yaml:"path"`
	KeyColumn string `yaml:"key_column"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Project:     "access_all_data",
		LogLevel:    "info",
		MetricsAddr: ":9090",
		Schedule:    "@daily",
		Download: DownloadConfig{
			ChunkSize:      50,
			RequestTimeout: 120 * time.Second,
			ChunkSlack:     30 * time.Second,
			AckTimeout:     10 * time.Second,
			MaxRetries:     5,
			MinBytes:       100,
			Retry: RetryConfig{
				Backoff:    time.Second,
				MaxBackoff: 30 * time.Second,
			},
		},
		Transform: TransformConfig{
			Concurrency: 5,
			Timeout:     300 * time.Second,
		},
		Universe: UniverseConfig{
			Path:      "config/utilities/country_lookup.xlsx",
			KeyColumn: "Alpha-3 code",
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string sizes and durations.
type yamlConfig struct {
	Bucket      string              `yaml:"bucket"`
	Project     string              `yaml:"project"`
	LogLevel    string              `yaml:"log_level"`
	CacheDir    string              `yaml:"cache_dir"`
	Download    yamlDownloadConfig  `yaml:"download"`
	Transform   yamlTransformConfig `yaml:"transform"`
	Universe    UniverseConfig      `yaml:"universe"`
	RedisURL    string              `yaml:"redis_url"`
	PostgresDSN string              `yaml:"postgres_dsn"`
	ErrorReport string              `yaml:"error_report"`
	MetricsAddr string              `yaml:"metrics_addr"`
	Schedule    string              `yaml:"schedule"`
}

type yamlDownloadConfig struct {
	ChunkSize      int             `yaml:"chunk_size"`
	RequestTimeout string          `yaml:"request_timeout"`
	ChunkSlack     string          `yaml:"chunk_slack"`
	AckTimeout     string          `yaml:"ack_timeout"`
	MaxRetries     int             `yaml:"max_retries"`
	MinBytes       string          `yaml:"min_bytes"`
	Progress       bool            `yaml:"progress"`
	Retry          yamlRetryConfig `yaml:"retry"`
}

type yamlRetryConfig struct {
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

type yamlTransformConfig struct {
	Concurrency int    `yaml:"concurrency"`
	Timeout     string `yaml:"timeout"`
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	setString(&cfg.Bucket, yc.Bucket)
	setString(&cfg.Project, yc.Project)
	setString(&cfg.LogLevel, yc.LogLevel)
	setString(&cfg.CacheDir, yc.CacheDir)
	setString(&cfg.RedisURL, yc.RedisURL)
	setString(&cfg.PostgresDSN, yc.PostgresDSN)
	setString(&cfg.ErrorReport, yc.ErrorReport)
	setString(&cfg.MetricsAddr, yc.MetricsAddr)
	setString(&cfg.Schedule, yc.Schedule)
	setString(&cfg.Universe.Path, yc.Universe.Path)
	setString(&cfg.Universe.KeyColumn, yc.Universe.KeyColumn)

	if yc.Download.ChunkSize != 0 {
		cfg.Download.ChunkSize = yc.Download.ChunkSize
	}
	if yc.Download.MaxRetries != 0 {
		cfg.Download.MaxRetries = yc.Download.MaxRetries
	}
	if yc.Download.MinBytes != "" {
		size, err := progress.ParseBytes(yc.Download.MinBytes)
		if err != nil {
			return Config{}, fmt.Errorf("parse download.min_bytes: %w", err)
		}
		cfg.Download.MinBytes = size
	}
	cfg.Download.Progress = yc.Download.Progress
	if yc.Transform.Concurrency != 0 {
		cfg.Transform.Concurrency = yc.Transform.Concurrency
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"download.request_timeout", yc.Download.RequestTimeout, &cfg.Download.RequestTimeout},
		{"download.chunk_slack", yc.Download.ChunkSlack, &cfg.Download.ChunkSlack},
		{"download.ack_timeout", yc.Download.AckTimeout, &cfg.Download.AckTimeout},
		{"download.retry.backoff", yc.Download.Retry.Backoff, &cfg.Download.Retry.Backoff},
		{"download.retry.max_backoff", yc.Download.Retry.MaxBackoff, &cfg.Download.Retry.MaxBackoff},
		{"transform.timeout", yc.Transform.Timeout, &cfg.Transform.Timeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = v
	}

	return cfg, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. With no paths it loads
// ".env" in the working directory if there is one.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		paths = []string{".env"}
	}
	if err := godotenv.Load(paths...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the DFPP_ prefix.
func (c *Config) LoadFromEnv() error {
	strs := []struct {
		key string
		dst *string
	}{
		{"DFPP_BUCKET", &c.Bucket},
		{"DFPP_PROJECT", &c.Project},
		{"DFPP_LOG_LEVEL", &c.LogLevel},
		{"DFPP_CACHE_DIR", &c.CacheDir},
		{"DFPP_REDIS_URL", &c.RedisURL},
		{"DFPP_POSTGRES_DSN", &c.PostgresDSN},
		{"DFPP_ERROR_REPORT", &c.ErrorReport},
		{"DFPP_METRICS_ADDR", &c.MetricsAddr},
		{"DFPP_SCHEDULE", &c.Schedule},
		{"DFPP_UNIVERSE_PATH", &c.Universe.Path},
		{"DFPP_UNIVERSE_KEY_COLUMN", &c.Universe.KeyColumn},
	}
	for _, s := range strs {
		setString(s.dst, os.Getenv(s.key))
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"DFPP_CHUNK_SIZE", &c.Download.ChunkSize},
		{"DFPP_MAX_RETRIES", &c.Download.MaxRetries},
		{"DFPP_TRANSFORM_CONCURRENCY", &c.Transform.Concurrency},
	}
	for _, i := range ints {
		v := os.Getenv(i.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", i.key, err)
		}
		*i.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"DFPP_REQUEST_TIMEOUT", &c.Download.RequestTimeout},
		{"DFPP_CHUNK_SLACK", &c.Download.ChunkSlack},
		{"DFPP_ACK_TIMEOUT", &c.Download.AckTimeout},
		{"DFPP_RETRY_BACKOFF", &c.Download.Retry.Backoff},
		{"DFPP_RETRY_MAX_BACKOFF", &c.Download.Retry.MaxBackoff},
		{"DFPP_TRANSFORM_TIMEOUT", &c.Transform.Timeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if v := os.Getenv("DFPP_MIN_BYTES"); v != "" {
		size, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse DFPP_MIN_BYTES: %w", err)
		}
		c.Download.MinBytes = size
	}
	if v := os.Getenv("DFPP_PROGRESS"); v != "" {
		c.Download.Progress = v == "true" || v == "1"
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("config: bucket is required")
	}
	if c.Project == "" {
		return errors.New("config: project is required")
	}
	if c.Download.ChunkSize <= 0 {
		return errors.New("config: download.chunk_size must be positive")
	}
	if c.Download.RequestTimeout <= 0 {
		return errors.New("config: download.request_timeout must be positive")
	}
	if c.Download.MaxRetries <= 0 {
		return errors.New("config: download.max_retries must be positive")
	}
	if c.Download.ChunkSlack < 0 || c.Download.AckTimeout < 0 {
		return errors.New("config: download.chunk_slack and download.ack_timeout must not be negative")
	}
	if c.Download.Retry.Backoff < 0 {
		return errors.New("config: download.retry.backoff must not be negative")
	}
	if c.Transform.Concurrency <= 0 {
		return errors.New("config: transform.concurrency must be positive")
	}
	if c.Transform.Timeout <= 0 {
		return errors.New("config: transform.timeout must be positive")
	}
	if c.Universe.Path == "" {
		return errors.New("config: universe.path is required")
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	setString(&c.Bucket, override.Bucket)
	setString(&c.Project, override.Project)
	setString(&c.LogLevel, override.LogLevel)
	setString(&c.CacheDir, override.CacheDir)
	setString(&c.RedisURL, override.RedisURL)
	setString(&c.PostgresDSN, override.PostgresDSN)
	setString(&c.ErrorReport, override.ErrorReport)
	setString(&c.MetricsAddr, override.MetricsAddr)
	setString(&c.Schedule, override.Schedule)
	setString(&c.Universe.Path, override.Universe.Path)
	setString(&c.Universe.KeyColumn, override.Universe.KeyColumn)

	if override.Download.ChunkSize != 0 {
		c.Download.ChunkSize = override.Download.ChunkSize
	}
	if override.Download.RequestTimeout != 0 {
		c.Download.RequestTimeout = override.Download.RequestTimeout
	}
	if override.Download.ChunkSlack != 0 {
		c.Download.ChunkSlack = override.Download.ChunkSlack
	}
	if override.Download.AckTimeout != 0 {
		c.Download.AckTimeout = override.Download.AckTimeout
	}
	if override.Download.MaxRetries != 0 {
		c.Download.MaxRetries = override.Download.MaxRetries
	}
	if override.Download.MinBytes != 0 {
		c.Download.MinBytes = override.Download.MinBytes
	}
	if override.Download.Progress {
		c.Download.Progress = override.Download.Progress
	}
	if override.Download.Retry.Backoff != 0 {
		c.Download.Retry.Backoff = override.Download.Retry.Backoff
	}
	if override.Download.Retry.MaxBackoff != 0 {
		c.Download.Retry.MaxBackoff = override.Download.Retry.MaxBackoff
	}
	if override.Transform.Concurrency != 0 {
		c.Transform.Concurrency = override.Transform.Concurrency
	}
	if override.Transform.Timeout != 0 {
		c.Transform.Timeout = override.Transform.Timeout
	}
	return c
}
