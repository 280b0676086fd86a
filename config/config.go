package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Quoteflow QuoteflowConfig `yaml:"quoteflow"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Feed      FeedConfig      `yaml:"feed"`
	Ingress   IngressConfig   `yaml:"ingress"`
	Limiter   LimiterConfig   `yaml:"limiter"`
	Window    WindowConfig    `yaml:"window"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type QuoteflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	RawBuffer       int `yaml:"raw_buffer"`
	AnnotatedBuffer int `yaml:"annotated_buffer"`
}

// FeedConfig selects and configures the upstream quote source. Source is
// either "alpaca" (live websocket stream, credentials from the environment)
// or "sim" (synthetic random-walk quotes for the configured symbols).
type FeedConfig struct {
	Source           string   `yaml:"source"`
	URL              string   `yaml:"url"`
	Symbols          []string `yaml:"symbols"`
	ReconnectDelayMs int      `yaml:"reconnect_delay_ms"`
	SimIntervalMs    int      `yaml:"sim_interval_ms"`
}

func (f FeedConfig) ReconnectDelay() time.Duration {
	return time.Duration(f.ReconnectDelayMs) * time.Millisecond
}

func (f FeedConfig) SimInterval() time.Duration {
	return time.Duration(f.SimIntervalMs) * time.Millisecond
}

// IngressConfig caps the total rate at which raw quotes enter the pipeline,
// before any per-symbol smoothing.
type IngressConfig struct {
	MaxUpdatesPerSecond float64 `yaml:"max_updates_per_second"`
	Burst               int     `yaml:"burst"`
}

// LimiterConfig describes the per-symbol admission bucket. The drain loop
// forwards at most DrainBatch quotes per DrainInterval; the replenish loop
// grows the admission threshold by one every 1/RefreshPerSecond seconds
// while the queue sits below IdleCapacity. MaxThreshold caps that growth;
// zero leaves it uncapped.
type LimiterConfig struct {
	IdleCapacity     int     `yaml:"idle_capacity"`
	RefreshPerSecond float64 `yaml:"refresh_per_second"`
	DrainBatch       int     `yaml:"drain_batch"`
	DrainIntervalMs  int     `yaml:"drain_interval_ms"`
	MaxThreshold     int     `yaml:"max_threshold"`
}

func (l LimiterConfig) DrainInterval() time.Duration {
	return time.Duration(l.DrainIntervalMs) * time.Millisecond
}

// DrainQuantum is the pause between drain iterations: DrainInterval split
// evenly across the batch.
func (l LimiterConfig) DrainQuantum() time.Duration {
	batch := l.DrainBatch
	if batch < 1 {
		batch = 1
	}
	return l.DrainInterval() / time.Duration(batch)
}

// RefreshPeriod is the pause between replenish iterations.
func (l LimiterConfig) RefreshPeriod() time.Duration {
	return time.Duration(float64(time.Second) / l.RefreshPerSecond)
}

type WindowConfig struct {
	DurationSeconds int `yaml:"duration_seconds"`
}

func (w WindowConfig) Duration() time.Duration {
	return time.Duration(w.DurationSeconds) * time.Second
}

type ServerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Addr           string `yaml:"addr"`
	WriteTimeoutMs int    `yaml:"write_timeout_ms"`
	PongTimeoutMs  int    `yaml:"pong_timeout_ms"`
	PingPeriodMs   int    `yaml:"ping_period_ms"`
}

func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMs) * time.Millisecond
}

func (s ServerConfig) PongTimeout() time.Duration {
	return time.Duration(s.PongTimeoutMs) * time.Millisecond
}

func (s ServerConfig) PingPeriod() time.Duration {
	return time.Duration(s.PingPeriodMs) * time.Millisecond
}

type StorageConfig struct {
	Redis   RedisConfig   `yaml:"redis"`
	S3      S3Config      `yaml:"s3"`
	Archive ArchiveConfig `yaml:"archive"`
}

type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	Channel   string `yaml:"channel"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type ArchiveConfig struct {
	BatchSize       int    `yaml:"batch_size"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
	Compression     string `yaml:"compression"`
}

func (a ArchiveConfig) FlushInterval() time.Duration {
	return time.Duration(a.FlushIntervalMs) * time.Millisecond
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, "config/config.yml", map[string]string{
		environmentProduction: "config/config.production.yml",
		environmentStaging:    "config/config.staging.yml",
	})

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Channels: ChannelsConfig{RawBuffer: 1000, AnnotatedBuffer: 1000},
		Feed: FeedConfig{
			Source:           "sim",
			ReconnectDelayMs: 5000,
			SimIntervalMs:    10,
		},
		Ingress: IngressConfig{MaxUpdatesPerSecond: 100, Burst: 1},
		Limiter: LimiterConfig{
			IdleCapacity:     2,
			RefreshPerSecond: 0.2,
			DrainBatch:       2,
			DrainIntervalMs:  1000,
		},
		Window:  WindowConfig{DurationSeconds: 60},
		Server:  ServerConfig{Addr: ":8000", WriteTimeoutMs: 5000, PongTimeoutMs: 60000, PingPeriodMs: 50000},
		Storage: StorageConfig{Archive: ArchiveConfig{BatchSize: 50, FlushIntervalMs: 30000}},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	for i, s := range config.Feed.Symbols {
		config.Feed.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Quoteflow.Name == "" {
		return fmt.Errorf("quoteflow.name is required")
	}
	if cfg.Quoteflow.Version == "" {
		return fmt.Errorf("quoteflow.version is required")
	}

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}
	if cfg.Channels.AnnotatedBuffer <= 0 {
		return fmt.Errorf("channels.annotated_buffer must be greater than 0")
	}

	switch cfg.Feed.Source {
	case "alpaca":
		if cfg.Feed.URL == "" {
			return fmt.Errorf("feed.url is required when feed.source is alpaca")
		}
	case "sim":
	default:
		return fmt.Errorf("feed.source '%s' is invalid", cfg.Feed.Source)
	}
	if len(cfg.Feed.Symbols) == 0 {
		return fmt.Errorf("feed.symbols must not be empty")
	}

	if cfg.Ingress.MaxUpdatesPerSecond <= 0 {
		return fmt.Errorf("ingress.max_updates_per_second must be greater than 0")
	}

	if cfg.Limiter.IdleCapacity <= 0 {
		return fmt.Errorf("limiter.idle_capacity must be greater than 0")
	}
	if cfg.Limiter.RefreshPerSecond <= 0 {
		return fmt.Errorf("limiter.refresh_per_second must be greater than 0")
	}
	if cfg.Limiter.DrainBatch <= 0 {
		return fmt.Errorf("limiter.drain_batch must be greater than 0")
	}
	if cfg.Limiter.DrainIntervalMs <= 0 {
		return fmt.Errorf("limiter.drain_interval_ms must be greater than 0")
	}
	if cfg.Limiter.MaxThreshold < 0 {
		return fmt.Errorf("limiter.max_threshold must not be negative")
	}
	if cfg.Limiter.MaxThreshold > 0 && cfg.Limiter.MaxThreshold < cfg.Limiter.IdleCapacity {
		return fmt.Errorf("limiter.max_threshold must be at least limiter.idle_capacity")
	}

	if cfg.Window.DurationSeconds <= 0 {
		return fmt.Errorf("window.duration_seconds must be greater than 0")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
		if cfg.Storage.Archive.BatchSize <= 0 {
			return fmt.Errorf("storage.archive.batch_size must be greater than 0")
		}
		if cfg.Storage.Archive.FlushIntervalMs <= 0 {
			return fmt.Errorf("storage.archive.flush_interval_ms must be greater than 0")
		}
	}

	if cfg.Storage.Redis.Enabled && cfg.Storage.Redis.Addr == "" {
		return fmt.Errorf("storage.redis.addr is required when redis is enabled")
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
