// Package config loads application configuration from environment
// variables via viper. Every knob has a default so the binary runs with an
// empty environment.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Env     string
	Poll    PollConfig
	Cache   CacheConfig
	Stream  StreamConfig
	Redis   RedisConfig
	Storage StorageConfig
	Logging LoggingConfig
}

// PollConfig controls the consolidated poll loop.
type PollConfig struct {
	Provider        string
	IntervalSec     int
	FetchTimeoutSec int
	RateLimitPerMin int
}

// Interval returns the poll interval as a duration.
func (p PollConfig) Interval() time.Duration { return time.Duration(p.IntervalSec) * time.Second }

// FetchTimeout returns the per-fetch deadline as a duration.
func (p PollConfig) FetchTimeout() time.Duration {
	return time.Duration(p.FetchTimeoutSec) * time.Second
}

// CacheConfig sets per-entity-class TTLs.
type CacheConfig struct {
	QuoteTTLSec      int
	ReferenceTTLMin  int
	JanitorPeriodSec int
}

// StreamConfig controls the WebSocket transport and book freshness gates.
// Tickers is the instrument set to stream at startup; empty disables the
// stream entirely.
type StreamConfig struct {
	URL              string
	Tickers          []string
	HeartbeatSec     int
	BackoffInitialMs int
	BackoffMaxSec    int
	StaleThresholdMs int
	CoolOffSec       int
	LoadWorkers      int
}

// RedisConfig holds Redis connection settings for the best-quote writer.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Enabled  bool
}

// StorageConfig holds the quote-history archive settings.
type StorageConfig struct {
	Path     string
	Enabled  bool
	KeepDays int
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level string
	File  string
}

// Load reads configuration from environment variables prefixed MARKETMUX_.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MARKETMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("env", "development")

	// Poll defaults
	v.SetDefault("poll.provider", "sim")
	v.SetDefault("poll.interval_sec", 5)
	v.SetDefault("poll.fetch_timeout_sec", 10)
	v.SetDefault("poll.rate_limit_per_min", 0)

	// Cache defaults
	v.SetDefault("cache.quote_ttl_sec", 30)
	v.SetDefault("cache.reference_ttl_min", 10)
	v.SetDefault("cache.janitor_period_sec", 60)

	// Stream defaults
	v.SetDefault("stream.url", "wss://api.elections.kalshi.com/trade-api/ws/v2")
	v.SetDefault("stream.tickers", "")
	v.SetDefault("stream.heartbeat_sec", 30)
	v.SetDefault("stream.backoff_initial_ms", 50)
	v.SetDefault("stream.backoff_max_sec", 5)
	v.SetDefault("stream.stale_threshold_ms", 1000)
	v.SetDefault("stream.cool_off_sec", 2)
	v.SetDefault("stream.load_workers", 3)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.enabled", false)

	// Storage defaults
	v.SetDefault("storage.path", "data/marketmux.db")
	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.keep_days", 7)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "logs/marketmux.log")

	cfg := &Config{
		Env: v.GetString("env"),
		Poll: PollConfig{
			Provider:        v.GetString("poll.provider"),
			IntervalSec:     v.GetInt("poll.interval_sec"),
			FetchTimeoutSec: v.GetInt("poll.fetch_timeout_sec"),
			RateLimitPerMin: v.GetInt("poll.rate_limit_per_min"),
		},
		Cache: CacheConfig{
			QuoteTTLSec:      v.GetInt("cache.quote_ttl_sec"),
			ReferenceTTLMin:  v.GetInt("cache.reference_ttl_min"),
			JanitorPeriodSec: v.GetInt("cache.janitor_period_sec"),
		},
		Stream: StreamConfig{
			URL:              v.GetString("stream.url"),
			Tickers:          splitList(v.GetString("stream.tickers")),
			HeartbeatSec:     v.GetInt("stream.heartbeat_sec"),
			BackoffInitialMs: v.GetInt("stream.backoff_initial_ms"),
			BackoffMaxSec:    v.GetInt("stream.backoff_max_sec"),
			StaleThresholdMs: v.GetInt("stream.stale_threshold_ms"),
			CoolOffSec:       v.GetInt("stream.cool_off_sec"),
			LoadWorkers:      v.GetInt("stream.load_workers"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Enabled:  v.GetBool("redis.enabled"),
		},
		Storage: StorageConfig{
			Path:     v.GetString("storage.path"),
			Enabled:  v.GetBool("storage.enabled"),
			KeepDays: v.GetInt("storage.keep_days"),
		},
		Logging: LoggingConfig{
			Level: v.GetString("logging.level"),
			File:  v.GetString("logging.file"),
		},
	}

	return cfg, nil
}

// splitList parses a comma-separated env value into a slice, dropping
// empty elements.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
