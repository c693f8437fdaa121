// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs. Values come from an
// optional config file overridden by environment variables; the env names
// follow the keys with dots replaced by underscores (fetcher.api_key ->
// FETCHER_API_KEY).
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	DB      DBConfig      `mapstructure:"db"`
	Redis   RedisConfig   `mapstructure:"redis"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Logging LoggingConfig `mapstructure:"logging"`
	Fetcher FetcherConfig `mapstructure:"fetcher"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Submit  SubmitConfig  `mapstructure:"submit"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Warmup  WarmupConfig  `mapstructure:"warmup"`
	Sweeper SweeperConfig `mapstructure:"sweeper"`
	Crawl   CrawlConfig   `mapstructure:"crawl"`

	MaxRetries int `mapstructure:"max_retries"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig guards the admin surface. The webhook route is never guarded;
// the fetcher cannot send credentials.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to PostgreSQL.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int32  `mapstructure:"max_open_conns"`
}

// RedisConfig enables the optional dedup cache when Addr is set.
type RedisConfig struct {
	Addr string `mapstructure:"addr"`
	DB   int    `mapstructure:"database"`
}

// PubSubConfig enables the scoring hand-off topic when both are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ArchiveConfig sets where suspected block pages are written.
type ArchiveConfig struct {
	Dir string `mapstructure:"dir"`
}

// LoggingConfig toggles zap development output.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// FetcherConfig points at the remote browser fetcher.
type FetcherConfig struct {
	APIKey            string `mapstructure:"api_key"`
	BaseURL           string `mapstructure:"base_url"`
	SubmitTimeoutSecs int    `mapstructure:"submit_timeout_seconds"`
	FetchTimeoutSecs  int    `mapstructure:"fetch_timeout_seconds"`
}

// WebhookConfig holds our public callback origin and the ingress budget.
type WebhookConfig struct {
	BaseURL            string `mapstructure:"base_url"`
	IngressTimeoutSecs int    `mapstructure:"ingress_timeout_seconds"`
}

// SubmitConfig bounds the random pacing delay between submissions.
type SubmitConfig struct {
	DelayMinSeconds int `mapstructure:"delay_min_seconds"`
	DelayMaxSeconds int `mapstructure:"delay_max_seconds"`
}

// RetryConfig parameterizes the jittered exponential backoff.
type RetryConfig struct {
	BaseSeconds   int `mapstructure:"base_seconds"`
	JitterSeconds int `mapstructure:"jitter_seconds"`
}

// WarmupConfig gates pacing until the queue has entropy to shuffle.
type WarmupConfig struct {
	QueueDepth int `mapstructure:"queue_depth"`
}

// SweeperConfig controls the crash-recovery safety net.
type SweeperConfig struct {
	IntervalSeconds  int `mapstructure:"interval_seconds"`
	StaleAfterMins   int `mapstructure:"stale_after_minutes"`
	SelfTestWaitSecs int `mapstructure:"selftest_wait_seconds"`
}

// CrawlConfig bounds discovery expansion.
type CrawlConfig struct {
	MaxPagesPerKeyword int `mapstructure:"max_pages_per_keyword"`
	RulesCacheTTLSecs  int `mapstructure:"rules_cache_ttl_seconds"`
}

// Load builds a Config from an optional file plus environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
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
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 8)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.database", 0)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("archive.dir", "data/debug/blocked_html")
	v.SetDefault("logging.development", false)
	v.SetDefault("fetcher.api_key", "")
	v.SetDefault("fetcher.base_url", "https://engine.v2.serpwatch.io/api")
	v.SetDefault("fetcher.submit_timeout_seconds", 10)
	v.SetDefault("fetcher.fetch_timeout_seconds", 30)
	v.SetDefault("webhook.base_url", "")
	v.SetDefault("webhook.ingress_timeout_seconds", 5)
	v.SetDefault("submit.delay_min_seconds", 5)
	v.SetDefault("submit.delay_max_seconds", 15)
	v.SetDefault("retry.base_seconds", 900)
	v.SetDefault("retry.jitter_seconds", 300)
	v.SetDefault("max_retries", 3)
	v.SetDefault("warmup.queue_depth", 15)
	v.SetDefault("sweeper.interval_seconds", 60)
	v.SetDefault("sweeper.stale_after_minutes", 30)
	v.SetDefault("sweeper.selftest_wait_seconds", 120)
	v.SetDefault("crawl.max_pages_per_keyword", 10)
	v.SetDefault("crawl.rules_cache_ttl_seconds", 30)
}

// Validate enforces required values and sane bounds.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Submit.DelayMinSeconds < 0 || c.Submit.DelayMaxSeconds < c.Submit.DelayMinSeconds {
		return fmt.Errorf("submit delay bounds are inverted")
	}
	if c.Retry.BaseSeconds <= 0 {
		return fmt.Errorf("retry.base_seconds must be > 0")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if c.Warmup.QueueDepth < 0 {
		return fmt.Errorf("warmup.queue_depth must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// SubmitDelayBounds returns the pacing window as durations.
func (c Config) SubmitDelayBounds() (time.Duration, time.Duration) {
	return time.Duration(c.Submit.DelayMinSeconds) * time.Second,
		time.Duration(c.Submit.DelayMaxSeconds) * time.Second
}

// RetryBase returns the backoff base as a duration.
func (c Config) RetryBase() time.Duration {
	return time.Duration(c.Retry.BaseSeconds) * time.Second
}

// RetryJitter returns the backoff jitter cap as a duration.
func (c Config) RetryJitter() time.Duration {
	return time.Duration(c.Retry.JitterSeconds) * time.Second
}
