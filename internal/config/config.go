// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Host                  string `mapstructure:"host"`
	Port                  int    `mapstructure:"port"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig selects the zap flavor and level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs job execution and the fetch retry policy. The
// values are copied into an immutable per-job snapshot at Start.
type CrawlerConfig struct {
	Workers             int     `mapstructure:"workers"`
	DefaultKeyword      string  `mapstructure:"default_keyword"`
	MaxPagesDefault     int     `mapstructure:"max_pages_default"`
	MaxPagesLimit       int     `mapstructure:"max_pages_limit"`
	ErrorRateCeiling    float64 `mapstructure:"error_rate_ceiling"`
	FetchTimeoutSeconds int     `mapstructure:"fetch_timeout_seconds"`
	MaxAttempts         int     `mapstructure:"max_attempts"`
	BackoffInitialMs    int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs        int     `mapstructure:"backoff_max_ms"`
}

// FetchTimeout returns the per-request timeout.
func (c CrawlerConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// BackoffInitial returns the first retry delay.
func (c CrawlerConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the retry delay ceiling.
func (c CrawlerConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// RateLimitConfig paces requests per target host. Jitter stretches the
// per-grant spacing by up to the given fraction of the delay; the global
// per-minute cap bounds throughput across all workers and jobs.
type RateLimitConfig struct {
	DelayMs         int     `mapstructure:"delay_ms"`
	JitterFraction  float64 `mapstructure:"jitter_fraction"`
	GlobalPerMinute int     `mapstructure:"global_per_minute"`
}

// Delay returns the minimum inter-request spacing per key.
func (c RateLimitConfig) Delay() time.Duration {
	return time.Duration(c.DelayMs) * time.Millisecond
}

// ProxyConfig describes the egress pool. With Enabled false every request
// goes out directly; Required additionally refuses to start jobs when the
// pool is empty.
type ProxyConfig struct {
	Enabled             bool     `mapstructure:"enabled"`
	Required            bool     `mapstructure:"required"`
	Addresses           []string `mapstructure:"addresses"`
	File                string   `mapstructure:"file"`
	FailurePenalty      float64  `mapstructure:"failure_penalty"`
	SuccessReward       float64  `mapstructure:"success_reward"`
	HealthFloor         float64  `mapstructure:"health_floor"`
	CooldownBaseSeconds int      `mapstructure:"cooldown_base_seconds"`
	CooldownMaxSeconds  int      `mapstructure:"cooldown_max_seconds"`
}

// CooldownBase returns the first cooldown window.
func (c ProxyConfig) CooldownBase() time.Duration {
	return time.Duration(c.CooldownBaseSeconds) * time.Second
}

// CooldownMax returns the cooldown ceiling.
func (c ProxyConfig) CooldownMax() time.Duration {
	return time.Duration(c.CooldownMaxSeconds) * time.Second
}

// LoadAddresses merges the inline address list with the optional proxy
// file (one address per line, # comments allowed).
func (c ProxyConfig) LoadAddresses() ([]string, error) {
	addrs := make([]string, 0, len(c.Addresses))
	addrs = append(addrs, c.Addresses...)
	if c.File == "" {
		return addrs, nil
	}
	data, err := os.ReadFile(c.File)
	if err != nil {
		return nil, fmt.Errorf("read proxy file %s: %w", c.File, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addrs = append(addrs, line)
	}
	return addrs, nil
}

// HeadlessConfig configures the browser renderer used for script-shell pages.
type HeadlessConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	MaxParallel       int  `mapstructure:"max_parallel"`
	NavTimeoutSeconds int  `mapstructure:"nav_timeout_seconds"`
}

// NavTimeout returns the navigation deadline.
func (c HeadlessConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSeconds) * time.Second
}

// DedupConfig controls the durable seen-set and content hygiene.
type DedupConfig struct {
	TTLHours         int `mapstructure:"ttl_hours"`
	MinContentLength int `mapstructure:"min_content_length"`
	MaxContentLength int `mapstructure:"max_content_length"`
}

// TTL returns how long seen keys are remembered.
func (c DedupConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// SinkConfig sizes the persistence queue and its retry policy.
type SinkConfig struct {
	QueueSize        int `mapstructure:"queue_size"`
	MaxAttempts      int `mapstructure:"max_attempts"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// BackoffInitial returns the first persistence retry delay.
func (c SinkConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the persistence retry delay ceiling.
func (c SinkConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// PostgresConfig controls access to the relational store. An empty DSN
// switches the service to in-memory stores (dev mode).
type PostgresConfig struct {
	DSN             string `mapstructure:"dsn"`
	NotesTable      string `mapstructure:"notes_table"`
	JobsTable       string `mapstructure:"jobs_table"`
	DeadLetterTable string `mapstructure:"dead_letter_table"`
}

// RedisConfig locates the dedup seen-set. An empty Addr switches dedup to
// the in-memory set (dev mode, no restart survival).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig selects the media blob store.
type StorageConfig struct {
	Provider    string `mapstructure:"provider"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	LocalDir    string `mapstructure:"local_dir"`
	MirrorMedia bool   `mapstructure:"mirror_media"`
}

// PubSubConfig holds metadata for lifecycle event publishing.
type PubSubConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ProjectID  string `mapstructure:"project_id"`
	NotesTopic string `mapstructure:"notes_topic"`
	JobsTopic  string `mapstructure:"jobs_topic"`
}

// SchedulerConfig drives periodic crawl runs.
type SchedulerConfig struct {
	Enabled bool            `mapstructure:"enabled"`
	Entries []ScheduleEntry `mapstructure:"entries"`
}

// ScheduleEntry is one recurring crawl.
type ScheduleEntry struct {
	Spider     string        `mapstructure:"spider"`
	Keyword    string        `mapstructure:"keyword"`
	MaxPages   int           `mapstructure:"max_pages"`
	Every      time.Duration `mapstructure:"every"`
	RunOnStart bool          `mapstructure:"run_on_start"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NOTECRAWLER")
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
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("crawler.workers", 3)
	v.SetDefault("crawler.default_keyword", "美妆")
	v.SetDefault("crawler.max_pages_default", 10)
	v.SetDefault("crawler.max_pages_limit", 100)
	v.SetDefault("crawler.error_rate_ceiling", 0.5)
	v.SetDefault("crawler.fetch_timeout_seconds", 30)
	v.SetDefault("crawler.max_attempts", 3)
	v.SetDefault("crawler.backoff_initial_ms", 500)
	v.SetDefault("crawler.backoff_max_ms", 10000)
	v.SetDefault("ratelimit.delay_ms", 2000)
	v.SetDefault("ratelimit.jitter_fraction", 0.5)
	v.SetDefault("ratelimit.global_per_minute", 30)
	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.required", false)
	v.SetDefault("proxy.failure_penalty", 20)
	v.SetDefault("proxy.success_reward", 5)
	v.SetDefault("proxy.health_floor", 30)
	v.SetDefault("proxy.cooldown_base_seconds", 30)
	v.SetDefault("proxy.cooldown_max_seconds", 600)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("dedup.ttl_hours", 168)
	v.SetDefault("dedup.min_content_length", 0)
	v.SetDefault("dedup.max_content_length", 50000)
	v.SetDefault("sink.queue_size", 256)
	v.SetDefault("sink.max_attempts", 5)
	v.SetDefault("sink.backoff_initial_ms", 1000)
	v.SetDefault("sink.backoff_max_ms", 30000)
	v.SetDefault("postgres.notes_table", "notes")
	v.SetDefault("postgres.jobs_table", "crawl_jobs")
	v.SetDefault("postgres.dead_letter_table", "dead_letters")
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.prefix", "notes")
	v.SetDefault("storage.mirror_media", true)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.notes_topic", "note-persisted")
	v.SetDefault("pubsub.jobs_topic", "job-finished")
	v.SetDefault("scheduler.enabled", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.MaxPagesLimit <= 0 {
		return fmt.Errorf("crawler.max_pages_limit must be > 0")
	}
	if c.Crawler.ErrorRateCeiling <= 0 || c.Crawler.ErrorRateCeiling > 1 {
		return fmt.Errorf("crawler.error_rate_ceiling must be in (0, 1]")
	}
	if c.Crawler.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.fetch_timeout_seconds must be > 0")
	}
	if c.Crawler.MaxAttempts <= 0 {
		return fmt.Errorf("crawler.max_attempts must be > 0")
	}
	if c.RateLimit.DelayMs < 0 {
		return fmt.Errorf("ratelimit.delay_ms must be >= 0")
	}
	if c.RateLimit.JitterFraction < 0 {
		return fmt.Errorf("ratelimit.jitter_fraction must be >= 0")
	}
	if c.Proxy.Required && !c.Proxy.Enabled {
		return fmt.Errorf("proxy.required needs proxy.enabled")
	}
	if c.Proxy.Required && len(c.Proxy.Addresses) == 0 && c.Proxy.File == "" {
		return fmt.Errorf("proxy.required needs proxy.addresses or proxy.file")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Sink.QueueSize <= 0 {
		return fmt.Errorf("sink.queue_size must be > 0")
	}
	if c.Sink.MaxAttempts <= 0 {
		return fmt.Errorf("sink.max_attempts must be > 0")
	}
	switch c.Storage.Provider {
	case "memory", "local", "gcs":
	default:
		return fmt.Errorf("storage.provider must be one of memory, local, gcs")
	}
	if c.Storage.Provider == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set for the gcs provider")
	}
	if c.Storage.Provider == "local" && c.Storage.LocalDir == "" {
		return fmt.Errorf("storage.local_dir must be set for the local provider")
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub is enabled")
	}
	for i, entry := range c.Scheduler.Entries {
		if entry.Spider == "" {
			return fmt.Errorf("scheduler.entries[%d].spider must be set", i)
		}
		if entry.Every <= 0 {
			return fmt.Errorf("scheduler.entries[%d].every must be > 0", i)
		}
	}
	return nil
}
