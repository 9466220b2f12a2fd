// Package config loads and validates scrapper configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Credential store backends.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// Media mirror targets.
const (
	MirrorGCS = "gcs"
	MirrorS3  = "s3"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Browser     BrowserConfig     `mapstructure:"browser"`
	Scroll      ScrollConfig      `mapstructure:"scroll"`
	Extract     ExtractConfig     `mapstructure:"extract"`
	Media       MediaConfig       `mapstructure:"media"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Proxy       ProxyConfig       `mapstructure:"proxy"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// BrowserConfig configures the per-job Chrome sessions.
type BrowserConfig struct {
	Headless          bool   `mapstructure:"headless"`
	ExecPath          string `mapstructure:"exec_path"`
	UserDataDir       string `mapstructure:"user_data_dir"`
	UserAgent         string `mapstructure:"user_agent"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	CookieDomain      string `mapstructure:"cookie_domain"`
	GroupURLTemplate  string `mapstructure:"group_url_template"`
	FeedEndpoint      string `mapstructure:"feed_endpoint"`
	MaxParallel       int    `mapstructure:"max_parallel"`
}

// ScrollConfig bounds the scroll loop.
type ScrollConfig struct {
	MinStep              int     `mapstructure:"min_step"`
	MaxStep              int     `mapstructure:"max_step"`
	MinDelayMs           int     `mapstructure:"min_delay_ms"`
	MaxDelayMs           int     `mapstructure:"max_delay_ms"`
	LongPauseProbability float64 `mapstructure:"long_pause_probability"`
	LongPauseMinMs       int     `mapstructure:"long_pause_min_ms"`
	LongPauseMaxMs       int     `mapstructure:"long_pause_max_ms"`
	StuckLimit           int     `mapstructure:"stuck_limit"`
	StaleLimit           int     `mapstructure:"stale_limit"`
	MaxDurationSeconds   int     `mapstructure:"max_duration_seconds"`
	MaxIterations        int     `mapstructure:"max_iterations"`
}

// ExtractConfig tunes feed record extraction.
type ExtractConfig struct {
	MaxDepth int `mapstructure:"max_depth"`
}

// MediaConfig configures image download, storage and retention.
type MediaConfig struct {
	Dir                  string  `mapstructure:"dir"`
	PublicPrefix         string  `mapstructure:"public_prefix"`
	DefaultExtension     string  `mapstructure:"default_extension"`
	FetchTimeoutSeconds  int     `mapstructure:"fetch_timeout_seconds"`
	MaxBytes             int     `mapstructure:"max_bytes"`
	UserAgent            string  `mapstructure:"user_agent"`
	Concurrency          int     `mapstructure:"concurrency"`
	RPS                  float64 `mapstructure:"rps"`
	Burst                int     `mapstructure:"burst"`
	RetentionHours       int     `mapstructure:"retention_hours"`
	SweepIntervalMinutes int     `mapstructure:"sweep_interval_minutes"`
	ThumbnailWidth       int     `mapstructure:"thumbnail_width"`
	Mirror               string  `mapstructure:"mirror"`
	MirrorPrefix         string  `mapstructure:"mirror_prefix"`
	GCSBucket            string  `mapstructure:"gcs_bucket"`
	S3Bucket             string  `mapstructure:"s3_bucket"`
	S3Region             string  `mapstructure:"s3_region"`
	S3Endpoint           string  `mapstructure:"s3_endpoint"`
	S3PathStyle          bool    `mapstructure:"s3_path_style"`
}

// CredentialsConfig selects the per-user session config backend.
type CredentialsConfig struct {
	Backend       string `mapstructure:"backend"`
	FilePath      string `mapstructure:"file_path"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
}

// ProxyConfig points at the sticky lease pool.
type ProxyConfig struct {
	PoolURL        string `mapstructure:"pool_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// NotifyConfig controls webhook delivery.
type NotifyConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// PubSubConfig holds metadata for completion events.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// DatabaseConfig controls the optional Postgres mirror.
type DatabaseConfig struct {
	DSN           string `mapstructure:"dsn"`
	SnapshotTable string `mapstructure:"snapshot_table"`
	PostTable     string `mapstructure:"post_table"`
	MaxConns      int32  `mapstructure:"max_conns"`
	MinConns      int32  `mapstructure:"min_conns"`
}

// TelemetryConfig controls trace export.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPPER")
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
	v.SetDefault("server.port", 3000)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_data_dir", "userData")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.nav_timeout_seconds", 60)
	v.SetDefault("browser.cookie_domain", ".facebook.com")
	v.SetDefault("browser.group_url_template", "https://www.facebook.com/groups/%s/?sorting_setting=CHRONOLOGICAL")
	v.SetDefault("browser.feed_endpoint", "/api/graphql")
	v.SetDefault("browser.max_parallel", 0)

	v.SetDefault("scroll.min_step", 400)
	v.SetDefault("scroll.max_step", 800)
	v.SetDefault("scroll.min_delay_ms", 500)
	v.SetDefault("scroll.max_delay_ms", 1500)
	v.SetDefault("scroll.long_pause_probability", 0.15)
	v.SetDefault("scroll.long_pause_min_ms", 1000)
	v.SetDefault("scroll.long_pause_max_ms", 2000)
	v.SetDefault("scroll.stuck_limit", 5)
	v.SetDefault("scroll.stale_limit", 10)
	v.SetDefault("scroll.max_duration_seconds", 0)
	v.SetDefault("scroll.max_iterations", 0)

	v.SetDefault("extract.max_depth", 64)

	v.SetDefault("media.dir", "public/images")
	v.SetDefault("media.public_prefix", "/images")
	v.SetDefault("media.default_extension", "jpg")
	v.SetDefault("media.fetch_timeout_seconds", 30)
	v.SetDefault("media.max_bytes", 25<<20)
	v.SetDefault("media.user_agent", "")
	v.SetDefault("media.concurrency", 4)
	v.SetDefault("media.rps", 0)
	v.SetDefault("media.burst", 1)
	v.SetDefault("media.retention_hours", 24)
	v.SetDefault("media.sweep_interval_minutes", 60)
	v.SetDefault("media.thumbnail_width", 0)
	v.SetDefault("media.mirror", "")
	v.SetDefault("media.mirror_prefix", "images")
	v.SetDefault("media.gcs_bucket", "")
	v.SetDefault("media.s3_bucket", "")
	v.SetDefault("media.s3_region", "")
	v.SetDefault("media.s3_endpoint", "")
	v.SetDefault("media.s3_path_style", false)

	v.SetDefault("credentials.backend", BackendFile)
	v.SetDefault("credentials.file_path", "configs/session-configs.json")
	v.SetDefault("credentials.redis_addr", "")
	v.SetDefault("credentials.redis_password", "")
	v.SetDefault("credentials.redis_db", 0)
	v.SetDefault("credentials.redis_prefix", "scrapper")

	v.SetDefault("proxy.pool_url", "")
	v.SetDefault("proxy.timeout_seconds", 15)

	v.SetDefault("notify.timeout_seconds", 30)

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.snapshot_table", "scrape_jobs")
	v.SetDefault("database.post_table", "scraped_posts")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)

	v.SetDefault("telemetry.service_name", "facebook-group-post-scrapper")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Browser.MaxParallel < 0 {
		return fmt.Errorf("browser.max_parallel must be >= 0")
	}
	if c.Scroll.MinStep <= 0 || c.Scroll.MinStep > c.Scroll.MaxStep {
		return fmt.Errorf("scroll.min_step must be > 0 and <= scroll.max_step")
	}
	if c.Scroll.MinDelayMs < 0 || c.Scroll.MinDelayMs > c.Scroll.MaxDelayMs {
		return fmt.Errorf("scroll.min_delay_ms must be >= 0 and <= scroll.max_delay_ms")
	}
	if c.Scroll.LongPauseMinMs < 0 || c.Scroll.LongPauseMinMs > c.Scroll.LongPauseMaxMs {
		return fmt.Errorf("scroll.long_pause_min_ms must be >= 0 and <= scroll.long_pause_max_ms")
	}
	if c.Scroll.LongPauseProbability < 0 || c.Scroll.LongPauseProbability > 1 {
		return fmt.Errorf("scroll.long_pause_probability must be within [0, 1]")
	}
	if c.Scroll.StuckLimit < 1 || c.Scroll.StaleLimit < 1 {
		return fmt.Errorf("scroll.stuck_limit and scroll.stale_limit must be >= 1")
	}
	if c.Scroll.MaxDurationSeconds < 0 || c.Scroll.MaxIterations < 0 {
		return fmt.Errorf("scroll.max_duration_seconds and scroll.max_iterations must be >= 0")
	}
	if c.Media.Dir == "" {
		return fmt.Errorf("media.dir must be set")
	}
	if c.Media.RetentionHours <= 0 || c.Media.SweepIntervalMinutes <= 0 {
		return fmt.Errorf("media.retention_hours and media.sweep_interval_minutes must be > 0")
	}
	switch c.Media.Mirror {
	case "":
	case MirrorGCS:
		if c.Media.GCSBucket == "" {
			return fmt.Errorf("media.gcs_bucket must be set when media.mirror is gcs")
		}
	case MirrorS3:
		if c.Media.S3Bucket == "" || c.Media.S3Region == "" {
			return fmt.Errorf("media.s3_bucket and media.s3_region must be set when media.mirror is s3")
		}
	default:
		return fmt.Errorf("media.mirror %q is not supported", c.Media.Mirror)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	switch c.Credentials.Backend {
	case BackendFile:
		if c.Credentials.FilePath == "" {
			return fmt.Errorf("credentials.file_path must be set for the file backend")
		}
	case BackendRedis:
		if c.Credentials.RedisAddr == "" {
			return fmt.Errorf("credentials.redis_addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("credentials.backend %q is not supported", c.Credentials.Backend)
	}
	return nil
}

// NavTimeout returns the browser navigation timeout.
func (c BrowserConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSeconds) * time.Second
}

// Retention returns how long downloaded media is kept.
func (c MediaConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// SweepInterval returns the period between retention sweeps.
func (c MediaConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

// FetchTimeout returns the per-image download timeout.
func (c MediaConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}
