// Package config loads and validates service configuration via Viper.
// Values come from an optional YAML file, TENDERCRAWL_* environment
// variables and built-in defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/procurewatch/tendercrawl/internal/portal"
	"github.com/procurewatch/tendercrawl/internal/retry"
)

// Config captures every tuning knob of the service.
type Config struct {
	Env       string          `mapstructure:"env"`
	Portal    PortalConfig    `mapstructure:"portal"`
	Governor  GovernorConfig  `mapstructure:"governor"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Documents DocumentsConfig `mapstructure:"documents"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Trace     TraceConfig     `mapstructure:"trace"`
	API       APIConfig       `mapstructure:"api"`
	Targets   []TargetConfig  `mapstructure:"targets"`
}

// PortalConfig locates the portal and shapes browser behavior against it.
type PortalConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	UserAgent        string        `mapstructure:"user_agent"`
	Headless         bool          `mapstructure:"headless"`
	NavigateTimeout  time.Duration `mapstructure:"navigate_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	RequestsPerSec   float64       `mapstructure:"requests_per_sec"`
	Burst            int           `mapstructure:"burst"`
}

// GovernorConfig sizes the automation-context pool.
type GovernorConfig struct {
	MemoryCeilingMB      int           `mapstructure:"memory_ceiling_mb"`
	ContextFootprintMB   int           `mapstructure:"context_footprint_mb"`
	MaxLeases            int           `mapstructure:"max_leases"`
	WatermarkFraction    float64       `mapstructure:"watermark_fraction"`
	SafetyMarginFraction float64       `mapstructure:"safety_margin_fraction"`
	SampleInterval       time.Duration `mapstructure:"sample_interval"`
	EvictAfterBreaches   int           `mapstructure:"evict_after_breaches"`
}

// CrawlConfig tunes target runs.
type CrawlConfig struct {
	MaxConcurrentTargets int           `mapstructure:"max_concurrent_targets"`
	PageLimit            int           `mapstructure:"page_limit"`
	ForceFullScan        bool          `mapstructure:"force_full_scan"`
	DetectionWindow      int           `mapstructure:"detection_window"`
	RecoveryCap          int           `mapstructure:"recovery_cap"`
	MaxConsecutiveSkips  int           `mapstructure:"max_consecutive_skips"`
	BatchMaxRecords      int           `mapstructure:"batch_max_records"`
	BatchMaxAge          time.Duration `mapstructure:"batch_max_age"`
	FlushTimeout         time.Duration `mapstructure:"flush_timeout"`
	Retry                RetryConfig   `mapstructure:"retry"`
}

// RetryConfig shapes one backoff policy.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	Multiplier     float64       `mapstructure:"multiplier"`
	JitterFraction float64       `mapstructure:"jitter_fraction"`
}

// Policy converts the config block into a retry policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    r.MaxAttempts,
		BaseDelay:      r.BaseDelay,
		MaxDelay:       r.MaxDelay,
		Multiplier:     r.Multiplier,
		JitterFraction: r.JitterFraction,
	}
}

// DocumentsConfig tunes the document extraction pipeline.
type DocumentsConfig struct {
	Workers       int           `mapstructure:"workers"`
	ClaimBatch    int           `mapstructure:"claim_batch"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	PdftotextPath string        `mapstructure:"pdftotext_path"`
	MaxSizeMB     int           `mapstructure:"max_size_mb"`
}

// EmbeddingConfig points at an OpenAI-compatible embeddings endpoint.
type EmbeddingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	Dimensions int           `mapstructure:"dimensions"`
	BatchSize  int           `mapstructure:"batch_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig selects and sizes the persistence backend.
type DatabaseConfig struct {
	Provider        string        `mapstructure:"provider"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// BlobConfig selects the archive destination for raw document payloads.
type BlobConfig struct {
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	LocalDir string `mapstructure:"local_dir"`
}

// PublisherConfig selects the downstream notification channel.
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ProgressConfig sizes the event hub.
type ProgressConfig struct {
	Buffer        int           `mapstructure:"buffer"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	SinkTimeout   time.Duration `mapstructure:"sink_timeout"`
}

// TraceConfig controls the navigation-leg trace recorder.
type TraceConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

// APIConfig shapes the operator HTTP surface.
type APIConfig struct {
	Port            int           `mapstructure:"port"`
	AuthEnabled     bool          `mapstructure:"auth_enabled"`
	APIKey          string        `mapstructure:"api_key"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// TargetConfig declares one crawl target in the config file. Year and
// from/to are mutually exclusive, matching the portal's filter forms.
type TargetConfig struct {
	Category string `mapstructure:"category"`
	Year     int    `mapstructure:"year"`
	From     string `mapstructure:"from"`
	To       string `mapstructure:"to"`
	Mode     string `mapstructure:"mode"`
}

// dateLayout is the format for from/to dates in config files.
const dateLayout = "2006-01-02"

// CrawlTarget converts the declaration into a validated portal target.
func (t TargetConfig) CrawlTarget() (portal.CrawlTarget, error) {
	target := portal.CrawlTarget{
		Category: portal.Category(t.Category),
		Mode:     portal.FilterMode(t.Mode),
	}
	if target.Mode == "" {
		target.Mode = portal.FilterModeModal
	}
	switch {
	case t.Year != 0 && (t.From != "" || t.To != ""):
		return portal.CrawlTarget{}, fmt.Errorf("target %s: year and from/to are mutually exclusive", t.Category)
	case t.Year != 0:
		target.Window = portal.YearWindow(t.Year)
	case t.From != "" && t.To != "":
		from, err := time.Parse(dateLayout, t.From)
		if err != nil {
			return portal.CrawlTarget{}, fmt.Errorf("target %s: parse from date: %w", t.Category, err)
		}
		to, err := time.Parse(dateLayout, t.To)
		if err != nil {
			return portal.CrawlTarget{}, fmt.Errorf("target %s: parse to date: %w", t.Category, err)
		}
		target.Window = portal.RangeWindow(from, to)
	default:
		return portal.CrawlTarget{}, fmt.Errorf("target %s: either year or from and to are required", t.Category)
	}
	if err := target.Validate(); err != nil {
		return portal.CrawlTarget{}, fmt.Errorf("target %s: %w", t.Category, err)
	}
	return target, nil
}

// CrawlTargets converts every declared target, failing on the first invalid
// one.
func (c *Config) CrawlTargets() ([]portal.CrawlTarget, error) {
	targets := make([]portal.CrawlTarget, 0, len(c.Targets))
	for _, tc := range c.Targets {
		target, err := tc.CrawlTarget()
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	return targets, nil
}

// Load reads configuration from the given file (optional when empty, then
// the usual search paths apply), layers environment variables over it and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TENDERCRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("tendercrawl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tendercrawl/")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces cross-field limits before any service starts.
func (c *Config) Validate() error {
	if c.Portal.BaseURL == "" {
		return fmt.Errorf("portal.base_url is required")
	}
	if c.Governor.MemoryCeilingMB <= 0 || c.Governor.ContextFootprintMB <= 0 {
		return fmt.Errorf("governor.memory_ceiling_mb and governor.context_footprint_mb must be positive")
	}
	if c.Governor.ContextFootprintMB > c.Governor.MemoryCeilingMB {
		return fmt.Errorf("governor.context_footprint_mb %d exceeds governor.memory_ceiling_mb %d",
			c.Governor.ContextFootprintMB, c.Governor.MemoryCeilingMB)
	}
	if f := c.Governor.WatermarkFraction; f <= 0 || f > 1 {
		return fmt.Errorf("governor.watermark_fraction %v must be in (0, 1]", f)
	}
	if c.Crawl.RecoveryCap < 1 {
		return fmt.Errorf("crawl.recovery_cap must be at least 1")
	}
	if c.Crawl.DetectionWindow < 1 {
		return fmt.Errorf("crawl.detection_window must be at least 1")
	}

	switch c.Database.Provider {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.provider is postgres but database.dsn is not set")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database provider %q", c.Database.Provider)
	}

	switch c.Blob.Provider {
	case "gcs":
		if c.Blob.Bucket == "" {
			return fmt.Errorf("blob.provider is gcs but blob.bucket is not set")
		}
	case "local":
		if c.Blob.LocalDir == "" {
			return fmt.Errorf("blob.provider is local but blob.local_dir is not set")
		}
	case "noop":
	default:
		return fmt.Errorf("unknown blob provider %q", c.Blob.Provider)
	}

	switch c.Publisher.Provider {
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.provider is pubsub but project_id or topic is not set")
		}
	case "memory", "noop":
	default:
		return fmt.Errorf("unknown publisher provider %q", c.Publisher.Provider)
	}

	if c.Embedding.Enabled {
		if c.Embedding.BaseURL == "" || c.Embedding.Model == "" {
			return fmt.Errorf("embedding.enabled requires embedding.base_url and embedding.model")
		}
	}
	if c.Trace.Enabled && c.Trace.Path == "" {
		return fmt.Errorf("trace.enabled requires trace.path")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "production")

	v.SetDefault("portal.base_url", "")
	v.SetDefault("portal.user_agent", "tendercrawl/1.0")
	v.SetDefault("portal.headless", true)
	v.SetDefault("portal.navigate_timeout", 45*time.Second)
	v.SetDefault("portal.operation_timeout", 30*time.Second)
	v.SetDefault("portal.requests_per_sec", 2.0)
	v.SetDefault("portal.burst", 1)

	v.SetDefault("governor.memory_ceiling_mb", 4096)
	v.SetDefault("governor.context_footprint_mb", 512)
	v.SetDefault("governor.max_leases", 0)
	v.SetDefault("governor.watermark_fraction", 0.85)
	v.SetDefault("governor.safety_margin_fraction", 0.1)
	v.SetDefault("governor.sample_interval", 5*time.Second)
	v.SetDefault("governor.evict_after_breaches", 3)

	v.SetDefault("crawl.max_concurrent_targets", 2)
	v.SetDefault("crawl.page_limit", 0)
	v.SetDefault("crawl.force_full_scan", false)
	v.SetDefault("crawl.detection_window", 128)
	v.SetDefault("crawl.recovery_cap", 3)
	v.SetDefault("crawl.max_consecutive_skips", 5)
	v.SetDefault("crawl.batch_max_records", 200)
	v.SetDefault("crawl.batch_max_age", 5*time.Second)
	v.SetDefault("crawl.flush_timeout", 30*time.Second)
	v.SetDefault("crawl.retry.max_attempts", 3)
	v.SetDefault("crawl.retry.base_delay", 500*time.Millisecond)
	v.SetDefault("crawl.retry.max_delay", 30*time.Second)
	v.SetDefault("crawl.retry.multiplier", 2.0)
	v.SetDefault("crawl.retry.jitter_fraction", 0.25)

	v.SetDefault("documents.workers", 4)
	v.SetDefault("documents.claim_batch", 16)
	v.SetDefault("documents.poll_interval", 3*time.Second)
	v.SetDefault("documents.fetch_timeout", 60*time.Second)
	v.SetDefault("documents.max_attempts", 4)
	v.SetDefault("documents.backoff_base", 30*time.Second)
	v.SetDefault("documents.backoff_max", 30*time.Minute)
	v.SetDefault("documents.pdftotext_path", "pdftotext")
	v.SetDefault("documents.max_size_mb", 64)

	v.SetDefault("embedding.enabled", false)
	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.model", "")
	v.SetDefault("embedding.dimensions", 0)
	v.SetDefault("embedding.batch_size", 16)
	v.SetDefault("embedding.timeout", 30*time.Second)

	v.SetDefault("database.provider", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.max_conn_idle_time", 30*time.Minute)

	v.SetDefault("blob.provider", "noop")
	v.SetDefault("blob.bucket", "")
	v.SetDefault("blob.prefix", "documents")
	v.SetDefault("blob.local_dir", "")

	v.SetDefault("publisher.provider", "noop")
	v.SetDefault("publisher.project_id", "")
	v.SetDefault("publisher.topic", "")

	v.SetDefault("progress.buffer", 4096)
	v.SetDefault("progress.batch_size", 256)
	v.SetDefault("progress.flush_interval", 500*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 10*time.Second)

	v.SetDefault("trace.enabled", false)
	v.SetDefault("trace.path", "")
	v.SetDefault("trace.retention", 14*24*time.Hour)

	v.SetDefault("api.port", 8080)
	v.SetDefault("api.auth_enabled", false)
	v.SetDefault("api.api_key", "")
	v.SetDefault("api.request_timeout", 60*time.Second)
	v.SetDefault("api.read_timeout", 15*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)
	v.SetDefault("api.shutdown_timeout", 20*time.Second)
}
