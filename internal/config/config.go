// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Pagination budget scopes.
const (
	PaginationScopePage       = "page"
	PaginationScopeRun        = "run"
	PaginationScopePersistent = "persistent"
)

// Storage backends.
const (
	StorageLocal  = "local"
	StorageGCS    = "gcs"
	StorageMemory = "memory"
)

// Notification backends.
const (
	PublisherPubSub = "pubsub"
	PublisherMemory = "memory"
)

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Paths      PathsConfig      `mapstructure:"paths"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Documents  DocumentsConfig  `mapstructure:"documents"`
	Fast       FastConfig       `mapstructure:"fast"`
	Runs       RunsConfig       `mapstructure:"runs"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Server     ServerConfig     `mapstructure:"server"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Organize   OrganizeConfig   `mapstructure:"organize"`
	Expand     ExpandConfig     `mapstructure:"expand"`
}

// LoggingConfig toggles zap development features and file rotation.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// PathsConfig locates the files the harvester reads and writes.
type PathsConfig struct {
	TargetsFile string `mapstructure:"targets_file"`
	StateFile   string `mapstructure:"state_file"`
	OutputDir   string `mapstructure:"output_dir"`
	PIDFile     string `mapstructure:"pid_file"`
}

// FetchConfig configures the scrape-proxy client.
type FetchConfig struct {
	Endpoint      string        `mapstructure:"endpoint"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	Source        string        `mapstructure:"source"`
	RenderJS      bool          `mapstructure:"render_js"`
	WaitMS        int           `mapstructure:"wait_ms"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	UserAgent     string        `mapstructure:"user_agent"`
}

// CrawlerConfig governs the per-target frontier loop.
type CrawlerConfig struct {
	MaxDepth           int           `mapstructure:"max_depth"`
	MaxPagesPerSite    int           `mapstructure:"max_pages_per_site"`
	MinTextLength      int           `mapstructure:"min_text_length"`
	MaxPaginationPages int           `mapstructure:"max_pagination_pages"`
	PaginationScope    string        `mapstructure:"pagination_scope"`
	SameDomainOnly     bool          `mapstructure:"same_domain_only"`
	RequestDelay       time.Duration `mapstructure:"request_delay"`
	Concurrency        int           `mapstructure:"concurrency"`
	TargetsConcurrency int           `mapstructure:"targets_concurrency"`
	CheckpointEvery    int           `mapstructure:"checkpoint_every"`
	APIDiscovery       bool          `mapstructure:"api_discovery"`
	DownloadMedia      bool          `mapstructure:"download_media"`
	Fast               bool          `mapstructure:"fast"`
}

// DocumentsConfig controls the embedded-document pipeline.
type DocumentsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Extensions     []string      `mapstructure:"extensions"`
	MaxSizeBytes   int64         `mapstructure:"max_size_bytes"`
	MaxPerSite     int           `mapstructure:"max_per_site"`
	DirectFallback bool          `mapstructure:"direct_fallback"`
	DirectTimeout  time.Duration `mapstructure:"direct_timeout"`
}

// FastConfig lists the values that replace the defaults in fast mode.
type FastConfig struct {
	RequestDelay       time.Duration `mapstructure:"request_delay"`
	Timeout            time.Duration `mapstructure:"timeout"`
	Documents          bool          `mapstructure:"documents"`
	MaxPagesPerSite    int           `mapstructure:"max_pages_per_site"`
	MaxPaginationPages int           `mapstructure:"max_pagination_pages"`
	RenderJS           bool          `mapstructure:"render_js"`
	WaitMS             int           `mapstructure:"wait_ms"`
}

// RunsConfig controls the continuous run loop.
type RunsConfig struct {
	PauseDuration time.Duration `mapstructure:"pause_duration"`
	MaxRunBytes   int64         `mapstructure:"max_run_bytes"`
	MaxRuns       int           `mapstructure:"max_runs"`
}

// StorageConfig selects where saved content is written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for saved-document notifications.
type PubSubConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the optional status HTTP server.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// SupervisorConfig controls the start/stop supervisor.
type SupervisorConfig struct {
	LivenessInterval time.Duration `mapstructure:"liveness_interval"`
	StopTimeout      time.Duration `mapstructure:"stop_timeout"`
	LogFile          string        `mapstructure:"log_file"`
}

// OrganizeConfig describes the external post-processing command.
type OrganizeConfig struct {
	Command   []string      `mapstructure:"command"`
	Timeout   time.Duration `mapstructure:"timeout"`
	OutputDir string        `mapstructure:"output_dir"`
}

// ExpandConfig controls the request-volume expander.
type ExpandConfig struct {
	MaxURLsPerTarget int           `mapstructure:"max_urls_per_target"`
	MaxWorkers       int           `mapstructure:"max_workers"`
	MaxRequests      int           `mapstructure:"max_requests"`
	SaveEvery        int           `mapstructure:"save_every"`
	SeedFiles        []string      `mapstructure:"seed_files"`
	ProgressDir      string        `mapstructure:"progress_dir"`
	EstimatePerURL   time.Duration `mapstructure:"estimate_per_url"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)
	v.SetDefault("logging.compress", true)

	v.SetDefault("paths.targets_file", "targets.yaml")
	v.SetDefault("paths.state_file", "data/crawl_state.json")
	v.SetDefault("paths.output_dir", "data/scraped")
	v.SetDefault("paths.pid_file", "data/harvester.pid")

	v.SetDefault("fetch.endpoint", "https://realtime.oxylabs.io/v1/queries")
	v.SetDefault("fetch.username", "")
	v.SetDefault("fetch.password", "")
	v.SetDefault("fetch.source", "universal")
	v.SetDefault("fetch.render_js", true)
	v.SetDefault("fetch.wait_ms", 5000)
	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.backoff_base", time.Second)
	v.SetDefault("fetch.backoff_max", 30*time.Second)
	v.SetDefault("fetch.rate_per_second", 0)
	v.SetDefault("fetch.burst", 1)
	v.SetDefault("fetch.user_agent", "harvester/1.0")

	v.SetDefault("crawler.max_depth", 2)
	v.SetDefault("crawler.max_pages_per_site", 300)
	v.SetDefault("crawler.min_text_length", 300)
	v.SetDefault("crawler.max_pagination_pages", 50)
	v.SetDefault("crawler.pagination_scope", PaginationScopeRun)
	v.SetDefault("crawler.same_domain_only", true)
	v.SetDefault("crawler.request_delay", 2*time.Second)
	v.SetDefault("crawler.concurrency", 5)
	v.SetDefault("crawler.targets_concurrency", 3)
	v.SetDefault("crawler.checkpoint_every", 10)
	v.SetDefault("crawler.api_discovery", false)
	v.SetDefault("crawler.download_media", false)
	v.SetDefault("crawler.fast", false)

	v.SetDefault("documents.enabled", true)
	v.SetDefault("documents.extensions", []string{".pdf"})
	v.SetDefault("documents.max_size_bytes", 25*1024*1024)
	v.SetDefault("documents.max_per_site", 150)
	v.SetDefault("documents.direct_fallback", true)
	v.SetDefault("documents.direct_timeout", 60*time.Second)

	v.SetDefault("fast.request_delay", 0)
	v.SetDefault("fast.timeout", 20*time.Second)
	v.SetDefault("fast.documents", false)
	v.SetDefault("fast.max_pages_per_site", 1000)
	v.SetDefault("fast.max_pagination_pages", 200)
	v.SetDefault("fast.render_js", false)
	v.SetDefault("fast.wait_ms", 1000)

	v.SetDefault("runs.pause_duration", 300*time.Second)
	v.SetDefault("runs.max_run_bytes", 0)
	v.SetDefault("runs.max_runs", 0)

	v.SetDefault("storage.backend", StorageLocal)
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")

	v.SetDefault("pubsub.backend", PublisherPubSub)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")

	v.SetDefault("server.addr", "")

	v.SetDefault("supervisor.liveness_interval", 60*time.Second)
	v.SetDefault("supervisor.stop_timeout", 30*time.Second)
	v.SetDefault("supervisor.log_file", "data/crawler.log")

	v.SetDefault("organize.command", []string{})
	v.SetDefault("organize.timeout", 10*time.Minute)
	v.SetDefault("organize.output_dir", "training_data")

	v.SetDefault("expand.max_urls_per_target", 200)
	v.SetDefault("expand.max_workers", 200)
	v.SetDefault("expand.max_requests", 60000)
	v.SetDefault("expand.save_every", 10)
	v.SetDefault("expand.seed_files", []string{})
	v.SetDefault("expand.progress_dir", "data")
	v.SetDefault("expand.estimate_per_url", 300*time.Millisecond)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.MaxDepth < 0 {
		return fmt.Errorf("crawler.max_depth must be >= 0")
	}
	if c.Crawler.MaxPagesPerSite <= 0 {
		return fmt.Errorf("crawler.max_pages_per_site must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.TargetsConcurrency <= 0 {
		return fmt.Errorf("crawler.targets_concurrency must be > 0")
	}
	if c.Crawler.CheckpointEvery <= 0 {
		return fmt.Errorf("crawler.checkpoint_every must be > 0")
	}
	if c.Crawler.MaxPaginationPages < 0 {
		return fmt.Errorf("crawler.max_pagination_pages must be >= 0")
	}
	switch c.Crawler.PaginationScope {
	case PaginationScopePage, PaginationScopeRun, PaginationScopePersistent:
	default:
		return fmt.Errorf("crawler.pagination_scope must be one of page, run, persistent")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be > 0")
	}
	if strings.TrimSpace(c.Fetch.Endpoint) == "" {
		return fmt.Errorf("fetch.endpoint is required")
	}
	if c.Documents.Enabled && c.Documents.MaxSizeBytes <= 0 {
		return fmt.Errorf("documents.max_size_bytes must be > 0 when documents are enabled")
	}
	switch c.Storage.Backend {
	case StorageLocal, StorageMemory:
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend must be one of local, gcs, memory")
	}
	switch c.PubSub.Backend {
	case PublisherPubSub, "":
		if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
			return fmt.Errorf("pubsub.project_id and pubsub.topic must be set together")
		}
	case PublisherMemory:
	default:
		return fmt.Errorf("pubsub.backend must be one of pubsub, memory")
	}
	if c.Supervisor.LivenessInterval <= 0 {
		return fmt.Errorf("supervisor.liveness_interval must be > 0")
	}
	if c.Expand.MaxURLsPerTarget <= 0 {
		return fmt.Errorf("expand.max_urls_per_target must be > 0")
	}
	if c.Expand.MaxWorkers <= 0 {
		return fmt.Errorf("expand.max_workers must be > 0")
	}
	return nil
}

// ApplyFast returns a copy with the fast-mode overrides applied.
func (c Config) ApplyFast() Config {
	out := c
	out.Crawler.Fast = true
	out.Crawler.RequestDelay = c.Fast.RequestDelay
	out.Fetch.Timeout = c.Fast.Timeout
	out.Fetch.RenderJS = c.Fast.RenderJS
	out.Fetch.WaitMS = c.Fast.WaitMS
	out.Documents.Enabled = c.Documents.Enabled && c.Fast.Documents
	out.Crawler.MaxPagesPerSite = c.Fast.MaxPagesPerSite
	out.Crawler.MaxPaginationPages = c.Fast.MaxPaginationPages
	if out.Fetch.Timeout <= 0 {
		out.Fetch.Timeout = c.Fetch.Timeout
	}
	if out.Crawler.MaxPagesPerSite <= 0 {
		out.Crawler.MaxPagesPerSite = c.Crawler.MaxPagesPerSite
	}
	return out
}

// Workers returns the per-target worker count: Concurrency in fast mode, one otherwise.
func (c CrawlerConfig) Workers() int {
	if c.Fast && c.Concurrency > 0 {
		return c.Concurrency
	}
	return 1
}
