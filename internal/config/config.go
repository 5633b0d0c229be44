// Package config loads and validates indexer configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all indexer configuration knobs loaded via Viper.
type Config struct {
	Data         DataConfig         `mapstructure:"data"`
	Index        IndexConfig        `mapstructure:"index"`
	Fetch        FetchConfig        `mapstructure:"fetch"`
	Headless     HeadlessConfig     `mapstructure:"headless"`
	Convert      ConvertConfig      `mapstructure:"convert"`
	Unstructured UnstructuredConfig `mapstructure:"unstructured"`
	LlamaParse   LlamaParseConfig   `mapstructure:"llamaparse"`
	Metadata     MetadataConfig     `mapstructure:"metadata"`
	Change       ChangeConfig       `mapstructure:"change"`
	Storage      StorageConfig      `mapstructure:"storage"`
	DB           DBConfig           `mapstructure:"db"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// DataConfig locates the shared data directory and cross-run files.
type DataConfig struct {
	Dir                 string `mapstructure:"dir"`
	LedgerPath          string `mapstructure:"ledger_path"`
	LastOutputDataPath  string `mapstructure:"last_output_data_path"`
	ExcludedDomainsPath string `mapstructure:"excluded_domains_path"`
}

// IndexSource describes one index page and how to walk it.
type IndexSource struct {
	Name      string `mapstructure:"name"`
	URL       string `mapstructure:"url"`
	Role      string `mapstructure:"role"`
	Container string `mapstructure:"container"`
	Header    string `mapstructure:"header"`
	SubHeader string `mapstructure:"sub_header"`
	Link      string `mapstructure:"link"`
	Text      string `mapstructure:"text"`
	SkipRows  int    `mapstructure:"skip_rows"`
}

// IndexConfig lists the index sources.
type IndexConfig struct {
	Sources        []IndexSource `mapstructure:"sources"`
	TimeoutSeconds int           `mapstructure:"timeout_seconds"`
}

// SiteRule extracts a container (and optionally stitches tab panels) for one host.
type SiteRule struct {
	Host      string `mapstructure:"host"`
	Container string `mapstructure:"container"`
	TabList   string `mapstructure:"tab_list"`
	Render    bool   `mapstructure:"render"`
}

// FetchConfig governs the content fetcher.
type FetchConfig struct {
	UserAgent              string     `mapstructure:"user_agent"`
	TimeoutSeconds         int        `mapstructure:"timeout_seconds"`
	BatchSize              int        `mapstructure:"batch_size"`
	MaxAttempts            int        `mapstructure:"max_attempts"`
	RetryDelaySeconds      int        `mapstructure:"retry_delay_seconds"`
	PolitenessDelaySeconds int        `mapstructure:"politeness_delay_seconds"`
	RespectRobots          bool       `mapstructure:"respect_robots"`
	DomainRPS              float64    `mapstructure:"domain_rps"`
	DomainBurst            int        `mapstructure:"domain_burst"`
	ExcludedDomains        []string   `mapstructure:"excluded_domains"`
	ForcedFallbackDomains  []string   `mapstructure:"forced_fallback_domains"`
	SiteRules              []SiteRule `mapstructure:"site_rules"`
}

// HeadlessConfig configures the browser fallback.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// ConvertConfig governs the document converter.
type ConvertConfig struct {
	Workers           int      `mapstructure:"workers"`
	MaxAttempts       int      `mapstructure:"max_attempts"`
	RetryDelaySeconds int      `mapstructure:"retry_delay_seconds"`
	StripSelectors    []string `mapstructure:"strip_selectors"`
	UseReadability    bool     `mapstructure:"use_readability"`
}

// UnstructuredConfig points at the document-structure extraction service.
type UnstructuredConfig struct {
	ServerURL      string   `mapstructure:"server_url"`
	APIKey         string   `mapstructure:"api_key"`
	Strategy       string   `mapstructure:"strategy"`
	Languages      []string `mapstructure:"languages"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
}

// LlamaParseConfig points at the Markdown-structuring parser.
type LlamaParseConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	BaseURL             string `mapstructure:"base_url"`
	APIKey              string `mapstructure:"api_key"`
	TimeoutSeconds      int    `mapstructure:"timeout_seconds"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
}

// MetadataConfig governs metadata association.
type MetadataConfig struct {
	TitleExcludedDomains []string `mapstructure:"title_excluded_domains"`
	NoisePatterns        []string `mapstructure:"noise_patterns"`
}

// ChangeConfig governs the change detector.
type ChangeConfig struct {
	ReprocessMissingArtifact bool `mapstructure:"reprocess_missing_artifact"`
}

// StorageConfig selects where finished Markdown is exported.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls the optional Postgres manifest mirror.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for run-complete notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the status server.
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

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	ServiceName    string `mapstructure:"service_name"`
	ProjectID      string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INDEXER")
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
	v.SetDefault("data.dir", "data")
	v.SetDefault("data.ledger_path", "data/crawl_ledger.json")
	v.SetDefault("data.last_output_data_path", "data/last_output_data.csv")
	v.SetDefault("data.excluded_domains_path", "data/excluded_domains.txt")

	v.SetDefault("index.sources", defaultSources())
	v.SetDefault("index.timeout_seconds", 10)

	v.SetDefault("fetch.user_agent", "pathway-indexer/1.0")
	v.SetDefault("fetch.timeout_seconds", 10)
	v.SetDefault("fetch.batch_size", 10)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.retry_delay_seconds", 10)
	v.SetDefault("fetch.politeness_delay_seconds", 3)
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("fetch.domain_rps", 0)
	v.SetDefault("fetch.domain_burst", 1)
	v.SetDefault("fetch.excluded_domains", []string{
		"sharepoint.com",
		"https://www.byupathway.edu/pathwayconnect-block-academic-calendar",
	})
	v.SetDefault("fetch.forced_fallback_domains", []string{
		"articulate.com",
		"myinstitute.churchofjesuschrist.org",
	})
	v.SetDefault("fetch.site_rules", []map[string]any{
		{"host": "help.byupathway.edu", "container": "div.wrapper-body"},
		{
			"host":      "student-services.catalog.prod.coursedog.com",
			"container": "article.main-content",
			"tab_list":  "div[role=tablist] a",
		},
		{"host": "faq.whatsapp.com", "container": "div[role=main]", "render": true},
	})

	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)

	v.SetDefault("convert.workers", 4)
	v.SetDefault("convert.max_attempts", 3)
	v.SetDefault("convert.retry_delay_seconds", 5)
	v.SetDefault("convert.use_readability", true)

	v.SetDefault("unstructured.server_url", "https://api.unstructuredapp.io")
	v.SetDefault("unstructured.strategy", "fast")
	v.SetDefault("unstructured.languages", []string{"eng"})
	v.SetDefault("unstructured.timeout_seconds", 120)

	v.SetDefault("llamaparse.enabled", true)
	v.SetDefault("llamaparse.base_url", "https://api.cloud.llamaindex.ai")
	v.SetDefault("llamaparse.timeout_seconds", 300)
	v.SetDefault("llamaparse.poll_interval_seconds", 2)

	v.SetDefault("change.reprocess_missing_artifact", false)

	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.prefix", "corpus")
	v.SetDefault("db.table", "indexer_documents")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.service_name", "pathway-indexer")
}

func defaultSources() []map[string]any {
	const (
		handbook = "div.WordSection1"
		siteBase = "https://missionaries.prod.byu-pathway.psdops.com"
	)
	return []map[string]any{
		{
			"name": "acm", "url": siteBase + "/ACC-site-index", "role": "ACM",
			"container": handbook, "header": `span[style="font-size:18.0pt"]`, "sub_header": "b > i",
			"link": "a", "text": "a > span",
		},
		{
			"name": "missionary", "url": siteBase + "/missionary-services-site-index", "role": "missionary",
			"container": handbook, "header": "h1", "sub_header": "h2", "link": "a", "text": "a > span", "skip_rows": 2,
		},
		{
			"name": "help", "url": "https://help.byupathway.edu/knowledgebase/", "role": "missionary",
			"container": "#articleList", "header": "h2", "sub_header": "h3", "link": "a", "text": "a",
		},
		{
			"name": "student_services", "url": "https://student-services.catalog.prod.coursedog.com/", "role": "missionary",
			"container": "main", "header": "h2", "sub_header": "h3", "link": "a", "text": "a",
		},
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Data.Dir) == "" {
		return fmt.Errorf("data.dir is required")
	}
	if c.Data.LedgerPath == "" {
		return fmt.Errorf("data.ledger_path is required")
	}
	if c.Fetch.BatchSize <= 0 {
		return fmt.Errorf("fetch.batch_size must be > 0")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Convert.Workers <= 0 {
		return fmt.Errorf("convert.workers must be > 0")
	}
	if c.Convert.MaxAttempts <= 0 {
		return fmt.Errorf("convert.max_attempts must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	for i, src := range c.Index.Sources {
		if src.URL == "" || src.Name == "" {
			return fmt.Errorf("index.sources[%d] requires name and url", i)
		}
	}
	for i, rule := range c.Fetch.SiteRules {
		if rule.Host == "" || rule.Container == "" {
			return fmt.Errorf("fetch.site_rules[%d] requires host and container", i)
		}
	}
	switch c.Storage.Backend {
	case "", "none", "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// FetchTimeout is the per-request HTTP timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// FetchRetryDelay is the fixed delay between fetch attempts.
func (c Config) FetchRetryDelay() time.Duration {
	return time.Duration(c.Fetch.RetryDelaySeconds) * time.Second
}

// ConvertRetryDelay is the fixed delay between conversion attempts.
func (c Config) ConvertRetryDelay() time.Duration {
	return time.Duration(c.Convert.RetryDelaySeconds) * time.Second
}
