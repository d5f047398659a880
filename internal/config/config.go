// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/realtime-stats-ingest/internal/scrape"
)

// EnvPrefix namespaces environment overrides, e.g. STATSINGEST_SERVER_PORT.
const EnvPrefix = "STATSINGEST"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Cache     CacheConfig     `mapstructure:"cache"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ScraperConfig governs fetching and extraction against the source site.
type ScraperConfig struct {
	BaseURL               string            `mapstructure:"base_url"`
	UserAgent             string            `mapstructure:"user_agent"`
	RequestTimeoutSeconds int               `mapstructure:"request_timeout_seconds"`
	RequestDelaySeconds   float64           `mapstructure:"request_delay_seconds"`
	MaxRetries            int               `mapstructure:"max_retries"`
	BackoffBaseSeconds    float64           `mapstructure:"backoff_base_seconds"`
	BackoffMaxSeconds     float64           `mapstructure:"backoff_max_seconds"`
	MaxBodyBytes          int               `mapstructure:"max_body_bytes"`
	RespectRobots         bool              `mapstructure:"respect_robots"`
	StatisticsPath        string            `mapstructure:"statistics_path"`
	PublicationsPath      string            `mapstructure:"publications_path"`
	HomepageStats         bool              `mapstructure:"homepage_stats"`
	Categories            map[string]string `mapstructure:"categories"`
	PDFMaxPages           int               `mapstructure:"pdf_max_pages"`
	PDFTablesPerPage      int               `mapstructure:"pdf_tables_per_page"`
	MaxPDFsPerJob         int               `mapstructure:"max_pdfs_per_job"`
	// AllowedHosts restricts PDF downloads to the base URL's host plus
	// these. Empty allows any host.
	AllowedHosts          []string          `mapstructure:"allowed_hosts"`
	Synchronous           bool              `mapstructure:"synchronous"`
}

// ScheduleConfig sets per-job-type intervals such as "20m" or "6h".
type ScheduleConfig struct {
	Enabled              bool              `mapstructure:"enabled"`
	CheckIntervalSeconds int               `mapstructure:"check_interval_seconds"`
	Intervals            map[string]string `mapstructure:"intervals"`
}

// RealtimeConfig tunes on-demand scrapes and cached views.
type RealtimeConfig struct {
	Categories        []string `mapstructure:"categories"`
	SkipWindowSeconds int      `mapstructure:"skip_window_seconds"`
	StaleAfterSeconds int      `mapstructure:"stale_after_seconds"`
	CacheTTLSeconds   int      `mapstructure:"cache_ttl_seconds"`
	RefreshOnStale    bool     `mapstructure:"refresh_on_stale"`
}

// CacheConfig selects the view cache backend.
type CacheConfig struct {
	Backend       string `mapstructure:"backend"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	KeyPrefix     string `mapstructure:"key_prefix"`
}

// RabbitMQConfig configures the ETL queue stage.
type RabbitMQConfig struct {
	Enabled              bool     `mapstructure:"enabled"`
	URL                  string   `mapstructure:"url"`
	Exchange             string   `mapstructure:"exchange"`
	ExchangeType         string   `mapstructure:"exchange_type"`
	Queues               []string `mapstructure:"queues"`
	RoutingKey           string   `mapstructure:"routing_key"`
	BatchSize            int      `mapstructure:"batch_size"`
	Prefetch             int      `mapstructure:"prefetch"`
	ConsumerTag          string   `mapstructure:"consumer_tag"`
	ReconnectMaxAttempts int      `mapstructure:"reconnect_max_attempts"`
	MaxAttempts          int      `mapstructure:"max_attempts"`
}

// DatabaseConfig controls access to the job tracker database. An empty DSN
// keeps jobs in memory.
type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	JobsTable              string `mapstructure:"jobs_table"`
	ItemsTable             string `mapstructure:"items_table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
	EnsureSchema           bool   `mapstructure:"ensure_schema"`
}

// ArchiveConfig selects where raw documents are kept.
type ArchiveConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalArchiveConfig `mapstructure:"local"`
}

// LocalArchiveConfig configures the filesystem archive.
type LocalArchiveConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// NotifyConfig holds Pub/Sub settings for job-completed events. An empty
// topic disables notifications.
type NotifyConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// RateLimitConfig overrides the politeness delay. Zero PerHostRPS derives
// the rate from scraper.request_delay_seconds.
type RateLimitConfig struct {
	PerHostRPS float64 `mapstructure:"per_host_rps"`
	Burst      int     `mapstructure:"burst"`
	Global     bool    `mapstructure:"global"`
}

// Load builds a Config from an optional .env file, an optional config file
// and the environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("logging.development", false)

	v.SetDefault("scraper.base_url", "https://nbs.gov.so/")
	v.SetDefault("scraper.user_agent", "SNBS Dashboard Scraper/1.0")
	v.SetDefault("scraper.request_timeout_seconds", 30)
	v.SetDefault("scraper.request_delay_seconds", 1.0)
	v.SetDefault("scraper.max_retries", 3)
	v.SetDefault("scraper.backoff_base_seconds", 1.0)
	v.SetDefault("scraper.backoff_max_seconds", 30.0)
	v.SetDefault("scraper.max_body_bytes", 32<<20)
	v.SetDefault("scraper.respect_robots", false)
	v.SetDefault("scraper.statistics_path", "/statistics")
	v.SetDefault("scraper.publications_path", "/publications/statistical-publications")
	v.SetDefault("scraper.homepage_stats", true)
	v.SetDefault("scraper.categories", map[string]string{
		"demographics": "/statistics",
		"economy":      "/statistics",
		"inflation":    "/statistics",
		"health":       "/statistics",
		"education":    "/statistics",
	})
	v.SetDefault("scraper.pdf_max_pages", 50)
	v.SetDefault("scraper.pdf_tables_per_page", 3)
	v.SetDefault("scraper.max_pdfs_per_job", 20)
	v.SetDefault("scraper.synchronous", false)

	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.check_interval_seconds", 60)
	v.SetDefault("schedule.intervals", map[string]string{
		"statistics":   "20m",
		"publications": "6h",
	})

	v.SetDefault("realtime.categories", []string{"demographics", "economy", "inflation"})
	v.SetDefault("realtime.skip_window_seconds", 300)
	v.SetDefault("realtime.stale_after_seconds", 300)
	v.SetDefault("realtime.cache_ttl_seconds", 3600)
	v.SetDefault("realtime.refresh_on_stale", true)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.key_prefix", "statsingest:")

	v.SetDefault("rabbitmq.enabled", false)
	v.SetDefault("rabbitmq.exchange", "snbs")
	v.SetDefault("rabbitmq.exchange_type", "direct")
	v.SetDefault("rabbitmq.queues", []string{"statistics_data", "publications_data"})
	v.SetDefault("rabbitmq.routing_key", "scraped_data")
	v.SetDefault("rabbitmq.batch_size", 10)
	v.SetDefault("rabbitmq.prefetch", 1)
	v.SetDefault("rabbitmq.consumer_tag", "statsingest")
	v.SetDefault("rabbitmq.max_attempts", 1)

	v.SetDefault("database.jobs_table", "scrape_jobs")
	v.SetDefault("database.items_table", "scraped_items")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.max_conn_lifetime_seconds", 1800)
	v.SetDefault("database.ensure_schema", true)

	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("archive.local.base_dir", "./data/raw")

	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 2048)

	v.SetDefault("rate_limit.burst", 1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch {
	case c.Server.Port <= 0:
		return fmt.Errorf("server.port must be > 0")
	case c.Server.RequestTimeoutSeconds <= 0:
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	case c.Auth.Enabled && c.Auth.APIKey == "":
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	case strings.TrimSpace(c.Scraper.BaseURL) == "":
		return fmt.Errorf("scraper.base_url is required")
	case c.Scraper.RequestTimeoutSeconds <= 0:
		return fmt.Errorf("scraper.request_timeout_seconds must be > 0")
	case c.Scraper.MaxRetries <= 0:
		return fmt.Errorf("scraper.max_retries must be > 0")
	case c.Scraper.RequestDelaySeconds < 0:
		return fmt.Errorf("scraper.request_delay_seconds must be >= 0")
	case c.Schedule.CheckIntervalSeconds <= 0:
		return fmt.Errorf("schedule.check_interval_seconds must be > 0")
	case c.RabbitMQ.BatchSize <= 0:
		return fmt.Errorf("rabbitmq.batch_size must be > 0")
	case c.RabbitMQ.Enabled && c.RabbitMQ.URL == "":
		return fmt.Errorf("rabbitmq.url must be set when rabbitmq is enabled")
	case c.RabbitMQ.Enabled && len(c.RabbitMQ.Queues) < 2:
		return fmt.Errorf("rabbitmq.queues must name the statistics and publications queues")
	case c.Headless.Enabled && c.Headless.MaxParallel <= 0:
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Cache.Backend {
	case "", "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache.redis_addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("unknown cache.backend %q", c.Cache.Backend)
	}
	switch c.Archive.Backend {
	case "", "none", "memory":
	case "local":
		if c.Archive.Local.BaseDir == "" {
			return fmt.Errorf("archive.local.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown archive.backend %q", c.Archive.Backend)
	}
	if c.Notify.TopicName != "" && c.Notify.ProjectID == "" {
		return fmt.Errorf("notify.project_id must be set when notify.topic_name is")
	}
	return nil
}

// Seconds converts a float seconds value to a Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// CategoryList returns the configured scrape categories sorted by name.
// A category with an empty path uses StatisticsPath.
func (s ScraperConfig) CategoryList() []scrape.Category {
	out := make([]scrape.Category, 0, len(s.Categories))
	for name, path := range s.Categories {
		if strings.TrimSpace(path) == "" {
			path = s.StatisticsPath
		}
		out = append(out, scrape.Category{Name: strings.ToLower(name), Path: path})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PolitenessDelay is the minimum spacing between requests to one host.
func (c Config) PolitenessDelay() time.Duration {
	if c.RateLimit.PerHostRPS > 0 {
		return time.Duration(float64(time.Second) / c.RateLimit.PerHostRPS)
	}
	return Seconds(c.Scraper.RequestDelaySeconds)
}

// QueueRoutes maps the configured queue names to item types: the first
// queue carries statistics tables, the second publications.
func (r RabbitMQConfig) QueueRoutes() (statistics, publications string) {
	statistics, publications = "statistics_data", "publications_data"
	if len(r.Queues) > 0 {
		statistics = r.Queues[0]
	}
	if len(r.Queues) > 1 {
		publications = r.Queues[1]
	}
	return statistics, publications
}
