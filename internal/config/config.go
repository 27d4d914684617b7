// Package config loads and validates archiver configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/edarchive/internal/crawler"
)

// DefaultSeed is the site this archiver was built for.
const DefaultSeed = "https://eddataexpress.ed.gov/"

// Offsite link handling modes.
const (
	OffsiteDrop   = "drop"
	OffsiteRecord = "record"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Crawl    CrawlConfig    `mapstructure:"crawl" yaml:"crawl"`
	Scope    ScopeConfig    `mapstructure:"scope" yaml:"scope"`
	Fetch    FetchConfig    `mapstructure:"fetch" yaml:"fetch"`
	Headless HeadlessConfig `mapstructure:"headless" yaml:"headless"`
	Media    MediaConfig    `mapstructure:"media" yaml:"media"`
	Extract  ExtractConfig  `mapstructure:"extract" yaml:"extract"`
	Archive  ArchiveConfig  `mapstructure:"archive" yaml:"archive"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
}

// CrawlConfig governs the frontier and worker pool.
type CrawlConfig struct {
	Seeds         []string `mapstructure:"seeds" yaml:"seeds"`
	MaxDepth      int      `mapstructure:"max_depth" yaml:"max_depth"`
	MaxPages      int      `mapstructure:"max_pages" yaml:"max_pages"`
	Concurrency   int      `mapstructure:"concurrency" yaml:"concurrency"`
	UserAgent     string   `mapstructure:"user_agent" yaml:"user_agent"`
	RespectRobots bool     `mapstructure:"respect_robots" yaml:"respect_robots"`
	Refetch       bool     `mapstructure:"refetch" yaml:"refetch"`
	SkipMedia     bool     `mapstructure:"skip_media" yaml:"skip_media"`
	SkipData      bool     `mapstructure:"skip_data" yaml:"skip_data"`

	// DrainTimeout bounds in-flight work after a cancel.
	DrainTimeout time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
}

// ScopeConfig bounds what the crawler will fetch.
type ScopeConfig struct {
	AllowedDomains []string `mapstructure:"allowed_domains" yaml:"allowed_domains"`
	PathPrefixes   []string `mapstructure:"path_prefixes" yaml:"path_prefixes"`
	BlockedDomains []string `mapstructure:"blocked_domains" yaml:"blocked_domains"`
	OffsiteLinks   string   `mapstructure:"offsite_links" yaml:"offsite_links"`
}

// FetchConfig configures politeness and retry behavior.
type FetchConfig struct {
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	PerHostDelay   time.Duration `mapstructure:"per_host_delay" yaml:"per_host_delay"`
	MaxInFlight    int           `mapstructure:"max_in_flight" yaml:"max_in_flight"`
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	MaxPageBytes   int64         `mapstructure:"max_page_bytes" yaml:"max_page_bytes"`
}

// HeadlessConfig configures the scripted fallback.
type HeadlessConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxParallel  int           `mapstructure:"max_parallel" yaml:"max_parallel"`
	AllowList    []string      `mapstructure:"allow_list" yaml:"allow_list"`
	MinHTMLBytes int           `mapstructure:"min_html_bytes" yaml:"min_html_bytes"`
}

// MediaConfig configures asset downloads.
type MediaConfig struct {
	MaxBytes int64 `mapstructure:"max_bytes" yaml:"max_bytes"`
	Offsite  bool  `mapstructure:"offsite" yaml:"offsite"`
}

// ExtractConfig configures dataset extraction.
type ExtractConfig struct {
	SampleRows int `mapstructure:"sample_rows" yaml:"sample_rows"`
}

// ArchiveConfig configures the on-disk store.
type ArchiveConfig struct {
	Root       string `mapstructure:"root" yaml:"root"`
	FlushEvery int    `mapstructure:"flush_every" yaml:"flush_every"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development" yaml:"development"`
}

// MetricsConfig exposes Prometheus during a crawl when Listen is set.
type MetricsConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// ServerConfig controls the archive API server.
type ServerConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

// DefaultPath returns the per-user config file under the XDG config home when
// it exists, or "" when it does not.
func DefaultPath() string {
	path := filepath.Join(xdg.ConfigHome, "edarchive", "config.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// YAML renders the effective configuration in the config file format.
func (c Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	return LoadWithFlags(path, nil)
}

// LoadWithFlags builds a Config from defaults, an optional file, ARCHIVER_*
// environment variables, and any changed command-line flags, in increasing
// precedence. Flag names map to keys through FlagKeys.
func LoadWithFlags(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARCHIVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, crawler.NewError(crawler.KindConfig, "read config", "", err)
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, crawler.NewError(crawler.KindConfig, "bind flag "+name, "", err)
				}
			}
		}
		if f := flags.Lookup("only-html"); f != nil && f.Changed && f.Value.String() == "true" {
			v.Set("crawl.skip_media", true)
			v.Set("crawl.skip_data", true)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, crawler.NewError(crawler.KindConfig, "unmarshal config", "", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// FlagKeys maps command-line flag names to configuration keys.
var FlagKeys = map[string]string{
	"seed":        "crawl.seeds",
	"max-depth":   "crawl.max_depth",
	"max-pages":   "crawl.max_pages",
	"concurrency": "crawl.concurrency",
	"refetch":     "crawl.refetch",
	"skip-media":  "crawl.skip_media",
	"skip-data":   "crawl.skip_data",
	"archive":     "archive.root",
	"port":        "server.port",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawl.seeds", []string{DefaultSeed})
	v.SetDefault("crawl.max_depth", -1)
	v.SetDefault("crawl.max_pages", 0)
	v.SetDefault("crawl.concurrency", 8)
	v.SetDefault("crawl.user_agent", "edarchive/1.0 (+https://github.com/JakeFAU/edarchive)")
	v.SetDefault("crawl.respect_robots", true)
	v.SetDefault("crawl.refetch", false)
	v.SetDefault("crawl.skip_media", false)
	v.SetDefault("crawl.skip_data", false)
	v.SetDefault("crawl.drain_timeout", time.Minute)
	v.SetDefault("scope.allowed_domains", []string{})
	v.SetDefault("scope.path_prefixes", []string{})
	v.SetDefault("scope.blocked_domains", []string{})
	v.SetDefault("scope.offsite_links", OffsiteDrop)
	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.per_host_delay", time.Second)
	v.SetDefault("fetch.max_in_flight", 8)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.backoff_initial", 500*time.Millisecond)
	v.SetDefault("fetch.backoff_max", 10*time.Second)
	v.SetDefault("fetch.max_page_bytes", int64(20<<20))
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.timeout", 30*time.Second)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.allow_list", []string{})
	v.SetDefault("headless.min_html_bytes", 2048)
	v.SetDefault("media.max_bytes", int64(50<<20))
	v.SetDefault("media.offsite", false)
	v.SetDefault("extract.sample_rows", 100)
	v.SetDefault("archive.root", "data")
	v.SetDefault("archive.flush_every", 25)
	v.SetDefault("logging.development", true)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("server.port", 8080)
}

// Validate enforces required values and reasonable limits. Failures carry
// crawler.KindConfig.
func (c Config) Validate() error {
	var errs []error
	if len(c.Crawl.Seeds) == 0 {
		errs = append(errs, errors.New("crawl.seeds must not be empty"))
	}
	for _, seed := range c.Crawl.Seeds {
		if err := validateSeed(seed); err != nil {
			errs = append(errs, fmt.Errorf("crawl.seeds: %w", err))
		}
	}
	if c.Crawl.MaxDepth < -1 {
		errs = append(errs, errors.New("crawl.max_depth must be >= -1"))
	}
	if c.Crawl.MaxPages < 0 {
		errs = append(errs, errors.New("crawl.max_pages must be >= 0"))
	}
	if c.Crawl.Concurrency <= 0 {
		errs = append(errs, errors.New("crawl.concurrency must be > 0"))
	}
	if c.Crawl.DrainTimeout < 0 {
		errs = append(errs, errors.New("crawl.drain_timeout must be >= 0"))
	}
	switch c.Scope.OffsiteLinks {
	case OffsiteDrop, OffsiteRecord:
	default:
		errs = append(errs, fmt.Errorf("scope.offsite_links must be %q or %q", OffsiteDrop, OffsiteRecord))
	}
	for _, prefix := range c.Scope.PathPrefixes {
		if !strings.HasPrefix(prefix, "/") {
			errs = append(errs, fmt.Errorf("scope.path_prefixes entry %q must start with /", prefix))
		}
	}
	if c.Fetch.Timeout <= 0 {
		errs = append(errs, errors.New("fetch.timeout must be > 0"))
	}
	if c.Fetch.PerHostDelay < 0 {
		errs = append(errs, errors.New("fetch.per_host_delay must be >= 0"))
	}
	if c.Fetch.MaxInFlight <= 0 {
		errs = append(errs, errors.New("fetch.max_in_flight must be > 0"))
	}
	if c.Fetch.MaxAttempts <= 0 {
		errs = append(errs, errors.New("fetch.max_attempts must be > 0"))
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		errs = append(errs, errors.New("headless.max_parallel must be > 0 when headless is enabled"))
	}
	if c.Media.MaxBytes <= 0 {
		errs = append(errs, errors.New("media.max_bytes must be > 0"))
	}
	if strings.TrimSpace(c.Archive.Root) == "" {
		errs = append(errs, errors.New("archive.root is required"))
	}
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if len(errs) > 0 {
		return crawler.NewError(crawler.KindConfig, "validate config", "", errors.Join(errs...))
	}
	return nil
}

func validateSeed(seed string) error {
	u, err := url.Parse(seed)
	if err != nil {
		return fmt.Errorf("invalid seed %q: %w", seed, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid seed %q: scheme must be http or https", seed)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("invalid seed %q: missing host", seed)
	}
	return nil
}
