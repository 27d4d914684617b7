package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/edarchive/internal/crawler"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, []string{DefaultSeed}, cfg.Crawl.Seeds)
	require.Equal(t, -1, cfg.Crawl.MaxDepth)
	require.Equal(t, 8, cfg.Crawl.Concurrency)
	require.Equal(t, 3, cfg.Fetch.MaxAttempts)
	require.Equal(t, time.Second, cfg.Fetch.PerHostDelay)
	require.Equal(t, OffsiteDrop, cfg.Scope.OffsiteLinks)
	require.Equal(t, int64(50<<20), cfg.Media.MaxBytes)
	require.False(t, cfg.Crawl.Refetch)
	require.True(t, cfg.Crawl.RespectRobots)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
crawl:
  seeds: ["https://example.org/"]
  max_depth: 2
  max_pages: 50
  concurrency: 3
  refetch: true
scope:
  path_prefixes: ["/data"]
  blocked_domains: ["*.tracker.example"]
  offsite_links: record
fetch:
  timeout: 45s
  per_host_delay: 250ms
  max_attempts: 5
media:
  max_bytes: 1048576
archive:
  root: /tmp/archive
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.org/"}, cfg.Crawl.Seeds)
	require.Equal(t, 2, cfg.Crawl.MaxDepth)
	require.Equal(t, 50, cfg.Crawl.MaxPages)
	require.Equal(t, 3, cfg.Crawl.Concurrency)
	require.True(t, cfg.Crawl.Refetch)
	require.Equal(t, []string{"/data"}, cfg.Scope.PathPrefixes)
	require.Equal(t, OffsiteRecord, cfg.Scope.OffsiteLinks)
	require.Equal(t, 45*time.Second, cfg.Fetch.Timeout)
	require.Equal(t, 250*time.Millisecond, cfg.Fetch.PerHostDelay)
	require.Equal(t, 5, cfg.Fetch.MaxAttempts)
	require.Equal(t, int64(1048576), cfg.Media.MaxBytes)
	require.Equal(t, "/tmp/archive", cfg.Archive.Root)
	require.False(t, cfg.Logging.Development)
}

func TestLoadWithFlags(t *testing.T) {
	t.Parallel()

	flags := pflag.NewFlagSet("crawl", pflag.ContinueOnError)
	flags.StringSlice("seed", nil, "")
	flags.Int("max-pages", 0, "")
	flags.Bool("only-html", false, "")
	require.NoError(t, flags.Parse([]string{"--seed", "https://example.org/start", "--max-pages", "7", "--only-html"}))

	cfg, err := LoadWithFlags("", flags)
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.org/start"}, cfg.Crawl.Seeds)
	require.Equal(t, 7, cfg.Crawl.MaxPages)
	require.True(t, cfg.Crawl.SkipMedia)
	require.True(t, cfg.Crawl.SkipData)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, crawler.ErrConfig)
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad seed scheme", func(c *Config) { c.Crawl.Seeds = []string{"ftp://example.org"} }, "crawl.seeds"},
		{"seed without host", func(c *Config) { c.Crawl.Seeds = []string{"https://"} }, "missing host"},
		{"no seeds", func(c *Config) { c.Crawl.Seeds = nil }, "crawl.seeds"},
		{"invalid concurrency", func(c *Config) { c.Crawl.Concurrency = 0 }, "crawl.concurrency"},
		{"invalid depth", func(c *Config) { c.Crawl.MaxDepth = -2 }, "crawl.max_depth"},
		{"negative drain timeout", func(c *Config) { c.Crawl.DrainTimeout = -time.Second }, "crawl.drain_timeout"},
		{"bad offsite mode", func(c *Config) { c.Scope.OffsiteLinks = "follow" }, "scope.offsite_links"},
		{"relative path prefix", func(c *Config) { c.Scope.PathPrefixes = []string{"data"} }, "scope.path_prefixes"},
		{"invalid attempts", func(c *Config) { c.Fetch.MaxAttempts = 0 }, "fetch.max_attempts"},
		{"headless missing max parallel", func(c *Config) {
			c.Headless.Enabled = true
			c.Headless.MaxParallel = 0
		}, "headless.max_parallel"},
		{"invalid media ceiling", func(c *Config) { c.Media.MaxBytes = 0 }, "media.max_bytes"},
		{"missing archive root", func(c *Config) { c.Archive.Root = " " }, "archive.root"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Crawl.Seeds = append([]string(nil), base.Crawl.Seeds...)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
			require.ErrorIs(t, err, crawler.ErrConfig)
		})
	}
}

func TestConfigYAMLRoundTrip(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	out, err := cfg.YAML()
	require.NoError(t, err)
	require.Contains(t, string(out), "per_host_delay: 1s")
	require.Contains(t, string(out), "offsite_links: drop")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, out, 0o600))
	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, reloaded)
}
