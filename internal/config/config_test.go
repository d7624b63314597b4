package config

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, cfg.Crawl.RequestTimeout.Duration)
	require.Equal(t, 500*time.Millisecond, cfg.Crawl.PerDomainDelay.Duration)
	require.Equal(t, 5, cfg.Crawl.MaxRedirects)
	require.Equal(t, 3, cfg.Retry.MaxAttempts)
	require.Len(t, cfg.Identities, 2)
}

func TestLoadFromReaderOverrides(t *testing.T) {
	raw := `
domain: Example.TEST
worker:
  concurrency: 4
crawl:
  per_domain_delay: 2
  request_timeout: 1500ms
classifier:
  expected_content:
    Example.test: ["Add to Cart", "motorcycle", "add to cart"]
`
	cfg, err := LoadFromReader(strings.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, "example.test", cfg.Domain)
	require.Equal(t, 4, cfg.Worker.Concurrency)
	require.Equal(t, 2*time.Second, cfg.Crawl.PerDomainDelay.Duration)
	require.Equal(t, 1500*time.Millisecond, cfg.Crawl.RequestTimeout.Duration)
	require.Equal(t, []string{"add to cart", "motorcycle"}, cfg.Classifier.ExpectedContent["example.test"])

	seeds, err := cfg.SeedURLs()
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.test/"}, seeds)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("crawl:\n  max_pagez: 3\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"zero concurrency":    func(c *Config) { c.Worker.Concurrency = 0 },
		"no identities":       func(c *Config) { c.Identities = nil },
		"bad dedupe key":      func(c *Config) { c.Dedupe.Key = "title" },
		"bad driver":          func(c *Config) { c.Load.Driver = "mysql" },
		"postgres no dsn":     func(c *Config) { c.Load.Driver = "postgres" },
		"bad table":           func(c *Config) { c.Load.Table = "products; drop" },
		"zero retry attempts": func(c *Config) { c.Retry.MaxAttempts = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestSeedURLsRequiresDomainOrSeeds(t *testing.T) {
	cfg := Default()
	_, err := cfg.SeedURLs()
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LoggingConfig{Level: "warn", Structured: true}, &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "stage", "map")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"stage":"map"`)

	_, err = NewLogger(LoggingConfig{Level: "loud"}, &buf)
	require.Error(t, err)
}

func TestSampleConfigLoads(t *testing.T) {
	cfg, err := Load("../../configs/config.yaml")
	require.NoError(t, err)
	require.Equal(t, "revzilla.com", cfg.Domain)
	require.Equal(t, 6*time.Hour, cfg.Robots.CacheTTL.Duration)
	require.True(t, cfg.Identities[1].CloudflareBypass)
	require.Equal(t, []string{"add to cart", "motorcycle"}, cfg.Classifier.ExpectedContent["revzilla.com"])
}
