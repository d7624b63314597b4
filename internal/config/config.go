package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures everything the pipeline stages need; it is passed explicitly to each component.
type Config struct {
	OutputDir  string           `yaml:"output_dir"`
	Domain     string           `yaml:"domain"`
	Seeds      []string         `yaml:"seeds"`
	Logging    LoggingConfig    `yaml:"logging"`
	Worker     WorkerConfig     `yaml:"worker"`
	Crawl      CrawlConfig      `yaml:"crawl"`
	Retry      RetryConfig      `yaml:"retry"`
	Identities []IdentityConfig `yaml:"identities"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Robots     RobotsConfig     `yaml:"robots"`
	Scrape     ScrapeConfig     `yaml:"scrape"`
	Dedupe     DedupeConfig     `yaml:"dedupe"`
	Load       SQLConfig        `yaml:"load"`
	Refresh    RefreshConfig    `yaml:"refresh"`
}

// WorkerConfig controls fetch concurrency and queue sizing.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
	QueueSize   int `yaml:"queue_size"`
}

// CrawlConfig controls the frontier, limits, and throttling.
type CrawlConfig struct {
	MaxPages            int             `yaml:"max_pages"`
	MaxDepth            int             `yaml:"max_depth"`
	RequestTimeout      Duration        `yaml:"request_timeout"`
	PerDomainDelay      Duration        `yaml:"per_domain_delay"`
	RateLimitPerDomain  RateLimitConfig `yaml:"rate_limit_per_domain"`
	MaxRedirects        int             `yaml:"max_redirects"`
	MaxBodyBytes        int64           `yaml:"max_body_bytes"`
	ProxyURL            string          `yaml:"proxy_url"`
	StoreBodies         bool            `yaml:"store_bodies"`
	MaxLinksPerPage     int             `yaml:"max_links_per_page"`
	AllowedContentTypes []string        `yaml:"allowed_content_types"`
	IncludePatterns     []string        `yaml:"include_patterns"`
	ExcludePatterns     []string        `yaml:"exclude_patterns"`
}

// RateLimitConfig applies a token bucket per domain on top of the fixed delay.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// RetryConfig is the timeout retry schedule.
type RetryConfig struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	Multiplier     float64  `yaml:"multiplier"`
	MaxBackoff     Duration `yaml:"max_backoff"`
}

// IdentityConfig is one User-Agent plus header bundle. The first entry is the primary
// identity, the second (if any) is used once when a page is challenged or blocked.
type IdentityConfig struct {
	Name             string            `yaml:"name"`
	UserAgent        string            `yaml:"user_agent"`
	Headers          map[string]string `yaml:"headers"`
	CloudflareBypass bool              `yaml:"cloudflare_bypass"`
}

// ClassifierConfig holds the indicator lists. Keys of ExpectedContent are hosts; "*" applies to every host.
type ClassifierConfig struct {
	ChallengeIndicators []string            `yaml:"challenge_indicators"`
	ExpectedContent     map[string][]string `yaml:"expected_content"`
}

// RobotsConfig configures robots.txt handling in the probe stage.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	Overrides []string `yaml:"overrides"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// ScrapeConfig selects product fields from fetched pages.
type ScrapeConfig struct {
	Selectors     SelectorConfig `yaml:"selectors"`
	DropSelectors []string       `yaml:"drop_selectors"`
	MaxTextBytes  int            `yaml:"max_text_bytes"`
}

// SelectorConfig lists goquery selectors tried in order for each field.
type SelectorConfig struct {
	Title       []string `yaml:"title"`
	Price       []string `yaml:"price"`
	Currency    []string `yaml:"currency"`
	Brand       []string `yaml:"brand"`
	SKU         []string `yaml:"sku"`
	Description []string `yaml:"description"`
	Image       []string `yaml:"image"`
}

// DedupeConfig picks the natural key used at load time.
type DedupeConfig struct {
	Key string `yaml:"key"`
}

// SQLConfig describes the database the load stage writes to.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	Table           string   `yaml:"table"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
	CreateIfMissing bool     `yaml:"create_if_missing"`
}

// RefreshConfig controls scheduled re-runs.
type RefreshConfig struct {
	Schedule string `yaml:"schedule"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

const (
	DedupeKeyURL       = "url"
	DedupeKeyComposite = "composite"
)

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		OutputDir: "data",
		Worker: WorkerConfig{
			Concurrency: 8,
			QueueSize:   256,
		},
		Crawl: CrawlConfig{
			MaxPages:        1000,
			MaxDepth:        10,
			RequestTimeout:  DurationFrom(30 * time.Second),
			PerDomainDelay:  DurationFrom(500 * time.Millisecond),
			MaxRedirects:    5,
			MaxBodyBytes:    6 * 1024 * 1024,
			MaxLinksPerPage: 500,
			AllowedContentTypes: []string{
				"text/html",
				"application/xhtml+xml",
			},
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: DurationFrom(500 * time.Millisecond),
			Multiplier:     2,
			MaxBackoff:     DurationFrom(10 * time.Second),
		},
		Identities: []IdentityConfig{
			{
				Name:      "direct",
				UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
				Headers: map[string]string{
					"Accept-Language": "en-US,en;q=0.9",
				},
			},
			{
				Name:      "alternate",
				UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 14.4; rv:125.0) Gecko/20100101 Firefox/125.0",
				Headers: map[string]string{
					"Accept-Language": "en-US,en;q=0.5",
					"DNT":             "1",
				},
				CloudflareBypass: true,
			},
		},
		Classifier: ClassifierConfig{
			ChallengeIndicators: []string{
				"checking your browser",
				"captcha",
				"access denied",
				"cf-challenge",
			},
			ExpectedContent: map[string][]string{},
		},
		Robots: RobotsConfig{
			Respect:   true,
			Overrides: []string{},
			UserAgent: "crawlpipe/1.0",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Scrape: ScrapeConfig{
			Selectors: SelectorConfig{
				Title:       []string{"meta[property='og:title']", "h1", "title"},
				Price:       []string{"[itemprop='price']", "meta[property='product:price:amount']", ".price"},
				Currency:    []string{"[itemprop='priceCurrency']", "meta[property='product:price:currency']"},
				Brand:       []string{"[itemprop='brand']", "meta[property='product:brand']"},
				SKU:         []string{"[itemprop='sku']"},
				Description: []string{"meta[name='description']", "meta[property='og:description']"},
				Image:       []string{"meta[property='og:image']"},
			},
			DropSelectors: []string{"script", "noscript", "style", "iframe", "nav", "footer"},
			MaxTextBytes:  16 * 1024,
		},
		Dedupe: DedupeConfig{Key: DedupeKeyURL},
		Load: SQLConfig{
			Driver:      "sqlite",
			Table:       "products",
			AutoMigrate: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: false,
		},
	}
}

// Load reads, normalises, and validates configuration from a YAML file.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		cfg := Default()
		cfg.normalise()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate enforces required invariants for the pipeline configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.OutputDir) == "" {
		return errors.New("output_dir must be set")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0 (got %d)", c.Worker.Concurrency)
	}
	if c.Worker.QueueSize <= 0 {
		return fmt.Errorf("worker.queue_size must be > 0 (got %d)", c.Worker.QueueSize)
	}
	if c.Crawl.MaxPages < 0 {
		return fmt.Errorf("crawl.max_pages must be >= 0 (got %d)", c.Crawl.MaxPages)
	}
	if c.Crawl.MaxDepth < 0 {
		return fmt.Errorf("crawl.max_depth must be >= 0 (got %d)", c.Crawl.MaxDepth)
	}
	if c.Crawl.MaxRedirects < 0 {
		return fmt.Errorf("crawl.max_redirects must be >= 0 (got %d)", c.Crawl.MaxRedirects)
	}
	if c.Crawl.MaxBodyBytes <= 0 {
		return fmt.Errorf("crawl.max_body_bytes must be > 0 (got %d)", c.Crawl.MaxBodyBytes)
	}
	if c.Crawl.PerDomainDelay.Duration < 0 {
		return fmt.Errorf("crawl.per_domain_delay must be >= 0 (got %s)", c.Crawl.PerDomainDelay)
	}
	if rl := c.Crawl.RateLimitPerDomain; rl.Requests < 0 {
		return fmt.Errorf("crawl.rate_limit_per_domain.requests must be >= 0 (got %d)", rl.Requests)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1 (got %d)", c.Retry.MaxAttempts)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1 (got %g)", c.Retry.Multiplier)
	}
	if len(c.Identities) == 0 {
		return errors.New("at least one identity profile must be configured")
	}
	seen := make(map[string]struct{}, len(c.Identities))
	for i, id := range c.Identities {
		if id.Name == "" {
			return fmt.Errorf("identities[%d] has empty name", i)
		}
		if id.UserAgent == "" {
			return fmt.Errorf("identity %q has empty user_agent", id.Name)
		}
		if _, dup := seen[id.Name]; dup {
			return fmt.Errorf("identity %q declared twice", id.Name)
		}
		seen[id.Name] = struct{}{}
	}
	switch c.Dedupe.Key {
	case DedupeKeyURL, DedupeKeyComposite:
	default:
		return fmt.Errorf("unsupported dedupe.key %q", c.Dedupe.Key)
	}
	switch c.Load.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported load.driver %q", c.Load.Driver)
	}
	if c.Load.Driver == "postgres" && c.Load.DSN == "" {
		return errors.New("load.dsn must be set for the postgres driver")
	}
	if !validIdentifier(c.Load.Table) {
		return fmt.Errorf("load.table %q is not a valid identifier", c.Load.Table)
	}
	if c.Robots.Respect && strings.TrimSpace(c.Robots.UserAgent) == "" {
		return errors.New("robots.user_agent must be set")
	}
	return nil
}

// SeedURLs returns the configured seeds, falling back to the root of Domain.
func (c Config) SeedURLs() ([]string, error) {
	if len(c.Seeds) > 0 {
		return c.Seeds, nil
	}
	if c.Domain == "" {
		return nil, errors.New("no seeds configured and no domain given")
	}
	return []string{"https://" + c.Domain + "/"}, nil
}

func (c *Config) normalise() {
	c.OutputDir = strings.TrimSpace(c.OutputDir)
	c.Domain = strings.ToLower(strings.TrimSpace(c.Domain))
	seeds := c.Seeds[:0]
	for _, s := range c.Seeds {
		if s = strings.TrimSpace(s); s != "" {
			seeds = append(seeds, s)
		}
	}
	c.Seeds = seeds
	for i := range c.Identities {
		c.Identities[i].Name = strings.TrimSpace(c.Identities[i].Name)
		c.Identities[i].UserAgent = strings.TrimSpace(c.Identities[i].UserAgent)
	}
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	c.Load.Driver = strings.ToLower(strings.TrimSpace(c.Load.Driver))
	c.Dedupe.Key = strings.ToLower(strings.TrimSpace(c.Dedupe.Key))

	c.Classifier.ChallengeIndicators = dedupeLower(c.Classifier.ChallengeIndicators)
	expected := make(map[string][]string, len(c.Classifier.ExpectedContent))
	for host, words := range c.Classifier.ExpectedContent {
		host = strings.ToLower(strings.TrimSpace(host))
		expected[host] = dedupeLower(append(expected[host], words...))
	}
	c.Classifier.ExpectedContent = expected
	if len(c.Robots.Overrides) > 0 {
		c.Robots.Overrides = dedupeLower(c.Robots.Overrides)
	}
	if len(c.Crawl.AllowedContentTypes) > 0 {
		c.Crawl.AllowedContentTypes = dedupeLower(c.Crawl.AllowedContentTypes)
	}
}

func dedupeLower(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	sort.Strings(cleaned)
	return cleaned
}

func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// Enabled reports whether per-domain token bucket limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}
