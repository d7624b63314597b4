package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"github.com/krtong/bikenode.com-sub003/internal/config"
)

// Verdict is the outcome of a robots.txt check for one URL.
type Verdict struct {
	Allowed    bool          `json:"allowed"`
	CrawlDelay time.Duration `json:"crawl_delay_ns,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// Gate paces requests to a host. The crawler's per-domain limiter satisfies it.
type Gate interface {
	Wait(ctx context.Context, host string) error
}

// Agent evaluates robots.txt rules with caching and host overrides.
type Agent struct {
	client    *http.Client
	gate      Gate
	userAgent string
	ttl       time.Duration
	respect   bool

	mu        sync.Mutex
	cache     map[string]cacheEntry
	overrides map[string]struct{}
	now       func() time.Time
}

type cacheEntry struct {
	fetched time.Time
	rules   *robotstxt.RobotsData
}

// NewAgent constructs a robots agent from configuration. A non-nil gate is waited on
// before every robots.txt request.
func NewAgent(cfg config.RobotsConfig, client *http.Client, gate Gate) *Agent {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	ttl := cfg.CacheTTL.Duration
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	overrides := make(map[string]struct{}, len(cfg.Overrides))
	for _, host := range cfg.Overrides {
		if host = hostKey(host); host != "" {
			overrides[host] = struct{}{}
		}
	}
	return &Agent{
		client:    client,
		gate:      gate,
		userAgent: cfg.UserAgent,
		ttl:       ttl,
		respect:   cfg.Respect,
		cache:     make(map[string]cacheEntry),
		overrides: overrides,
		now:       time.Now,
	}
}

// Check reports whether target may be crawled. Unreachable robots.txt files fail open;
// a 5xx answer disallows the whole host until the cache entry expires.
func (a *Agent) Check(ctx context.Context, target *url.URL) Verdict {
	if target == nil || !target.IsAbs() {
		return Verdict{Reason: "not an absolute URL"}
	}
	if !a.respect {
		return Verdict{Allowed: true, Reason: "robots disabled"}
	}
	if _, ok := a.overrides[hostKey(target.Hostname())]; ok {
		return Verdict{Allowed: true, Reason: "host override"}
	}

	rules, err := a.rules(ctx, target)
	if err != nil {
		return Verdict{Allowed: true, Reason: err.Error()}
	}
	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	if target.RawQuery != "" {
		path += "?" + target.RawQuery
	}
	v := Verdict{Allowed: rules.TestAgent(path, a.userAgent)}
	if group := rules.FindGroup(a.userAgent); group != nil {
		v.CrawlDelay = group.CrawlDelay
	}
	if !v.Allowed {
		v.Reason = "disallowed by robots.txt"
	}
	return v
}

// Allowed is Check reduced to its decision.
func (a *Agent) Allowed(ctx context.Context, target *url.URL) bool {
	return a.Check(ctx, target).Allowed
}

func (a *Agent) rules(ctx context.Context, target *url.URL) (*robotstxt.RobotsData, error) {
	key := strings.ToLower(target.Scheme + "://" + target.Host)

	a.mu.Lock()
	entry, ok := a.cache[key]
	a.mu.Unlock()
	if ok && a.now().Sub(entry.fetched) < a.ttl {
		return entry.rules, nil
	}

	if a.gate != nil {
		if err := a.gate.Wait(ctx, target.Hostname()); err != nil {
			return nil, fmt.Errorf("wait for robots.txt slot: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.Scheme+"://"+target.Host+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("build robots request: %w", err)
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return nil, fmt.Errorf("read robots.txt: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}

	a.mu.Lock()
	a.cache[key] = cacheEntry{fetched: a.now(), rules: data}
	a.mu.Unlock()
	return data, nil
}

// Purge evicts cached robots rules for a host.
func (a *Agent) Purge(host string) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.cache {
		if u, err := url.Parse(key); err == nil && strings.EqualFold(u.Hostname(), host) {
			delete(a.cache, key)
		}
	}
}

func hostKey(host string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(host)), "www.")
}
