package pipeline

import (
	"fmt"
	"log/slog"
	"mime"
	"regexp"
	"strings"

	"github.com/krtong/bikenode.com-sub003/internal/classifier"
	"github.com/krtong/bikenode.com-sub003/internal/config"
	"github.com/krtong/bikenode.com-sub003/internal/crawler"
	"github.com/krtong/bikenode.com-sub003/internal/fetcher"
	"github.com/krtong/bikenode.com-sub003/pkg/types"
)

// Output file names shared between stages.
const (
	urlsFile     = "urls.csv"
	attemptsFile = "attempts.jsonl"
	outcomesFile = "outcomes.jsonl"
	externalFile = "external.jsonl"
	pagesFile    = "pages.jsonl"
	groupsFile   = "groups.jsonl"
	probesFile   = "probes.jsonl"
	planFile     = "plan.jsonl"
	recordsFile  = "records.jsonl"
	loadedFile   = "loaded.jsonl"
	issuesFile   = "issues.jsonl"
)

// Counter keys aggregated into the run summary.
const (
	countAttempted = "attempted"
	countSuccesses = "successes"
	failurePrefix  = "failed."
)

func newLimiter(cfg config.Config) *crawler.DomainLimiter {
	return crawler.NewDomainLimiter(cfg.Crawl.PerDomainDelay.Duration, crawler.RateLimiterSettings{
		Requests: cfg.Crawl.RateLimitPerDomain.Requests,
		Window:   cfg.Crawl.RateLimitPerDomain.Window.Duration,
	})
}

func newRetriever(cfg config.Config, limiter *crawler.DomainLimiter, logger *slog.Logger) (*crawler.Retriever, error) {
	profiles := make([]fetcher.Profile, 0, len(cfg.Identities))
	names := make([]string, 0, len(cfg.Identities))
	for _, id := range cfg.Identities {
		profiles = append(profiles, fetcher.Profile{
			Name:             id.Name,
			UserAgent:        id.UserAgent,
			Headers:          id.Headers,
			CloudflareBypass: id.CloudflareBypass,
		})
		names = append(names, id.Name)
	}
	hf, err := fetcher.NewHTTPFetcher(fetcher.Options{
		Profiles:     profiles,
		Timeout:      cfg.Crawl.RequestTimeout.Duration,
		MaxBodyBytes: cfg.Crawl.MaxBodyBytes,
		MaxRedirects: cfg.Crawl.MaxRedirects,
		ProxyURL:     cfg.Crawl.ProxyURL,
		RedirectGate: limiter,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: http fetcher: %v", ErrConfig, err)
	}
	return crawler.NewRetriever(
		hf,
		classifier.New(cfg.Classifier.ChallengeIndicators, cfg.Classifier.ExpectedContent),
		limiter,
		names,
		crawler.RetryPolicy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff.Duration,
			Multiplier:     cfg.Retry.Multiplier,
			MaxBackoff:     cfg.Retry.MaxBackoff.Duration,
		},
		logger,
	)
}

// crawlCounts converts engine statistics into summary counters.
func crawlCounts(stats crawler.Stats) Counts {
	c := Counts{
		countAttempted: int64(stats.Attempted),
		countSuccesses: int64(stats.Successes),
	}
	for f, n := range stats.Failures {
		c[failurePrefix+string(f)] = int64(n)
	}
	return c
}

func urlRecord(res types.CrawlResult) types.URLRecord {
	rec := types.URLRecord{
		URL:          res.Request.Key,
		Verdict:      res.Verdict,
		DiscoveredAt: res.Request.DiscoveredAt,
	}
	if res.Page != nil {
		rec.StatusCode = res.Page.StatusCode
		rec.ContentType = res.Page.ContentType
		rec.SizeBytes = int64(len(res.Page.HTML))
		rec.LastModified = res.Page.LastModified
	}
	return rec
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, raw := range patterns {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		pat, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %q: %v", ErrConfig, raw, err)
		}
		compiled = append(compiled, pat)
	}
	return compiled, nil
}

func contentTypeAllowed(contentType string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	for _, a := range allowed {
		if strings.EqualFold(a, mediaType) {
			return true
		}
	}
	return false
}
