package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/url"
	"strings"
	"sync"

	"github.com/krtong/bikenode.com-sub003/internal/config"
	"github.com/krtong/bikenode.com-sub003/internal/frontier"
	"github.com/krtong/bikenode.com-sub003/internal/links"
	"github.com/krtong/bikenode.com-sub003/pkg/types"
)

// Sink receives every finished result. An error from Record is fatal to the run.
type Sink interface {
	Record(ctx context.Context, result types.CrawlResult) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, result types.CrawlResult) error

// Record calls f.
func (f SinkFunc) Record(ctx context.Context, result types.CrawlResult) error {
	return f(ctx, result)
}

// Options bounds a crawl.
type Options struct {
	Concurrency     int
	QueueSize       int
	MaxPages        int
	MaxDepth        int
	MaxLinksPerPage int
	// FollowLinks disables link discovery when false; the engine then only works
	// through what was enqueued before Run.
	FollowLinks bool
}

// OptionsFromConfig derives engine options from configuration.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Concurrency:     cfg.Worker.Concurrency,
		QueueSize:       cfg.Worker.QueueSize,
		MaxPages:        cfg.Crawl.MaxPages,
		MaxDepth:        cfg.Crawl.MaxDepth,
		MaxLinksPerPage: cfg.Crawl.MaxLinksPerPage,
		FollowLinks:     true,
	}
}

// Stats summarises a finished crawl.
type Stats struct {
	Attempted   int
	Successes   int
	Failures    map[types.Failure]int
	Interrupted bool
}

// PermanentlyBlocked counts URLs that ended in a challenge or block.
func (s Stats) PermanentlyBlocked() int {
	return s.Failures[types.FailureChallenge] + s.Failures[types.FailureBlocked]
}

// Engine drains a frontier through a bounded worker pool. Each dequeued URL is
// retrieved, handed to the sink, and, when accepted, its same-site links are fed back
// into the frontier.
type Engine struct {
	frontier  *frontier.Frontier
	retriever *Retriever
	sink      Sink
	opts      Options
	logger    *slog.Logger

	mu    sync.Mutex
	stats Stats
	fatal error
}

// NewEngine builds a crawler engine.
func NewEngine(f *frontier.Frontier, r *Retriever, sink Sink, opts Options, logger *slog.Logger) (*Engine, error) {
	if f == nil || r == nil || sink == nil {
		return nil, errors.New("engine requires a frontier, a retriever and a sink")
	}
	if opts.Concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be positive, got %d", opts.Concurrency)
	}
	if opts.QueueSize < opts.Concurrency {
		opts.QueueSize = opts.Concurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		frontier:  f,
		retriever: r,
		sink:      sink,
		opts:      opts,
		logger:    logger,
		stats:     Stats{Failures: make(map[types.Failure]int)},
	}, nil
}

// Run executes the crawl until the frontier is exhausted, the page budget is spent,
// the sink fails, or ctx is cancelled. On cancellation no new URLs are dispatched and
// in-flight fetches complete before Run returns ctx.Err().
func (e *Engine) Run(ctx context.Context) (Stats, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool, err := NewWorkerPool(runCtx, e.opts.Concurrency, e.opts.QueueSize)
	if err != nil {
		return Stats{}, err
	}

	done := make(chan struct{}, e.opts.Concurrency)
	active := 0
	dispatched := 0

dispatch:
	for {
		if runCtx.Err() != nil {
			break
		}
		budgetLeft := e.opts.MaxPages <= 0 || dispatched < e.opts.MaxPages
		if active < e.opts.Concurrency && budgetLeft {
			if req, ok := e.frontier.Next(); ok {
				if err := pool.Submit(runCtx, e.job(req, done, cancel)); err != nil {
					break
				}
				active++
				dispatched++
				continue
			}
		}
		if active == 0 {
			break
		}
		select {
		case <-done:
			active--
		case <-runCtx.Done():
			break dispatch
		}
	}

	for active > 0 {
		<-done
		active--
	}
	pool.Close()

	e.mu.Lock()
	defer e.mu.Unlock()
	stats := e.stats
	stats.Failures = make(map[types.Failure]int, len(e.stats.Failures))
	for k, v := range e.stats.Failures {
		stats.Failures[k] = v
	}
	if e.fatal != nil {
		return stats, e.fatal
	}
	if err := ctx.Err(); err != nil {
		stats.Interrupted = true
		e.logger.Warn("crawl interrupted", "attempted", stats.Attempted, "pending", e.frontier.Pending())
		return stats, err
	}
	return stats, nil
}

func (e *Engine) job(req types.CrawlRequest, done chan<- struct{}, abort context.CancelFunc) job {
	return func(ctx context.Context) {
		defer func() { done <- struct{}{} }()
		if ctx.Err() != nil {
			return
		}

		result, err := e.retriever.Retrieve(ctx, req)
		if err != nil {
			e.logger.Debug("skipped before fetch", "url", req.Key, "error", err)
			return
		}
		if e.opts.FollowLinks && result.Verdict == types.VerdictAccepted && result.Page != nil {
			result.Links = e.discover(req, result.Page)
		}
		e.frontier.MarkVisited(req.Key)

		// The sink write must not be torn by an interrupt.
		if err := e.sink.Record(context.WithoutCancel(ctx), result); err != nil {
			e.fail(fmt.Errorf("record %s: %w", req.Key, err))
			abort()
			return
		}
		e.count(result)
		e.logger.Debug("crawled", "result", Describe(result))
	}
}

func (e *Engine) discover(req types.CrawlRequest, page *types.Page) []*url.URL {
	if !isHTML(page.ContentType) {
		return nil
	}
	base, err := url.Parse(page.FinalURL)
	if err != nil {
		base = req.URL
	}
	found, err := links.Extract([]byte(page.HTML), base, e.opts.MaxLinksPerPage)
	if err != nil {
		e.logger.Debug("link extraction failed", "url", req.Key, "error", err)
		return nil
	}
	if e.opts.MaxDepth > 0 && req.Depth >= e.opts.MaxDepth {
		return found
	}
	for _, link := range found {
		e.frontier.EnqueueURL(link, req.Key, req.Depth+1)
	}
	return found
}

func (e *Engine) count(result types.CrawlResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Attempted++
	if result.Failure == types.FailureNone {
		e.stats.Successes++
		return
	}
	e.stats.Failures[result.Failure]++
}

func (e *Engine) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fatal == nil {
		e.fatal = err
	}
}

func isHTML(contentType string) bool {
	if strings.TrimSpace(contentType) == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "html")
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
