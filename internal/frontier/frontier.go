package frontier

import (
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/krtong/bikenode.com-sub003/pkg/types"
)

// Admission is the result of offering a URL to the frontier.
type Admission int

const (
	Queued Admission = iota
	Duplicate
	External
	Malformed
)

func (a Admission) String() string {
	switch a {
	case Queued:
		return "queued"
	case Duplicate:
		return "duplicate"
	case External:
		return "external"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

type state uint8

const (
	stateQueued state = iota + 1
	stateInFlight
	stateVisited
)

// ExternalLink is a cross-domain link seen during the crawl. It is recorded, never queued.
type ExternalLink struct {
	URL          string    `json:"url"`
	Source       string    `json:"source"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Stats summarises frontier activity.
type Stats struct {
	Queued    int
	InFlight  int
	Visited   int
	External  int
	Malformed int
}

// Frontier is a breadth-first queue of canonical URLs plus the visited set.
// A canonical URL enters the queue at most once for the life of the frontier.
type Frontier struct {
	mu        sync.Mutex
	seedHosts []string
	queue     []types.CrawlRequest
	head      int
	states    map[string]state
	external  []ExternalLink
	extSeen   map[string]struct{}
	malformed int
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a frontier restricted to the given seed hosts (and their www. variants).
func New(seedHosts []string, logger *slog.Logger) *Frontier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Frontier{
		seedHosts: append([]string(nil), seedHosts...),
		states:    make(map[string]state),
		extSeen:   make(map[string]struct{}),
		logger:    logger,
		now:       time.Now,
	}
}

// Enqueue offers a URL discovered on source. Malformed URLs are logged and dropped.
func (f *Frontier) Enqueue(rawURL, source string, depth int) Admission {
	u, err := Parse(rawURL)
	if err != nil {
		f.mu.Lock()
		f.malformed++
		f.mu.Unlock()
		f.logger.Warn("SkippedMalformedURL", "url", rawURL, "source", source, "error", err)
		return Malformed
	}
	return f.admit(u, source, depth, time.Time{})
}

// EnqueueDiscovered is Enqueue for a URL whose discovery time was recorded by an
// earlier stage; the original time is kept instead of the admission time.
func (f *Frontier) EnqueueDiscovered(rawURL, source string, depth int, discoveredAt time.Time) Admission {
	u, err := Parse(rawURL)
	if err != nil {
		f.mu.Lock()
		f.malformed++
		f.mu.Unlock()
		f.logger.Warn("SkippedMalformedURL", "url", rawURL, "source", source, "error", err)
		return Malformed
	}
	return f.admit(u, source, depth, discoveredAt)
}

// EnqueueURL is Enqueue for an already parsed URL.
func (f *Frontier) EnqueueURL(target *url.URL, source string, depth int) Admission {
	u, err := CanonicalizeURL(target)
	if err != nil {
		f.mu.Lock()
		f.malformed++
		f.mu.Unlock()
		raw := ""
		if target != nil {
			raw = target.String()
		}
		f.logger.Warn("SkippedMalformedURL", "url", raw, "source", source, "error", err)
		return Malformed
	}
	return f.admit(u, source, depth, time.Time{})
}

func (f *Frontier) admit(u *url.URL, source string, depth int, discoveredAt time.Time) Admission {
	key := u.String()
	now := discoveredAt
	if now.IsZero() {
		now = f.now()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.inScopeLocked(u.Host) {
		if _, seen := f.extSeen[key]; !seen {
			f.extSeen[key] = struct{}{}
			f.external = append(f.external, ExternalLink{URL: key, Source: source, DiscoveredAt: now})
		}
		return External
	}
	if _, seen := f.states[key]; seen {
		return Duplicate
	}
	f.states[key] = stateQueued
	f.queue = append(f.queue, types.CrawlRequest{
		URL:          u,
		Key:          key,
		Source:       source,
		Depth:        depth,
		DiscoveredAt: now,
	})
	return Queued
}

func (f *Frontier) inScopeLocked(host string) bool {
	if len(f.seedHosts) == 0 {
		return true
	}
	for _, seed := range f.seedHosts {
		if SameSite(seed, host) {
			return true
		}
	}
	return false
}

// Next pops the oldest queued request. The request stays in flight until MarkVisited.
func (f *Frontier) Next() (types.CrawlRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.head >= len(f.queue) {
		return types.CrawlRequest{}, false
	}
	req := f.queue[f.head]
	f.queue[f.head] = types.CrawlRequest{}
	f.head++
	if f.head > 1024 && f.head*2 > len(f.queue) {
		f.queue = append([]types.CrawlRequest(nil), f.queue[f.head:]...)
		f.head = 0
	}
	f.states[req.Key] = stateInFlight
	return req, true
}

// MarkVisited records that the canonical URL has been processed.
func (f *Frontier) MarkVisited(key string) {
	f.mu.Lock()
	f.states[key] = stateVisited
	f.mu.Unlock()
}

// Visited reports whether the canonical URL finished processing.
func (f *Frontier) Visited(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[key] == stateVisited
}

// Pending returns the number of queued, not yet handed out, requests.
func (f *Frontier) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue) - f.head
}

// Drain removes and returns every request still waiting in the queue. Drained URLs
// stay known to the frontier and are never queued again.
func (f *Frontier) Drain() []types.CrawlRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]types.CrawlRequest(nil), f.queue[f.head:]...)
	f.queue = nil
	f.head = 0
	return out
}

// External returns the cross-domain links recorded so far, in discovery order.
func (f *Frontier) External() []ExternalLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ExternalLink(nil), f.external...)
}

// Stats returns a snapshot of the frontier counters.
func (f *Frontier) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := Stats{External: len(f.external), Malformed: f.malformed}
	for _, s := range f.states {
		switch s {
		case stateQueued:
			st.Queued++
		case stateInFlight:
			st.InFlight++
		case stateVisited:
			st.Visited++
		}
	}
	return st
}
