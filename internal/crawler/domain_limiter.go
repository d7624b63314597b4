package crawler

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterSettings configures token-bucket style rate limiting per host.
type RateLimiterSettings struct {
	Requests int
	Window   time.Duration
}

// DomainLimiter enforces a minimum gap between request starts to the same host,
// optionally combined with a token bucket. Each host has a single token; a caller
// holds it from the moment it starts waiting until its grant is stamped, so two
// workers can never be granted closer together than the delay.
type DomainLimiter struct {
	delay       time.Duration
	rate        RateLimiterSettings
	rateEnabled bool

	mu    sync.Mutex
	hosts map[string]*hostSlot
}

type hostSlot struct {
	token   chan struct{}
	last    time.Time // guarded by token
	limiter *rate.Limiter
}

// NewDomainLimiter creates a limiter with per-domain delay and optional rate limiting.
func NewDomainLimiter(delay time.Duration, rateCfg RateLimiterSettings) *DomainLimiter {
	limiter := &DomainLimiter{
		delay: delay,
		hosts: make(map[string]*hostSlot),
	}
	if rateCfg.Requests > 0 && rateCfg.Window > 0 {
		limiter.rateEnabled = true
		limiter.rate = rateCfg
	}
	return limiter
}

// Wait blocks until politeness constraints for the host are satisfied.
func (d *DomainLimiter) Wait(ctx context.Context, host string) error {
	_, err := d.Acquire(ctx, host)
	return err
}

// Acquire blocks until the host may be contacted and returns the grant time.
// Successive grants for one host are at least the configured delay apart.
func (d *DomainLimiter) Acquire(ctx context.Context, host string) (time.Time, error) {
	if d == nil || host == "" || (d.delay <= 0 && !d.rateEnabled) {
		return time.Now(), ctx.Err()
	}
	slot := d.slot(host)

	select {
	case <-slot.token:
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
	defer func() { slot.token <- struct{}{} }()

	if d.delay > 0 && !slot.last.IsZero() {
		if rest := time.Until(slot.last.Add(d.delay)); rest > 0 {
			timer := time.NewTimer(rest)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return time.Time{}, ctx.Err()
			}
		}
	}
	if slot.limiter != nil {
		if err := slot.limiter.Wait(ctx); err != nil {
			return time.Time{}, err
		}
	}

	granted := time.Now()
	slot.last = granted
	return granted, nil
}

func (d *DomainLimiter) slot(host string) *hostSlot {
	key := strings.TrimPrefix(strings.ToLower(host), "www.")

	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.hosts[key]; ok {
		return s
	}
	s := &hostSlot{token: make(chan struct{}, 1)}
	s.token <- struct{}{}
	if d.rateEnabled {
		s.limiter = d.newRateLimiter()
	}
	d.hosts[key] = s
	return s
}

func (d *DomainLimiter) newRateLimiter() *rate.Limiter {
	interval := d.rate.Window / time.Duration(d.rate.Requests)
	if interval <= 0 {
		interval = time.Millisecond
	}
	return rate.NewLimiter(rate.Every(interval), d.rate.Requests)
}
