package crawler

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDomainLimiterSpacesConcurrentGrants(t *testing.T) {
	const delay = 500 * time.Millisecond
	limiter := NewDomainLimiter(delay, RateLimiterSettings{})

	var (
		mu     sync.Mutex
		grants []time.Time
		errs   []error
		wg     sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			host := "example.test"
			if w%2 == 1 {
				host = "www.example.test"
			}
			for i := 0; i < 2; i++ {
				at, err := limiter.Acquire(context.Background(), host)
				mu.Lock()
				if err != nil {
					errs = append(errs, err)
				} else {
					grants = append(grants, at)
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, grants, 8)
	sort.Slice(grants, func(i, j int) bool { return grants[i].Before(grants[j]) })
	for i := 1; i < len(grants); i++ {
		gap := grants[i].Sub(grants[i-1])
		require.GreaterOrEqual(t, gap, delay, "grant %d came %s after the previous one", i, gap)
	}
}

func TestDomainLimiterHostsAreIndependent(t *testing.T) {
	limiter := NewDomainLimiter(time.Second, RateLimiterSettings{})
	ctx := context.Background()

	start := time.Now()
	_, err := limiter.Acquire(ctx, "a.test")
	require.NoError(t, err)
	_, err = limiter.Acquire(ctx, "b.test")
	require.NoError(t, err)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDomainLimiterHonoursCancellation(t *testing.T) {
	limiter := NewDomainLimiter(time.Hour, RateLimiterSettings{})
	_, err := limiter.Acquire(context.Background(), "example.test")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = limiter.Acquire(ctx, "example.test")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The token was returned, so a later caller is not stuck behind the cancelled one.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	_, err = limiter.Acquire(ctx2, "example.test")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDomainLimiterRateBucket(t *testing.T) {
	limiter := NewDomainLimiter(0, RateLimiterSettings{Requests: 2, Window: 400 * time.Millisecond})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Wait(ctx, "example.test"))
	}
	// Burst of two, the third waits roughly one interval (200ms).
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}
