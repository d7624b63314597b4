package crawler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/krtong/bikenode.com-sub003/internal/classifier"
	"github.com/krtong/bikenode.com-sub003/internal/fetcher"
	"github.com/krtong/bikenode.com-sub003/pkg/types"
)

type scriptedReply struct {
	status int
	body   string
	err    error
}

// scriptedFetcher replays replies in order and records the profiles it was asked for.
type scriptedFetcher struct {
	mu       sync.Mutex
	replies  []scriptedReply
	profiles []string
}

func (s *scriptedFetcher) Fetch(_ context.Context, target *url.URL, profile string) (*fetcher.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles = append(s.profiles, profile)
	if len(s.replies) == 0 {
		return nil, fmt.Errorf("no scripted reply for %s", target)
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	if r.err != nil {
		return nil, r.err
	}
	return &fetcher.Result{
		URL:         target,
		FinalURL:    target,
		Profile:     profile,
		StatusCode:  r.status,
		Headers:     http.Header{"Content-Type": {"text/html"}},
		Body:        []byte(r.body),
		ContentType: "text/html",
		FetchedAt:   time.Now(),
	}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRetriever(t *testing.T, f fetcher.Fetcher) *Retriever {
	t.Helper()
	r, err := NewRetriever(
		f,
		classifier.New([]string{"checking your browser", "captcha"}, nil),
		NewDomainLimiter(0, RateLimiterSettings{}),
		[]string{"direct", "alternate"},
		RetryPolicy{MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond, Multiplier: 2, MaxBackoff: 50 * time.Millisecond},
		discardLogger(),
	)
	require.NoError(t, err)
	return r
}

func request(raw string) types.CrawlRequest {
	u, _ := url.Parse(raw)
	return types.CrawlRequest{URL: u, Key: raw, DiscoveredAt: time.Now()}
}

func TestRetrieveAccepted(t *testing.T) {
	f := &scriptedFetcher{replies: []scriptedReply{{status: 200, body: "<p>motorcycle helmets</p>"}}}
	res, err := testRetriever(t, f).Retrieve(context.Background(), request("https://example.test/"))
	require.NoError(t, err)
	require.Equal(t, types.VerdictAccepted, res.Verdict)
	require.Equal(t, types.FailureNone, res.Failure)
	require.Len(t, res.Attempts, 1)
	require.Equal(t, types.OutcomeSuccess, res.Attempts[0].Outcome)
	require.Len(t, res.Attempts[0].SnapshotSHA256, 64)
	require.Equal(t, 200, res.Page.StatusCode)
}

func TestRetrieveChallengeRetriesOnceWithAlternateIdentity(t *testing.T) {
	f := &scriptedFetcher{replies: []scriptedReply{
		{status: 403, body: "Checking your browser"},
		{status: 403, body: "Checking your browser"},
	}}
	res, err := testRetriever(t, f).Retrieve(context.Background(), request("https://example.test/b"))
	require.NoError(t, err)
	require.Equal(t, []string{"direct", "alternate"}, f.profiles)
	require.Equal(t, types.VerdictChallenge, res.Verdict)
	require.Equal(t, types.FailureChallenge, res.Failure)
	require.True(t, res.Failure.Permanent())
	require.Len(t, res.Attempts, 2)
	for i, a := range res.Attempts {
		require.Equal(t, i+1, a.Attempt)
		require.Equal(t, types.OutcomeBlocked, a.Outcome)
	}
	require.Equal(t, 403, res.Page.StatusCode)
}

func TestRetrieveChallengeClearedByAlternateIdentity(t *testing.T) {
	f := &scriptedFetcher{replies: []scriptedReply{
		{status: 200, body: "solve this captcha"},
		{status: 200, body: "<h1>Helmet</h1>"},
	}}
	res, err := testRetriever(t, f).Retrieve(context.Background(), request("https://example.test/p"))
	require.NoError(t, err)
	require.Equal(t, types.VerdictAccepted, res.Verdict)
	require.Equal(t, "alternate", res.Attempts[1].Method)
}

func TestRetrieveTimeoutBacksOffThenGivesUp(t *testing.T) {
	timeout := fmt.Errorf("%w: deadline", fetcher.ErrTimeout)
	f := &scriptedFetcher{replies: []scriptedReply{{err: timeout}, {err: timeout}, {err: timeout}, {status: 200, body: "never"}}}

	start := time.Now()
	res, err := testRetriever(t, f).Retrieve(context.Background(), request("https://example.test/slow"))
	require.NoError(t, err)
	require.Equal(t, types.FailurePermanentTimeout, res.Failure)
	require.Len(t, res.Attempts, 3)
	for _, a := range res.Attempts {
		require.Equal(t, types.OutcomeTimeout, a.Outcome)
	}
	// 10ms then 20ms of backoff between the three attempts.
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestRetrieveTimeoutRecovers(t *testing.T) {
	f := &scriptedFetcher{replies: []scriptedReply{{err: fetcher.ErrTimeout}, {status: 200, body: "ok"}}}
	res, err := testRetriever(t, f).Retrieve(context.Background(), request("https://example.test/flaky"))
	require.NoError(t, err)
	require.Equal(t, types.VerdictAccepted, res.Verdict)
	require.Len(t, res.Attempts, 2)
	require.Equal(t, []string{"direct", "direct"}, f.profiles)
}

func TestRetrieveTooManyRedirectsIsTerminal(t *testing.T) {
	f := &scriptedFetcher{replies: []scriptedReply{{err: fmt.Errorf("%w: stopped after 6", fetcher.ErrTooManyRedirects)}}}
	res, err := testRetriever(t, f).Retrieve(context.Background(), request("https://example.test/loop"))
	require.NoError(t, err)
	require.Equal(t, types.FailureTooManyRedirects, res.Failure)
	require.Equal(t, types.VerdictError, res.Verdict)
	require.Equal(t, "TooManyRedirects", res.Attempts[0].Reason)
	require.Len(t, f.profiles, 1)
}

func TestRetrieveErrorStatusIsNotRetried(t *testing.T) {
	f := &scriptedFetcher{replies: []scriptedReply{{status: 500, body: "oops"}}}
	res, err := testRetriever(t, f).Retrieve(context.Background(), request("https://example.test/e"))
	require.NoError(t, err)
	require.Equal(t, types.VerdictError, res.Verdict)
	require.Equal(t, types.FailureError, res.Failure)
	require.Len(t, f.profiles, 1)
}

func TestRetrieveCancelledBeforeFetch(t *testing.T) {
	f := &scriptedFetcher{}
	r := testRetriever(t, f)
	r.limiter = NewDomainLimiter(time.Hour, RateLimiterSettings{})
	_, err := r.limiter.Acquire(context.Background(), "example.test")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Retrieve(ctx, request("https://example.test/"))
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, f.profiles)
}

// cancellingFetcher cancels the run shortly after its first reply.
type cancellingFetcher struct {
	scriptedFetcher
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancellingFetcher) Fetch(ctx context.Context, target *url.URL, profile string) (*fetcher.Result, error) {
	c.once.Do(func() { time.AfterFunc(50*time.Millisecond, c.cancel) })
	return c.scriptedFetcher.Fetch(ctx, target, profile)
}

func TestRetrieveInterruptedBeforeAlternateKeepsChallenge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := &cancellingFetcher{
		scriptedFetcher: scriptedFetcher{replies: []scriptedReply{{status: 403, body: "Checking your browser"}}},
		cancel:          cancel,
	}
	r := testRetriever(t, f)
	r.limiter = NewDomainLimiter(time.Hour, RateLimiterSettings{})

	res, err := r.Retrieve(ctx, request("https://example.test/guarded"))
	require.NoError(t, err)
	require.Equal(t, types.VerdictChallenge, res.Verdict)
	require.Equal(t, types.FailureChallenge, res.Failure)
	require.Len(t, res.Attempts, 1)
	require.Equal(t, []string{"direct"}, f.profiles)
}
