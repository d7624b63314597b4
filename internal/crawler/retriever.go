package crawler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/krtong/bikenode.com-sub003/internal/classifier"
	"github.com/krtong/bikenode.com-sub003/internal/fetcher"
	"github.com/krtong/bikenode.com-sub003/pkg/types"
)

// RetryPolicy bounds timeout retries.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

func (p RetryPolicy) backOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialBackoff
	bo.Multiplier = p.Multiplier
	bo.MaxInterval = p.MaxBackoff
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Retriever fetches one URL under the politeness limiter, classifies each response,
// and applies the retry policy: timeouts back off exponentially, a challenge or block
// is retried once under the alternate identity, everything else is final.
type Retriever struct {
	fetcher    fetcher.Fetcher
	classifier *classifier.Classifier
	limiter    *DomainLimiter
	profiles   []string
	retry      RetryPolicy
	logger     *slog.Logger
}

// NewRetriever wires the retry policy. profiles lists identity names, primary first;
// a second entry enables the alternate-identity retry.
func NewRetriever(f fetcher.Fetcher, c *classifier.Classifier, limiter *DomainLimiter, profiles []string, retry RetryPolicy, logger *slog.Logger) (*Retriever, error) {
	if f == nil || c == nil {
		return nil, errors.New("retriever requires a fetcher and a classifier")
	}
	if len(profiles) == 0 {
		return nil, errors.New("retriever requires at least one identity profile")
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		fetcher:    f,
		classifier: c,
		limiter:    limiter,
		profiles:   append([]string(nil), profiles...),
		retry:      retry,
		logger:     logger,
	}, nil
}

// Retrieve runs the full attempt history for req. An error is returned only when ctx
// was cancelled before the first request went out; the URL then counts as not attempted.
// Once a request is on the wire it finishes regardless of ctx, and no further retries
// start after cancellation.
func (r *Retriever) Retrieve(ctx context.Context, req types.CrawlRequest) (types.CrawlResult, error) {
	result := types.CrawlResult{Request: req}
	host := req.URL.Hostname()
	wire := context.WithoutCancel(ctx)
	bo := r.retry.backOff()

	profile := 0
	switched := false
	timeouts := 0

	for attempt := 1; ; attempt++ {
		if _, err := r.limiter.Acquire(ctx, host); err != nil {
			if attempt == 1 {
				return result, err
			}
			r.logger.Warn("retry abandoned", "url", req.Key, "attempt", attempt, "error", err)
			abandon(&result)
			return result, nil
		}

		method := r.profiles[profile]
		res, err := r.fetcher.Fetch(wire, req.URL, method)
		record := types.FetchAttempt{
			URL:     req.Key,
			Attempt: attempt,
			Method:  method,
			At:      time.Now().UTC(),
		}

		if err != nil {
			record.Verdict = types.VerdictError
			record.Reason = err.Error()
			switch {
			case errors.Is(err, fetcher.ErrTimeout):
				record.Outcome = types.OutcomeTimeout
				result.Attempts = append(result.Attempts, record)
				timeouts++
				if timeouts >= r.retry.MaxAttempts {
					result.Verdict = types.VerdictError
					result.Failure = types.FailurePermanentTimeout
					r.logger.Warn("permanent timeout", "url", req.Key, "attempts", attempt)
					return result, nil
				}
				if !sleepCtx(ctx, bo.NextBackOff()) {
					result.Verdict = types.VerdictError
					result.Failure = types.FailurePermanentTimeout
					return result, nil
				}
				continue
			case errors.Is(err, fetcher.ErrTooManyRedirects):
				record.Outcome = types.OutcomeError
				record.Reason = "TooManyRedirects"
				result.Failure = types.FailureTooManyRedirects
			default:
				record.Outcome = types.OutcomeError
				result.Failure = types.FailureError
			}
			result.Attempts = append(result.Attempts, record)
			result.Verdict = types.VerdictError
			r.logger.Debug("fetch failed", "url", req.Key, "method", method, "error", err)
			return result, nil
		}

		decision := r.classifier.Classify(classifier.Response{
			Host:       host,
			StatusCode: res.StatusCode,
			Body:       res.Body,
		})
		sum := sha256.Sum256(res.Body)
		record.Verdict = decision.Verdict
		record.StatusCode = res.StatusCode
		record.Reason = decision.Reason
		record.SnapshotSHA256 = hex.EncodeToString(sum[:])
		record.SnapshotSize = len(res.Body)
		result.Page = toPage(req, res)
		result.Verdict = decision.Verdict

		switch decision.Verdict {
		case types.VerdictAccepted:
			record.Outcome = types.OutcomeSuccess
			result.Attempts = append(result.Attempts, record)
			result.Failure = types.FailureNone
			return result, nil
		case types.VerdictChallenge, types.VerdictBlocked:
			record.Outcome = types.OutcomeBlocked
			result.Attempts = append(result.Attempts, record)
			if !switched && len(r.profiles) > 1 && ctx.Err() == nil {
				switched = true
				profile = 1
				r.logger.Info("retrying with alternate identity", "url", req.Key, "verdict", decision.Verdict, "profile", r.profiles[profile])
				continue
			}
			if decision.Verdict == types.VerdictChallenge {
				result.Failure = types.FailureChallenge
			} else {
				result.Failure = types.FailureBlocked
			}
			r.logger.Warn("permanently blocked", "url", req.Key, "verdict", decision.Verdict, "status", res.StatusCode)
			return result, nil
		default:
			record.Outcome = types.OutcomeError
			result.Attempts = append(result.Attempts, record)
			result.Failure = types.FailureError
			return result, nil
		}
	}
}

// abandon settles a result whose retry never started, from its last attempt.
func abandon(result *types.CrawlResult) {
	if len(result.Attempts) == 0 {
		return
	}
	last := result.Attempts[len(result.Attempts)-1]
	switch {
	case last.Outcome == types.OutcomeTimeout:
		result.Verdict = types.VerdictError
		result.Failure = types.FailurePermanentTimeout
	case last.Verdict == types.VerdictChallenge:
		result.Failure = types.FailureChallenge
	case last.Verdict == types.VerdictBlocked:
		result.Failure = types.FailureBlocked
	}
}

func toPage(req types.CrawlRequest, res *fetcher.Result) *types.Page {
	final := req.Key
	if res.FinalURL != nil {
		final = res.FinalURL.String()
	}
	return &types.Page{
		URL:          req.Key,
		FinalURL:     final,
		StatusCode:   res.StatusCode,
		ContentType:  res.ContentType,
		LastModified: res.Headers.Get("Last-Modified"),
		Headers:      res.Headers,
		HTML:         string(res.Body),
		FetchedAt:    res.FetchedAt.UTC(),
		DiscoveredAt: req.DiscoveredAt.UTC(),
		Elapsed:      res.Elapsed,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Describe renders a one-line account of a result for logs.
func Describe(res types.CrawlResult) string {
	status := 0
	if res.Page != nil {
		status = res.Page.StatusCode
	}
	if res.Failure == types.FailureNone {
		return fmt.Sprintf("%s %d %s", res.Request.Key, status, res.Verdict)
	}
	return fmt.Sprintf("%s %d %s (%s after %d attempts)", res.Request.Key, status, res.Verdict, res.Failure, len(res.Attempts))
}
