// Package classifier decides whether a response carries real content or an anti-bot page.
//
// Rules are applied in order:
//  1. non-2xx/3xx status with an empty body is ERROR;
//  2. status 403/429, or any challenge indicator in the body, is CHALLENGE;
//  3. any other non-2xx/3xx status is ERROR;
//  4. a 2xx body containing none of the host's expected-content indicators is BLOCKED;
//  5. everything else is ACCEPTED.
//
// Indicator matching is case-insensitive substring matching.
package classifier

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/krtong/bikenode.com-sub003/pkg/types"
)

// Response is the subset of a fetch result the classifier inspects.
type Response struct {
	Host       string
	StatusCode int
	Body       []byte
}

// Decision is a verdict plus the rule that produced it.
type Decision struct {
	Verdict types.Verdict
	Reason  string
}

// Classifier holds the configured indicator lists.
type Classifier struct {
	challenge [][]byte
	expected  map[string][][]byte
	fallback  [][]byte
}

// New builds a classifier. expected maps a host (or "*") to keywords of which at least
// one must appear in a 2xx body; hosts without an entry skip that check.
func New(challengeIndicators []string, expected map[string][]string) *Classifier {
	c := &Classifier{
		challenge: lowerAll(challengeIndicators),
		expected:  make(map[string][][]byte, len(expected)),
	}
	for host, words := range expected {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "*" {
			c.fallback = lowerAll(words)
			continue
		}
		c.expected[strings.TrimPrefix(host, "www.")] = lowerAll(words)
	}
	return c
}

// Classify applies the tiered rules to a response.
func (c *Classifier) Classify(resp Response) Decision {
	okStatus := resp.StatusCode >= 200 && resp.StatusCode < 400
	if !okStatus && len(bytes.TrimSpace(resp.Body)) == 0 {
		return Decision{Verdict: types.VerdictError, Reason: "status " + http.StatusText(resp.StatusCode) + " with empty body"}
	}

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		return Decision{Verdict: types.VerdictChallenge, Reason: "status " + http.StatusText(resp.StatusCode)}
	}
	lowered := bytes.ToLower(resp.Body)
	for _, indicator := range c.challenge {
		if bytes.Contains(lowered, indicator) {
			return Decision{Verdict: types.VerdictChallenge, Reason: "challenge indicator " + string(indicator)}
		}
	}

	if !okStatus {
		return Decision{Verdict: types.VerdictError, Reason: "status " + http.StatusText(resp.StatusCode)}
	}

	if resp.StatusCode < 300 {
		if words := c.expectedFor(resp.Host); len(words) > 0 {
			found := false
			for _, w := range words {
				if bytes.Contains(lowered, w) {
					found = true
					break
				}
			}
			if !found {
				return Decision{Verdict: types.VerdictBlocked, Reason: "no expected content"}
			}
		}
	}
	return Decision{Verdict: types.VerdictAccepted}
}

func (c *Classifier) expectedFor(host string) [][]byte {
	host = strings.ToLower(host)
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	if words, ok := c.expected[strings.TrimPrefix(host, "www.")]; ok {
		return words
	}
	return c.fallback
}

func lowerAll(words []string) [][]byte {
	out := make([][]byte, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		out = append(out, []byte(w))
	}
	return out
}
