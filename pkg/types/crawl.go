package types

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// CrawlRequest models a work item handed out by the frontier.
type CrawlRequest struct {
	URL          *url.URL
	Key          string
	Source       string
	Depth        int
	DiscoveredAt time.Time
}

// Verdict is the classifier's judgement of a response.
type Verdict string

const (
	VerdictAccepted  Verdict = "ACCEPTED"
	VerdictChallenge Verdict = "CHALLENGE"
	VerdictBlocked   Verdict = "BLOCKED"
	VerdictError     Verdict = "ERROR"
)

// Outcome describes how a single fetch attempt ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeBlocked Outcome = "blocked"
	OutcomeError   Outcome = "error"
	OutcomeTimeout Outcome = "timeout"
)

// Failure is the terminal per-URL failure category reported in run summaries.
type Failure string

const (
	FailureNone             Failure = ""
	FailureMalformedURL     Failure = "malformed_url"
	FailurePermanentTimeout Failure = "permanent_timeout"
	FailureChallenge        Failure = "challenge"
	FailureBlocked          Failure = "blocked"
	FailureTooManyRedirects Failure = "too_many_redirects"
	FailureError            Failure = "error"
)

// Permanent reports whether the failure means the target refused us rather than a plain error.
func (f Failure) Permanent() bool {
	return f == FailureChallenge || f == FailureBlocked
}

// Page represents fetched content persisted between stages.
type Page struct {
	URL          string        `json:"url"`
	FinalURL     string        `json:"final_url"`
	StatusCode   int           `json:"status_code"`
	ContentType  string        `json:"content_type"`
	LastModified string        `json:"last_modified,omitempty"`
	Headers      http.Header   `json:"headers,omitempty"`
	HTML         string        `json:"html"`
	FetchedAt    time.Time     `json:"fetched_at"`
	DiscoveredAt time.Time     `json:"discovered_at"`
	Elapsed      time.Duration `json:"elapsed_ns"`
}

// FetchAttempt is one immutable entry in a URL's retry history.
type FetchAttempt struct {
	URL            string    `json:"url"`
	Attempt        int       `json:"attempt"`
	Method         string    `json:"method"`
	Outcome        Outcome   `json:"outcome"`
	Verdict        Verdict   `json:"verdict,omitempty"`
	StatusCode     int       `json:"status_code,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	SnapshotSHA256 string    `json:"snapshot_sha256,omitempty"`
	SnapshotSize   int       `json:"snapshot_size"`
	At             time.Time `json:"at"`
}

// CrawlResult aggregates the outcome of processing a request, including retries.
type CrawlResult struct {
	Request  CrawlRequest
	Page     *Page
	Attempts []FetchAttempt
	Verdict  Verdict
	Failure  Failure
	Links    []*url.URL
}

// URLRecord is one row of the append-only site map.
type URLRecord struct {
	URL          string
	StatusCode   int
	ContentType  string
	SizeBytes    int64
	LastModified string
	Verdict      Verdict
	DiscoveredAt time.Time
}

// URLRecordHeader is the column order of the URL record table.
var URLRecordHeader = []string{"url", "status_code", "content_type", "size", "last_modified", "verdict", "discovered_at"}

// Row renders the record in URLRecordHeader order.
func (r URLRecord) Row() []string {
	discovered := ""
	if !r.DiscoveredAt.IsZero() {
		discovered = r.DiscoveredAt.UTC().Format(time.RFC3339Nano)
	}
	return []string{
		r.URL,
		strconv.Itoa(r.StatusCode),
		r.ContentType,
		strconv.FormatInt(r.SizeBytes, 10),
		r.LastModified,
		string(r.Verdict),
		discovered,
	}
}

// ParseURLRecord decodes a row written by Row.
func ParseURLRecord(row []string) (URLRecord, error) {
	if len(row) < 5 {
		return URLRecord{}, fmt.Errorf("url record has %d columns, want at least 5", len(row))
	}
	rec := URLRecord{
		URL:          row[0],
		ContentType:  row[2],
		LastModified: row[4],
	}
	if row[1] != "" {
		code, err := strconv.Atoi(row[1])
		if err != nil {
			return URLRecord{}, fmt.Errorf("status_code %q: %w", row[1], err)
		}
		rec.StatusCode = code
	}
	if row[3] != "" {
		size, err := strconv.ParseInt(row[3], 10, 64)
		if err != nil {
			return URLRecord{}, fmt.Errorf("size %q: %w", row[3], err)
		}
		rec.SizeBytes = size
	}
	if len(row) > 5 {
		rec.Verdict = Verdict(row[5])
	}
	if len(row) > 6 && row[6] != "" {
		ts, err := time.Parse(time.RFC3339Nano, row[6])
		if err != nil {
			return URLRecord{}, fmt.Errorf("discovered_at %q: %w", row[6], err)
		}
		rec.DiscoveredAt = ts
	}
	return rec, nil
}

// Product is the structured record extracted from a product or article page.
type Product struct {
	Key          string    `json:"key"`
	SourceURL    string    `json:"source_url"`
	CanonicalURL string    `json:"canonical_url,omitempty"`
	Title        string    `json:"title"`
	Brand        string    `json:"brand,omitempty"`
	SKU          string    `json:"sku,omitempty"`
	Price        float64   `json:"price,omitempty"`
	Currency     string    `json:"currency,omitempty"`
	Description  string    `json:"description,omitempty"`
	Image        string    `json:"image,omitempty"`
	Text         string    `json:"text,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
}
