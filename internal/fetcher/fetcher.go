package fetcher

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/andybalholm/brotli"
	"golang.org/x/net/html/charset"
)

var (
	// ErrTimeout is returned when the request or body read exceeded its deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrTooManyRedirects is returned when the redirect chain exceeds the configured depth.
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrUnknownProfile is returned for identity names the fetcher was not built with.
	ErrUnknownProfile = errors.New("unknown identity profile")
)

// Profile is the identity presented to a target server.
type Profile struct {
	Name             string
	UserAgent        string
	Headers          map[string]string
	CloudflareBypass bool
}

// Result is a single HTTP response.
type Result struct {
	URL         *url.URL
	FinalURL    *url.URL
	Profile     string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	ContentType string
	Elapsed     time.Duration
	FetchedAt   time.Time
}

// Fetcher retrieves a URL under a named identity profile.
type Fetcher interface {
	Fetch(ctx context.Context, target *url.URL, profile string) (*Result, error)
}

// Gate paces requests to a host.
type Gate interface {
	Wait(ctx context.Context, host string) error
}

// Options controls HTTP fetching behaviour.
type Options struct {
	Profiles     []Profile
	Timeout      time.Duration
	MaxBodyBytes int64
	MaxRedirects int
	ProxyURL     string
	// RedirectGate, when set, is waited on before each redirect hop. The first
	// request is paced by the caller.
	RedirectGate Gate
}

type identity struct {
	profile Profile
	client  *http.Client
}

// HTTPFetcher implements Fetcher with one http.Client per identity profile.
type HTTPFetcher struct {
	identities   map[string]identity
	order        []string
	maxBodyBytes int64
}

// NewHTTPFetcher constructs an HTTP fetcher using the provided options.
func NewHTTPFetcher(opts Options) (*HTTPFetcher, error) {
	if len(opts.Profiles) == 0 {
		return nil, errors.New("at least one identity profile is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 6 * 1024 * 1024
	}
	if opts.MaxRedirects < 0 {
		opts.MaxRedirects = 0
	}

	var proxy func(*http.Request) (*url.URL, error)
	if strings.TrimSpace(opts.ProxyURL) != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		proxy = http.ProxyURL(proxyURL)
	}

	maxRedirects := opts.MaxRedirects
	gate := opts.RedirectGate
	checkRedirect := func(req *http.Request, via []*http.Request) error {
		if len(via) > maxRedirects {
			return ErrTooManyRedirects
		}
		if gate != nil {
			return gate.Wait(req.Context(), req.URL.Hostname())
		}
		return nil
	}

	f := &HTTPFetcher{
		identities:   make(map[string]identity, len(opts.Profiles)),
		maxBodyBytes: opts.MaxBodyBytes,
	}
	for _, p := range opts.Profiles {
		if _, dup := f.identities[p.Name]; dup {
			return nil, fmt.Errorf("identity profile %q declared twice", p.Name)
		}
		transport := &http.Transport{
			Proxy:                 proxy,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		var rt http.RoundTripper = transport
		if p.CloudflareBypass {
			rt = cloudflarebp.AddCloudFlareByPass(transport)
		}
		headers := make(map[string]string, len(p.Headers))
		for k, v := range p.Headers {
			headers[k] = v
		}
		p.Headers = headers
		f.identities[p.Name] = identity{
			profile: p,
			client: &http.Client{
				Timeout:       opts.Timeout,
				Transport:     rt,
				CheckRedirect: checkRedirect,
			},
		}
		f.order = append(f.order, p.Name)
	}
	return f, nil
}

// Profiles returns the profile names in configuration order; the first is the primary identity.
func (f *HTTPFetcher) Profiles() []string {
	return append([]string(nil), f.order...)
}

// Fetch downloads a single URL.
func (f *HTTPFetcher) Fetch(ctx context.Context, target *url.URL, profile string) (*Result, error) {
	if target == nil {
		return nil, errors.New("request URL is nil")
	}
	id, ok := f.identities[profile]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProfile, profile)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", id.profile.UserAgent)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.8")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, v := range id.profile.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := id.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	body, err := f.readBody(resp)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	finalURL := target
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}

	return &Result{
		URL:         target,
		FinalURL:    finalURL,
		Profile:     profile,
		StatusCode:  resp.StatusCode,
		Headers:     resp.Header.Clone(),
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		Elapsed:     time.Since(start),
		FetchedAt:   time.Now(),
	}, nil
}

func (f *HTTPFetcher) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, nil
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	body, err := io.ReadAll(io.LimitReader(reader, f.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("response body exceeds limit of %d bytes", f.maxBodyBytes)
	}
	return toUTF8(body, resp.Header.Get("Content-Type")), nil
}

// toUTF8 re-encodes textual bodies declared (or sniffed) as a legacy charset.
func toUTF8(body []byte, contentType string) []byte {
	if len(body) == 0 {
		return body
	}
	ct := strings.ToLower(contentType)
	if ct != "" && !strings.HasPrefix(ct, "text/") && !strings.Contains(ct, "html") && !strings.Contains(ct, "xml") {
		return body
	}
	_, name, _ := charset.DetermineEncoding(body, contentType)
	if name == "utf-8" {
		return body
	}
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return body
	}
	converted, err := io.ReadAll(r)
	if err != nil {
		return body
	}
	return converted
}

func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTooManyRedirects) {
		return fmt.Errorf("%w: %v", ErrTooManyRedirects, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("http fetch failed: %w", err)
}
