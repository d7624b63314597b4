package fetcher

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestFetcher(t *testing.T, timeout time.Duration) *HTTPFetcher {
	t.Helper()
	f, err := NewHTTPFetcher(Options{
		Profiles: []Profile{
			{Name: "direct", UserAgent: "direct-agent/1.0", Headers: map[string]string{"X-Profile": "direct"}},
			{Name: "alternate", UserAgent: "alternate-agent/2.0", Headers: map[string]string{"X-Profile": "alternate"}},
		},
		Timeout:      timeout,
		MaxRedirects: 5,
	})
	require.NoError(t, err)
	return f
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestFetchUsesProfileHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<p>%s|%s</p>", r.UserAgent(), r.Header.Get("X-Profile"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, 5*time.Second)
	require.Equal(t, []string{"direct", "alternate"}, f.Profiles())

	res, err := f.Fetch(context.Background(), mustParse(t, srv.URL+"/"), "alternate")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "alternate", res.Profile)
	require.Equal(t, "<p>alternate-agent/2.0|alternate</p>", string(res.Body))
	require.Equal(t, "text/html; charset=utf-8", res.ContentType)

	_, err = f.Fetch(context.Background(), mustParse(t, srv.URL+"/"), "ghost")
	require.ErrorIs(t, err, ErrUnknownProfile)
}

func TestFetchFollowsBoundedRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/hop/", func(w http.ResponseWriter, r *http.Request) {
		var n int
		fmt.Sscanf(r.URL.Path, "/hop/%d", &n)
		if n == 0 {
			fmt.Fprint(w, "landed")
			return
		}
		http.Redirect(w, r, fmt.Sprintf("/hop/%d", n-1), http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newTestFetcher(t, 5*time.Second)

	res, err := f.Fetch(context.Background(), mustParse(t, srv.URL+"/hop/5"), "direct")
	require.NoError(t, err)
	require.Equal(t, "landed", string(res.Body))
	require.Equal(t, "/hop/0", res.FinalURL.Path)

	_, err = f.Fetch(context.Background(), mustParse(t, srv.URL+"/hop/6"), "direct")
	require.ErrorIs(t, err, ErrTooManyRedirects)
}

type countingGate struct {
	mu    sync.Mutex
	hosts []string
}

func (g *countingGate) Wait(_ context.Context, host string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hosts = append(g.hosts, host)
	return nil
}

func TestRedirectHopsWaitOnGate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/middle", http.StatusFound)
	})
	mux.HandleFunc("/middle", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "done")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	gate := &countingGate{}
	f, err := NewHTTPFetcher(Options{
		Profiles:     []Profile{{Name: "direct", UserAgent: "ua"}},
		MaxRedirects: 5,
		RedirectGate: gate,
	})
	require.NoError(t, err)

	res, err := f.Fetch(context.Background(), mustParse(t, srv.URL+"/start"), "direct")
	require.NoError(t, err)
	require.Equal(t, "done", string(res.Body))
	require.Equal(t, []string{"127.0.0.1", "127.0.0.1"}, gate.hosts)
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := newTestFetcher(t, 100*time.Millisecond)
	_, err := f.Fetch(context.Background(), mustParse(t, srv.URL), "direct")
	require.ErrorIs(t, err, ErrTimeout)
}

func TestFetchDecodesGzipAndLegacyCharset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		// "Café" in ISO-8859-1.
		_, _ = gz.Write([]byte("<p>Caf\xe9</p>"))
		_ = gz.Close()
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	f := newTestFetcher(t, 5*time.Second)
	res, err := f.Fetch(context.Background(), mustParse(t, srv.URL), "direct")
	require.NoError(t, err)
	require.Equal(t, "<p>Café</p>", string(res.Body))
}

func TestFetchRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 2048))
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(Options{
		Profiles:     []Profile{{Name: "direct", UserAgent: "ua"}},
		MaxBodyBytes: 1024,
	})
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), mustParse(t, srv.URL), "direct")
	require.Error(t, err)
}
