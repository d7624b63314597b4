package frontier

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrMalformedURL marks URLs that cannot be parsed into an absolute http(s) address.
var ErrMalformedURL = errors.New("malformed url")

// Canonicalize returns the identity form of a URL: lower-case scheme and host, default
// port removed, fragment dropped, duplicate slashes collapsed, trailing slash removed
// (except for the root path). The query string is kept byte-for-byte because some
// sites are sensitive to parameter order.
func Canonicalize(raw string) (string, error) {
	u, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// Parse is Canonicalize returning the parsed canonical URL.
func Parse(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformedURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}
	return canonicalURL(u)
}

// CanonicalizeURL canonicalises an already parsed URL without mutating it.
func CanonicalizeURL(u *url.URL) (*url.URL, error) {
	if u == nil {
		return nil, fmt.Errorf("%w: nil", ErrMalformedURL)
	}
	return canonicalURL(u)
}

func canonicalURL(u *url.URL) (*url.URL, error) {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrMalformedURL, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrMalformedURL)
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := u.Port(); port != "" && port != defaultPortForScheme(scheme) {
		host = host + ":" + port
	}

	path := collapseSlashes(u.EscapedPath())
	if path == "" {
		path = "/"
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}

	key := scheme + "://" + host + path
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	out, err := url.Parse(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}
	return out, nil
}

func collapseSlashes(p string) string {
	if !strings.Contains(p, "//") {
		return p
	}
	var b strings.Builder
	b.Grow(len(p))
	prevSlash := false
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(c)
	}
	return b.String()
}

func defaultPortForScheme(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}

// SameSite reports whether host matches the seed host exactly or as its www. variant.
func SameSite(seedHost, host string) bool {
	return bareHost(seedHost) == bareHost(host)
}

func bareHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, ok := strings.Cut(host, ":"); ok && !strings.HasPrefix(host, "[") {
		host = h
	}
	return strings.TrimPrefix(host, "www.")
}
