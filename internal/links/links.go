package links

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Extract returns the absolute http(s) URLs referenced by anchor elements, resolved
// against base (or the document's <base href>), fragments removed, in document order
// without duplicates. Nothing is executed; script-built links are not seen.
func Extract(html []byte, base *url.URL, limit int) ([]*url.URL, error) {
	if len(html) == 0 || base == nil {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, err
	}

	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = b
		}
	}

	seen := make(map[string]struct{})
	var out []*url.URL
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return true
		}
		u, err := base.Parse(href)
		if err != nil {
			return true
		}
		scheme := strings.ToLower(u.Scheme)
		if scheme != "http" && scheme != "https" {
			return true
		}
		if u.Host == "" {
			return true
		}
		u.Fragment = ""
		u.RawFragment = ""
		key := u.String()
		if _, dup := seen[key]; dup {
			return true
		}
		seen[key] = struct{}{}
		out = append(out, u)
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}
