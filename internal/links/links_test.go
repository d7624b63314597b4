package links

import (
	"net/url"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func urlStrings(us []*url.URL) []string {
	out := make([]string, 0, len(us))
	for _, u := range us {
		out = append(out, u.String())
	}
	return out
}

func TestExtract(t *testing.T) {
	base, _ := url.Parse("https://example.test/motorcycles/index.html")
	html := []byte(`<html><body>
		<a href="/a">A</a>
		<a href="b?page=2#reviews">B</a>
		<a href="https://other.test/x">external</a>
		<a href="mailto:sales@example.test">mail</a>
		<a href="javascript:void(0)">js</a>
		<a href="tel:+15551234">call</a>
		<a href="#top">top</a>
		<a href="/a#again">A again</a>
		<a href="//cdn.example.test/img">protocol relative</a>
		<a>no href</a>
	</body></html>`)

	got, err := Extract(html, base, 0)
	require.NoError(t, err)
	want := []string{
		"https://example.test/a",
		"https://example.test/motorcycles/b?page=2",
		"https://other.test/x",
		"https://cdn.example.test/img",
	}
	if diff := cmp.Diff(want, urlStrings(got)); diff != "" {
		t.Fatalf("links mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractHonoursBaseElementAndLimit(t *testing.T) {
	base, _ := url.Parse("https://example.test/deep/page")
	html := []byte(`<head><base href="https://example.test/root/"></head>
		<a href="one">1</a><a href="two">2</a><a href="three">3</a>`)

	got, err := Extract(html, base, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.test/root/one", "https://example.test/root/two"}, urlStrings(got))
}

func TestExtractEmpty(t *testing.T) {
	base, _ := url.Parse("https://example.test/")
	got, err := Extract(nil, base, 0)
	require.NoError(t, err)
	require.Empty(t, got)
}
