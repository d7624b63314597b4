package processor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"

	"github.com/krtong/bikenode.com-sub003/internal/config"
	"github.com/krtong/bikenode.com-sub003/pkg/types"
)

const productPage = `<!doctype html>
<html><head>
<title>Shop | Arai Corsair-X</title>
<meta property="og:title" content="Arai Corsair-X Helmet">
<meta property="og:image" content="/img/corsair.jpg">
<meta name="description" content="Top of the line race helmet.">
<link rel="canonical" href="/helmets/arai-corsair-x">
</head><body>
<nav>Home / Helmets</nav>
<h1>Arai Corsair-X</h1>
<span itemprop="brand">Arai</span>
<span itemprop="sku">AR-CX-01</span>
<span class="price">$1,299.99</span>
<meta itemprop="priceCurrency" content="usd">
<table><tr><th>Size</th><th>Stock</th></tr><tr><td>M</td><td>3</td></tr></table>
<script>var tracking = true;</script>
<footer>Copyright</footer>
</body></html>`

func page(html string) *types.Page {
	return &types.Page{
		URL:          "https://shop.test/p/1",
		FinalURL:     "https://shop.test/p/1",
		StatusCode:   200,
		HTML:         html,
		DiscoveredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestProcessSelectors(t *testing.T) {
	p := NewHTMLProcessor(config.Default().Scrape)
	rec, err := p.Process(context.Background(), page(productPage))
	require.NoError(t, err)

	require.Equal(t, "Arai Corsair-X Helmet", rec.Title)
	require.Equal(t, "Arai", rec.Brand)
	require.Equal(t, "AR-CX-01", rec.SKU)
	require.InDelta(t, 1299.99, rec.Price, 0.001)
	require.Equal(t, "USD", rec.Currency)
	require.Equal(t, "Top of the line race helmet.", rec.Description)
	require.Equal(t, "https://shop.test/img/corsair.jpg", rec.Image)
	require.Equal(t, "https://shop.test/helmets/arai-corsair-x", rec.CanonicalURL)
	require.Equal(t, "https://shop.test/p/1", rec.SourceURL)
	require.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), rec.DiscoveredAt)

	require.Contains(t, rec.Text, "Size | Stock\nM | 3")
	require.NotContains(t, rec.Text, "tracking")
	require.NotContains(t, rec.Text, "Copyright")
	require.NotContains(t, rec.Text, "Home / Helmets")
}

func TestProcessJSONLDFallback(t *testing.T) {
	html := `<html><head><script type="application/ld+json">
	{"@context":"https://schema.org","@graph":[
		{"@type":"BreadcrumbList"},
		{"@type":"Product","name":"Shoei RF-1400","sku":"SH-1400","brand":{"@type":"Brand","name":"Shoei"},
		 "image":["https://cdn.shop.test/rf.jpg"],"offers":{"@type":"Offer","price":"579.99","priceCurrency":"USD"}}
	]}</script></head><body><p>details</p></body></html>`

	cfg := config.Default().Scrape
	cfg.Selectors = config.SelectorConfig{}
	rec, err := NewHTMLProcessor(cfg).Process(context.Background(), page(html))
	require.NoError(t, err)
	require.Equal(t, "Shoei RF-1400", rec.Title)
	require.Equal(t, "Shoei", rec.Brand)
	require.Equal(t, "SH-1400", rec.SKU)
	require.InDelta(t, 579.99, rec.Price, 0.001)
	require.Equal(t, "USD", rec.Currency)
	require.Equal(t, "https://cdn.shop.test/rf.jpg", rec.Image)
}

func TestProcessWithoutTitle(t *testing.T) {
	cfg := config.Default().Scrape
	_, err := NewHTMLProcessor(cfg).Process(context.Background(), page("<html><body><p>no heading</p></body></html>"))
	require.ErrorIs(t, err, ErrNoRecord)

	_, err = NewHTMLProcessor(cfg).Process(context.Background(), page("   "))
	require.ErrorIs(t, err, ErrNoRecord)
}

func TestProcessTruncatesText(t *testing.T) {
	cfg := config.Default().Scrape
	cfg.MaxTextBytes = 10
	rec, err := NewHTMLProcessor(cfg).Process(context.Background(), page("<h1>Title</h1><p>"+strings.Repeat("é", 20)+"</p>"))
	require.NoError(t, err)
	require.LessOrEqual(t, len(rec.Text), 10)
}

func TestParsePrice(t *testing.T) {
	cases := map[string]float64{
		"$1,299.99":   1299.99,
		"1.299,99 €":  1299.99,
		"1299":        1299,
		"12,50":       12.5,
		"1,299":       1299,
		"USD 45.00":   45,
		"from $9.95!": 9.95,
	}
	for raw, want := range cases {
		got, ok := ParsePrice(raw)
		require.True(t, ok, raw)
		require.InDelta(t, want, got, 0.0001, raw)
	}
	_, ok := ParsePrice("call for price")
	require.False(t, ok)
}

func TestExtractText(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`<body>
		<h2>Specs</h2>
		<ul><li>Weight: 1.5kg</li><li>Shell:   composite</li></ul>
		<p>Line one<br>Line two</p>
	</body>`))
	require.NoError(t, err)
	got := ExtractText(doc.Find("body"))
	require.Equal(t, "Specs\nWeight: 1.5kg\nShell: composite\nLine one\nLine two", got)
}
