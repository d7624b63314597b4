package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/krtong/bikenode.com-sub003/internal/config"
	"github.com/krtong/bikenode.com-sub003/pkg/types"
)

// ErrNoRecord is returned for pages that yield no usable title.
var ErrNoRecord = errors.New("page yields no record")

// Processor turns a fetched page into a structured record.
type Processor interface {
	Process(ctx context.Context, page *types.Page) (*types.Product, error)
}

// HTMLProcessor extracts product fields with ordered goquery selectors, falling back
// to schema.org JSON-LD, and keeps a cleaned plain-text rendering of the page body.
type HTMLProcessor struct {
	opts config.ScrapeConfig
}

// NewHTMLProcessor constructs a processor from configuration.
func NewHTMLProcessor(cfg config.ScrapeConfig) *HTMLProcessor {
	return &HTMLProcessor{opts: cfg}
}

// Process extracts one record from page.
func (p *HTMLProcessor) Process(ctx context.Context, page *types.Page) (*types.Product, error) {
	if page == nil {
		return nil, fmt.Errorf("page is nil")
	}
	if strings.TrimSpace(page.HTML) == "" {
		return nil, fmt.Errorf("%w: empty body", ErrNoRecord)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	ld := jsonLDProduct(doc)
	sel := p.opts.Selectors
	rec := &types.Product{
		SourceURL:    page.URL,
		Title:        firstNonEmpty(pick(doc, sel.Title), ld.Name),
		Brand:        firstNonEmpty(pick(doc, sel.Brand), ld.brandName()),
		SKU:          firstNonEmpty(pick(doc, sel.SKU), ld.SKU),
		Currency:     strings.ToUpper(firstNonEmpty(pick(doc, sel.Currency), ld.offer().PriceCurrency)),
		Description:  firstNonEmpty(pick(doc, sel.Description), ld.Description),
		Image:        firstNonEmpty(pick(doc, sel.Image), ld.image()),
		DiscoveredAt: page.DiscoveredAt,
	}
	if rec.Title == "" {
		return nil, fmt.Errorf("%w: no title at %s", ErrNoRecord, page.URL)
	}
	if price, ok := ParsePrice(firstNonEmpty(pick(doc, sel.Price), ld.offer().price())); ok {
		rec.Price = price
	}
	if href, ok := doc.Find("link[rel='canonical']").First().Attr("href"); ok {
		rec.CanonicalURL = resolve(page.FinalURL, href)
	}
	if rec.Image != "" {
		rec.Image = resolve(page.FinalURL, rec.Image)
	}

	for _, s := range p.opts.DropSelectors {
		doc.Find(s).Remove()
	}
	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	rec.Text = truncate(ExtractText(body), p.opts.MaxTextBytes)
	return rec, nil
}

// pick returns the first non-empty value matched by the selectors. Meta elements
// contribute their content attribute, other elements a content attribute or their text.
func pick(doc *goquery.Document, selectors []string) string {
	for _, s := range selectors {
		var found string
		doc.Find(s).EachWithBreak(func(_ int, el *goquery.Selection) bool {
			if v, ok := el.Attr("content"); ok && strings.TrimSpace(v) != "" {
				found = strings.TrimSpace(v)
				return false
			}
			if goquery.NodeName(el) == "meta" {
				return true
			}
			if v := normalizeWhitespace(el.Text()); v != "" {
				found = v
				return false
			}
			return true
		})
		if found != "" {
			return found
		}
	}
	return ""
}

var priceNumber = regexp.MustCompile(`\d[\d.,\s]*`)

// ParsePrice reads a price such as "$1,299.99", "1.299,99 €" or "1299".
func ParsePrice(raw string) (float64, bool) {
	m := priceNumber.FindString(raw)
	m = strings.Join(strings.Fields(m), "")
	m = strings.TrimRight(m, ".,")
	if m == "" {
		return 0, false
	}
	lastDot := strings.LastIndex(m, ".")
	lastComma := strings.LastIndex(m, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			m = strings.ReplaceAll(m, ".", "")
			m = strings.Replace(m, ",", ".", 1)
		} else {
			m = strings.ReplaceAll(m, ",", "")
		}
	case lastComma >= 0:
		// A single comma followed by exactly two digits is a decimal separator.
		if strings.Count(m, ",") == 1 && len(m)-lastComma-1 == 2 {
			m = strings.Replace(m, ",", ".", 1)
		} else {
			m = strings.ReplaceAll(m, ",", "")
		}
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

type ldProduct struct {
	Type        any             `json:"@type"`
	Name        string          `json:"name"`
	SKU         string          `json:"sku"`
	Description string          `json:"description"`
	Brand       json.RawMessage `json:"brand"`
	Image       json.RawMessage `json:"image"`
	Offers      json.RawMessage `json:"offers"`
}

type ldOffer struct {
	Price         any    `json:"price"`
	PriceCurrency string `json:"priceCurrency"`
}

func (p ldProduct) brandName() string {
	if len(p.Brand) == 0 {
		return ""
	}
	var name string
	if json.Unmarshal(p.Brand, &name) == nil {
		return name
	}
	var obj struct {
		Name string `json:"name"`
	}
	if json.Unmarshal(p.Brand, &obj) == nil {
		return obj.Name
	}
	return ""
}

func (p ldProduct) image() string {
	if len(p.Image) == 0 {
		return ""
	}
	var one string
	if json.Unmarshal(p.Image, &one) == nil {
		return one
	}
	var many []string
	if json.Unmarshal(p.Image, &many) == nil && len(many) > 0 {
		return many[0]
	}
	return ""
}

func (p ldProduct) offer() ldOffer {
	if len(p.Offers) == 0 {
		return ldOffer{}
	}
	var one ldOffer
	if json.Unmarshal(p.Offers, &one) == nil {
		return one
	}
	var many []ldOffer
	if json.Unmarshal(p.Offers, &many) == nil && len(many) > 0 {
		return many[0]
	}
	return ldOffer{}
}

func (o ldOffer) price() string {
	switch v := o.Price.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func (p ldProduct) isProduct() bool {
	switch t := p.Type.(type) {
	case string:
		return strings.EqualFold(t, "Product")
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok && strings.EqualFold(s, "Product") {
				return true
			}
		}
	}
	return false
}

// jsonLDProduct returns the first schema.org Product found in ld+json blocks.
func jsonLDProduct(doc *goquery.Document) ldProduct {
	var out ldProduct
	doc.Find("script[type='application/ld+json']").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw := []byte(strings.TrimSpace(s.Text()))
		var single ldProduct
		if json.Unmarshal(raw, &single) == nil && single.isProduct() {
			out = single
			return false
		}
		var list []ldProduct
		if json.Unmarshal(raw, &list) == nil {
			for _, p := range list {
				if p.isProduct() {
					out = p
					return false
				}
			}
		}
		var graph struct {
			Graph []ldProduct `json:"@graph"`
		}
		if json.Unmarshal(raw, &graph) == nil {
			for _, p := range graph.Graph {
				if p.isProduct() {
					out = p
					return false
				}
			}
		}
		return true
	})
	return out
}

func resolve(base, ref string) string {
	ref = strings.TrimSpace(ref)
	b, err := url.Parse(base)
	if err != nil || ref == "" {
		return ref
	}
	u, err := b.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	s = s[:limit]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
