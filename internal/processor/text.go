package processor

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var blockLevelTags = map[string]struct{}{
	"p": {}, "div": {}, "section": {}, "article": {}, "main": {}, "aside": {},
	"header": {}, "h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {},
	"ul": {}, "ol": {}, "li": {}, "dl": {}, "dt": {}, "dd": {},
	"table": {}, "tr": {}, "figure": {}, "figcaption": {}, "blockquote": {}, "pre": {},
}

// ExtractText renders the selection as plain text: one line per block element,
// table cells separated by " | ", whitespace collapsed, at most one blank line in a row.
func ExtractText(sel *goquery.Selection) string {
	acc := &textAccumulator{}
	for _, n := range sel.Nodes {
		walkText(n, acc)
	}
	return collapseBlankLines(acc.String())
}

type textAccumulator struct {
	b        strings.Builder
	last     rune
	lastCell bool
}

func (t *textAccumulator) String() string { return t.b.String() }

func (t *textAccumulator) write(s string) {
	if s == "" {
		return
	}
	t.b.WriteString(s)
	t.last = rune(s[len(s)-1])
}

func (t *textAccumulator) space() {
	if t.last != 0 && t.last != ' ' && t.last != '\n' {
		t.write(" ")
	}
}

func (t *textAccumulator) newline() {
	if t.last != 0 && t.last != '\n' {
		t.write("\n")
	}
	t.lastCell = false
}

func walkText(n *html.Node, acc *textAccumulator) {
	switch n.Type {
	case html.TextNode:
		if text := normalizeWhitespace(n.Data); text != "" {
			acc.space()
			acc.write(text)
		}
		return
	case html.ElementNode:
		tag := strings.ToLower(n.Data)
		switch tag {
		case "script", "style", "noscript", "template":
			return
		case "br":
			acc.newline()
			return
		case "td", "th":
			if acc.lastCell {
				acc.write(" |")
			}
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				walkText(c, acc)
			}
			acc.lastCell = true
			return
		}
		_, block := blockLevelTags[tag]
		if block {
			acc.newline()
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walkText(c, acc)
		}
		if block {
			acc.newline()
		}
	default:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walkText(c, acc)
		}
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
