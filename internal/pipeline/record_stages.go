package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/krtong/bikenode.com-sub003/internal/config"
	"github.com/krtong/bikenode.com-sub003/internal/dedupe"
	"github.com/krtong/bikenode.com-sub003/internal/frontier"
	"github.com/krtong/bikenode.com-sub003/internal/processor"
	"github.com/krtong/bikenode.com-sub003/internal/stagestore"
	"github.com/krtong/bikenode.com-sub003/internal/storage"
	"github.com/krtong/bikenode.com-sub003/pkg/types"
)

// runScrape extracts one product record per fetched page.
func runScrape(ctx context.Context, env *Env, out *stagestore.Run) (Counts, error) {
	in, err := env.Input(StageFetch)
	if err != nil {
		return nil, err
	}
	w, err := out.JSONL(recordsFile)
	if err != nil {
		return nil, err
	}
	proc := processor.NewHTMLProcessor(env.Config.Scrape)

	counts := Counts{"pages": 0, "records": 0}
	err = stagestore.EachJSONL(in, pagesFile, func(page types.Page) error {
		counts["pages"]++
		rec, err := proc.Process(ctx, &page)
		if errors.Is(err, processor.ErrNoRecord) {
			counts["skipped"]++
			env.Logger.Debug("no record extracted", "url", page.URL, "reason", err)
			return nil
		}
		if err != nil {
			return err
		}
		counts["records"]++
		return w.Write(rec)
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// DedupeKey returns the natural key for p under the configured strategy. The URL
// strategy uses the canonical form of the page's canonical link, or its source URL.
func DedupeKey(strategy string, p types.Product) string {
	if strategy == config.DedupeKeyComposite {
		parts := []string{p.Brand, p.Title, p.SKU}
		for i, s := range parts {
			parts[i] = strings.ToLower(strings.Join(strings.Fields(s), " "))
		}
		return strings.Join(parts, "|")
	}
	raw := p.CanonicalURL
	if raw == "" {
		raw = p.SourceURL
	}
	if key, err := frontier.Canonicalize(raw); err == nil {
		return key
	}
	return raw
}

// runDedupe keeps the earliest-discovered record per natural key.
func runDedupe(ctx context.Context, env *Env, out *stagestore.Run) (Counts, error) {
	in, err := env.Input(StageScrape)
	if err != nil {
		return nil, err
	}
	records, err := stagestore.ReadAllJSONL[types.Product](in, recordsFile)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	strategy := env.Config.Dedupe.Key
	for i := range records {
		records[i].Key = DedupeKey(strategy, records[i])
	}
	dedupe.SortByDiscovery(records, func(p types.Product) time.Time { return p.DiscoveredAt })
	unique, summary := dedupe.Dedupe(records, func(p types.Product) string { return p.Key })

	w, err := out.JSONL(recordsFile)
	if err != nil {
		return nil, err
	}
	for _, rec := range unique {
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	return Counts{
		"input":              int64(summary.InputCount),
		"unique":             int64(summary.UniqueCount),
		"duplicates_removed": int64(summary.DuplicatesRemoved),
	}, nil
}

// Loaded acknowledges one record written to the database.
type Loaded struct {
	Key       string `json:"key"`
	SourceURL string `json:"source_url"`
}

// runLoad upserts deduplicated records into the configured database. Without a DSN,
// SQLite writes products.db inside the stage directory.
func runLoad(ctx context.Context, env *Env, out *stagestore.Run) (Counts, error) {
	in, err := env.Input(StageDedupe)
	if err != nil {
		return nil, err
	}
	fallback := filepath.Join(out.Store().Dir(), "products.db")
	db, err := storage.NewSQLWriter(ctx, env.Config.Load, fallback)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	w, err := out.JSONL(loadedFile)
	if err != nil {
		return nil, err
	}
	var store storage.ProductStore = db
	loaded := int64(0)
	err = stagestore.EachJSONL(in, recordsFile, func(p types.Product) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := store.SaveProduct(ctx, p); err != nil {
			return err
		}
		loaded++
		return w.Write(Loaded{Key: p.Key, SourceURL: p.SourceURL})
	})
	if err != nil {
		return nil, err
	}
	total, err := db.Count(ctx)
	if err != nil {
		return nil, err
	}
	return Counts{"loaded": loaded, "table_rows": total}, nil
}

// Issue is one data-quality finding.
type Issue struct {
	Key     string `json:"key"`
	URL     string `json:"url"`
	Field   string `json:"field"`
	Problem string `json:"problem"`
}

// Check names the quality rule behind an issue, as used in the summary counters.
func (i Issue) Check() string { return i.Field + "_" + i.Problem }

// Inspect returns the quality issues of a single record.
func Inspect(p types.Product) []Issue {
	var issues []Issue
	add := func(field, problem string) {
		issues = append(issues, Issue{Key: p.Key, URL: p.SourceURL, Field: field, Problem: problem})
	}
	switch {
	case p.Price < 0:
		add("price", "negative")
	case p.Price == 0:
		add("price", "missing")
	case p.Currency == "":
		add("currency", "missing")
	}
	if p.Brand == "" {
		add("brand", "missing")
	}
	if p.Image == "" {
		add("image", "missing")
	}
	if strings.TrimSpace(p.Description) == "" && strings.TrimSpace(p.Text) == "" {
		add("description", "missing")
	}
	return issues
}

// runQC reports missing or suspicious fields and SKUs shared by different records.
func runQC(ctx context.Context, env *Env, out *stagestore.Run) (Counts, error) {
	in, err := env.Input(StageDedupe)
	if err != nil {
		return nil, err
	}
	w, err := out.JSONL(issuesFile)
	if err != nil {
		return nil, err
	}

	counts := Counts{"records": 0, "issues": 0}
	write := func(issue Issue) error {
		counts["issues"]++
		counts["issue."+issue.Check()]++
		return w.Write(issue)
	}
	skus := make(map[string][]types.Product)
	err = stagestore.EachJSONL(in, recordsFile, func(p types.Product) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		counts["records"]++
		if sku := strings.ToLower(strings.TrimSpace(p.SKU)); sku != "" {
			skus[sku] = append(skus[sku], p)
		}
		for _, issue := range Inspect(p) {
			if err := write(issue); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	shared := make([]string, 0)
	for sku, recs := range skus {
		if len(recs) > 1 {
			shared = append(shared, sku)
		}
	}
	sort.Strings(shared)
	for _, sku := range shared {
		for _, p := range skus[sku] {
			if err := write(Issue{Key: p.Key, URL: p.SourceURL, Field: "sku", Problem: "shared"}); err != nil {
				return nil, err
			}
		}
	}
	return counts, nil
}
