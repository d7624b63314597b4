package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/krtong/bikenode.com-sub003/internal/stagestore"
	"github.com/krtong/bikenode.com-sub003/pkg/types"
)

// runFilter keeps the accepted, allowed-type, pattern-matching rows of the site map.
func runFilter(ctx context.Context, env *Env, out *stagestore.Run) (Counts, error) {
	in, err := env.Input(StageMap)
	if err != nil {
		return nil, err
	}
	include, err := compilePatterns(env.Config.Crawl.IncludePatterns)
	if err != nil {
		return nil, err
	}
	exclude, err := compilePatterns(env.Config.Crawl.ExcludePatterns)
	if err != nil {
		return nil, err
	}
	urls, err := out.Table(urlsFile, types.URLRecordHeader)
	if err != nil {
		return nil, err
	}

	counts := Counts{"input": 0, "kept": 0}
	err = stagestore.EachRow(in, urlsFile, types.URLRecordHeader, func(row []string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := types.ParseURLRecord(row)
		if err != nil {
			return fmt.Errorf("%s: %w", in.Path(urlsFile), err)
		}
		counts["input"]++
		switch {
		case rec.Verdict != types.VerdictAccepted:
			counts["dropped.verdict"]++
		case !contentTypeAllowed(rec.ContentType, env.Config.Crawl.AllowedContentTypes):
			counts["dropped.content_type"]++
		case len(include) > 0 && !matchAny(include, rec.URL):
			counts["dropped.pattern"]++
		case matchAny(exclude, rec.URL):
			counts["dropped.pattern"]++
		default:
			counts["kept"]++
			return urls.Write(rec.Row())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// Member is one URL of a group.
type Member struct {
	URL          string    `json:"url"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Group is a set of URLs sharing a path template.
type Group struct {
	Template string   `json:"template"`
	Sample   string   `json:"sample"`
	Count    int      `json:"count"`
	Members  []Member `json:"members"`
}

func (g Group) discoveredAt() time.Time {
	if len(g.Members) == 0 {
		return time.Time{}
	}
	return g.Members[0].DiscoveredAt
}

// templateDepth is the number of leading path segments kept in a template.
const templateDepth = 2

// PathTemplate reduces a URL to its group template: host plus the first path segments,
// with numeric segments replaced by {n} and anything deeper collapsed to *.
func PathTemplate(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	segments := strings.Split(strings.Trim(u.EscapedPath(), "/"), "/")
	parts := []string{u.Host}
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if i >= templateDepth {
			parts = append(parts, "*")
			break
		}
		if isNumeric(seg) {
			seg = "{n}"
		}
		parts = append(parts, seg)
	}
	tmpl := strings.Join(parts, "/")
	if len(parts) == 1 {
		tmpl += "/"
	}
	if u.RawQuery != "" {
		tmpl += "?*"
	}
	return tmpl
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// runGroup buckets filtered URLs by path template.
func runGroup(ctx context.Context, env *Env, out *stagestore.Run) (Counts, error) {
	in, err := env.Input(StageFilter)
	if err != nil {
		return nil, err
	}
	byTemplate := make(map[string][]Member)
	urls := 0
	err = stagestore.EachRow(in, urlsFile, types.URLRecordHeader, func(row []string) error {
		rec, err := types.ParseURLRecord(row)
		if err != nil {
			return fmt.Errorf("%s: %w", in.Path(urlsFile), err)
		}
		urls++
		tmpl := PathTemplate(rec.URL)
		byTemplate[tmpl] = append(byTemplate[tmpl], Member{URL: rec.URL, DiscoveredAt: rec.DiscoveredAt})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	templates := make([]string, 0, len(byTemplate))
	for tmpl := range byTemplate {
		templates = append(templates, tmpl)
	}
	sort.Strings(templates)

	w, err := out.JSONL(groupsFile)
	if err != nil {
		return nil, err
	}
	for _, tmpl := range templates {
		members := byTemplate[tmpl]
		sort.SliceStable(members, func(i, j int) bool {
			if !members[i].DiscoveredAt.Equal(members[j].DiscoveredAt) {
				return members[i].DiscoveredAt.Before(members[j].DiscoveredAt)
			}
			return members[i].URL < members[j].URL
		})
		g := Group{Template: tmpl, Sample: members[0].URL, Count: len(members), Members: members}
		if err := w.Write(g); err != nil {
			return nil, err
		}
	}
	return Counts{"urls": int64(urls), "groups": int64(len(templates))}, nil
}

// PlanEntry is one URL scheduled for the fetch stage.
type PlanEntry struct {
	URL          string    `json:"url"`
	Template     string    `json:"template"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// runPlan schedules members of groups whose probe was accepted and allowed by
// robots.txt, in group order, up to the page budget.
func runPlan(ctx context.Context, env *Env, out *stagestore.Run) (Counts, error) {
	groupsIn, err := env.Input(StageGroup)
	if err != nil {
		return nil, err
	}
	probesIn, err := env.Input(StageProbe)
	if err != nil {
		return nil, err
	}
	probes := make(map[string]Probe)
	err = stagestore.EachJSONL(probesIn, probesFile, func(p Probe) error {
		probes[p.Template] = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	w, err := out.JSONL(planFile)
	if err != nil {
		return nil, err
	}

	budget := env.Config.Crawl.MaxPages
	counts := Counts{"urls": 0, "groups_planned": 0, "groups_skipped": 0}
	err = stagestore.EachJSONL(groupsIn, groupsFile, func(g Group) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		probe, ok := probes[g.Template]
		if !ok || !probe.Fetchable() {
			counts["groups_skipped"]++
			env.Logger.Debug("group not planned", "template", g.Template, "verdict", probe.Verdict, "robots_allowed", probe.RobotsAllowed)
			return nil
		}
		counts["groups_planned"]++
		for _, m := range g.Members {
			if budget > 0 && counts["urls"] >= int64(budget) {
				counts["over_budget"]++
				continue
			}
			if err := w.Write(PlanEntry{URL: m.URL, Template: g.Template, DiscoveredAt: m.DiscoveredAt}); err != nil {
				return err
			}
			counts["urls"]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
