package pipeline

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/krtong/bikenode.com-sub003/internal/crawler"
	"github.com/krtong/bikenode.com-sub003/internal/frontier"
	"github.com/krtong/bikenode.com-sub003/internal/stagestore"
	"github.com/krtong/bikenode.com-sub003/pkg/types"
)

// crawlOutputs writes engine results: one URL record row, the final outcome and the
// attempt history per result, and the accepted page bodies when pages is set.
type crawlOutputs struct {
	urls     *stagestore.TableWriter
	outcomes *stagestore.JSONLWriter
	attempts *stagestore.JSONLWriter
	pages    *stagestore.JSONLWriter
}

func (o crawlOutputs) Record(_ context.Context, res types.CrawlResult) error {
	if err := o.outcomes.Write(outcomeOf(res)); err != nil {
		return err
	}
	if o.urls != nil {
		if err := o.urls.Write(urlRecord(res).Row()); err != nil {
			return err
		}
	}
	for _, a := range res.Attempts {
		if err := o.attempts.Write(a); err != nil {
			return err
		}
	}
	if o.pages != nil && res.Verdict == types.VerdictAccepted && res.Page != nil {
		if err := o.pages.Write(res.Page); err != nil {
			return err
		}
	}
	return nil
}

// runMap crawls the site from its seeds and writes the URL record table.
func runMap(ctx context.Context, env *Env, out *stagestore.Run) (Counts, error) {
	cfg := env.Config
	seeds, err := cfg.SeedURLs()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	hosts := make([]string, 0, len(seeds))
	for _, seed := range seeds {
		u, err := frontier.Parse(seed)
		if err != nil {
			return nil, fmt.Errorf("%w: seed %q: %v", ErrConfig, seed, err)
		}
		hosts = append(hosts, u.Host)
	}
	front := frontier.New(hosts, env.Logger)
	for _, seed := range seeds {
		front.Enqueue(seed, "", 0)
	}

	retr, err := env.Retriever()
	if err != nil {
		return nil, err
	}
	sink := crawlOutputs{}
	if sink.urls, err = out.Table(urlsFile, types.URLRecordHeader); err != nil {
		return nil, err
	}
	if sink.outcomes, err = out.JSONL(outcomesFile); err != nil {
		return nil, err
	}
	if sink.attempts, err = out.JSONL(attemptsFile); err != nil {
		return nil, err
	}
	if cfg.Crawl.StoreBodies {
		if sink.pages, err = out.JSONL(pagesFile); err != nil {
			return nil, err
		}
	}

	engine, err := crawler.NewEngine(front, retr, sink, crawler.OptionsFromConfig(cfg), env.Logger)
	if err != nil {
		return nil, err
	}
	stats, err := engine.Run(ctx)
	if err != nil {
		return crawlCounts(stats), err
	}

	// Links left over once the page budget is spent are mapped but not fetched.
	pending := front.Drain()
	for _, req := range pending {
		rec := types.URLRecord{URL: req.Key, DiscoveredAt: req.DiscoveredAt}
		if err := sink.urls.Write(rec.Row()); err != nil {
			return nil, err
		}
	}

	ext, err := out.JSONL(externalFile)
	if err != nil {
		return nil, err
	}
	external := front.External()
	for _, link := range external {
		if err := ext.Write(link); err != nil {
			return nil, err
		}
	}

	counts := crawlCounts(stats)
	counts["urls"] = int64(stats.Attempted + len(pending))
	counts["unfetched"] = int64(len(pending))
	counts["external"] = int64(len(external))
	counts["malformed"] = int64(front.Stats().Malformed)
	return counts, nil
}

// Probe is the verdict for one URL group, taken from a single sample URL.
type Probe struct {
	Template      string        `json:"template"`
	SampleURL     string        `json:"sample_url"`
	Verdict       types.Verdict `json:"verdict,omitempty"`
	StatusCode    int           `json:"status_code,omitempty"`
	Failure       types.Failure `json:"failure,omitempty"`
	RobotsAllowed bool          `json:"robots_allowed"`
	RobotsReason  string        `json:"robots_reason,omitempty"`
	CrawlDelay    time.Duration `json:"crawl_delay_ns,omitempty"`
	Attempts      int           `json:"attempts"`
}

// Fetchable reports whether the group behind the probe should be fetched.
func (p Probe) Fetchable() bool {
	return p.RobotsAllowed && p.Verdict == types.VerdictAccepted
}

// runProbe fetches one sample per group and checks it against robots.txt.
func runProbe(ctx context.Context, env *Env, out *stagestore.Run) (Counts, error) {
	in, err := env.Input(StageGroup)
	if err != nil {
		return nil, err
	}
	groups, err := stagestore.ReadAllJSONL[Group](in, groupsFile)
	if err != nil {
		return nil, err
	}
	retr, err := env.Retriever()
	if err != nil {
		return nil, err
	}
	attempts, err := out.JSONL(attemptsFile)
	if err != nil {
		return nil, err
	}
	probesOut, err := out.JSONL(probesFile)
	if err != nil {
		return nil, err
	}
	outcomes, err := out.JSONL(outcomesFile)
	if err != nil {
		return nil, err
	}

	probes := make([]Probe, len(groups))
	results := make([]types.CrawlResult, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(env.Config.Worker.Concurrency)
	for i, grp := range groups {
		i, grp := i, grp
		g.Go(func() error {
			probe := Probe{Template: grp.Template, SampleURL: grp.Sample}
			target, err := frontier.Parse(grp.Sample)
			if err != nil {
				probe.Failure = types.FailureMalformedURL
				probes[i] = probe
				return nil
			}
			verdict := env.Robots().Check(gctx, target)
			probe.RobotsAllowed = verdict.Allowed
			probe.RobotsReason = verdict.Reason
			probe.CrawlDelay = verdict.CrawlDelay
			if verdict.Allowed {
				res, err := retr.Retrieve(gctx, types.CrawlRequest{
					URL:          target,
					Key:          target.String(),
					Source:       grp.Template,
					DiscoveredAt: grp.discoveredAt(),
				})
				if err != nil {
					return err
				}
				results[i] = res
				probe.Verdict = res.Verdict
				probe.Failure = res.Failure
				probe.Attempts = len(res.Attempts)
				if res.Page != nil {
					probe.StatusCode = res.Page.StatusCode
				}
			}
			probes[i] = probe
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var stats crawler.Stats
	stats.Failures = make(map[types.Failure]int)
	counts := Counts{}
	for i, probe := range probes {
		if err := probesOut.Write(probe); err != nil {
			return nil, err
		}
		for _, a := range results[i].Attempts {
			if err := attempts.Write(a); err != nil {
				return nil, err
			}
		}
		if !probe.RobotsAllowed {
			counts["robots_disallowed"]++
			continue
		}
		if probe.Failure == types.FailureMalformedURL {
			continue
		}
		if err := outcomes.Write(outcomeOf(results[i])); err != nil {
			return nil, err
		}
		stats.Attempted++
		if probe.Failure == types.FailureNone {
			stats.Successes++
		} else {
			stats.Failures[probe.Failure]++
		}
	}
	for k, v := range crawlCounts(stats) {
		counts[k] = v
	}
	counts["groups"] = int64(len(groups))
	return counts, nil
}

// runFetch retrieves every planned URL without following links.
func runFetch(ctx context.Context, env *Env, out *stagestore.Run) (Counts, error) {
	in, err := env.Input(StagePlan)
	if err != nil {
		return nil, err
	}
	front := frontier.New(nil, env.Logger)
	planned := 0
	err = stagestore.EachJSONL(in, planFile, func(entry PlanEntry) error {
		planned++
		front.EnqueueDiscovered(entry.URL, entry.Template, 0, entry.DiscoveredAt)
		return nil
	})
	if err != nil {
		return nil, err
	}

	retr, err := env.Retriever()
	if err != nil {
		return nil, err
	}
	sink := crawlOutputs{}
	if sink.urls, err = out.Table(urlsFile, types.URLRecordHeader); err != nil {
		return nil, err
	}
	if sink.outcomes, err = out.JSONL(outcomesFile); err != nil {
		return nil, err
	}
	if sink.attempts, err = out.JSONL(attemptsFile); err != nil {
		return nil, err
	}
	if sink.pages, err = out.JSONL(pagesFile); err != nil {
		return nil, err
	}

	opts := crawler.OptionsFromConfig(env.Config)
	opts.FollowLinks = false
	opts.MaxPages = 0
	engine, err := crawler.NewEngine(front, retr, sink, opts, env.Logger)
	if err != nil {
		return nil, err
	}
	stats, err := engine.Run(ctx)
	counts := crawlCounts(stats)
	if err != nil {
		return counts, err
	}
	counts["planned"] = int64(planned)
	return counts, nil
}
