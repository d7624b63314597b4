// Package pipeline runs the crawl/scrape stages. Every stage reads only the committed
// stores of the stages it names as inputs and writes only its own store, so any stage
// can be rerun in isolation and a resumed run skips stages that already committed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/krtong/bikenode.com-sub003/internal/config"
	"github.com/krtong/bikenode.com-sub003/internal/crawler"
	"github.com/krtong/bikenode.com-sub003/internal/robots"
	"github.com/krtong/bikenode.com-sub003/internal/stagestore"
)

// ErrConfig marks unrecoverable configuration or invocation errors.
var ErrConfig = errors.New("configuration error")

// Counts are the per-stage counters stored in the manifest and shown in the summary.
type Counts map[string]int64

// StageFunc executes one stage, writing its output through out.
type StageFunc func(ctx context.Context, env *Env, out *stagestore.Run) (Counts, error)

// Stage is one step of the pipeline.
type Stage struct {
	Index  int
	Name   string
	Inputs []string
	Run    StageFunc
}

// Stages returns the pipeline in execution order.
func Stages() []Stage {
	return []Stage{
		{Index: 1, Name: StageMap, Run: runMap},
		{Index: 2, Name: StageFilter, Inputs: []string{StageMap}, Run: runFilter},
		{Index: 3, Name: StageGroup, Inputs: []string{StageFilter}, Run: runGroup},
		{Index: 4, Name: StageProbe, Inputs: []string{StageGroup}, Run: runProbe},
		{Index: 5, Name: StagePlan, Inputs: []string{StageGroup, StageProbe}, Run: runPlan},
		{Index: 6, Name: StageFetch, Inputs: []string{StagePlan}, Run: runFetch},
		{Index: 7, Name: StageScrape, Inputs: []string{StageFetch}, Run: runScrape},
		{Index: 8, Name: StageDedupe, Inputs: []string{StageScrape}, Run: runDedupe},
		{Index: 9, Name: StageLoad, Inputs: []string{StageDedupe}, Run: runLoad},
		{Index: 10, Name: StageQC, Inputs: []string{StageDedupe}, Run: runQC},
	}
}

// Stage names.
const (
	StageMap    = "map"
	StageFilter = "filter"
	StageGroup  = "group"
	StageProbe  = "probe"
	StagePlan   = "plan"
	StageFetch  = "fetch"
	StageScrape = "scrape"
	StageDedupe = "dedupe"
	StageLoad   = "load"
	StageQC     = "qc"
)

// Lookup finds a stage by name.
func Lookup(name string) (Stage, bool) {
	for _, s := range Stages() {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// StageDir is the directory a full run uses for stage s under root.
func StageDir(root string, s Stage) string {
	return filepath.Join(root, fmt.Sprintf("%02d-%s", s.Index, s.Name))
}

// Env carries configuration and shared components into stage functions.
type Env struct {
	Config config.Config
	Logger *slog.Logger
	RunID  string

	inputs map[string]*stagestore.Store

	limiter   *crawler.DomainLimiter
	once      sync.Once
	retriever *crawler.Retriever
	buildErr  error
	robots    *robots.Agent
}

// Input returns the committed store of an upstream stage.
func (e *Env) Input(stage string) (*stagestore.Store, error) {
	s, ok := e.inputs[stage]
	if !ok {
		return nil, fmt.Errorf("%w: no input wired for stage %q", ErrConfig, stage)
	}
	if err := s.RequireCommitted(); err != nil {
		return nil, err
	}
	return s, nil
}

// Retriever returns the shared fetch/classify/retry component. Its limiter is shared
// by every stage of the run and by the robots agent.
func (e *Env) Retriever() (*crawler.Retriever, error) {
	e.once.Do(func() {
		e.retriever, e.buildErr = newRetriever(e.Config, e.limiter, e.Logger)
	})
	return e.retriever, e.buildErr
}

// Robots returns the shared robots.txt agent.
func (e *Env) Robots() *robots.Agent {
	return e.robots
}

// Runner executes stages against one configuration.
type Runner struct {
	cfg    config.Config
	logger *slog.Logger
	runID  string
}

// NewRunner creates a runner with a fresh run ID.
func NewRunner(cfg config.Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: logger, runID: uuid.NewString()}
}

// RunID identifies this runner's executions in stage manifests.
func (r *Runner) RunID() string { return r.runID }

// RunOptions selects the part of the pipeline to execute.
type RunOptions struct {
	From   string
	To     string
	Resume bool
}

func (r *Runner) newEnv() *Env {
	limiter := newLimiter(r.cfg)
	return &Env{
		Config:  r.cfg,
		Logger:  r.logger,
		RunID:   r.runID,
		inputs:  make(map[string]*stagestore.Store),
		limiter: limiter,
		robots:  robots.NewAgent(r.cfg.Robots, nil, limiter),
	}
}

// Run executes the stages from opts.From to opts.To under the configured output directory.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (Summary, error) {
	root := r.cfg.OutputDir
	summary := Summary{RunID: r.runID, OutputDir: root}

	all := Stages()
	from, to := 0, len(all)-1
	if opts.From != "" {
		s, ok := Lookup(opts.From)
		if !ok {
			return summary, fmt.Errorf("%w: unknown stage %q", ErrConfig, opts.From)
		}
		from = s.Index - 1
	}
	if opts.To != "" {
		s, ok := Lookup(opts.To)
		if !ok {
			return summary, fmt.Errorf("%w: unknown stage %q", ErrConfig, opts.To)
		}
		to = s.Index - 1
	}
	if from > to {
		return summary, fmt.Errorf("%w: stage %q comes after %q", ErrConfig, opts.From, opts.To)
	}

	env := r.newEnv()
	for _, s := range all[from : to+1] {
		var inputDirs []string
		for _, name := range s.Inputs {
			in, _ := Lookup(name)
			dir := StageDir(root, in)
			env.inputs[name] = stagestore.Open(dir, name)
			inputDirs = append(inputDirs, dir)
		}
		res, err := r.execute(ctx, env, s, stagestore.Open(StageDir(root, s), s.Name), inputDirs, opts.Resume)
		summary.Stages = append(summary.Stages, res)
		if err != nil {
			tallyErr := summary.tallyURLs()
			return summary, errors.Join(fmt.Errorf("stage %s: %w", s.Name, err), tallyErr)
		}
	}
	err := summary.tallyURLs()
	return summary, err
}

// RunStage executes a single stage with explicit input and output directories.
// inputDirs must line up with the stage's declared inputs.
func (r *Runner) RunStage(ctx context.Context, name string, inputDirs []string, outputDir string, resume bool) (Summary, error) {
	summary := Summary{RunID: r.runID, OutputDir: outputDir}
	s, ok := Lookup(name)
	if !ok {
		return summary, fmt.Errorf("%w: unknown stage %q", ErrConfig, name)
	}
	if outputDir == "" {
		return summary, fmt.Errorf("%w: --output is required", ErrConfig)
	}
	if len(inputDirs) != len(s.Inputs) {
		return summary, fmt.Errorf("%w: stage %s takes %d --input director(ies) %v, got %d", ErrConfig, s.Name, len(s.Inputs), s.Inputs, len(inputDirs))
	}

	env := r.newEnv()
	for i, in := range s.Inputs {
		env.inputs[in] = stagestore.Open(inputDirs[i], in)
	}
	res, err := r.execute(ctx, env, s, stagestore.Open(outputDir, s.Name), inputDirs, resume)
	summary.Stages = append(summary.Stages, res)
	if err != nil {
		tallyErr := summary.tallyURLs()
		return summary, errors.Join(fmt.Errorf("stage %s: %w", s.Name, err), tallyErr)
	}
	err = summary.tallyURLs()
	return summary, err
}

func (r *Runner) execute(ctx context.Context, env *Env, s Stage, store *stagestore.Store, inputDirs []string, resume bool) (StageResult, error) {
	res := StageResult{Stage: s.Name, Dir: store.Dir()}
	logger := r.logger.With("stage", s.Name)

	if resume && store.Committed() {
		m, err := store.Manifest()
		if err != nil {
			return res, err
		}
		res.Skipped = true
		res.Counts = m.Summary
		logger.Info("stage already committed, skipping", "dir", store.Dir(), "run_id", m.RunID)
		return res, nil
	}
	for _, in := range s.Inputs {
		if err := env.inputs[in].RequireCommitted(); err != nil {
			return res, err
		}
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	run, err := store.Begin(r.runID, inputDirs...)
	if err != nil {
		return res, err
	}
	start := time.Now()
	logger.Info("stage started", "dir", store.Dir())

	counts, err := s.Run(ctx, env, run)
	res.Elapsed = time.Since(start)
	res.Counts = counts
	if err != nil {
		run.Abort()
		logger.Error("stage failed", "error", err, "elapsed", res.Elapsed)
		return res, err
	}
	if err := run.Commit(counts); err != nil {
		logger.Error("stage commit failed", "error", err)
		return res, err
	}
	logger.Info("stage committed", "elapsed", res.Elapsed, "counts", map[string]int64(counts))
	return res, nil
}
