package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/krtong/bikenode.com-sub003/internal/stagestore"
	"github.com/krtong/bikenode.com-sub003/pkg/types"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitBlocked = 2
)

// StageResult describes one executed or resumed stage.
type StageResult struct {
	Stage   string           `json:"stage"`
	Dir     string           `json:"dir"`
	Skipped bool             `json:"skipped"`
	Counts  map[string]int64 `json:"counts"`
	Elapsed time.Duration    `json:"elapsed_ns"`
}

// Summary is the end-of-run report.
type Summary struct {
	RunID     string        `json:"run_id"`
	OutputDir string        `json:"output_dir"`
	Stages    []StageResult `json:"stages"`
	URLs      URLTotals     `json:"urls"`
}

// Outcome is the final result of one URL within a fetching stage.
type Outcome struct {
	URL     string        `json:"url"`
	Verdict types.Verdict `json:"verdict,omitempty"`
	Failure types.Failure `json:"failure,omitempty"`
}

func outcomeOf(res types.CrawlResult) Outcome {
	return Outcome{URL: res.Request.Key, Verdict: res.Verdict, Failure: res.Failure}
}

// URLTotals counts distinct URLs by their final outcome. A URL fetched by several
// stages counts once, with the latest stage's outcome.
type URLTotals struct {
	Attempted int64                   `json:"attempted"`
	Successes int64                   `json:"successes"`
	Failures  map[types.Failure]int64 `json:"failures,omitempty"`
}

func fetchingStage(name string) bool {
	switch name {
	case StageMap, StageProbe, StageFetch:
		return true
	}
	return false
}

// tallyURLs settles URLTotals from the outcome files of the committed fetching stages.
func (s *Summary) tallyURLs() error {
	final := make(map[string]Outcome)
	for _, st := range s.Stages {
		if !fetchingStage(st.Stage) {
			continue
		}
		store := stagestore.Open(st.Dir, st.Stage)
		if !store.Committed() {
			continue
		}
		err := stagestore.EachJSONL(store, outcomesFile, func(o Outcome) error {
			final[o.URL] = o
			return nil
		})
		if err != nil {
			return err
		}
	}

	totals := URLTotals{Failures: make(map[types.Failure]int64)}
	for _, o := range final {
		totals.Attempted++
		if o.Failure == types.FailureNone {
			totals.Successes++
		} else {
			totals.Failures[o.Failure]++
		}
	}
	s.URLs = totals
	return nil
}

// Attempted is the number of distinct URLs fetched to a final result.
func (s Summary) Attempted() int64 { return s.URLs.Attempted }

// Successes is the number of distinct URLs whose final result was ACCEPTED.
func (s Summary) Successes() int64 { return s.URLs.Successes }

// Failures counts distinct URLs per final failure category.
func (s Summary) Failures() map[types.Failure]int64 {
	out := make(map[types.Failure]int64, len(s.URLs.Failures))
	for f, n := range s.URLs.Failures {
		if n > 0 {
			out[f] = n
		}
	}
	return out
}

// PermanentlyBlocked counts URLs that stayed challenged or blocked after the
// alternate identity was tried.
func (s Summary) PermanentlyBlocked() int64 {
	var n int64
	for f, v := range s.Failures() {
		if f.Permanent() {
			n += v
		}
	}
	return n
}

// ExitCode maps a run outcome to the process exit code: 1 for errors (including
// interrupts), 2 when some URLs were permanently blocked, 0 otherwise.
func ExitCode(s Summary, err error) int {
	if err != nil {
		return ExitFailure
	}
	if s.PermanentlyBlocked() > 0 {
		return ExitBlocked
	}
	return ExitOK
}

// Interrupted reports whether err came from cancellation.
func Interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Render writes the summary tables to w.
func (s Summary) Render(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("run " + s.RunID)
	t.AppendHeader(table.Row{"Stage", "Status", "Counts", "Elapsed"})
	for _, st := range s.Stages {
		status := "committed"
		if st.Skipped {
			status = "resumed"
		}
		t.AppendRow(table.Row{st.Stage, status, formatCounts(st.Counts), st.Elapsed.Round(time.Millisecond)})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()

	totals := table.NewWriter()
	totals.SetOutputMirror(w)
	totals.AppendHeader(table.Row{"Result", "URLs"})
	totals.AppendRow(table.Row{"attempted", s.Attempted()})
	totals.AppendRow(table.Row{"successes", s.Successes()})
	failures := s.Failures()
	names := make([]string, 0, len(failures))
	for f := range failures {
		names = append(names, string(f))
	}
	sort.Strings(names)
	for _, name := range names {
		totals.AppendRow(table.Row{name, failures[types.Failure(name)]})
	}
	totals.AppendSeparator()
	totals.AppendRow(table.Row{"output", s.OutputDir})
	totals.SetStyle(table.StyleRounded)
	totals.Render()
}

func formatCounts(counts map[string]int64) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}

// ReadSummary rebuilds a summary from the manifests committed under root.
func ReadSummary(root string) (Summary, error) {
	s := Summary{OutputDir: root}
	for _, st := range Stages() {
		store := stagestore.Open(StageDir(root, st), st.Name)
		if !store.Committed() {
			continue
		}
		m, err := store.Manifest()
		if err != nil {
			return s, err
		}
		s.RunID = m.RunID
		s.Stages = append(s.Stages, StageResult{
			Stage:   st.Name,
			Dir:     store.Dir(),
			Skipped: true,
			Counts:  m.Summary,
			Elapsed: m.FinishedAt.Sub(m.StartedAt),
		})
	}
	err := s.tallyURLs()
	return s, err
}

// ReadIssues loads the QC findings committed under root.
func ReadIssues(root string) ([]Issue, error) {
	st, _ := Lookup(StageQC)
	return stagestore.ReadAllJSONL[Issue](stagestore.Open(StageDir(root, st), StageQC), issuesFile)
}

// RenderIssues writes the QC findings as a table, one row per field and problem.
func RenderIssues(w io.Writer, issues []Issue) {
	byCheck := make(map[string][]Issue)
	for _, i := range issues {
		byCheck[i.Check()] = append(byCheck[i.Check()], i)
	}
	checks := make([]string, 0, len(byCheck))
	for c := range byCheck {
		checks = append(checks, c)
	}
	sort.Strings(checks)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("quality issues")
	t.AppendHeader(table.Row{"Field", "Problem", "Records", "Example"})
	for _, c := range checks {
		group := byCheck[c]
		t.AppendRow(table.Row{group[0].Field, group[0].Problem, len(group), group[0].URL})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}
