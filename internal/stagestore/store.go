// Package stagestore persists each pipeline stage's output in its own directory.
//
// A stage run writes every output file to a temporary sibling, appending one record at a
// time, and commits by fsync + rename followed by a manifest. Files from an earlier commit
// stay readable until the rename replaces them, so an interrupted run never damages what
// was committed before it. A stage counts as committed only while its manifest exists.
package stagestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

var (
	// ErrWriteFailure wraps any error writing or committing stage output. It is fatal to the stage run.
	ErrWriteFailure = errors.New("stage store write failure")
	// ErrInputMissing reports that an upstream stage has no committed output.
	ErrInputMissing = errors.New("input stage store missing")
)

const (
	manifestName = "_stage.json"
	tmpSuffix    = ".tmp"
)

// Manifest describes one committed stage run.
type Manifest struct {
	Stage      string           `json:"stage"`
	RunID      string           `json:"run_id"`
	Inputs     []string         `json:"inputs,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Files      map[string]int   `json:"files"`
	Summary    map[string]int64 `json:"summary,omitempty"`
}

// Store is the output directory owned by one stage.
type Store struct {
	stage string
	dir   string
}

// Open returns the store for stage rooted at dir. Nothing is created until Begin.
func Open(dir, stage string) *Store {
	return &Store{stage: stage, dir: dir}
}

// Stage returns the stage name.
func (s *Store) Stage() string { return s.stage }

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the absolute location of a named output file.
func (s *Store) Path(name string) string { return filepath.Join(s.dir, name) }

// Committed reports whether a completed run's manifest is present.
func (s *Store) Committed() bool {
	_, err := os.Stat(s.Path(manifestName))
	return err == nil
}

// RequireCommitted fails with ErrInputMissing when the stage never completed.
func (s *Store) RequireCommitted() error {
	if !s.Committed() {
		return fmt.Errorf("%w: stage %q has no committed output in %s", ErrInputMissing, s.stage, s.dir)
	}
	return nil
}

// Manifest reads the committed manifest.
func (s *Store) Manifest() (Manifest, error) {
	var m Manifest
	raw, err := os.ReadFile(s.Path(manifestName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return m, fmt.Errorf("%w: stage %q", ErrInputMissing, s.stage)
		}
		return m, err
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

type committer interface {
	name() string
	records() int
	commit() error
	abort()
}

// Run is one in-progress execution of a stage.
type Run struct {
	store    *Store
	manifest Manifest
	writers  []committer
	done     bool
}

// Begin starts a stage run. The previous manifest is removed first so a crash
// mid-run leaves the stage uncommitted and --resume will rerun it.
func (s *Store) Begin(runID string, inputs ...string) (*Run, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrWriteFailure, s.dir, err)
	}
	if err := os.Remove(s.Path(manifestName)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: clear manifest: %v", ErrWriteFailure, err)
	}
	return &Run{
		store: s,
		manifest: Manifest{
			Stage:     s.stage,
			RunID:     runID,
			Inputs:    inputs,
			StartedAt: time.Now().UTC(),
			Files:     map[string]int{},
		},
	}, nil
}

// Store returns the store this run writes to.
func (r *Run) Store() *Store { return r.store }

// JSONL opens a newline-delimited JSON output file for this run.
func (r *Run) JSONL(name string) (*JSONLWriter, error) {
	w, err := newJSONLWriter(r.store.Path(name), name)
	if err != nil {
		return nil, err
	}
	r.writers = append(r.writers, w)
	return w, nil
}

// Table opens a CSV output file with the given header for this run.
func (r *Run) Table(name string, header []string) (*TableWriter, error) {
	w, err := newTableWriter(r.store.Path(name), name, header)
	if err != nil {
		return nil, err
	}
	r.writers = append(r.writers, w)
	return w, nil
}

// Commit makes every output file durable, renames it into place, and writes the manifest.
func (r *Run) Commit(summary map[string]int64) error {
	if r.done {
		return errors.New("stage run already finished")
	}
	r.done = true
	for _, w := range r.writers {
		if err := w.commit(); err != nil {
			r.abortRemaining()
			return err
		}
		r.manifest.Files[w.name()] = w.records()
	}
	r.manifest.FinishedAt = time.Now().UTC()
	r.manifest.Summary = summary

	raw, err := json.MarshalIndent(r.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode manifest: %v", ErrWriteFailure, err)
	}
	if err := writeFileAtomic(r.store.Path(manifestName), append(raw, '\n')); err != nil {
		return err
	}
	return syncDir(r.store.dir)
}

// Abort discards uncommitted output. Safe to call after Commit.
func (r *Run) Abort() {
	if r.done {
		return
	}
	r.done = true
	r.abortRemaining()
}

func (r *Run) abortRemaining() {
	for _, w := range r.writers {
		w.abort()
	}
}

// Files lists the committed output files of the store, sorted.
func (s *Store) Files() ([]string, error) {
	m, err := s.Manifest()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(m.Files))
	for name := range m.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	defer d.Close()
	// Some platforms refuse fsync on directories; the rename is already visible.
	_ = d.Sync()
	return nil
}
