package stagestore

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// fileSink is the temp-file half shared by both writer kinds.
type fileSink struct {
	mu    sync.Mutex
	label string
	final string
	tmp   string
	f     *os.File
	bw    *bufio.Writer
	count int
	err   error
}

func openSink(path, label string) (*fileSink, error) {
	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrWriteFailure, tmp, err)
	}
	return &fileSink{
		label: label,
		final: path,
		tmp:   tmp,
		f:     f,
		bw:    bufio.NewWriterSize(f, 64*1024),
	}, nil
}

func (s *fileSink) name() string { return s.label }

func (s *fileSink) records() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// fail latches the first error; later writes return it without touching the file.
func (s *fileSink) fail(err error) error {
	if s.err == nil {
		s.err = fmt.Errorf("%w: %s: %v", ErrWriteFailure, s.label, err)
	}
	return s.err
}

func (s *fileSink) commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return s.err
	}
	if s.err != nil {
		s.closeAndRemoveLocked()
		return s.err
	}
	if err := s.bw.Flush(); err != nil {
		s.closeAndRemoveLocked()
		return s.fail(err)
	}
	if err := s.f.Sync(); err != nil {
		s.closeAndRemoveLocked()
		return s.fail(err)
	}
	if err := s.f.Close(); err != nil {
		s.f = nil
		_ = os.Remove(s.tmp)
		return s.fail(err)
	}
	s.f = nil
	if err := os.Rename(s.tmp, s.final); err != nil {
		_ = os.Remove(s.tmp)
		return s.fail(err)
	}
	return nil
}

func (s *fileSink) abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeAndRemoveLocked()
}

func (s *fileSink) closeAndRemoveLocked() {
	if s.f != nil {
		_ = s.f.Close()
		s.f = nil
	}
	_ = os.Remove(s.tmp)
}

// JSONLWriter appends one JSON object per line. Safe for concurrent use.
type JSONLWriter struct {
	*fileSink
}

func newJSONLWriter(path, label string) (*JSONLWriter, error) {
	sink, err := openSink(path, label)
	if err != nil {
		return nil, err
	}
	return &JSONLWriter{fileSink: sink}, nil
}

// Write appends one record. Each record is flushed to the temp file before returning.
func (w *JSONLWriter) Write(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", w.label, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if w.f == nil {
		return w.fail(os.ErrClosed)
	}
	if _, err := w.bw.Write(append(line, '\n')); err != nil {
		return w.fail(err)
	}
	if err := w.bw.Flush(); err != nil {
		return w.fail(err)
	}
	w.count++
	return nil
}

// TableWriter appends RFC 4180 rows under a fixed header. Safe for concurrent use.
type TableWriter struct {
	*fileSink
	csv   *csv.Writer
	width int
}

func newTableWriter(path, label string, header []string) (*TableWriter, error) {
	sink, err := openSink(path, label)
	if err != nil {
		return nil, err
	}
	w := &TableWriter{fileSink: sink, csv: csv.NewWriter(sink.bw), width: len(header)}
	if err := w.writeRow(header); err != nil {
		sink.abort()
		return nil, err
	}
	return w, nil
}

// Write appends one row; it must have as many columns as the header.
func (w *TableWriter) Write(row []string) error {
	if len(row) != w.width {
		return fmt.Errorf("%s: row has %d columns, header has %d", w.label, len(row), w.width)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writeRow(row); err != nil {
		return err
	}
	w.count++
	return nil
}

func (w *TableWriter) writeRow(row []string) error {
	if w.err != nil {
		return w.err
	}
	if w.f == nil {
		return w.fail(os.ErrClosed)
	}
	if err := w.csv.Write(row); err != nil {
		return w.fail(err)
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return w.fail(err)
	}
	if err := w.bw.Flush(); err != nil {
		return w.fail(err)
	}
	return nil
}
