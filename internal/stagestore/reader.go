package stagestore

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
)

// Reader yields the records of one committed JSONL file lazily. Every call to
// OpenJSONL starts again from the first record.
type Reader[T any] struct {
	f   *os.File
	dec *json.Decoder
}

// OpenJSONL opens a committed JSONL file of the store. The stage must be committed.
func OpenJSONL[T any](s *Store, name string) (*Reader[T], error) {
	if err := s.RequireCommitted(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrInputMissing, s.stage, name)
		}
		return nil, err
	}
	return &Reader[T]{f: f, dec: json.NewDecoder(f)}, nil
}

// Next returns the next record or io.EOF once the file is exhausted.
func (r *Reader[T]) Next() (T, error) {
	var v T
	if err := r.dec.Decode(&v); err != nil {
		if errors.Is(err, io.EOF) {
			return v, io.EOF
		}
		return v, fmt.Errorf("decode %s: %w", r.f.Name(), err)
	}
	return v, nil
}

// Close releases the underlying file.
func (r *Reader[T]) Close() error { return r.f.Close() }

// EachJSONL streams every record of a committed JSONL file through fn.
func EachJSONL[T any](s *Store, name string, fn func(T) error) error {
	r, err := OpenJSONL[T](s, name)
	if err != nil {
		return err
	}
	defer r.Close()
	for {
		v, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
}

// ReadAllJSONL loads a committed JSONL file into memory.
func ReadAllJSONL[T any](s *Store, name string) ([]T, error) {
	var out []T
	err := EachJSONL(s, name, func(v T) error {
		out = append(out, v)
		return nil
	})
	return out, err
}

// EachRow streams the data rows of a committed CSV file through fn. The header row must
// begin with the expected columns; extra trailing columns are allowed.
func EachRow(s *Store, name string, header []string, fn func([]string) error) error {
	if err := s.RequireCommitted(); err != nil {
		return err
	}
	f, err := os.Open(s.Path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s/%s", ErrInputMissing, s.stage, name)
		}
		return err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	got, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s/%s: missing header", s.stage, name)
		}
		return fmt.Errorf("%s/%s: %w", s.stage, name, err)
	}
	if len(header) > 0 && (len(got) < len(header) || !slices.Equal(got[:len(header)], header)) {
		return fmt.Errorf("%s/%s: unexpected header %v", s.stage, name, got)
	}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s/%s: %w", s.stage, name, err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}
