// Package dedupe drops records whose identity key was already seen.
package dedupe

import (
	"sort"
	"time"
)

// Summary reports what a dedupe pass removed.
type Summary struct {
	InputCount        int `json:"input_count"`
	UniqueCount       int `json:"unique_count"`
	DuplicatesRemoved int `json:"duplicates_removed"`
}

// Dedupe keeps the first record for every key, preserving input order. Records whose
// key is empty are kept and never collide with each other.
func Dedupe[T any](records []T, key func(T) string) ([]T, Summary) {
	seen := make(map[string]struct{}, len(records))
	out := make([]T, 0, len(records))
	for _, rec := range records {
		k := key(rec)
		if k != "" {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
		}
		out = append(out, rec)
	}
	return out, Summary{
		InputCount:        len(records),
		UniqueCount:       len(out),
		DuplicatesRemoved: len(records) - len(out),
	}
}

// SortByDiscovery orders records by their discovery time, keeping the relative order
// of equal timestamps. Concurrent stages write out of order, so first-seen must be
// recovered from the recorded time rather than from file position.
func SortByDiscovery[T any](records []T, discoveredAt func(T) time.Time) {
	sort.SliceStable(records, func(i, j int) bool {
		return discoveredAt(records[i]).Before(discoveredAt(records[j]))
	})
}
