package dedupe

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type item struct {
	URL  string
	Name string
	At   time.Time
}

func byURL(i item) string { return strings.SplitN(i.URL, "#", 2)[0] }

func TestDedupeKeepsFirstSeen(t *testing.T) {
	in := []item{
		{URL: "https://example.test/a", Name: "first"},
		{URL: "https://example.test/b"},
		{URL: "https://example.test/a#reviews", Name: "second"},
		{URL: ""},
		{URL: ""},
	}
	got, sum := Dedupe(in, byURL)
	want := []item{in[0], in[1], in[3], in[4]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("dedupe mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, Summary{InputCount: 5, UniqueCount: 4, DuplicatesRemoved: 1}, sum)
}

func TestDedupeIsIdempotent(t *testing.T) {
	in := []item{{URL: "x"}, {URL: "y"}, {URL: "x"}, {URL: "z"}, {URL: "y"}}
	once, first := Dedupe(in, byURL)
	twice, second := Dedupe(once, byURL)
	require.Equal(t, once, twice)
	require.Equal(t, 2, first.DuplicatesRemoved)
	require.Zero(t, second.DuplicatesRemoved)
	require.Equal(t, first.UniqueCount, second.InputCount)
}

func TestSortByDiscoveryIsStable(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in := []item{
		{Name: "late", At: base.Add(time.Second)},
		{Name: "tie-1", At: base},
		{Name: "tie-2", At: base},
	}
	SortByDiscovery(in, func(i item) time.Time { return i.At })
	require.Equal(t, []string{"tie-1", "tie-2", "late"}, []string{in[0].Name, in[1].Name, in[2].Name})
}
