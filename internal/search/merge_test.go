package search

import (
	"fmt"
	"math"
	"reflect"
	"testing"

	"moviebrowse/searchservice/internal/domain"
)

func keysOf(items []domain.MediaItem) []string {
	keys := make([]string, len(items))
	for i, item := range items {
		keys[i] = item.Key()
	}
	return keys
}

func TestMergeAndRankExactBeatsSubstring(t *testing.T) {
	batches := []domain.Batch{{
		Intent: domain.IntentTitle,
		Results: []domain.MediaItem{
			{ID: 2, Title: "Heat Wave", Popularity: 10},
			{ID: 1, Title: "Heat", Popularity: 10},
		},
	}}

	got := MergeAndRank(batches, "heat")
	if got[0].ID != 1 || got[1].ID != 2 {
		t.Fatalf("order = %v, want exact title first", keysOf(got))
	}
}

func TestMergeAndRankDedup(t *testing.T) {
	batches := []domain.Batch{
		{Intent: domain.IntentTitle, Results: []domain.MediaItem{
			{ID: 5, MediaType: "movie", Title: "first"},
			{ID: 7, Title: "no media type"},
		}},
		{Intent: domain.IntentMulti, Results: []domain.MediaItem{
			{ID: 5, MediaType: "movie", Title: "second"},
			{ID: 5, MediaType: "tv", Name: "show"},
			{ID: 7, MediaType: "movie", Title: "same as default"},
		}},
	}

	got := MergeAndRank(batches, "zzz")
	want := []string{"movie:5", "movie:7", "tv:5"}
	if !reflect.DeepEqual(keysOf(got), want) {
		t.Fatalf("keys = %v, want %v", keysOf(got), want)
	}
	if got[0].Title != "first" {
		t.Fatalf("expected first occurrence to win, got %q", got[0].Title)
	}
}

func TestMergeAndRankStableOnTies(t *testing.T) {
	batches := []domain.Batch{
		{Results: []domain.MediaItem{{ID: 3, Title: "c"}, {ID: 1, Title: "a"}}},
		{Results: []domain.MediaItem{{ID: 2, Title: "b"}}},
	}
	got := MergeAndRank(batches, "nothing matches")
	want := []string{"movie:3", "movie:1", "movie:2"}
	if !reflect.DeepEqual(keysOf(got), want) {
		t.Fatalf("keys = %v, want merge order %v", keysOf(got), want)
	}
}

func TestMergeAndRankIdempotent(t *testing.T) {
	batches := []domain.Batch{{Results: []domain.MediaItem{
		{ID: 1, Title: "Alien", Popularity: 40},
		{ID: 2, Title: "Aliens", Popularity: 80},
		{ID: 3, Title: "Alien 3", Popularity: 5},
		{ID: 4, Title: "Prometheus", Popularity: 300},
	}}}

	first := MergeAndRank(batches, "alien")
	second := MergeAndRank([]domain.Batch{{Results: first}}, "alien")
	if !reflect.DeepEqual(keysOf(first), keysOf(second)) {
		t.Fatalf("re-ranking changed order: %v then %v", keysOf(first), keysOf(second))
	}
}

func TestMergeAndRankUsesNameWhenTitleMissing(t *testing.T) {
	batches := []domain.Batch{{Results: []domain.MediaItem{
		{ID: 1, MediaType: "tv", Name: "Other"},
		{ID: 2, MediaType: "tv", Name: "Dark"},
	}}}
	got := MergeAndRank(batches, "dark")
	if got[0].ID != 2 {
		t.Fatalf("expected name match first, got %v", keysOf(got))
	}
}

func TestMergeAndRankNormalizesUnicode(t *testing.T) {
	batches := []domain.Batch{{Results: []domain.MediaItem{
		{ID: 1, Title: "Other", Popularity: 50},
		{ID: 2, Title: "Ame\u0301lie"},
	}}}
	got := MergeAndRank(batches, "AMÉLIE")
	if got[0].ID != 2 {
		t.Fatalf("expected decomposed title to match composed query, got %v", keysOf(got))
	}
}

func TestScoreItem(t *testing.T) {
	cases := []struct {
		name string
		item domain.MediaItem
		want float64
	}{
		{name: "exact and substring", item: domain.MediaItem{Title: "Heat"}, want: 45},
		{name: "substring only", item: domain.MediaItem{Title: "Heat Wave"}, want: 15},
		{name: "popularity term", item: domain.MediaItem{Title: "x", Popularity: 9}, want: 6},
		{name: "popularity capped", item: domain.MediaItem{Title: "x", Popularity: 1e9}, want: 20},
		{name: "negative popularity ignored", item: domain.MediaItem{Title: "x", Popularity: -5}, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := scoreItem(tc.item, "heat"); math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("score = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBuildFacets(t *testing.T) {
	items := []domain.MediaItem{
		{ID: 1, GenreIDs: []int{28, 12}, ReleaseDate: "1995-12-15"},
		{ID: 2, MediaType: "tv", GenreIDs: []int{12, 18}},
		{ID: 3, MediaType: "movie", GenreIDs: []int{28}, ReleaseDate: "1995-01-01"},
		{ID: 4, MediaType: "person", ReleaseDate: "2001-05-05"},
	}

	got := BuildFacets(items)
	want := domain.Facets{
		Genres:     []int{28, 12, 18},
		Years:      []string{"1995", "2001"},
		MediaTypes: []string{"movie", "tv", "person"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("facets = %+v, want %+v", got, want)
	}
}

func TestBuildFacetsCapsYears(t *testing.T) {
	items := make([]domain.MediaItem, 0, 20)
	for i := 0; i < 20; i++ {
		items = append(items, domain.MediaItem{ID: int64(i + 1), ReleaseDate: fmt.Sprintf("%d-06-01", 1990+i)})
	}
	got := BuildFacets(items)
	if len(got.Years) != maxFacetYears {
		t.Fatalf("years = %v, want %d entries", got.Years, maxFacetYears)
	}
	if got.Years[0] != "1990" || got.Years[11] != "2001" {
		t.Fatalf("expected first %d distinct years in order, got %v", maxFacetYears, got.Years)
	}
}

func TestBuildFacetsEmpty(t *testing.T) {
	got := BuildFacets(nil)
	if got.Genres == nil || got.Years == nil || got.MediaTypes == nil {
		t.Fatalf("expected non-nil empty facets, got %+v", got)
	}
}
