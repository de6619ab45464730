package search

import (
	"math"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"moviebrowse/searchservice/internal/domain"
)

const (
	exactTitleBonus     = 30
	containsTitleBonus  = 15
	maxPopularityScore  = 20
	popularityLogFactor = 6
	maxFacetYears       = 12
)

// MergeAndRank flattens the batches in order, keeps the first occurrence of
// every media-type:id key and orders the survivors by descending score.
// Equal scores keep their merge order.
func MergeAndRank(batches []domain.Batch, query string) []domain.MediaItem {
	total := 0
	for _, batch := range batches {
		total += len(batch.Results)
	}

	seen := make(map[string]struct{}, total)
	merged := make([]domain.MediaItem, 0, total)
	for _, batch := range batches {
		for _, item := range batch.Results {
			key := item.Key()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, item)
		}
	}

	needle := foldTitle(strings.TrimSpace(query))
	scores := make([]float64, len(merged))
	for i, item := range merged {
		scores[i] = scoreItem(item, needle)
	}

	order := make([]int, len(merged))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	ranked := make([]domain.MediaItem, len(merged))
	for i, idx := range order {
		ranked[i] = merged[idx]
	}
	return ranked
}

func scoreItem(item domain.MediaItem, needle string) float64 {
	title := foldTitle(item.DisplayTitle())
	score := 0.0
	if title == needle {
		score += exactTitleBonus
	}
	if strings.Contains(title, needle) {
		score += containsTitleBonus
	}
	return score + popularityScore(float64(item.Popularity))
}

func popularityScore(popularity float64) float64 {
	if math.IsNaN(popularity) || math.IsInf(popularity, 0) || popularity <= 0 {
		return 0
	}
	return math.Min(maxPopularityScore, math.Log10(popularity+1)*popularityLogFactor)
}

func foldTitle(value string) string {
	return strings.ToLower(norm.NFC.String(value))
}

// BuildFacets summarises a ranked result list for filter UIs.
func BuildFacets(items []domain.MediaItem) domain.Facets {
	facets := domain.Facets{
		Genres:     []int{},
		Years:      []string{},
		MediaTypes: []string{},
	}
	seenGenres := make(map[int]struct{})
	seenYears := make(map[string]struct{})
	seenTypes := make(map[string]struct{})

	for _, item := range items {
		for _, genreID := range item.GenreIDs {
			if _, ok := seenGenres[genreID]; ok {
				continue
			}
			seenGenres[genreID] = struct{}{}
			facets.Genres = append(facets.Genres, genreID)
		}

		if len(facets.Years) < maxFacetYears && len(item.ReleaseDate) >= 4 {
			year := item.ReleaseDate[:4]
			if _, ok := seenYears[year]; !ok {
				seenYears[year] = struct{}{}
				facets.Years = append(facets.Years, year)
			}
		}

		mediaType := item.MediaTypeOrDefault()
		if _, ok := seenTypes[mediaType]; !ok {
			seenTypes[mediaType] = struct{}{}
			facets.MediaTypes = append(facets.MediaTypes, mediaType)
		}
	}
	return facets
}
