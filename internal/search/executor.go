package search

import (
	"context"
	"fmt"
	"strings"

	"moviebrowse/searchservice/internal/domain"
	"moviebrowse/searchservice/internal/providers/tmdb"
)

// Upstream is the slice of the metadata provider the executor dispatches to.
type Upstream interface {
	SearchPeople(ctx context.Context, query string, opts domain.CallOptions) ([]tmdb.PersonMatch, error)
	DiscoverMovies(ctx context.Context, filter tmdb.DiscoverFilter, opts domain.CallOptions) ([]domain.MediaItem, error)
	PersonCombinedCredits(ctx context.Context, personID int64, opts domain.CallOptions) (tmdb.Credits, error)
	SearchMovies(ctx context.Context, query string, year *domain.YearFilter, opts domain.CallOptions) ([]domain.MediaItem, error)
	SearchMulti(ctx context.Context, query string, opts domain.CallOptions) ([]domain.MediaItem, error)
	SearchKeywords(ctx context.Context, query string) ([]tmdb.NamedRef, error)
	SearchCollections(ctx context.Context, query string, opts domain.CallOptions) ([]tmdb.NamedRef, error)
	CollectionParts(ctx context.Context, collectionID int64, opts domain.CallOptions) ([]domain.MediaItem, error)
}

type Executor struct {
	upstream Upstream
}

func NewExecutor(upstream Upstream) *Executor {
	return &Executor{upstream: upstream}
}

// Run issues the upstream calls for a single intent. Lookups that find
// nothing (no person, keyword or collection match) yield an empty batch.
func (e *Executor) Run(ctx context.Context, intent domain.Intent, opts domain.CallOptions) (domain.Batch, error) {
	batch := domain.Batch{Intent: intent.Kind}
	if e == nil || e.upstream == nil {
		return batch, ErrNoUpstream
	}

	var (
		items []domain.MediaItem
		err   error
	)
	switch intent.Kind {
	case domain.IntentGenre:
		items, err = e.upstream.DiscoverMovies(ctx, tmdb.DiscoverFilter{GenreID: intent.GenreID}, opts)
	case domain.IntentPerson:
		items, err = e.runPerson(ctx, intent, opts)
	case domain.IntentTitle:
		items, err = e.upstream.SearchMovies(ctx, intent.Query, intent.Year, opts)
	case domain.IntentMulti:
		items, err = e.upstream.SearchMulti(ctx, intent.Query, opts)
	case domain.IntentKeyword:
		items, err = e.runKeyword(ctx, intent, opts)
	case domain.IntentCollection:
		items, err = e.runCollection(ctx, intent, opts)
	default:
		return batch, fmt.Errorf("unsupported intent kind %q", intent.Kind)
	}
	if err != nil {
		return batch, fmt.Errorf("%s intent: %w", intent.Kind, err)
	}
	batch.Results = items
	return batch, nil
}

func (e *Executor) runPerson(ctx context.Context, intent domain.Intent, opts domain.CallOptions) ([]domain.MediaItem, error) {
	name := strings.TrimSpace(intent.Name)
	if name == "" {
		return nil, nil
	}
	people, err := e.upstream.SearchPeople(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	if len(people) == 0 {
		return nil, nil
	}
	personID := people[0].ID

	if intent.Role != domain.RoleDirector {
		return e.upstream.DiscoverMovies(ctx, tmdb.DiscoverFilter{CastID: personID}, opts)
	}

	credits, err := e.upstream.PersonCombinedCredits(ctx, personID, opts)
	if err != nil {
		return nil, err
	}
	directed := make([]domain.MediaItem, 0, len(credits.Crew))
	for _, credit := range credits.Crew {
		if credit.Department == "Directing" && credit.MediaType == "movie" {
			directed = append(directed, credit)
		}
	}
	return directed, nil
}

func (e *Executor) runKeyword(ctx context.Context, intent domain.Intent, opts domain.CallOptions) ([]domain.MediaItem, error) {
	keyword := strings.TrimSpace(intent.Keyword)
	if keyword == "" {
		return nil, nil
	}
	matches, err := e.upstream.SearchKeywords(ctx, keyword)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return e.upstream.DiscoverMovies(ctx, tmdb.DiscoverFilter{KeywordID: matches[0].ID}, opts)
}

func (e *Executor) runCollection(ctx context.Context, intent domain.Intent, opts domain.CallOptions) ([]domain.MediaItem, error) {
	name := strings.TrimSpace(intent.Name)
	if name == "" {
		return nil, nil
	}
	matches, err := e.upstream.SearchCollections(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return e.upstream.CollectionParts(ctx, matches[0].ID, opts)
}
