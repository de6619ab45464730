package tmdb

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"moviebrowse/searchservice/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// PersonMatch is one entry of a person search.
type PersonMatch struct {
	ID                 int64        `json:"id" validate:"gt=0"`
	Name               string       `json:"name"`
	KnownForDepartment string       `json:"known_for_department,omitempty"`
	Popularity         domain.Score `json:"popularity,omitempty"`
}

// NamedRef is a keyword or collection search entry.
type NamedRef struct {
	ID   int64  `json:"id" validate:"gt=0"`
	Name string `json:"name"`
}

// Credits is a person's combined movie and TV credits.
type Credits struct {
	Cast []domain.MediaItem `json:"cast"`
	Crew []domain.MediaItem `json:"crew"`
}

// DiscoverFilter selects the discover/movie constraint. Exactly one field is expected to be set.
type DiscoverFilter struct {
	GenreID   int
	CastID    int64
	KeywordID int64
}

type pagedResponse[T any] struct {
	Page         int `json:"page"`
	Results      []T `json:"results"`
	TotalPages   int `json:"total_pages"`
	TotalResults int `json:"total_results"`
}

type genreListResponse struct {
	Genres []domain.Genre `json:"genres"`
}

type collectionResponse struct {
	ID    int64              `json:"id"`
	Name  string             `json:"name"`
	Parts []domain.MediaItem `json:"parts"`
}

func (c *Client) MovieGenres(ctx context.Context, language string) ([]domain.Genre, error) {
	return c.genreList(ctx, "/genre/movie/list", language)
}

func (c *Client) TVGenres(ctx context.Context, language string) ([]domain.Genre, error) {
	return c.genreList(ctx, "/genre/tv/list", language)
}

func (c *Client) genreList(ctx context.Context, path, language string) ([]domain.Genre, error) {
	var payload genreListResponse
	if err := c.getJSON(ctx, path, Params{"language": language}, &payload); err != nil {
		return nil, err
	}
	return validEntries(payload.Genres), nil
}

func (c *Client) SearchPeople(ctx context.Context, query string, opts domain.CallOptions) ([]PersonMatch, error) {
	params := commonParams(opts)
	params["query"] = query
	var payload pagedResponse[PersonMatch]
	if err := c.getJSON(ctx, "/search/person", params, &payload); err != nil {
		return nil, err
	}
	return validEntries(payload.Results), nil
}

func (c *Client) DiscoverMovies(ctx context.Context, filter DiscoverFilter, opts domain.CallOptions) ([]domain.MediaItem, error) {
	params := commonParams(opts)
	params["sort_by"] = "popularity.desc"
	if filter.GenreID > 0 {
		params["with_genres"] = strconv.Itoa(filter.GenreID)
	}
	if filter.CastID > 0 {
		params["with_cast"] = strconv.FormatInt(filter.CastID, 10)
	}
	if filter.KeywordID > 0 {
		params["with_keywords"] = strconv.FormatInt(filter.KeywordID, 10)
	}
	return c.pagedItems(ctx, "/discover/movie", params)
}

func (c *Client) PersonCombinedCredits(ctx context.Context, personID int64, opts domain.CallOptions) (Credits, error) {
	var payload Credits
	path := "/person/" + strconv.FormatInt(personID, 10) + "/combined_credits"
	if err := c.getJSON(ctx, path, commonParams(opts), &payload); err != nil {
		return Credits{}, err
	}
	return Credits{
		Cast: validEntries(payload.Cast),
		Crew: validEntries(payload.Crew),
	}, nil
}

// SearchMovies searches by title, constrained to a release year or an inclusive year range.
func (c *Client) SearchMovies(ctx context.Context, query string, year *domain.YearFilter, opts domain.CallOptions) ([]domain.MediaItem, error) {
	params := commonParams(opts)
	params["query"] = query
	switch {
	case year.IsRange():
		params["primary_release_date.gte"] = fmt.Sprintf("%04d-01-01", year.Start)
		params["primary_release_date.lte"] = fmt.Sprintf("%04d-12-31", year.End)
	case year != nil && year.Year > 0:
		params["primary_release_year"] = strconv.Itoa(year.Year)
	}
	return c.pagedItems(ctx, "/search/movie", params)
}

func (c *Client) SearchMulti(ctx context.Context, query string, opts domain.CallOptions) ([]domain.MediaItem, error) {
	params := commonParams(opts)
	params["query"] = query
	return c.pagedItems(ctx, "/search/multi", params)
}

func (c *Client) SearchKeywords(ctx context.Context, query string) ([]NamedRef, error) {
	var payload pagedResponse[NamedRef]
	if err := c.getJSON(ctx, "/search/keyword", Params{"query": query}, &payload); err != nil {
		return nil, err
	}
	return validEntries(payload.Results), nil
}

func (c *Client) SearchCollections(ctx context.Context, query string, opts domain.CallOptions) ([]NamedRef, error) {
	params := commonParams(opts)
	params["query"] = query
	var payload pagedResponse[NamedRef]
	if err := c.getJSON(ctx, "/search/collection", params, &payload); err != nil {
		return nil, err
	}
	return validEntries(payload.Results), nil
}

func (c *Client) CollectionParts(ctx context.Context, collectionID int64, opts domain.CallOptions) ([]domain.MediaItem, error) {
	var payload collectionResponse
	path := "/collection/" + strconv.FormatInt(collectionID, 10)
	if err := c.getJSON(ctx, path, Params{"language": opts.Language}, &payload); err != nil {
		return nil, err
	}
	return validEntries(payload.Parts), nil
}

func (c *Client) pagedItems(ctx context.Context, path string, params Params) ([]domain.MediaItem, error) {
	var payload pagedResponse[domain.MediaItem]
	if err := c.getJSON(ctx, path, params, &payload); err != nil {
		return nil, err
	}
	return validEntries(payload.Results), nil
}

func (c *Client) getJSON(ctx context.Context, path string, params Params, dest any) error {
	body, err := c.Call(ctx, path, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("decode tmdb %s: %w", path, err)
	}
	return nil
}

func commonParams(opts domain.CallOptions) Params {
	return Params{
		"language":      opts.Language,
		"include_adult": strconv.FormatBool(opts.IncludeAdult),
	}
}

// validEntries drops entries that fail their struct validation tags.
func validEntries[T any](items []T) []T {
	if len(items) == 0 {
		return items
	}
	out := make([]T, 0, len(items))
	for _, item := range items {
		if err := validate.Struct(item); err != nil {
			continue
		}
		out = append(out, item)
	}
	return out
}
