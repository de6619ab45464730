package domain

import (
	"strconv"
	"time"
)

// YearFilter is either a single release year or an inclusive [Start, End] range.
type YearFilter struct {
	Year  int `json:"year,omitempty"`
	Start int `json:"start,omitempty"`
	End   int `json:"end,omitempty"`
}

func SingleYear(year int) *YearFilter {
	return &YearFilter{Year: year}
}

func YearRange(start, end int) *YearFilter {
	return &YearFilter{Start: start, End: end}
}

func (y *YearFilter) IsRange() bool {
	return y != nil && (y.Start != 0 || y.End != 0)
}

// ParsedQuery is the normalized form of a raw search string.
type ParsedQuery struct {
	Raw    string            `json:"raw"`
	Tokens []string          `json:"tokens"`
	Power  map[string]string `json:"power"`
	Year   *YearFilter       `json:"year,omitempty"`
	Lang   string            `json:"lang,omitempty"`
	Adult  *bool             `json:"adult,omitempty"`
}

// PowerValue reports the value of a power-syntax key and whether it was present.
func (p ParsedQuery) PowerValue(key string) (string, bool) {
	value, ok := p.Power[key]
	return value, ok
}

type IntentKind string

const (
	IntentGenre      IntentKind = "genre"
	IntentCollection IntentKind = "collection"
	IntentPerson     IntentKind = "person"
	IntentKeyword    IntentKind = "keyword"
	IntentTitle      IntentKind = "title"
	IntentMulti      IntentKind = "multi"
)

type PersonRole string

const (
	RoleUnset    PersonRole = ""
	RoleActor    PersonRole = "actor"
	RoleDirector PersonRole = "director"
)

// Intent is one hypothesis about what a query is looking for. Only the fields
// relevant to Kind are set.
type Intent struct {
	Kind    IntentKind  `json:"kind"`
	GenreID int         `json:"genreId,omitempty"`
	Name    string      `json:"name,omitempty"`
	Role    PersonRole  `json:"role,omitempty"`
	Keyword string      `json:"keyword,omitempty"`
	Query   string      `json:"query,omitempty"`
	Year    *YearFilter `json:"year,omitempty"`
}

func GenreIntent(genreID int) Intent {
	return Intent{Kind: IntentGenre, GenreID: genreID}
}

func CollectionIntent(name string) Intent {
	return Intent{Kind: IntentCollection, Name: name}
}

func PersonIntent(name string, role PersonRole) Intent {
	return Intent{Kind: IntentPerson, Name: name, Role: role}
}

func KeywordIntent(keyword string) Intent {
	return Intent{Kind: IntentKeyword, Keyword: keyword}
}

func TitleIntent(title string, year *YearFilter) Intent {
	return Intent{Kind: IntentTitle, Query: title, Year: year}
}

func MultiIntent(query string, year *YearFilter) Intent {
	return Intent{Kind: IntentMulti, Query: query, Year: year}
}

func (i Intent) Label() string {
	return string(i.Kind)
}

// MediaItem is a single upstream result: a movie, a TV show, or a credit entry.
type MediaItem struct {
	ID               int64  `json:"id" validate:"gt=0"`
	MediaType        string `json:"media_type,omitempty"`
	Title            string `json:"title,omitempty"`
	Name             string `json:"name,omitempty"`
	OriginalTitle    string `json:"original_title,omitempty"`
	OriginalName     string `json:"original_name,omitempty"`
	Overview         string `json:"overview,omitempty"`
	PosterPath       string `json:"poster_path,omitempty"`
	BackdropPath     string `json:"backdrop_path,omitempty"`
	ProfilePath      string `json:"profile_path,omitempty"`
	ReleaseDate      string `json:"release_date,omitempty"`
	FirstAirDate     string `json:"first_air_date,omitempty"`
	GenreIDs         []int  `json:"genre_ids,omitempty"`
	Popularity       Score  `json:"popularity,omitempty"`
	VoteAverage      Score  `json:"vote_average,omitempty"`
	VoteCount        int64  `json:"vote_count,omitempty"`
	Adult            bool   `json:"adult,omitempty"`
	OriginalLanguage string `json:"original_language,omitempty"`
	Character        string `json:"character,omitempty"`
	Job              string `json:"job,omitempty"`
	Department       string `json:"department,omitempty"`
}

// Key identifies an item across batches. Items without a media type are movies.
func (m MediaItem) Key() string {
	return m.MediaTypeOrDefault() + ":" + strconv.FormatInt(m.ID, 10)
}

func (m MediaItem) MediaTypeOrDefault() string {
	if m.MediaType == "" {
		return "movie"
	}
	return m.MediaType
}

func (m MediaItem) DisplayTitle() string {
	if m.Title != "" {
		return m.Title
	}
	return m.Name
}

// Batch is the raw outcome of executing one intent.
type Batch struct {
	Intent  IntentKind  `json:"intent"`
	Results []MediaItem `json:"results"`
}

type Facets struct {
	Genres     []int    `json:"genres"`
	Years      []string `json:"years"`
	MediaTypes []string `json:"mediaTypes"`
}

// CallOptions are the parameters shared by every upstream call of one search.
type CallOptions struct {
	Language     string
	IncludeAdult bool
}

type Genre struct {
	ID   int    `json:"id" validate:"gt=0"`
	Name string `json:"name" validate:"required"`
}

type SearchRequest struct {
	Query    string
	Language string
	Adult    *bool
	NoCache  bool
}

type IntentFailure struct {
	Intent string `json:"intent"`
	Error  string `json:"error"`
}

type SearchResponse struct {
	Query         string          `json:"query"`
	Intents       []string        `json:"intents"`
	Count         int             `json:"count"`
	Facets        Facets          `json:"facets"`
	Results       []MediaItem     `json:"results"`
	ElapsedMS     int64           `json:"elapsedMs"`
	FailedIntents []IntentFailure `json:"failedIntents,omitempty"`
	Cached        bool            `json:"cached,omitempty"`
}

type ExplainResponse struct {
	Query    string      `json:"query"`
	Language string      `json:"language"`
	Adult    bool        `json:"adult"`
	Parsed   ParsedQuery `json:"parsed"`
	Intents  []Intent    `json:"intents"`
}

type LexiconSnapshot struct {
	Language    string         `json:"language,omitempty"`
	RefreshedAt *time.Time     `json:"refreshedAt,omitempty"`
	Genres      map[string]int `json:"genres"`
}

type IntentDiagnostics struct {
	Intent        string     `json:"intent"`
	TotalRequests int64      `json:"totalRequests"`
	TotalFailures int64      `json:"totalFailures"`
	EmptyResults  int64      `json:"emptyResults"`
	LastError     string     `json:"lastError,omitempty"`
	LastQuery     string     `json:"lastQuery,omitempty"`
	LastLatencyMS int64      `json:"lastLatencyMs,omitempty"`
	LastSuccessAt *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt *time.Time `json:"lastFailureAt,omitempty"`
}
