package search

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"moviebrowse/searchservice/internal/domain"
)

type fakeRunner struct {
	mu       sync.Mutex
	results  map[domain.IntentKind][]domain.MediaItem
	errs     map[domain.IntentKind]error
	block    map[domain.IntentKind]bool
	calls    int
	lastOpts domain.CallOptions
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		results: make(map[domain.IntentKind][]domain.MediaItem),
		errs:    make(map[domain.IntentKind]error),
		block:   make(map[domain.IntentKind]bool),
	}
}

func (f *fakeRunner) Run(ctx context.Context, intent domain.Intent, opts domain.CallOptions) (domain.Batch, error) {
	f.mu.Lock()
	f.calls++
	f.lastOpts = opts
	items := f.results[intent.Kind]
	err := f.errs[intent.Kind]
	block := f.block[intent.Kind]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return domain.Batch{Intent: intent.Kind}, ctx.Err()
	}
	if err != nil {
		return domain.Batch{Intent: intent.Kind}, err
	}
	return domain.Batch{Intent: intent.Kind, Results: items}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeLexicon struct {
	mapLookup
	err       error
	languages []string
}

func (f *fakeLexicon) EnsureFresh(_ context.Context, language string) error {
	f.languages = append(f.languages, language)
	return f.err
}

func (f *fakeLexicon) Snapshot() domain.LexiconSnapshot {
	genres := make(map[string]int, len(f.mapLookup))
	for name, id := range f.mapLookup {
		genres[name] = id
	}
	return domain.LexiconSnapshot{Genres: genres}
}

func newTestLexicon() *fakeLexicon {
	return &fakeLexicon{mapLookup: testGenres}
}

func TestServiceSearchMergesIntents(t *testing.T) {
	runner := newFakeRunner()
	runner.results[domain.IntentTitle] = []domain.MediaItem{
		{ID: 949, Title: "Heat", Popularity: 30, ReleaseDate: "1995-12-15", GenreIDs: []int{28, 80}},
	}
	runner.results[domain.IntentMulti] = []domain.MediaItem{
		{ID: 949, MediaType: "movie", Title: "Heat", Popularity: 30},
		{ID: 2, MediaType: "tv", Name: "Heat Wave", Popularity: 1},
	}

	svc := NewService(runner, newTestLexicon(), WithCacheDisabled(true))
	resp, err := svc.Search(context.Background(), domain.SearchRequest{Query: "  heat "})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	if resp.Query != "heat" {
		t.Fatalf("query = %q", resp.Query)
	}
	if !reflect.DeepEqual(resp.Intents, []string{"title", "multi"}) {
		t.Fatalf("intents = %v", resp.Intents)
	}
	if resp.Count != 2 || keysOf(resp.Results)[0] != "movie:949" {
		t.Fatalf("results = %v", keysOf(resp.Results))
	}
	wantFacets := domain.Facets{Genres: []int{28, 80}, Years: []string{"1995"}, MediaTypes: []string{"movie", "tv"}}
	if !reflect.DeepEqual(resp.Facets, wantFacets) {
		t.Fatalf("facets = %+v", resp.Facets)
	}
}

func TestServiceSearchRejectsEmptyQuery(t *testing.T) {
	runner := newFakeRunner()
	svc := NewService(runner, newTestLexicon())
	_, err := svc.Search(context.Background(), domain.SearchRequest{Query: "   "})
	if !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery, got %v", err)
	}
	if runner.callCount() != 0 {
		t.Fatal("expected no intents to run for an empty query")
	}
}

func TestServiceFailFastAbortsSearch(t *testing.T) {
	runner := newFakeRunner()
	upstreamErr := errors.New("provider down")
	runner.errs[domain.IntentTitle] = upstreamErr
	runner.block[domain.IntentMulti] = true

	svc := NewService(runner, newTestLexicon(), WithCacheDisabled(true))
	done := make(chan error, 1)
	go func() {
		_, err := svc.Search(context.Background(), domain.SearchRequest{Query: "heat"})
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrUpstream) || !errors.Is(err, upstreamErr) {
			t.Fatalf("expected wrapped upstream error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fail-fast search did not cancel the blocked sibling intent")
	}
}

func TestServiceIsolateReportsFailedIntents(t *testing.T) {
	runner := newFakeRunner()
	runner.errs[domain.IntentTitle] = errors.New("provider down")
	runner.results[domain.IntentMulti] = []domain.MediaItem{{ID: 1, Title: "Heat"}}

	svc := NewService(runner, newTestLexicon(), WithCacheDisabled(true), WithFanOutMode(FanOutIsolate))
	resp, err := svc.Search(context.Background(), domain.SearchRequest{Query: "heat"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Count != 1 {
		t.Fatalf("expected surviving intent results, got %+v", resp)
	}
	if len(resp.FailedIntents) != 1 || resp.FailedIntents[0].Intent != "title" {
		t.Fatalf("failedIntents = %+v", resp.FailedIntents)
	}
}

func TestServiceLexiconFailure(t *testing.T) {
	lexicon := newTestLexicon()
	lexicon.err = errors.New("genres unavailable")
	runner := newFakeRunner()

	failFast := NewService(runner, lexicon, WithCacheDisabled(true))
	if _, err := failFast.Search(context.Background(), domain.SearchRequest{Query: "heat"}); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected lexicon failure to fail the search, got %v", err)
	}

	isolate := NewService(runner, lexicon, WithCacheDisabled(true), WithFanOutMode(FanOutIsolate))
	if _, err := isolate.Search(context.Background(), domain.SearchRequest{Query: "heat"}); err != nil {
		t.Fatalf("expected isolate mode to tolerate lexicon failure, got %v", err)
	}
}

func TestServiceResolvesLanguageAndAdult(t *testing.T) {
	yes := true
	no := false
	cases := []struct {
		name      string
		query     string
		lang      string
		adult     *bool
		defaults  ServiceOption
		wantLang  string
		wantAdult bool
	}{
		{name: "fallback", query: "heat", wantLang: "en-US"},
		{name: "process default", query: "heat", defaults: WithDefaults("de-de", true), wantLang: "de-DE", wantAdult: true},
		{name: "request overrides default", query: "heat", lang: "fr-fr", adult: &no, defaults: WithDefaults("de-DE", true), wantLang: "fr-FR"},
		{name: "inline overrides request", query: "heat lang:pt-br adult:true", lang: "fr-FR", adult: &no, wantLang: "pt-BR", wantAdult: true},
		{name: "inline adult false", query: "heat adult:nope", adult: &yes, wantLang: "en-US"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner := newFakeRunner()
			lexicon := newTestLexicon()
			opts := []ServiceOption{WithCacheDisabled(true)}
			if tc.defaults != nil {
				opts = append(opts, tc.defaults)
			}
			svc := NewService(runner, lexicon, opts...)
			if _, err := svc.Search(context.Background(), domain.SearchRequest{Query: tc.query, Language: tc.lang, Adult: tc.adult}); err != nil {
				t.Fatalf("Search: %v", err)
			}
			want := domain.CallOptions{Language: tc.wantLang, IncludeAdult: tc.wantAdult}
			if runner.lastOpts != want {
				t.Fatalf("opts = %+v, want %+v", runner.lastOpts, want)
			}
			if len(lexicon.languages) != 1 || lexicon.languages[0] != tc.wantLang {
				t.Fatalf("lexicon refreshed with %v", lexicon.languages)
			}
		})
	}
}

func TestServiceSearchUsesCache(t *testing.T) {
	runner := newFakeRunner()
	runner.results[domain.IntentTitle] = []domain.MediaItem{{ID: 1, Title: "Heat"}}
	svc := NewService(runner, newTestLexicon())

	first, err := svc.Search(context.Background(), domain.SearchRequest{Query: "Heat"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if first.Cached {
		t.Fatal("first response should not be cached")
	}
	callsAfterFirst := runner.callCount()

	second, err := svc.Search(context.Background(), domain.SearchRequest{Query: "heat"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !second.Cached || runner.callCount() != callsAfterFirst {
		t.Fatalf("expected cache hit, cached=%v calls=%d", second.Cached, runner.callCount())
	}

	if _, err := svc.Search(context.Background(), domain.SearchRequest{Query: "heat", NoCache: true}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if runner.callCount() == callsAfterFirst {
		t.Fatal("expected nocache to bypass the cache")
	}
}

func TestServiceCacheHitEchoesCallerQuery(t *testing.T) {
	runner := newFakeRunner()
	runner.results[domain.IntentTitle] = []domain.MediaItem{{ID: 1, Title: "Heat"}}
	svc := NewService(runner, newTestLexicon())

	if _, err := svc.Search(context.Background(), domain.SearchRequest{Query: "heat"}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	resp, err := svc.Search(context.Background(), domain.SearchRequest{Query: "  HEAT "})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !resp.Cached {
		t.Fatal("expected the differently cased query to hit the cache")
	}
	if resp.Query != "HEAT" {
		t.Fatalf("query = %q, want the caller's own text", resp.Query)
	}
	if !reflect.DeepEqual(resp.Intents, []string{"title", "multi"}) {
		t.Fatalf("intents = %v", resp.Intents)
	}
}

func TestServiceDoesNotCachePartialResults(t *testing.T) {
	runner := newFakeRunner()
	runner.errs[domain.IntentTitle] = errors.New("flaky")
	svc := NewService(runner, newTestLexicon(), WithFanOutMode(FanOutIsolate))

	if _, err := svc.Search(context.Background(), domain.SearchRequest{Query: "heat"}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	second, err := svc.Search(context.Background(), domain.SearchRequest{Query: "heat"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if second.Cached {
		t.Fatal("partial response should not have been cached")
	}
}

func TestServiceExplain(t *testing.T) {
	runner := newFakeRunner()
	svc := NewService(runner, newTestLexicon())

	resp, err := svc.Explain(context.Background(), "director:Nolan", "en-gb", nil)
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if resp.Language != "en-GB" {
		t.Fatalf("language = %q", resp.Language)
	}
	if resp.Parsed.Power["director"] != "Nolan" {
		t.Fatalf("parsed = %+v", resp.Parsed)
	}
	if got := IntentLabels(resp.Intents); !reflect.DeepEqual(got, []string{"person", "title", "multi"}) {
		t.Fatalf("intents = %v", got)
	}
	if runner.callCount() != 0 {
		t.Fatal("explain must not run intents")
	}
}

func TestServiceIntentDiagnostics(t *testing.T) {
	runner := newFakeRunner()
	runner.errs[domain.IntentTitle] = errors.New("boom")
	runner.results[domain.IntentMulti] = []domain.MediaItem{{ID: 1, Title: "Heat"}}
	svc := NewService(runner, newTestLexicon(), WithCacheDisabled(true), WithFanOutMode(FanOutIsolate))

	if _, err := svc.Search(context.Background(), domain.SearchRequest{Query: "heat"}); err != nil {
		t.Fatalf("Search: %v", err)
	}

	diagnostics := svc.IntentDiagnostics()
	if len(diagnostics) != 2 {
		t.Fatalf("diagnostics = %+v", diagnostics)
	}
	multi, title := diagnostics[0], diagnostics[1]
	if multi.Intent != "multi" || multi.TotalRequests != 1 || multi.TotalFailures != 0 || multi.LastSuccessAt == nil {
		t.Fatalf("multi = %+v", multi)
	}
	if title.Intent != "title" || title.TotalFailures != 1 || title.LastError != "boom" || title.LastFailureAt == nil {
		t.Fatalf("title = %+v", title)
	}
	if title.LastQuery != "heat" {
		t.Fatalf("lastQuery = %q", title.LastQuery)
	}
}

func TestServiceGenres(t *testing.T) {
	lexicon := newTestLexicon()
	svc := NewService(newFakeRunner(), lexicon)

	snapshot, err := svc.Genres(context.Background(), "")
	if err != nil {
		t.Fatalf("Genres: %v", err)
	}
	if snapshot.Genres["horror"] != 27 {
		t.Fatalf("snapshot = %+v", snapshot)
	}

	lexicon.err = errors.New("down")
	if _, err := svc.Genres(context.Background(), ""); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestParseFanOutMode(t *testing.T) {
	for input, want := range map[string]FanOutMode{
		"":          FanOutFailFast,
		"fail-fast": FanOutFailFast,
		" Isolate ": FanOutIsolate,
	} {
		got, err := ParseFanOutMode(input)
		if err != nil || got != want {
			t.Fatalf("ParseFanOutMode(%q) = %q, %v", input, got, err)
		}
	}
	if _, err := ParseFanOutMode("best-effort"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
