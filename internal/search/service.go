package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"

	"moviebrowse/searchservice/internal/domain"
)

const (
	defaultLanguage      = "en-US"
	defaultSearchTimeout = 15 * time.Second
)

var (
	ErrInvalidQuery = errors.New("query is required")
	ErrNoUpstream   = errors.New("no upstream provider configured")
	// ErrUpstream marks failures caused by the metadata provider rather than the request.
	ErrUpstream = errors.New("upstream provider failure")
)

// FanOutMode decides what one failing intent does to the whole search.
type FanOutMode string

const (
	// FanOutFailFast fails the search on the first failing intent and cancels the rest.
	FanOutFailFast FanOutMode = "fail-fast"
	// FanOutIsolate turns a failing intent into an empty batch and reports it.
	FanOutIsolate FanOutMode = "isolate"
)

func ParseFanOutMode(value string) (FanOutMode, error) {
	switch FanOutMode(strings.ToLower(strings.TrimSpace(value))) {
	case "", FanOutFailFast:
		return FanOutFailFast, nil
	case FanOutIsolate:
		return FanOutIsolate, nil
	default:
		return "", fmt.Errorf("unknown fan-out mode %q", value)
	}
}

// IntentRunner executes a single intent against the upstream provider.
type IntentRunner interface {
	Run(ctx context.Context, intent domain.Intent, opts domain.CallOptions) (domain.Batch, error)
}

// Lexicon is the genre lexicon as the service uses it.
type Lexicon interface {
	GenreLookup
	EnsureFresh(ctx context.Context, language string) error
	Snapshot() domain.LexiconSnapshot
}

type Service struct {
	runner        IntentRunner
	lexicon       Lexicon
	language      string
	includeAdult  bool
	fanOut        FanOutMode
	timeout       time.Duration
	cacheDisabled bool
	cache         *responseCache
	logger        *slog.Logger
	healthMu      sync.Mutex
	health        map[domain.IntentKind]*intentHealth
}

type ServiceOption func(*Service)

// WithDefaults sets the process-level language and adult flag used when a
// request does not override them.
func WithDefaults(lang string, includeAdult bool) ServiceOption {
	return func(s *Service) {
		if lang = strings.TrimSpace(lang); lang != "" {
			s.language = canonicalLanguage(lang)
		}
		s.includeAdult = includeAdult
	}
}

func WithFanOutMode(mode FanOutMode) ServiceOption {
	return func(s *Service) {
		if mode != "" {
			s.fanOut = mode
		}
	}
}

func WithTimeout(timeout time.Duration) ServiceOption {
	return func(s *Service) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

func WithRedisCache(backend *RedisCacheBackend) ServiceOption {
	return func(s *Service) {
		s.cache.redis = backend
	}
}

func WithCacheTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.cache.ttl = ttl
			s.cache.staleTTL = ttl * 3
		}
	}
}

func WithCacheDisabled(disabled bool) ServiceOption {
	return func(s *Service) {
		s.cacheDisabled = disabled
	}
}

func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(runner IntentRunner, lexicon Lexicon, opts ...ServiceOption) *Service {
	svc := &Service{
		runner:   runner,
		lexicon:  lexicon,
		language: defaultLanguage,
		fanOut:   FanOutFailFast,
		timeout:  defaultSearchTimeout,
		cache:    newResponseCache(),
		logger:   slog.Default(),
		health:   make(map[domain.IntentKind]*intentHealth),
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.cache.logger = svc.logger
	return svc
}

type searchPlan struct {
	query   string
	parsed  domain.ParsedQuery
	opts    domain.CallOptions
	intents []domain.Intent
}

func (s *Service) Search(ctx context.Context, request domain.SearchRequest) (domain.SearchResponse, error) {
	startedAt := time.Now()
	plan, err := s.plan(ctx, request.Query, request.Language, request.Adult)
	if err != nil {
		return domain.SearchResponse{}, err
	}

	if s.cacheDisabled || request.NoCache {
		return s.execute(ctx, plan, startedAt)
	}

	cacheKey := buildSearchCacheKey(plan.query, plan.opts)
	if cached, ok, needsRefresh := s.cache.lookup(ctx, cacheKey, startedAt); ok {
		if needsRefresh {
			s.refreshCacheAsync(cacheKey, plan)
		}
		// The key folds case; echo this caller's query, not the one that filled it.
		cached.Query = plan.query
		cached.Intents = IntentLabels(plan.intents)
		cached.Cached = true
		cached.ElapsedMS = time.Since(startedAt).Milliseconds()
		return cached, nil
	}

	response, err := s.execute(ctx, plan, startedAt)
	if err != nil {
		return domain.SearchResponse{}, err
	}
	// Partial answers are not cached so a recovered intent shows up on the next request.
	if len(response.FailedIntents) == 0 {
		s.cache.store(ctx, cacheKey, response, time.Now())
	}
	return response, nil
}

// Explain parses and resolves a query without running any intent.
func (s *Service) Explain(ctx context.Context, query, lang string, adult *bool) (domain.ExplainResponse, error) {
	plan, err := s.plan(ctx, query, lang, adult)
	if err != nil {
		return domain.ExplainResponse{}, err
	}
	return domain.ExplainResponse{
		Query:    plan.query,
		Language: plan.opts.Language,
		Adult:    plan.opts.IncludeAdult,
		Parsed:   plan.parsed,
		Intents:  plan.intents,
	}, nil
}

// Genres refreshes the lexicon if needed and returns a copy of it.
func (s *Service) Genres(ctx context.Context, lang string) (domain.LexiconSnapshot, error) {
	if s.lexicon == nil {
		return domain.LexiconSnapshot{Genres: map[string]int{}}, nil
	}
	lang = s.resolveLanguage("", lang)
	if err := s.lexicon.EnsureFresh(ctx, lang); err != nil {
		return domain.LexiconSnapshot{}, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	return s.lexicon.Snapshot(), nil
}

func (s *Service) plan(ctx context.Context, query, lang string, adult *bool) (searchPlan, error) {
	normalized := strings.TrimSpace(query)
	if normalized == "" {
		return searchPlan{}, ErrInvalidQuery
	}

	parsed := Parse(normalized)
	opts := domain.CallOptions{
		Language:     s.resolveLanguage(parsed.Lang, lang),
		IncludeAdult: s.resolveAdult(parsed.Adult, adult),
	}

	if s.lexicon != nil {
		if err := s.lexicon.EnsureFresh(ctx, opts.Language); err != nil {
			if s.fanOut != FanOutIsolate {
				return searchPlan{}, fmt.Errorf("%w: %w", ErrUpstream, err)
			}
			s.logger.Warn("genre lexicon unavailable, resolving without fresh genres",
				slog.String("query", normalized),
				slog.String("error", err.Error()),
			)
		}
	}

	var lookup GenreLookup
	if s.lexicon != nil {
		lookup = s.lexicon
	}
	return searchPlan{
		query:   normalized,
		parsed:  parsed,
		opts:    opts,
		intents: DecideIntents(parsed, lookup),
	}, nil
}

func (s *Service) execute(ctx context.Context, plan searchPlan, startedAt time.Time) (domain.SearchResponse, error) {
	runCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	batches, failures, err := s.fanOutIntents(runCtx, plan)
	if err != nil {
		s.logger.Warn("search failed",
			slog.String("query", plan.query),
			slog.String("error", err.Error()),
		)
		return domain.SearchResponse{}, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	results := MergeAndRank(batches, plan.query)
	response := domain.SearchResponse{
		Query:         plan.query,
		Intents:       IntentLabels(plan.intents),
		Count:         len(results),
		Facets:        BuildFacets(results),
		Results:       results,
		ElapsedMS:     time.Since(startedAt).Milliseconds(),
		FailedIntents: failures,
	}
	s.logger.Debug("search completed",
		slog.String("query", plan.query),
		slog.Any("intents", response.Intents),
		slog.Int("count", response.Count),
		slog.Int("failedIntents", len(failures)),
		slog.Int64("elapsedMs", response.ElapsedMS),
	)
	return response, nil
}

func (s *Service) fanOutIntents(ctx context.Context, plan searchPlan) ([]domain.Batch, []domain.IntentFailure, error) {
	batches := make([]domain.Batch, len(plan.intents))

	if s.fanOut == FanOutIsolate {
		errs := make([]error, len(plan.intents))
		var group errgroup.Group
		for i, intent := range plan.intents {
			group.Go(func() error {
				batch, err := s.runIntent(ctx, plan.query, intent, plan.opts)
				if err != nil {
					errs[i] = err
					batch = domain.Batch{Intent: intent.Kind}
				}
				batches[i] = batch
				return nil
			})
		}
		_ = group.Wait()

		var failures []domain.IntentFailure
		for i, err := range errs {
			if err == nil {
				continue
			}
			failures = append(failures, domain.IntentFailure{
				Intent: plan.intents[i].Label(),
				Error:  err.Error(),
			})
		}
		return batches, failures, nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for i, intent := range plan.intents {
		group.Go(func() error {
			batch, err := s.runIntent(groupCtx, plan.query, intent, plan.opts)
			if err != nil {
				return err
			}
			batches[i] = batch
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}
	return batches, nil, nil
}

func (s *Service) runIntent(ctx context.Context, query string, intent domain.Intent, opts domain.CallOptions) (domain.Batch, error) {
	if s.runner == nil {
		return domain.Batch{Intent: intent.Kind}, ErrNoUpstream
	}
	startedAt := time.Now()
	batch, err := s.runner.Run(ctx, intent, opts)
	s.recordIntentResult(intent.Kind, query, len(batch.Results), err, time.Since(startedAt), time.Now())
	return batch, err
}

func (s *Service) refreshCacheAsync(cacheKey string, plan searchPlan) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout+2*time.Second)
		defer cancel()
		response, err := s.execute(ctx, plan, time.Now())
		if err != nil || len(response.FailedIntents) > 0 {
			return
		}
		s.cache.store(ctx, cacheKey, response, time.Now())
	}()
}

// resolveLanguage picks the inline lang: hint, then the request parameter,
// then the configured default.
func (s *Service) resolveLanguage(inline, requested string) string {
	for _, candidate := range []string{inline, requested, s.language} {
		if candidate = strings.TrimSpace(candidate); candidate != "" {
			return canonicalLanguage(candidate)
		}
	}
	return defaultLanguage
}

func (s *Service) resolveAdult(inline, requested *bool) bool {
	if inline != nil {
		return *inline
	}
	if requested != nil {
		return *requested
	}
	return s.includeAdult
}

// canonicalLanguage restores BCP 47 casing ("en-us" → "en-US"). Values that
// do not parse are passed through unchanged.
func canonicalLanguage(value string) string {
	tag, err := language.Parse(value)
	if err != nil {
		return value
	}
	return tag.String()
}
