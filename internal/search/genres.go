package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"moviebrowse/searchservice/internal/domain"
	"moviebrowse/searchservice/internal/metrics"
)

const (
	defaultGenreTTL       = 24 * time.Hour
	lexiconRefreshTimeout = 30 * time.Second
)

// GenreSource fetches the provider's genre taxonomies.
type GenreSource interface {
	MovieGenres(ctx context.Context, language string) ([]domain.Genre, error)
	TVGenres(ctx context.Context, language string) ([]domain.Genre, error)
}

// GenreLookup resolves a genre name or alias to a provider id.
type GenreLookup interface {
	ID(term string) (int, bool)
}

// genreAliases map an alias to the canonical lexicon name it stands for.
// An alias is only installed when its canonical name resolved.
var genreAliases = map[string]string{
	"scifi":          "science fiction",
	"sci-fi":         "science fiction",
	"sf":             "science fiction",
	"scary":          "horror",
	"animated":       "animation",
	"cartoon":        "animation",
	"doc":            "documentary",
	"docs":           "documentary",
	"romcom":         "romance",
	"rom-com":        "romance",
	"thriller movie": "thriller",
}

type lexiconState struct {
	ids         map[string]int
	language    string
	refreshedAt time.Time
}

// GenreLexicon caches the genre name → id mapping. Readers always see one
// complete mapping; a refresh swaps the whole state at once.
type GenreLexicon struct {
	source GenreSource
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
	state  atomic.Pointer[lexiconState]
	group  singleflight.Group
}

type LexiconOption func(*GenreLexicon)

func WithGenreTTL(ttl time.Duration) LexiconOption {
	return func(l *GenreLexicon) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

func WithLexiconClock(now func() time.Time) LexiconOption {
	return func(l *GenreLexicon) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLexiconLogger(logger *slog.Logger) LexiconOption {
	return func(l *GenreLexicon) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func NewGenreLexicon(source GenreSource, opts ...LexiconOption) *GenreLexicon {
	lexicon := &GenreLexicon{
		source: source,
		ttl:    defaultGenreTTL,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(lexicon)
	}
	return lexicon
}

// EnsureFresh refreshes the mapping unless the last successful refresh is
// within the TTL. On failure the previous mapping stays in place and the
// next call retries.
func (l *GenreLexicon) EnsureFresh(ctx context.Context, language string) error {
	if l.isFresh() {
		return nil
	}
	// The shared refresh outlives any single caller; each caller only stops
	// waiting when its own context ends.
	result := l.group.DoChan("refresh", func() (any, error) {
		if l.isFresh() {
			return nil, nil
		}
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lexiconRefreshTimeout)
		defer cancel()
		return nil, l.refresh(refreshCtx, language)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-result:
		return res.Err
	}
}

func (l *GenreLexicon) isFresh() bool {
	current := l.state.Load()
	if current == nil {
		return false
	}
	return l.now().Sub(current.refreshedAt) <= l.ttl
}

func (l *GenreLexicon) refresh(ctx context.Context, language string) error {
	var movie, tv []domain.Genre
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		movie, err = l.source.MovieGenres(groupCtx, language)
		return err
	})
	group.Go(func() error {
		var err error
		tv, err = l.source.TVGenres(groupCtx, language)
		return err
	})
	if err := group.Wait(); err != nil {
		metrics.GenreLexiconRefreshTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("refresh genre lexicon: %w", err)
	}

	ids := make(map[string]int, len(movie)+len(tv)+len(genreAliases))
	for _, list := range [][]domain.Genre{movie, tv} {
		for _, genre := range list {
			ids[strings.ToLower(genre.Name)] = genre.ID
		}
	}
	for alias, canonical := range genreAliases {
		if id, ok := ids[canonical]; ok {
			ids[alias] = id
		}
	}

	l.state.Store(&lexiconState{
		ids:         ids,
		language:    language,
		refreshedAt: l.now(),
	})
	metrics.GenreLexiconRefreshTotal.WithLabelValues("ok").Inc()
	metrics.GenreLexiconSize.Set(float64(len(ids)))
	l.logger.Info("genre lexicon refreshed",
		slog.String("language", language),
		slog.Int("movieGenres", len(movie)),
		slog.Int("tvGenres", len(tv)),
		slog.Int("entries", len(ids)),
	)
	return nil
}

func (l *GenreLexicon) Has(term string) bool {
	_, ok := l.ID(term)
	return ok
}

func (l *GenreLexicon) ID(term string) (int, bool) {
	current := l.state.Load()
	if current == nil {
		return 0, false
	}
	id, ok := current.ids[strings.ToLower(term)]
	return id, ok
}

func (l *GenreLexicon) Snapshot() domain.LexiconSnapshot {
	current := l.state.Load()
	if current == nil {
		return domain.LexiconSnapshot{Genres: map[string]int{}}
	}
	genres := make(map[string]int, len(current.ids))
	for name, id := range current.ids {
		genres[name] = id
	}
	refreshedAt := current.refreshedAt
	return domain.LexiconSnapshot{
		Language:    current.language,
		RefreshedAt: &refreshedAt,
		Genres:      genres,
	}
}

// StartBackground keeps the lexicon warm so request paths rarely pay for a refresh.
func (l *GenreLexicon) StartBackground(ctx context.Context, language string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		l.warm(ctx, language)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.warm(ctx, language)
			}
		}
	}()
}

func (l *GenreLexicon) warm(ctx context.Context, language string) {
	refreshCtx, cancel := context.WithTimeout(ctx, lexiconRefreshTimeout)
	defer cancel()
	if err := l.EnsureFresh(refreshCtx, language); err != nil {
		l.logger.Warn("genre lexicon warm-up failed",
			slog.String("language", language),
			slog.String("error", err.Error()),
		)
	}
}
