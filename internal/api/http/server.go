package apihttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/cors"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"moviebrowse/searchservice/internal/domain"
	"moviebrowse/searchservice/internal/providers/tmdb"
	"moviebrowse/searchservice/internal/search"
)

type SearchService interface {
	Search(ctx context.Context, request domain.SearchRequest) (domain.SearchResponse, error)
	Explain(ctx context.Context, query, lang string, adult *bool) (domain.ExplainResponse, error)
	Genres(ctx context.Context, lang string) (domain.LexiconSnapshot, error)
	IntentDiagnostics() []domain.IntentDiagnostics
}

// UpstreamStatus reports whether the metadata provider is usable at all.
type UpstreamStatus interface {
	Enabled() bool
}

type Server struct {
	search      SearchService
	upstream    UpstreamStatus
	logger      *slog.Logger
	corsOrigins []string
	rateRPS     float64
	rateBurst   int
	images      *imageProxy
}

const maxQueryLength = 500

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithUpstream(upstream UpstreamStatus) ServerOption {
	return func(s *Server) {
		s.upstream = upstream
	}
}

// WithCORSOrigins enables CORS for the given browser origins.
func WithCORSOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.corsOrigins = origins
	}
}

func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		if rps > 0 && burst > 0 {
			s.rateRPS = rps
			s.rateBurst = burst
		}
	}
}

// WithImageBaseURL overrides where poster images are fetched from.
func WithImageBaseURL(baseURL string) ServerOption {
	return func(s *Server) {
		if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
			s.images = newImageProxy(baseURL)
		}
	}
}

func NewServer(searchService SearchService, options ...ServerOption) *Server {
	server := &Server{
		search:    searchService,
		logger:    slog.Default(),
		rateRPS:   50,
		rateBurst: 100,
		images:    newImageProxy(defaultImageBaseURL),
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	return server
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/search/explain", s.handleExplain)
	mux.HandleFunc("/search/genres", s.handleGenres)
	mux.HandleFunc("/search/intents/health", s.handleIntentsHealth)
	mux.HandleFunc("/search/image", s.handleImageProxy)
	mux.HandleFunc("/search", s.handleSearch)
	traced := otelhttp.NewHandler(accessLogMiddleware(s.logger, mux), "movie-search",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health"
		}),
	)
	var handler http.Handler = metricsMiddleware(traced)
	if len(s.corsOrigins) > 0 {
		handler = cors.Handler(cors.Options{
			AllowedOrigins: s.corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		})(handler)
	}
	return recoveryMiddleware(s.logger, rateLimitMiddleware(s.rateRPS, s.rateBurst, handler))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	}
	if s.upstream != nil {
		payload["upstreamEnabled"] = s.upstream.Enabled()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if !s.acceptGet(w, r, "/search") {
		return
	}

	query, ok := requireQuery(w, r)
	if !ok {
		return
	}
	adult, err := parseOptionalBool(r.URL.Query().Get("adult"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid adult flag")
		return
	}
	noCache, _ := parseOptionalBool(r.URL.Query().Get("nocache"))

	response, err := s.search.Search(r.Context(), domain.SearchRequest{
		Query:    query,
		Language: strings.TrimSpace(r.URL.Query().Get("lang")),
		Adult:    adult,
		NoCache:  noCache != nil && *noCache,
	})
	if err != nil {
		s.logger.Warn("search request failed",
			slog.String("query", truncate(query, 80)),
			slog.String("error", err.Error()),
		)
		writeServiceError(w, err)
		return
	}
	annotate(r.Context(),
		slog.Int("intents", len(response.Intents)),
		slog.Int("results", response.Count),
		slog.Bool("cached", response.Cached),
	)
	if len(response.FailedIntents) > 0 {
		annotate(r.Context(), slog.Int("failedIntents", len(response.FailedIntents)))
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	if !s.acceptGet(w, r, "/search/explain") {
		return
	}
	query, ok := requireQuery(w, r)
	if !ok {
		return
	}
	adult, err := parseOptionalBool(r.URL.Query().Get("adult"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid adult flag")
		return
	}

	response, err := s.search.Explain(r.Context(), query, strings.TrimSpace(r.URL.Query().Get("lang")), adult)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGenres(w http.ResponseWriter, r *http.Request) {
	if !s.acceptGet(w, r, "/search/genres") {
		return
	}
	snapshot, err := s.search.Genres(r.Context(), strings.TrimSpace(r.URL.Query().Get("lang")))
	if err != nil {
		s.logger.Warn("genre lexicon request failed", slog.String("error", err.Error()))
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleIntentsHealth(w http.ResponseWriter, r *http.Request) {
	if !s.acceptGet(w, r, "/search/intents/health") {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": s.search.IntentDiagnostics(),
	})
}

func (s *Server) acceptGet(w http.ResponseWriter, r *http.Request, path string) bool {
	if r.URL.Path != path {
		http.NotFound(w, r)
		return false
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return false
	}
	return true
}

func requireQuery(w http.ResponseWriter, r *http.Request) (string, bool) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "query is required")
		return "", false
	}
	if len(query) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "invalid_request", "query too long (max 500 characters)")
		return "", false
	}
	return query, true
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, search.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, tmdb.ErrDisabled), errors.Is(err, search.ErrNoUpstream):
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "metadata provider is not configured")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "upstream_timeout", "metadata provider timed out")
	case errors.Is(err, search.ErrUpstream):
		writeError(w, http.StatusBadGateway, "upstream_error", "metadata provider request failed")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

// parseOptionalBool returns nil for an absent value.
func parseOptionalBool(raw string) (*bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return nil, nil
	case "1", "true", "yes", "on":
		value := true
		return &value, nil
	case "0", "false", "no", "off":
		value := false
		return &value, nil
	default:
		return nil, fmt.Errorf("invalid boolean %q", raw)
	}
}
