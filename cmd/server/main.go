package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	apihttp "moviebrowse/searchservice/internal/api/http"
	"moviebrowse/searchservice/internal/app"
	"moviebrowse/searchservice/internal/metrics"
	"moviebrowse/searchservice/internal/providers/tmdb"
	"moviebrowse/searchservice/internal/search"
	"moviebrowse/searchservice/internal/telemetry"
)

const serviceName = "movie-search"

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Error("configuration error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), serviceName, logger)
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", serviceName),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("language", cfg.TMDB.Language),
		slog.Bool("includeAdult", cfg.TMDB.IncludeAdult),
		slog.Duration("searchTimeout", cfg.Search.Timeout()),
		slog.String("fanOutMode", string(cfg.FanOut())),
		slog.Bool("hasRedis", cfg.RedisURL != ""),
		slog.Bool("hasTMDBKey", cfg.TMDB.APIKey != ""),
		slog.Bool("cacheDisabled", cfg.Search.CacheDisabled),
		slog.Duration("cacheTTL", cfg.Search.CacheTTL()),
		slog.Int("corsOrigins", len(cfg.CORSOrigins)),
	)

	redisClient := connectRedis(cfg.RedisURL, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	tmdbClient := tmdb.NewClient(tmdb.Config{
		APIKey:            cfg.TMDB.APIKey,
		BaseURL:           cfg.TMDB.BaseURL,
		Timeout:           cfg.TMDB.Timeout(),
		Redis:             redisClient,
		CacheTTL:          cfg.TMDB.CacheTTL(),
		RequestsPerSecond: cfg.TMDB.RateLimitRPS,
		Retry:             retryConfig(cfg.TMDB.RetryAttempts),
		Logger:            logger,
	})
	if !tmdbClient.Enabled() {
		logger.Warn("tmdb api key not configured, searches will fail with 503")
	}

	lexicon := search.NewGenreLexicon(tmdbClient,
		search.WithGenreTTL(cfg.Genres.TTL()),
		search.WithLexiconLogger(logger),
	)
	searchService := search.NewService(search.NewExecutor(tmdbClient), lexicon,
		buildServiceOptions(cfg, redisClient, logger)...,
	)

	handler := apihttp.NewServer(searchService,
		apihttp.WithLogger(logger),
		apihttp.WithUpstream(tmdbClient),
		apihttp.WithCORSOrigins(cfg.CORSOrigins),
		apihttp.WithImageBaseURL(cfg.TMDB.ImageBaseURL),
	).Handler()
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.Search.Timeout() + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if tmdbClient.Enabled() {
		lexicon.StartBackground(rootCtx, cfg.TMDB.Language, cfg.Genres.RefreshInterval())
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("movie search service started",
		slog.String("addr", cfg.HTTPAddr),
		slog.Duration("timeout", cfg.Search.Timeout()),
	)

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("movie search service stopped")
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// connectRedis returns nil when Redis is not configured or unreachable; both
// caches then stay in memory.
func connectRedis(rawURL string, logger *slog.Logger) *redis.Client {
	if rawURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		logger.Warn("invalid redis url, using in-memory cache only", slog.String("error", err.Error()))
		return nil
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable, using in-memory cache only", slog.String("error", err.Error()))
		_ = client.Close()
		return nil
	}
	logger.Info("redis connected", slog.String("addr", opts.Addr))
	return client
}

// retryConfig keeps the default backoff and only overrides the attempt count.
func retryConfig(attempts int) *tmdb.RetryConfig {
	retry := tmdb.DefaultRetryConfig()
	retry.MaxAttempts = attempts
	return &retry
}

func buildServiceOptions(cfg app.Config, redisClient *redis.Client, logger *slog.Logger) []search.ServiceOption {
	opts := []search.ServiceOption{
		search.WithLogger(logger),
		search.WithDefaults(cfg.TMDB.Language, cfg.TMDB.IncludeAdult),
		search.WithFanOutMode(cfg.FanOut()),
		search.WithTimeout(cfg.Search.Timeout()),
	}
	if cfg.Search.CacheDisabled {
		return append(opts, search.WithCacheDisabled(true))
	}
	if ttl := cfg.Search.CacheTTL(); ttl > 0 {
		opts = append(opts, search.WithCacheTTL(ttl))
	}
	if redisClient != nil {
		opts = append(opts, search.WithRedisCache(search.NewRedisCacheBackend(redisClient)))
	}
	return opts
}
