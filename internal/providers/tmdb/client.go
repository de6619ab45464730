package tmdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"moviebrowse/searchservice/internal/metrics"
)

const (
	defaultBaseURL   = "https://api.themoviedb.org/3"
	defaultCacheTTL  = 6 * time.Hour
	defaultRPS       = 35
	defaultBurst     = 10
	redisCacheKey    = "moviesearch:tmdb:"
	maxResponseBytes = 2 << 20
)

var ErrDisabled = errors.New("tmdb api key is not configured")

// StatusError is returned when the provider answers with a non-2xx status.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("tmdb %s: HTTP %d", e.Path, e.StatusCode)
	}
	return fmt.Sprintf("tmdb %s: HTTP %d: %s", e.Path, e.StatusCode, e.Body)
}

// Params are query parameters for Call. Empty values are not sent.
type Params map[string]string

type Client struct {
	apiKey   string
	baseURL  string
	http     *http.Client
	redis    *redis.Client
	cacheTTL time.Duration
	limiter  *rate.Limiter
	retry    RetryConfig
	breaker  *gobreaker.CircuitBreaker[[]byte]
	logger   *slog.Logger
}

type Config struct {
	APIKey            string
	BaseURL           string
	Client            *http.Client
	Timeout           time.Duration
	Redis             *redis.Client
	CacheTTL          time.Duration
	RequestsPerSecond float64
	Burst             int
	Retry             *RetryConfig
	Logger            *slog.Logger
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRPS
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	retry := DefaultRetryConfig()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := &Client{
		apiKey:   strings.TrimSpace(cfg.APIKey),
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     httpClient,
		redis:    cfg.Redis,
		cacheTTL: cacheTTL,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		retry:    retry,
		logger:   logger,
	}
	client.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "tmdb",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		// 4xx answers are caller mistakes, not an unhealthy provider.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var statusErr *StatusError
			if errors.As(err, &statusErr) {
				return statusErr.StatusCode < 500 && statusErr.StatusCode != http.StatusTooManyRequests
			}
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("tmdb circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			metrics.UpstreamBreakerState.Set(float64(to))
		},
	})
	return client
}

func (c *Client) Enabled() bool {
	return c.apiKey != ""
}

// Call performs a GET against path with the API key appended and returns the raw body.
func (c *Client) Call(ctx context.Context, path string, params Params) ([]byte, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	query := encodeParams(params)
	endpoint := endpointLabel(path)

	cacheKey := redisCacheKey + path + "?" + query.Encode()
	if c.redis != nil {
		data, err := c.redis.Get(ctx, cacheKey).Bytes()
		if err == nil {
			metrics.UpstreamRequestsTotal.WithLabelValues(endpoint, "cached").Inc()
			return data, nil
		}
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug("tmdb cache read failed", slog.String("path", path), slog.String("error", err.Error()))
		}
	}

	startedAt := time.Now()
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return retryWithBackoff(ctx, c.retry, func() ([]byte, error) {
			return c.do(ctx, path, query)
		})
	})
	metrics.UpstreamRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startedAt).Seconds())
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues(endpoint, outcomeLabel(err)).Inc()
		return nil, err
	}
	metrics.UpstreamRequestsTotal.WithLabelValues(endpoint, "ok").Inc()

	if c.redis != nil {
		if err := c.redis.Set(ctx, cacheKey, body, c.cacheTTL).Err(); err != nil {
			c.logger.Debug("tmdb cache write failed", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("tmdb rate limit wait: %w", err)
	}

	signed := make(url.Values, len(query)+1)
	for key, values := range query {
		signed[key] = values
	}
	signed.Set("api_key", c.apiKey)

	reqURL := c.baseURL + path + "?" + signed.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build tmdb request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tmdb %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read tmdb %s: %w", path, err)
	}
	return body, nil
}

func encodeParams(params Params) url.Values {
	values := make(url.Values, len(params))
	for key, value := range params {
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		values.Set(key, value)
	}
	return values
}

// endpointLabel collapses numeric path segments so metric cardinality stays bounded.
func endpointLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		numeric := true
		for _, r := range part {
			if r < '0' || r > '9' {
				numeric = false
				break
			}
		}
		if numeric {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func outcomeLabel(err error) string {
	var statusErr *StatusError
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &statusErr):
		return fmt.Sprintf("http_%d", statusErr.StatusCode)
	default:
		return "error"
	}
}
