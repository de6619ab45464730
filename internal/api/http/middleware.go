package apihttp

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"moviebrowse/searchservice/internal/metrics"
)

const (
	routeOther      = "/other"
	maxLoggedSearch = 80
)

var knownRoutes = map[string]struct{}{
	"/health":                {},
	"/metrics":               {},
	"/search":                {},
	"/search/explain":        {},
	"/search/genres":         {},
	"/search/intents/health": {},
	"/search/image":          {},
}

// statusRecorder captures the status and body size written by a handler.
// Unwrap lets http.ResponseController reach the underlying writer.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	size        int
	wroteHeader bool
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// accessNote collects attributes handlers learn while serving a request
// (intent count, cache hit) so the access log line can carry them.
type accessNote struct {
	mu    sync.Mutex
	attrs []slog.Attr
}

type accessNoteKey struct{}

// annotate is a no-op outside the access log middleware.
func annotate(ctx context.Context, attrs ...slog.Attr) {
	note, ok := ctx.Value(accessNoteKey{}).(*accessNote)
	if !ok {
		return
	}
	note.mu.Lock()
	note.attrs = append(note.attrs, attrs...)
	note.mu.Unlock()
}

func (n *accessNote) snapshot() []slog.Attr {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]slog.Attr(nil), n.attrs...)
}

// accessLogMiddleware writes one line per request. Search routes log the
// user's text (shortened) instead of the whole raw query string.
func accessLogMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		note := &accessNote{}
		rw := newStatusRecorder(w)
		next.ServeHTTP(rw, r.WithContext(context.WithValue(r.Context(), accessNoteKey{}, note)))

		route := normalizeRoute(r.URL.Path)
		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", rw.status),
			slog.Int("bytes", rw.size),
			slog.Int64("durationMs", time.Since(start).Milliseconds()),
			slog.String("clientIP", clientIP(r)),
		}
		attrs = append(attrs, requestAttrs(route, r)...)
		attrs = append(attrs, note.snapshot()...)
		if spanCtx := trace.SpanContextFromContext(r.Context()); spanCtx.HasTraceID() {
			attrs = append(attrs, slog.String("traceId", spanCtx.TraceID().String()))
		}
		logger.LogAttrs(r.Context(), accessLogLevel(route, rw.status), "http request", attrs...)
	})
}

func requestAttrs(route string, r *http.Request) []slog.Attr {
	values := r.URL.Query()
	var attrs []slog.Attr
	switch route {
	case "/search", "/search/explain":
		if q := strings.TrimSpace(values.Get("q")); q != "" {
			attrs = append(attrs, slog.String("q", truncate(q, maxLoggedSearch)))
		}
		if lang := strings.TrimSpace(values.Get("lang")); lang != "" {
			attrs = append(attrs, slog.String("lang", lang))
		}
	case "/search/image":
		attrs = append(attrs, slog.String("image", truncate(values.Get("path"), maxLoggedSearch)))
	}
	return attrs
}

func accessLogLevel(route string, status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	case route == "/health" || route == "/metrics" || route == "/search/image":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// recoveryMiddleware turns a handler panic into a 500, unless the handler
// already started its response.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := newStatusRecorder(w)
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			if recovered == http.ErrAbortHandler {
				panic(recovered)
			}
			logger.Error("panic recovered",
				slog.Any("error", recovered),
				slog.String("method", r.Method),
				slog.String("route", normalizeRoute(r.URL.Path)),
				slog.Bool("headersSent", rw.wroteHeader),
				slog.String("stack", string(debug.Stack())),
			)
			if !rw.wroteHeader {
				writeError(rw, http.StatusInternalServerError, "internal_error", "internal server error")
			}
		}()
		next.ServeHTTP(rw, r)
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rw := newStatusRecorder(w)
		next.ServeHTTP(rw, r)
		route := normalizeRoute(r.URL.Path)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// normalizeRoute bounds metric label cardinality to the served routes.
func normalizeRoute(path string) string {
	if _, ok := knownRoutes[path]; ok {
		return path
	}
	return routeOther
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr)); err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

func truncate(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	if limit <= 3 {
		return value[:limit]
	}
	return value[:limit-3] + "..."
}

// rateLimitMiddleware shares one token bucket across the search routes.
// Health and metrics scrapes are never limited. Rejections are counted per
// route and tell the client when the next token is due.
func rateLimitMiddleware(rps float64, burst int, next http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := normalizeRoute(r.URL.Path)
		if route == "/health" || route == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		reservation := limiter.Reserve()
		if delay := reservation.Delay(); !reservation.OK() || delay > 0 {
			reservation.Cancel()
			metrics.RateLimitedTotal.WithLabelValues(route).Inc()
			w.Header().Set("Retry-After", retryAfterSeconds(delay))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// retryAfterSeconds rounds up to whole seconds, at least 1.
func retryAfterSeconds(delay time.Duration) string {
	seconds := int64(math.Ceil(delay.Seconds()))
	if seconds < 1 || delay == rate.InfDuration {
		seconds = 1
	}
	return strconv.FormatInt(seconds, 10)
}
