package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"moviebrowse/searchservice/internal/metrics"
)

// syncBuffer lets the JSON log handler and the test read the same buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// records returns every JSON log line whose msg matches.
func (b *syncBuffer) records(t *testing.T, msg string) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		if record["msg"] == msg {
			out = append(out, record)
		}
	}
	return out
}

func newCapturingLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func counterValue(t *testing.T, route string) float64 {
	t.Helper()
	var m dto.Metric
	if err := metrics.RateLimitedTotal.WithLabelValues(route).Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

// ---------- access log tests ----------

func TestAccessLog_SearchLogsQueryAndIntentCount(t *testing.T) {
	logger, logs := newCapturingLogger()
	handler := NewServer(&fakeSearchService{}, WithLogger(logger)).Handler()

	req := httptest.NewRequest(http.MethodGet, "/search?q=heat&lang=fr-FR&adult=false", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	records := logs.records(t, "http request")
	if len(records) != 1 {
		t.Fatalf("expected one access log line, got %d", len(records))
	}
	entry := records[0]
	if entry["route"] != "/search" || entry["q"] != "heat" || entry["lang"] != "fr-FR" {
		t.Fatalf("unexpected access log entry: %v", entry)
	}
	if entry["intents"] != float64(2) || entry["results"] != float64(1) || entry["cached"] != false {
		t.Fatalf("handler annotations missing: %v", entry)
	}
	if entry["clientIP"] != "203.0.113.7" {
		t.Fatalf("clientIP = %v", entry["clientIP"])
	}
	if _, ok := entry["query"]; ok {
		t.Fatalf("raw query string should not be logged: %v", entry)
	}
	if entry["level"] != "INFO" {
		t.Fatalf("level = %v", entry["level"])
	}
}

func TestAccessLog_TruncatesLongSearchText(t *testing.T) {
	logger, logs := newCapturingLogger()
	handler := NewServer(&fakeSearchService{}, WithLogger(logger)).Handler()

	long := strings.Repeat("a", 300)
	req := httptest.NewRequest(http.MethodGet, "/search?q="+long, nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	records := logs.records(t, "http request")
	if len(records) != 1 {
		t.Fatalf("expected one access log line, got %d", len(records))
	}
	q, _ := records[0]["q"].(string)
	if len(q) != maxLoggedSearch || !strings.HasSuffix(q, "...") {
		t.Fatalf("q = %q, want truncated to %d", q, maxLoggedSearch)
	}
}

func TestAccessLog_ClientErrorsLogAtWarn(t *testing.T) {
	logger, logs := newCapturingLogger()
	handler := NewServer(&fakeSearchService{}, WithLogger(logger)).Handler()

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/search", nil))

	records := logs.records(t, "http request")
	if len(records) != 1 || records[0]["level"] != "WARN" || records[0]["status"] != float64(400) {
		t.Fatalf("unexpected records: %v", records)
	}
	if _, ok := records[0]["intents"]; ok {
		t.Fatal("rejected requests carry no intent count")
	}
}

func TestAnnotate_NoopWithoutMiddleware(t *testing.T) {
	annotate(context.Background(), slog.Int("intents", 3))
}

// ---------- recovery tests ----------

func TestRecoveryMiddleware_ReturnsInternalError(t *testing.T) {
	logger, logs := newCapturingLogger()
	handler := recoveryMiddleware(logger, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/search?q=heat", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != "internal_error" {
		t.Fatalf("code = %q", code)
	}
	records := logs.records(t, "panic recovered")
	if len(records) != 1 || records[0]["route"] != "/search" || records[0]["headersSent"] != false {
		t.Fatalf("unexpected panic log: %v", records)
	}
}

func TestRecoveryMiddleware_KeepsStartedResponse(t *testing.T) {
	logger, _ := newCapturingLogger()
	handler := recoveryMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"partial":true}`))
		panic("late")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/search", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want the handler's own", rec.Code)
	}
	if body := rec.Body.String(); body != `{"partial":true}` {
		t.Fatalf("error payload appended to a started response: %s", body)
	}
}

// ---------- rate limit tests ----------

func TestRateLimit_RejectsBurstPerRoute(t *testing.T) {
	handler := NewServer(&fakeSearchService{}, WithRateLimit(0.001, 2)).Handler()
	explainBefore := counterValue(t, "/search/explain")
	searchBefore := counterValue(t, "/search")

	var last *httptest.ResponseRecorder
	for _, target := range []string{"/search?q=heat", "/search?q=heat", "/search/explain?q=heat"} {
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, httptest.NewRequest(http.MethodGet, target, nil))
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", last.Code)
	}
	if code := decodeErrorCode(t, last); code != "rate_limited" {
		t.Fatalf("code = %q", code)
	}
	retryAfter, err := strconv.Atoi(last.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 {
		t.Fatalf("Retry-After = %q", last.Header().Get("Retry-After"))
	}
	if got := counterValue(t, "/search/explain") - explainBefore; got != 1 {
		t.Fatalf("explain rejections = %v, want 1", got)
	}
	if got := counterValue(t, "/search") - searchBefore; got != 0 {
		t.Fatalf("search rejections = %v, want 0", got)
	}
}

func TestRateLimit_HealthIsNeverLimited(t *testing.T) {
	handler := NewServer(&fakeSearchService{}, WithRateLimit(0.001, 1)).Handler()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/search?q=heat", nil))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("health request %d got %d", i, rec.Code)
		}
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	cases := map[time.Duration]string{
		0:                       "1",
		300 * time.Millisecond:  "1",
		1500 * time.Millisecond: "2",
		40 * time.Second:        "40",
	}
	for delay, want := range cases {
		if got := retryAfterSeconds(delay); got != want {
			t.Fatalf("retryAfterSeconds(%v) = %q, want %q", delay, got, want)
		}
	}
}

// ---------- route normalization tests ----------

func TestNormalizeRoute(t *testing.T) {
	cases := map[string]string{
		"/search":                "/search",
		"/search/explain":        "/search/explain",
		"/search/genres":         "/search/genres",
		"/search/intents/health": "/search/intents/health",
		"/search/image":          "/search/image",
		"/health":                "/health",
		"/metrics":               "/metrics",
		"/search/":               "/other",
		"/random/path":           "/other",
	}
	for path, want := range cases {
		if got := normalizeRoute(path); got != want {
			t.Fatalf("normalizeRoute(%q) = %q, want %q", path, got, want)
		}
	}
}
