package search

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"moviebrowse/searchservice/internal/domain"
	"moviebrowse/searchservice/internal/metrics"
)

type intentHealth struct {
	lastError     string
	lastSuccessAt time.Time
	lastFailureAt time.Time
	lastLatency   time.Duration
	lastQuery     string
	totalRequests int64
	totalFailures int64
	emptyResults  int64
}

func (s *Service) recordIntentResult(kind domain.IntentKind, query string, count int, err error, latency time.Duration, now time.Time) {
	if s == nil || kind == "" {
		return
	}
	label := string(kind)

	s.healthMu.Lock()
	defer s.healthMu.Unlock()

	state := s.health[kind]
	if state == nil {
		state = &intentHealth{}
		s.health[kind] = state
	}
	state.totalRequests++
	state.lastQuery = strings.TrimSpace(query)
	if latency > 0 {
		state.lastLatency = latency
		metrics.IntentRequestDuration.WithLabelValues(label).Observe(latency.Seconds())
	}

	if err == nil {
		state.lastError = ""
		state.lastSuccessAt = now
		status := "ok"
		if count == 0 {
			state.emptyResults++
			status = "empty"
		}
		metrics.IntentRequestsTotal.WithLabelValues(label, status).Inc()
		return
	}

	state.totalFailures++
	state.lastFailureAt = now
	state.lastError = err.Error()

	status := "error"
	switch {
	case errors.Is(err, context.Canceled):
		status = "canceled"
	case isTimeoutLikeError(err):
		status = "timeout"
	}
	metrics.IntentRequestsTotal.WithLabelValues(label, status).Inc()
}

func isTimeoutLikeError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "timeout") || strings.Contains(value, "deadline exceeded")
}

// IntentDiagnostics reports per-kind execution counters, sorted by kind.
func (s *Service) IntentDiagnostics() []domain.IntentDiagnostics {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()

	items := make([]domain.IntentDiagnostics, 0, len(s.health))
	for kind, state := range s.health {
		item := domain.IntentDiagnostics{
			Intent:        string(kind),
			TotalRequests: state.totalRequests,
			TotalFailures: state.totalFailures,
			EmptyResults:  state.emptyResults,
			LastError:     state.lastError,
			LastQuery:     state.lastQuery,
			LastLatencyMS: state.lastLatency.Milliseconds(),
		}
		if !state.lastSuccessAt.IsZero() {
			lastSuccessAt := state.lastSuccessAt
			item.LastSuccessAt = &lastSuccessAt
		}
		if !state.lastFailureAt.IsZero() {
			lastFailureAt := state.lastFailureAt
			item.LastFailureAt = &lastFailureAt
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].Intent < items[j].Intent
	})
	return items
}
