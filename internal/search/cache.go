package search

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"moviebrowse/searchservice/internal/domain"
	"moviebrowse/searchservice/internal/metrics"
)

const (
	defaultCacheTTL        = 10 * time.Minute
	defaultStaleTTL        = 30 * time.Minute
	defaultCacheMaxEntries = 400
)

type cachedSearchResponse struct {
	response    domain.SearchResponse
	updatedAt   time.Time
	expiresAt   time.Time
	staleUntil  time.Time
	refreshOnce sync.Once // one background refresh per stale period
}

// responseCache keeps ranked responses in memory and, when configured, in
// Redis. Entries past their TTL are still served until staleUntil while a
// single background refresh replaces them.
type responseCache struct {
	mu         sync.Mutex
	entries    map[string]*cachedSearchResponse
	ttl        time.Duration
	staleTTL   time.Duration
	maxEntries int
	redis      *RedisCacheBackend
	logger     *slog.Logger
}

func newResponseCache() *responseCache {
	return &responseCache{
		entries:    make(map[string]*cachedSearchResponse),
		ttl:        defaultCacheTTL,
		staleTTL:   defaultStaleTTL,
		maxEntries: defaultCacheMaxEntries,
		logger:     slog.Default(),
	}
}

// lookup returns the cached response, whether it was found, and whether the
// caller should refresh it in the background.
func (c *responseCache) lookup(ctx context.Context, key string, now time.Time) (domain.SearchResponse, bool, bool) {
	if c.redis != nil {
		resp, found, err := c.redis.Get(ctx, key)
		if err != nil {
			c.logger.Debug("search cache redis read failed", slog.String("error", err.Error()))
		}
		if err == nil && found {
			metrics.CacheHitsTotal.Inc()
			c.storeMemory(key, resp, now)
			return resp, true, false
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		metrics.CacheMissesTotal.Inc()
		return domain.SearchResponse{}, false, false
	}

	if now.Before(entry.expiresAt) {
		metrics.CacheHitsTotal.Inc()
		return cloneSearchResponse(entry.response), true, false
	}

	if now.Before(entry.staleUntil) {
		metrics.CacheHitsTotal.Inc()
		needsRefresh := false
		entry.refreshOnce.Do(func() {
			needsRefresh = true
		})
		return cloneSearchResponse(entry.response), true, needsRefresh
	}

	metrics.CacheMissesTotal.Inc()
	delete(c.entries, key)
	return domain.SearchResponse{}, false, false
}

func (c *responseCache) store(ctx context.Context, key string, response domain.SearchResponse, now time.Time) {
	if c.redis != nil {
		if err := c.redis.Set(ctx, key, response, c.ttl); err != nil {
			c.logger.Debug("search cache redis write failed", slog.String("error", err.Error()))
		}
	}
	c.storeMemory(key, response, now)
}

func (c *responseCache) storeMemory(key string, response domain.SearchResponse, now time.Time) {
	staleTTL := c.staleTTL
	if staleTTL <= c.ttl {
		staleTTL = c.ttl * 3
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &cachedSearchResponse{
		response:   cloneSearchResponse(response),
		updatedAt:  now,
		expiresAt:  now.Add(c.ttl),
		staleUntil: now.Add(staleTTL),
	}
	c.trimLocked(now)
}

func (c *responseCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *responseCache) trimLocked(now time.Time) {
	for key, entry := range c.entries {
		if now.After(entry.staleUntil) {
			delete(c.entries, key)
		}
	}

	maxEntries := c.maxEntries
	if maxEntries <= 0 {
		maxEntries = defaultCacheMaxEntries
	}
	if len(c.entries) <= maxEntries {
		return
	}

	type pair struct {
		key   string
		entry *cachedSearchResponse
	}
	items := make([]pair, 0, len(c.entries))
	for key, entry := range c.entries {
		items = append(items, pair{key: key, entry: entry})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].entry.updatedAt.Before(items[j].entry.updatedAt)
	})
	for i := 0; i < len(items)-maxEntries; i++ {
		delete(c.entries, items[i].key)
	}
}

func cloneSearchResponse(response domain.SearchResponse) domain.SearchResponse {
	cloned := response
	cloned.Intents = slices.Clone(response.Intents)
	cloned.Facets = domain.Facets{
		Genres:     slices.Clone(response.Facets.Genres),
		Years:      slices.Clone(response.Facets.Years),
		MediaTypes: slices.Clone(response.Facets.MediaTypes),
	}
	if response.Results != nil {
		cloned.Results = make([]domain.MediaItem, len(response.Results))
		for i, item := range response.Results {
			copied := item
			copied.GenreIDs = slices.Clone(item.GenreIDs)
			cloned.Results[i] = copied
		}
	}
	cloned.FailedIntents = slices.Clone(response.FailedIntents)
	return cloned
}

// buildSearchCacheKey keys on everything that changes the upstream calls.
func buildSearchCacheKey(query string, opts domain.CallOptions) string {
	return strings.Join([]string{
		"q=" + strings.ToLower(strings.TrimSpace(query)),
		"lang=" + opts.Language,
		"adult=" + strconv.FormatBool(opts.IncludeAdult),
	}, "|")
}
