// Package searchcache provides freshness-aware caching of search responses
// keyed by a stable fingerprint, plus embedding-based reuse of cached results
// for semantically equivalent queries.
//
// Both layers fail open: when the cache store or the embedding capability is
// unavailable, lookups report a miss and the live search proceeds.
package searchcache

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"briefcast.org/cache"
	"briefcast.org/common"
	"briefcast.org/search"
)

const (
	entryPrefix = "search:results:"
	metaPrefix  = "search:meta:"
	hitsPrefix  = "search:hits:"
)

// Metadata is the sibling entry tracked next to each cached response.
type Metadata struct {
	FirstCached  int64  `json:"firstCached"`  // epoch ms
	LastAccessed int64  `json:"lastAccessed"` // epoch ms
	Provider     string `json:"provider"`
}

// Config tunes cache TTLs and the popularity promotion.
type Config struct {
	BaseTTL          int     // seconds
	PopularTTL       int     // seconds
	TTLJitter        float64 // multiplicative jitter fraction, 0..1
	PopularThreshold int     // hits at which PopularTTL applies
}

// Cache is the fingerprint-keyed search result cache.
type Cache struct {
	store *cache.Store
	cfg   Config
}

// New creates a Cache over the shared store.
func New(store *cache.Store, cfg Config) *Cache {
	if cfg.BaseTTL <= 0 {
		cfg.BaseTTL = 3600
	}
	if cfg.PopularTTL <= 0 {
		cfg.PopularTTL = 6 * cfg.BaseTTL
	}
	if cfg.PopularThreshold <= 0 {
		cfg.PopularThreshold = 5
	}
	return &Cache{store: store, cfg: cfg}
}

// Fingerprint computes the stable cache key component for a search: the hash
// of the normalized query, the ordered filter fields, and the provider.
// Domain lists are sorted so order never changes the key.
func Fingerprint(query string, f search.Filters, provider string) string {
	include := append([]string(nil), f.IncludeDomains...)
	sort.Strings(include)
	exclude := append([]string(nil), f.ExcludeDomains...)
	sort.Strings(exclude)

	parts := []string{
		normalizeQuery(query),
		string(f.Freshness),
		f.Country,
		f.Language,
		fmt.Sprintf("%d", f.Count),
		fmt.Sprintf("%d", f.Offset),
		strings.Join(include, ","),
		strings.Join(exclude, ","),
		provider,
	}
	return cache.HashKey(strings.Join(parts, "|"))
}

func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// Get returns the cached response for the fingerprint, if present. A hit
// increments the metadata hit counter and refreshes lastAccessed.
func (c *Cache) Get(ctx context.Context, query string, f search.Filters, provider string) (*search.Response, bool) {
	fp := Fingerprint(query, f, provider)
	return c.GetByKey(ctx, fp)
}

// GetByKey returns the cached response stored under a known fingerprint.
// The semantic deduper uses this to reuse another query's entry.
func (c *Cache) GetByKey(ctx context.Context, fp string) (*search.Response, bool) {
	var resp search.Response
	if err := c.store.Get(ctx, entryPrefix+fp, &resp); err != nil {
		return nil, false
	}

	if _, err := c.store.IncrBy(ctx, hitsPrefix+fp, 1); err == nil {
		_ = c.store.Expire(ctx, hitsPrefix+fp, c.cfg.PopularTTL)
	}

	var meta Metadata
	if err := c.store.Get(ctx, metaPrefix+fp, &meta); err == nil {
		meta.LastAccessed = time.Now().UnixMilli()
		_ = c.store.Set(ctx, metaPrefix+fp, meta, c.cfg.PopularTTL)
	}

	return &resp, true
}

// Set caches a response. The TTL is PopularTTL once the entry has accumulated
// PopularThreshold hits, BaseTTL otherwise, with multiplicative jitter
// ttl * (1 + U[0,jitter]) applied to spread expiry and prevent stampedes.
// Returns the fingerprint under which the entry was stored.
func (c *Cache) Set(ctx context.Context, query string, f search.Filters, provider string, resp *search.Response) string {
	fp := Fingerprint(query, f, provider)

	ttl := c.cfg.BaseTTL
	var hits int64
	if err := c.store.Get(ctx, hitsPrefix+fp, &hits); err == nil && hits >= int64(c.cfg.PopularThreshold) {
		ttl = c.cfg.PopularTTL
	}
	if c.cfg.TTLJitter > 0 {
		ttl = int(float64(ttl) * (1 + rand.Float64()*c.cfg.TTLJitter))
	}

	now := time.Now().UnixMilli()
	meta := Metadata{FirstCached: now, LastAccessed: now, Provider: provider}
	var existing Metadata
	if err := c.store.Get(ctx, metaPrefix+fp, &existing); err == nil && existing.FirstCached > 0 {
		meta.FirstCached = existing.FirstCached
	}

	if err := c.store.Set(ctx, entryPrefix+fp, resp, ttl); err != nil {
		common.Logger.WithError(err).Warn("failed to cache search response")
		return fp
	}
	_ = c.store.Set(ctx, metaPrefix+fp, meta, ttl)

	return fp
}

// Hits returns the current hit count for a fingerprint.
func (c *Cache) Hits(ctx context.Context, fp string) int64 {
	var hits int64
	if err := c.store.Get(ctx, hitsPrefix+fp, &hits); err != nil {
		return 0
	}
	return hits
}

// TTLOf returns the remaining TTL of the cached entry for a fingerprint.
func (c *Cache) TTLOf(ctx context.Context, fp string) (time.Duration, error) {
	return c.store.TTL(ctx, entryPrefix+fp)
}

// Invalidate deletes both the entry and its metadata for one search.
func (c *Cache) Invalidate(ctx context.Context, query string, f search.Filters, provider string) error {
	fp := Fingerprint(query, f, provider)
	return c.store.Delete(ctx, entryPrefix+fp, metaPrefix+fp, hitsPrefix+fp)
}

// InvalidateAll removes every cached search entry and its metadata.
func (c *Cache) InvalidateAll(ctx context.Context) (int, error) {
	total := 0
	for _, prefix := range []string{entryPrefix, metaPrefix, hitsPrefix} {
		n, err := c.store.DeletePattern(ctx, prefix+"*")
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
