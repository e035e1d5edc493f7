package searchcache

import (
	"context"
	"math"
	"time"

	"briefcast.org/cache"
	"briefcast.org/common"
	"briefcast.org/search"
)

const (
	embeddingPrefix = "dedup:emb:"
	indexKey        = "dedup:index"
)

// Embedder is the slice of the LLM capability the deduper needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// filterSummary is the filter context that must match for two queries to be
// considered equivalent. Domain filters are intentionally excluded; they are
// part of the fingerprint, and a semantic match with different domains would
// already point at a different cache key.
type filterSummary struct {
	Freshness string `json:"freshness"`
	Country   string `json:"country"`
	Language  string `json:"language"`
	Count     int    `json:"count"`
}

func summarize(f search.Filters) filterSummary {
	return filterSummary{
		Freshness: string(f.Freshness),
		Country:   f.Country,
		Language:  f.Language,
		Count:     f.Count,
	}
}

// embeddingEntry is one previously issued query in the recency window.
type embeddingEntry struct {
	Query     string        `json:"query"`
	Embedding []float32     `json:"embedding"`
	Timestamp int64         `json:"timestamp"` // epoch ms
	Filters   filterSummary `json:"filters"`
	CacheKey  string        `json:"cacheKey"`
}

// DedupConfig tunes semantic deduplication.
type DedupConfig struct {
	SimilarityThreshold float64
	WindowHours         int
}

// Deduper reuses cached search responses for semantically equivalent queries.
// Every operation fails open: any error in embedding, index access, or
// comparison is reported as "no match" and the live search proceeds.
type Deduper struct {
	store    *cache.Store
	embedder Embedder
	resCache *Cache
	cfg      DedupConfig
}

// NewDeduper creates a Deduper over the shared store and result cache.
func NewDeduper(store *cache.Store, embedder Embedder, resCache *Cache, cfg DedupConfig) *Deduper {
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.85
	}
	if cfg.WindowHours <= 0 {
		cfg.WindowHours = 24
	}
	return &Deduper{store: store, embedder: embedder, resCache: resCache, cfg: cfg}
}

// Lookup returns a cached response from a semantically equivalent earlier
// query, when the best cosine match is at or above the similarity threshold
// and the filter summaries are equivalent.
func (d *Deduper) Lookup(ctx context.Context, query string, f search.Filters) (*search.Response, bool) {
	embedding, err := d.embedder.Embed(ctx, normalizeQuery(query))
	if err != nil {
		common.Logger.WithError(err).Debug("dedup embedding failed, skipping")
		return nil, false
	}

	keys := d.indexKeys(ctx)
	want := summarize(f)
	cutoff := time.Now().Add(-time.Duration(d.cfg.WindowHours) * time.Hour).UnixMilli()

	var best *embeddingEntry
	bestScore := 0.0
	for _, key := range keys {
		var entry embeddingEntry
		if err := d.store.Get(ctx, key, &entry); err != nil {
			continue // expired or unreadable
		}
		if entry.Timestamp < cutoff || entry.Filters != want {
			continue
		}
		score := cosine(embedding, entry.Embedding)
		if score > bestScore {
			bestScore = score
			e := entry
			best = &e
		}
	}

	if best == nil || bestScore < d.cfg.SimilarityThreshold {
		return nil, false
	}

	resp, ok := d.resCache.GetByKey(ctx, best.CacheKey)
	if !ok {
		return nil, false // entry expired since the embedding was stored
	}
	common.Logger.WithField("query", query).WithField("matched", best.Query).
		WithField("similarity", bestScore).Debug("semantic dedup hit")
	return resp, true
}

// Record stores the query's embedding and its cache key so later equivalent
// queries can reuse the cached response. Failures are logged and swallowed.
func (d *Deduper) Record(ctx context.Context, query string, f search.Filters, cacheKey string) {
	embedding, err := d.embedder.Embed(ctx, normalizeQuery(query))
	if err != nil {
		common.Logger.WithError(err).Debug("dedup embedding store failed, skipping")
		return
	}

	ttl := d.cfg.WindowHours * 3600
	key := embeddingPrefix + cache.HashKey(normalizeQuery(query)+"|"+cacheKey)
	entry := embeddingEntry{
		Query:     normalizeQuery(query),
		Embedding: embedding,
		Timestamp: time.Now().UnixMilli(),
		Filters:   summarize(f),
		CacheKey:  cacheKey,
	}
	if err := d.store.Set(ctx, key, entry, ttl); err != nil {
		return
	}

	keys := d.indexKeys(ctx)
	for _, k := range keys {
		if k == key {
			return
		}
	}
	keys = append(keys, key)
	_ = d.store.Set(ctx, indexKey, keys, ttl)
}

// indexKeys loads the embedding index list, returning nil on any failure.
func (d *Deduper) indexKeys(ctx context.Context) []string {
	var keys []string
	if err := d.store.Get(ctx, indexKey, &keys); err != nil {
		return nil
	}
	return keys
}

// cosine computes cosine similarity between two vectors. Mismatched or empty
// vectors score 0, which can never reach the threshold.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
