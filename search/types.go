// Package search defines the web search capability used by the research
// pipeline: a provider-neutral operation set over third-party search APIs with
// enumerated filters, canonical result items, and a health-tracked
// multi-provider orchestrator.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Freshness restricts results to a relative recency window.
type Freshness string

const (
	FreshnessDay   Freshness = "pd"
	FreshnessWeek  Freshness = "pw"
	FreshnessMonth Freshness = "pm"
	FreshnessYear  Freshness = "py"
)

// Valid reports whether f is one of the enumerated windows.
func (f Freshness) Valid() bool {
	switch f {
	case "", FreshnessDay, FreshnessWeek, FreshnessMonth, FreshnessYear:
		return true
	}
	return false
}

// Filters is the closed configuration record for a search call. Either
// Freshness or the DateFrom/DateTo pair may be set, not both.
type Filters struct {
	Count          int       `json:"count,omitempty"`
	Offset         int       `json:"offset,omitempty"`
	Freshness      Freshness `json:"freshness,omitempty"`
	DateFrom       string    `json:"dateFrom,omitempty"` // YYYY-MM-DD
	DateTo         string    `json:"dateTo,omitempty"`   // YYYY-MM-DD
	Country        string    `json:"country,omitempty"`
	Language       string    `json:"language,omitempty"`
	SafeSearch     string    `json:"safesearch,omitempty"`
	IncludeDomains []string  `json:"includeDomains,omitempty"`
	ExcludeDomains []string  `json:"excludeDomains,omitempty"`
}

// Validate rejects filter combinations no provider can serve.
func (f Filters) Validate() error {
	if !f.Freshness.Valid() {
		return fmt.Errorf("invalid freshness %q", f.Freshness)
	}
	if f.Freshness != "" && (f.DateFrom != "" || f.DateTo != "") {
		return fmt.Errorf("freshness and dateFrom/dateTo are mutually exclusive")
	}
	if f.Count < 0 || f.Offset < 0 {
		return fmt.Errorf("count and offset must be non-negative")
	}
	return nil
}

// AlignedOffset returns the offset rounded down to a multiple of count.
// Callers passing a misaligned offset get the rounded value and a warning.
func (f Filters) AlignedOffset() int {
	if f.Count <= 0 || f.Offset <= 0 {
		return 0
	}
	return f.Offset - f.Offset%f.Count
}

// DomainQuery encodes include/exclude domain filters as site:/-site: operators
// appended to the query string, for vendors without native domain support.
func (f Filters) DomainQuery(query string) string {
	var sb strings.Builder
	sb.WriteString(query)

	include := append([]string(nil), f.IncludeDomains...)
	sort.Strings(include)
	for _, d := range include {
		sb.WriteString(" site:")
		sb.WriteString(d)
	}

	exclude := append([]string(nil), f.ExcludeDomains...)
	sort.Strings(exclude)
	for _, d := range exclude {
		sb.WriteString(" -site:")
		sb.WriteString(d)
	}

	return sb.String()
}

// ResultItem is the canonical search result shape all providers convert to.
type ResultItem struct {
	Title         string            `json:"title"`
	URL           string            `json:"url"`
	Description   string            `json:"description"`
	PublishedDate string            `json:"publishedDate,omitempty"`
	Thumbnail     string            `json:"thumbnail,omitempty"`
	Meta          map[string]string `json:"meta,omitempty"`
}

// Response is the canonical response for one query.
type Response struct {
	Query    string       `json:"query"`
	Provider string       `json:"provider"`
	Results  []ResultItem `json:"results"`
	Took     int64        `json:"tookMs,omitempty"`
}

// Provider is the web search capability.
type Provider interface {
	// Name identifies the provider for caching and health tracking.
	Name() string

	// Search executes one query with the given filters.
	Search(ctx context.Context, query string, filters Filters) (*Response, error)

	// SearchMultiple executes several queries and returns a map keyed by query.
	SearchMultiple(ctx context.Context, queries []string, filters Filters) (map[string]*Response, error)
}

// ProviderHealth is a point-in-time health snapshot for one provider.
type ProviderHealth struct {
	Name                string    `json:"name"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	TotalRequests       int64     `json:"totalRequests"`
	TotalFailures       int64     `json:"totalFailures"`
	LastSuccess         time.Time `json:"lastSuccess,omitempty"`
	LastFailure         time.Time `json:"lastFailure,omitempty"`
}
