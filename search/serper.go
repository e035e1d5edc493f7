package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"briefcast.org/common"
)

const (
	serperEndpoint = "https://google.serper.dev/search"

	// Serper allows bursts but we keep a 100ms floor between requests.
	serperMinInterval = 100 * time.Millisecond
)

// Serper is a search provider backed by the serper.dev Google Search API.
type Serper struct {
	apiKey   string
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewSerper creates a Serper provider. timeout bounds each outbound request.
func NewSerper(apiKey string, timeout time.Duration) *Serper {
	return &Serper{
		apiKey:   apiKey,
		endpoint: serperEndpoint,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Every(serperMinInterval), 1),
	}
}

// NewSerperWithEndpoint creates a Serper provider against a custom endpoint.
// Used by tests.
func NewSerperWithEndpoint(apiKey, endpoint string, timeout time.Duration) *Serper {
	s := NewSerper(apiKey, timeout)
	s.endpoint = endpoint
	return s
}

// Name implements Provider.
func (s *Serper) Name() string { return "serper" }

type serperRequest struct {
	Q    string `json:"q"`
	Num  int    `json:"num,omitempty"`
	Page int    `json:"page,omitempty"`
	GL   string `json:"gl,omitempty"`
	HL   string `json:"hl,omitempty"`
	TBS  string `json:"tbs,omitempty"`
}

type serperOrganic struct {
	Title    string `json:"title"`
	Link     string `json:"link"`
	Snippet  string `json:"snippet"`
	Date     string `json:"date,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
	Position int    `json:"position,omitempty"`
}

type serperResponse struct {
	Organic []serperOrganic `json:"organic"`
}

// serperTBS translates the semantic date filter into Google's tbs parameter.
func serperTBS(f Filters) string {
	switch f.Freshness {
	case FreshnessDay:
		return "qdr:d"
	case FreshnessWeek:
		return "qdr:w"
	case FreshnessMonth:
		return "qdr:m"
	case FreshnessYear:
		return "qdr:y"
	}
	if f.DateFrom != "" || f.DateTo != "" {
		// cdr expects M/D/YYYY but accepts ISO dates as well
		return fmt.Sprintf("cdr:1,cd_min:%s,cd_max:%s", f.DateFrom, f.DateTo)
	}
	return ""
}

// Search implements Provider. Domain filters are encoded as site:/-site:
// operators because Serper has no native include/exclude parameters.
func (s *Serper) Search(ctx context.Context, query string, filters Filters) (*Response, error) {
	if err := filters.Validate(); err != nil {
		return nil, fmt.Errorf("serper: %w", err)
	}

	count := filters.Count
	if count <= 0 {
		count = 10
	}
	offset := filters.AlignedOffset()
	if offset != filters.Offset {
		common.Logger.WithField("offset", filters.Offset).WithField("count", count).
			Warn("serper: offset not aligned to count, rounding down")
	}

	req := serperRequest{
		Q:   filters.DomainQuery(query),
		Num: count,
		GL:  filters.Country,
		HL:  filters.Language,
		TBS: serperTBS(filters),
	}
	if offset > 0 {
		req.Page = offset/count + 1
	}

	start := time.Now()
	var parsed serperResponse
	err := doWithRetry(ctx, s.Name(), s.limiter, func() error {
		body, err := json.Marshal(req)
		if err != nil {
			return err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("X-API-KEY", s.apiKey)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return &httpStatusError{provider: s.Name(), status: resp.StatusCode, body: string(data)}
		}

		parsed = serperResponse{}
		return json.Unmarshal(data, &parsed)
	})
	if err != nil {
		return nil, err
	}

	out := &Response{
		Query:    query,
		Provider: s.Name(),
		Results:  make([]ResultItem, 0, len(parsed.Organic)),
		Took:     time.Since(start).Milliseconds(),
	}
	for _, item := range parsed.Organic {
		out.Results = append(out.Results, ResultItem{
			Title:         item.Title,
			URL:           item.Link,
			Description:   item.Snippet,
			PublishedDate: item.Date,
			Thumbnail:     item.ImageURL,
		})
	}

	return out, nil
}

// SearchMultiple implements Provider by issuing the queries sequentially; the
// rate limiter already spaces the calls.
func (s *Serper) SearchMultiple(ctx context.Context, queries []string, filters Filters) (map[string]*Response, error) {
	return searchSequential(ctx, s, queries, filters)
}

// searchSequential is the shared SearchMultiple implementation. Individual
// query failures are logged and skipped; the call fails only when every query
// failed.
func searchSequential(ctx context.Context, p Provider, queries []string, filters Filters) (map[string]*Response, error) {
	out := make(map[string]*Response, len(queries))
	var lastErr error
	for _, q := range queries {
		resp, err := p.Search(ctx, q, filters)
		if err != nil {
			common.Logger.WithError(err).WithField("provider", p.Name()).
				WithField("query", q).Warn("query failed in batch search")
			lastErr = err
			continue
		}
		out[q] = resp
	}
	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}
