package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"briefcast.org/common"
)

const (
	braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

	// Brave's free tier allows roughly 1 request/second; keep a 500ms floor.
	braveMinInterval = 500 * time.Millisecond
)

// Brave is a search provider backed by the Brave Search API.
type Brave struct {
	apiKey   string
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewBrave creates a Brave provider. timeout bounds each outbound request.
func NewBrave(apiKey string, timeout time.Duration) *Brave {
	return &Brave{
		apiKey:   apiKey,
		endpoint: braveEndpoint,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Every(braveMinInterval), 1),
	}
}

// NewBraveWithEndpoint creates a Brave provider against a custom endpoint.
// Used by tests.
func NewBraveWithEndpoint(apiKey, endpoint string, timeout time.Duration) *Brave {
	b := NewBrave(apiKey, timeout)
	b.endpoint = endpoint
	return b
}

// Name implements Provider.
func (b *Brave) Name() string { return "brave" }

type braveResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Age         string `json:"age,omitempty"`
	PageAge     string `json:"page_age,omitempty"`
	Thumbnail   struct {
		Src string `json:"src,omitempty"`
	} `json:"thumbnail,omitempty"`
}

type braveResponse struct {
	Web struct {
		Results []braveResult `json:"results"`
	} `json:"web"`
}

// braveFreshness translates the date filter into Brave's freshness parameter,
// which natively understands the pd/pw/pm/py windows and absolute ranges.
func braveFreshness(f Filters) string {
	if f.Freshness != "" {
		return string(f.Freshness)
	}
	if f.DateFrom != "" && f.DateTo != "" {
		return fmt.Sprintf("%sto%s", f.DateFrom, f.DateTo)
	}
	return ""
}

// Search implements Provider. Brave has no include/exclude domain parameters,
// so domain filters ride along as site:/-site: operators in the query.
func (b *Brave) Search(ctx context.Context, query string, filters Filters) (*Response, error) {
	if err := filters.Validate(); err != nil {
		return nil, fmt.Errorf("brave: %w", err)
	}

	count := filters.Count
	if count <= 0 {
		count = 10
	}
	if count > 20 {
		count = 20 // Brave caps count at 20
	}
	offset := filters.AlignedOffset()
	if offset != filters.Offset {
		common.Logger.WithField("offset", filters.Offset).WithField("count", count).
			Warn("brave: offset not aligned to count, rounding down")
	}

	params := url.Values{}
	params.Set("q", filters.DomainQuery(query))
	params.Set("count", strconv.Itoa(count))
	if offset > 0 {
		// Brave's offset parameter is a page index
		params.Set("offset", strconv.Itoa(offset/count))
	}
	if filters.Country != "" {
		params.Set("country", filters.Country)
	}
	if filters.Language != "" {
		params.Set("search_lang", filters.Language)
	}
	if filters.SafeSearch != "" {
		params.Set("safesearch", filters.SafeSearch)
	}
	if fr := braveFreshness(filters); fr != "" {
		params.Set("freshness", fr)
	}

	start := time.Now()
	var parsed braveResponse
	err := doWithRetry(ctx, b.Name(), b.limiter, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"?"+params.Encode(), nil)
		if err != nil {
			return err
		}
		httpReq.Header.Set("X-Subscription-Token", b.apiKey)
		httpReq.Header.Set("Accept", "application/json")

		resp, err := b.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return &httpStatusError{provider: b.Name(), status: resp.StatusCode, body: string(data)}
		}

		parsed = braveResponse{}
		return json.Unmarshal(data, &parsed)
	})
	if err != nil {
		return nil, err
	}

	out := &Response{
		Query:    query,
		Provider: b.Name(),
		Results:  make([]ResultItem, 0, len(parsed.Web.Results)),
		Took:     time.Since(start).Milliseconds(),
	}
	for _, item := range parsed.Web.Results {
		published := item.PageAge
		if published == "" {
			published = item.Age
		}
		out.Results = append(out.Results, ResultItem{
			Title:         item.Title,
			URL:           item.URL,
			Description:   item.Description,
			PublishedDate: published,
			Thumbnail:     item.Thumbnail.Src,
		})
	}

	return out, nil
}

// SearchMultiple implements Provider.
func (b *Brave) SearchMultiple(ctx context.Context, queries []string, filters Filters) (map[string]*Response, error) {
	return searchSequential(ctx, b, queries, filters)
}

var _ Provider = (*Brave)(nil)
var _ Provider = (*Serper)(nil)
