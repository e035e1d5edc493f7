package pipeline

import (
	"context"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"briefcast.org/common"
	"briefcast.org/llm"
	"briefcast.org/search"
)

const maxBodyBytes = 512 * 1024

var (
	titleRe    = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	metaDescRe = regexp.MustCompile(`(?is)<meta[^>]+name=["']description["'][^>]+content=["']([^"']*)["']`)
	tagRe      = regexp.MustCompile(`(?s)<[^>]*>`)
)

// Extractor fetches surviving URLs with bounded concurrency and a per-fetch
// timeout, producing source items for relevancy analysis. Failed fetches are
// dropped, not surfaced.
type Extractor struct {
	client      *http.Client
	concurrency int
	timeout     time.Duration
}

// NewExtractor creates an Extractor.
func NewExtractor(concurrency int, timeout time.Duration) *Extractor {
	if concurrency <= 0 {
		concurrency = 8
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Extractor{
		client:      &http.Client{Timeout: timeout},
		concurrency: concurrency,
		timeout:     timeout,
	}
}

// Extract fetches the given results in parallel. The search snippet is kept
// as a fallback when the page yields no description of its own.
func (e *Extractor) Extract(ctx context.Context, items []search.ResultItem) []llm.SourceItem {
	out := make([]llm.SourceItem, len(items))
	ok := make([]bool, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, item := range items {
		g.Go(func() error {
			src, fetched := e.fetchOne(gctx, item)
			if fetched {
				out[i] = src
				ok[i] = true
			}
			return nil // fetch failures drop the item, never abort the group
		})
	}
	_ = g.Wait()

	kept := make([]llm.SourceItem, 0, len(items))
	for i := range out {
		if ok[i] {
			kept = append(kept, out[i])
		}
	}
	return kept
}

func (e *Extractor) fetchOne(ctx context.Context, item search.ResultItem) (llm.SourceItem, bool) {
	src := llm.SourceItem{
		URL:           item.URL,
		Title:         item.Title,
		Snippet:       item.Description,
		PublishedDate: item.PublishedDate,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.URL, nil)
	if err != nil {
		return src, false
	}
	req.Header.Set("User-Agent", "briefcast-research/1.0")

	resp, err := e.client.Do(req)
	if err != nil {
		common.Logger.WithError(err).WithField("url", item.URL).Debug("content fetch failed, dropping")
		return src, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		common.Logger.WithField("url", item.URL).WithField("status", resp.StatusCode).
			Debug("content fetch rejected, dropping")
		return src, false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return src, false
	}
	html := string(body)

	if m := titleRe.FindStringSubmatch(html); m != nil {
		if title := cleanText(m[1]); title != "" {
			src.Title = title
		}
	}
	if m := metaDescRe.FindStringSubmatch(html); m != nil {
		if desc := cleanText(m[1]); desc != "" {
			src.Snippet = desc
		}
	}

	return src, true
}

func cleanText(s string) string {
	s = tagRe.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}
