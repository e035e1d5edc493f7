package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"briefcast.org/common"
	"briefcast.org/config"
	"briefcast.org/llm"
	"briefcast.org/search"
	"briefcast.org/searchcache"
	"briefcast.org/store"
)

// pipelineAttempts is how many times the researching stages (queries through
// compilation) are retried as a whole with exponential backoff.
const pipelineAttempts = 3

// Result is the outcome of one pipeline run.
type Result struct {
	Skipped       bool
	SkipReason    string
	DeliveryLogID string
	DurationMs    int64
	Stats         store.DeliveryStats
}

// Pipeline orchestrates the research stage sequence for one project. The
// cache and deduper are optional; a nil value disables that layer.
type Pipeline struct {
	projects  store.ProjectStore
	llm       llm.Client
	provider  search.Provider
	resCache  *searchcache.Cache
	deduper   *searchcache.Deduper
	extractor *Extractor
	cfg       config.PipelineConfig
	log       *logrus.Logger
}

// New creates a Pipeline.
func New(projects store.ProjectStore, llmClient llm.Client, provider search.Provider,
	resCache *searchcache.Cache, deduper *searchcache.Deduper, cfg config.PipelineConfig) *Pipeline {
	if cfg.QueriesPerIteration <= 0 {
		cfg.QueriesPerIteration = 5
	}
	if cfg.ResultsPerQuery <= 0 {
		cfg.ResultsPerQuery = 10
	}
	if cfg.RelevancyThreshold <= 0 {
		cfg.RelevancyThreshold = 60
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 30
	}
	return &Pipeline{
		projects:  projects,
		llm:       llmClient,
		provider:  provider,
		resCache:  resCache,
		deduper:   deduper,
		extractor: NewExtractor(cfg.FetchConcurrency, cfg.FetchTimeout),
		cfg:       cfg,
		log:       common.Logger,
	}
}

// report bundles the output of the researching stages.
type report struct {
	compiled *llm.Report
	stats    store.DeliveryStats
}

// Run executes the full pipeline for one project and persists a pending
// delivery log. Validation failures surface immediately; everything else in
// the researching stages is retried up to pipelineAttempts times with
// exponential backoff before the run fails.
func (p *Pipeline) Run(ctx context.Context, userID, projectID string) (*Result, error) {
	start := time.Now()

	project, err := p.projects.GetProject(ctx, userID, projectID)
	if err == store.ErrNotFound {
		return &Result{Skipped: true, SkipReason: "project not found"}, nil
	}
	if err != nil {
		return nil, stageErr("load", KindStorage, err)
	}
	if project.Status == store.StatusPaused || project.Status == store.StatusDeleted {
		return &Result{Skipped: true, SkipReason: fmt.Sprintf("project is %s", project.Status)}, nil
	}
	if strings.TrimSpace(project.Description) == "" {
		return nil, stageErr("load", KindValidation, fmt.Errorf("project has empty description"))
	}

	// The output language is validated up front so an unknown code fails
	// before any model call is made.
	if lang := project.SearchParameters.OutputLanguage; lang != "" && lang != project.SearchParameters.Language {
		if _, err := llm.LanguageName(lang); err != nil {
			return nil, stageErr("translate", KindValidation, err)
		}
	}

	var rep *report
	operation := func() error {
		r, err := p.research(ctx, project)
		if err != nil {
			if IsValidation(err) {
				return backoff.Permanent(err)
			}
			p.log.WithError(err).WithField("projectID", project.ID).Warn("research attempt failed, retrying")
			return err
		}
		rep = r
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, pipelineAttempts-1), ctx)); err != nil {
		return nil, err
	}

	// The user may have paused or deleted the project while research ran;
	// in that case the result is discarded without writing a delivery log.
	fresh, err := p.projects.GetProject(ctx, userID, projectID)
	if err != nil && err != store.ErrNotFound {
		return nil, stageErr("persist", KindStorage, err)
	}
	if err == store.ErrNotFound || fresh.Status == store.StatusPaused || fresh.Status == store.StatusDeleted {
		p.log.WithField("projectID", projectID).Info("project state changed during research, discarding result")
		return &Result{Skipped: true, SkipReason: "project state changed during research"}, nil
	}

	rep.stats.DurationMs = time.Since(start).Milliseconds()
	logDoc := &store.DeliveryLog{
		ID:             uuid.NewString(),
		ProjectID:      project.ID,
		UserID:         project.UserID,
		Status:         store.DeliveryPending,
		ReportTitle:    rep.compiled.Title,
		ReportMarkdown: rep.compiled.Markdown,
		ReportSummary:  rep.compiled.Summary,
		CreatedAt:      time.Now().UnixMilli(),
		Stats:          rep.stats,
	}
	if err := p.projects.PutDeliveryLog(ctx, logDoc); err != nil {
		return nil, stageErr("persist", KindStorage, err)
	}

	return &Result{
		DeliveryLogID: logDoc.ID,
		DurationMs:    rep.stats.DurationMs,
		Stats:         rep.stats,
	}, nil
}

// research runs stages 2-10: queries through compilation and translation.
func (p *Pipeline) research(ctx context.Context, project *store.Project) (*report, error) {
	var stats store.DeliveryStats
	params := project.SearchParameters

	queries, err := p.llm.GenerateQueries(ctx, llm.QueryGenRequest{
		Description:      project.Description,
		RequiredKeywords: params.RequiredKeywords,
		ExcludedKeywords: params.ExcludedKeywords,
		PriorityDomains:  params.PriorityDomains,
		Language:         params.Language,
		Date:             time.Now().UTC().Format("2006-01-02"),
		Count:            p.cfg.QueriesPerIteration,
	})
	if err != nil {
		return nil, stageErr("queries", KindParse, err)
	}
	stats.QueriesGenerated = len(queries)

	merged, err := p.executeSearches(ctx, queries, params, &stats)
	if err != nil {
		return nil, err
	}
	stats.SearchResults = len(merged)
	if len(merged) == 0 {
		return nil, stageErr("search", KindTransient, fmt.Errorf("no search results for %d queries", len(queries)))
	}

	candidates := p.filterResults(ctx, project.Description, merged)

	extracted := p.extractor.Extract(ctx, candidates)
	stats.ExtractedSources = len(extracted)
	if len(extracted) == 0 {
		return nil, stageErr("extract", KindTransient, fmt.Errorf("no sources survived extraction"))
	}

	scored, err := p.llm.ScoreRelevancy(ctx, project.Description, extracted)
	if err != nil {
		return nil, stageErr("relevancy", KindParse, err)
	}
	relevant := make([]llm.ScoredItem, 0, len(scored))
	for _, item := range scored {
		if item.Score >= p.cfg.RelevancyThreshold {
			relevant = append(relevant, item)
		}
	}
	if len(relevant) > p.cfg.MaxResults {
		relevant = relevant[:p.cfg.MaxResults]
	}
	stats.RelevantSources = len(relevant)
	if len(relevant) == 0 {
		return nil, stageErr("relevancy", KindTransient, fmt.Errorf("no relevant sources above threshold %d", p.cfg.RelevancyThreshold))
	}
	if len(relevant) < p.cfg.MinResults {
		p.log.WithField("projectID", project.ID).WithField("relevant", len(relevant)).
			WithField("min", p.cfg.MinResults).Warn("fewer relevant sources than configured minimum")
	}

	analysis, err := p.llm.AnalyzeCrossSource(ctx, project.Description, relevant)
	if err != nil {
		return nil, stageErr("analysis", KindParse, err)
	}

	compiled, err := p.llm.CompileReport(ctx, project.Description, analysis, relevant)
	if err != nil {
		return nil, stageErr("compile", KindParse, err)
	}
	if compiled.Summary == "" {
		summary, err := p.llm.Summarize(ctx, compiled.Markdown)
		if err != nil {
			return nil, stageErr("summary", KindParse, err)
		}
		compiled.Summary = summary
	}

	if lang := params.OutputLanguage; lang != "" && lang != params.Language {
		markdown, err := p.llm.Translate(ctx, compiled.Markdown, lang)
		if err != nil {
			return nil, stageErr("translate", translationKind(err), err)
		}
		title, summary, err := p.llm.TranslateBrief(ctx, compiled.Title, compiled.Summary, lang)
		if err != nil {
			return nil, stageErr("translate", translationKind(err), err)
		}
		compiled.Markdown = markdown
		compiled.Title = title
		compiled.Summary = summary
	}

	return &report{compiled: compiled, stats: stats}, nil
}

func translationKind(err error) Kind {
	if strings.Contains(err.Error(), "unsupported output language") {
		return KindValidation
	}
	return KindTransient
}

// executeSearches runs all generated queries through dedup, cache, and the
// provider, merging results by URL.
func (p *Pipeline) executeSearches(ctx context.Context, queries []llm.GeneratedQuery,
	params store.SearchParameters, stats *store.DeliveryStats) ([]search.ResultItem, error) {

	filters := search.Filters{
		Count:          p.cfg.ResultsPerQuery,
		Freshness:      stageFreshness(params.DateRangePreference),
		Country:        params.Region,
		Language:       params.Language,
		ExcludeDomains: params.ExcludedDomains,
	}

	merged := make(map[string]search.ResultItem)
	var searchErr error
	for _, q := range queries {
		resp, ok := p.lookupCached(ctx, q.Query, filters, stats)
		if !ok {
			var err error
			resp, err = p.provider.Search(ctx, q.Query, filters)
			if err != nil {
				p.log.WithError(err).WithField("query", q.Query).Warn("search failed")
				searchErr = err
				continue
			}
			p.storeCached(ctx, q.Query, filters, resp)
		}
		for _, item := range resp.Results {
			if _, dup := merged[item.URL]; !dup {
				merged[item.URL] = item
			}
		}
	}

	if len(merged) == 0 && searchErr != nil {
		if strings.Contains(searchErr.Error(), "all providers exhausted") {
			return nil, stageErr("search", KindProviderExhausted, searchErr)
		}
		return nil, stageErr("search", KindTransient, searchErr)
	}

	out := make([]search.ResultItem, 0, len(merged))
	for _, item := range merged {
		out = append(out, item)
	}
	return out, nil
}

// lookupCached tries semantic dedup first, then the fingerprint cache.
func (p *Pipeline) lookupCached(ctx context.Context, query string, filters search.Filters,
	stats *store.DeliveryStats) (*search.Response, bool) {

	if p.resCache != nil {
		if resp, ok := p.resCache.Get(ctx, query, filters, p.provider.Name()); ok {
			stats.CacheHits++
			return resp, true
		}
	}
	if p.deduper != nil {
		if resp, ok := p.deduper.Lookup(ctx, query, filters); ok {
			stats.DedupHits++
			return resp, true
		}
	}
	return nil, false
}

// storeCached caches a live response and records the query embedding so
// future equivalent queries can reuse it.
func (p *Pipeline) storeCached(ctx context.Context, query string, filters search.Filters, resp *search.Response) {
	if p.resCache == nil {
		return
	}
	fp := p.resCache.Set(ctx, query, filters, p.provider.Name(), resp)
	if p.deduper != nil {
		p.deduper.Record(ctx, query, filters, fp)
	}
}

// filterResults asks the LLM to cull obviously irrelevant results by title
// and snippet. Best-effort: any failure keeps the full set.
func (p *Pipeline) filterResults(ctx context.Context, description string, items []search.ResultItem) []search.ResultItem {
	sources := make([]llm.SourceItem, 0, len(items))
	for _, item := range items {
		sources = append(sources, llm.SourceItem{
			URL: item.URL, Title: item.Title, Snippet: item.Description, PublishedDate: item.PublishedDate,
		})
	}

	keep, err := p.llm.FilterResults(ctx, description, sources)
	if err != nil || len(keep) == 0 {
		if err != nil {
			p.log.WithError(err).Warn("result filtering failed, keeping all results")
		}
		return items
	}

	keepSet := make(map[string]bool, len(keep))
	for _, url := range keep {
		keepSet[url] = true
	}
	kept := make([]search.ResultItem, 0, len(keep))
	for _, item := range items {
		if keepSet[item.URL] {
			kept = append(kept, item)
		}
	}
	if len(kept) == 0 {
		return items
	}
	return kept
}

// stageFreshness maps the project's date-range preference onto the search
// freshness filter, defaulting to the past week.
func stageFreshness(pref string) search.Freshness {
	switch search.Freshness(pref) {
	case search.FreshnessDay, search.FreshnessWeek, search.FreshnessMonth, search.FreshnessYear:
		return search.Freshness(pref)
	}
	return search.FreshnessWeek
}
