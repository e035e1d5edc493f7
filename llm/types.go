// Package llm defines the language-model capability consumed by the research
// pipeline: query generation, result filtering, relevancy scoring,
// cross-source analysis, report compilation, summarization, translation, and
// embeddings. The production implementation speaks to any OpenAI-compatible
// chat/embeddings API.
package llm

import "context"

// QueryStrategy labels the angle a generated query takes on the topic.
type QueryStrategy string

const (
	StrategyBroad    QueryStrategy = "broad"
	StrategySpecific QueryStrategy = "specific"
	StrategyQuestion QueryStrategy = "question"
	StrategyTemporal QueryStrategy = "temporal"
)

// QueryGenRequest carries everything query generation is conditioned on.
type QueryGenRequest struct {
	Description      string
	RequiredKeywords []string
	ExcludedKeywords []string
	PriorityDomains  []string
	Language         string
	Date             string // current date, YYYY-MM-DD
	Count            int
}

// GeneratedQuery is one search query with its strategy tag.
type GeneratedQuery struct {
	Query    string        `json:"query"`
	Strategy QueryStrategy `json:"strategy"`
}

// SourceItem is a candidate source as seen before or after extraction.
type SourceItem struct {
	URL           string `json:"url"`
	Title         string `json:"title"`
	Snippet       string `json:"snippet"`
	PublishedDate string `json:"publishedDate,omitempty"`
}

// ScoredItem is a source with its relevancy verdict.
type ScoredItem struct {
	SourceItem
	Score     int      `json:"score"` // 0-100
	KeyPoints []string `json:"keyPoints"`
}

// Analysis is the structured cross-source analysis object.
type Analysis struct {
	Themes         []string `json:"themes"`
	Connections    []string `json:"connections"`
	Contradictions []string `json:"contradictions"`
	UniqueInsights []string `json:"uniqueInsights"`
	Narrative      string   `json:"narrative"`
}

// Report is the compiled research report.
type Report struct {
	Markdown string `json:"markdown"`
	Title    string `json:"title"`
	Summary  string `json:"summary"`
}

// Client is the language-model capability.
type Client interface {
	// GenerateQueries produces diverse search queries across strategies.
	GenerateQueries(ctx context.Context, req QueryGenRequest) ([]GeneratedQuery, error)

	// FilterResults culls obviously irrelevant sources by title and snippet
	// only, returning the URLs to keep.
	FilterResults(ctx context.Context, description string, items []SourceItem) ([]string, error)

	// ScoreRelevancy scores each item 0-100 against the project description
	// and extracts key points.
	ScoreRelevancy(ctx context.Context, description string, items []SourceItem) ([]ScoredItem, error)

	// AnalyzeCrossSource produces the structured analysis across sources.
	AnalyzeCrossSource(ctx context.Context, description string, items []ScoredItem) (*Analysis, error)

	// CompileReport emits the final report conforming to the markdown contract.
	CompileReport(ctx context.Context, description string, analysis *Analysis, items []ScoredItem) (*Report, error)

	// Summarize produces a short summary of a compiled report.
	Summarize(ctx context.Context, markdown string) (string, error)

	// Translate translates long-form markdown into the target language.
	// The language code must be whitelisted; unknown codes fail before any
	// API call.
	Translate(ctx context.Context, markdown, targetLang string) (string, error)

	// TranslateBrief translates the short title and summary with a tight
	// token cap.
	TranslateBrief(ctx context.Context, title, summary, targetLang string) (string, string, error)

	// Embed returns the embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)
}
