package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"briefcast.org/common"
	"briefcast.org/config"
)

const (
	// parseAttempts is how many times a stage is re-asked after the model
	// returns output that does not match the expected JSON shape.
	parseAttempts = 3

	// relevancyBatchSize bounds how many sources are scored per model call.
	relevancyBatchSize = 10

	// briefTokenCap bounds the title/summary translation output.
	briefTokenCap = 300
)

// OpenAI implements Client over an OpenAI-compatible API.
type OpenAI struct {
	client         *openai.Client
	models         config.ModelsConfig
	embeddingModel string
}

// NewOpenAI creates the production LLM client. baseURL may be empty for the
// default endpoint, or point at any OpenAI-compatible server.
func NewOpenAI(cfg config.LLMConfig, models config.ModelsConfig) *OpenAI {
	transport := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		transport.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		transport.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = "text-embedding-3-small"
	}

	return &OpenAI{
		client:         openai.NewClientWithConfig(transport),
		models:         models,
		embeddingModel: embeddingModel,
	}
}

// chat executes one chat completion with the given stage model config.
func (o *OpenAI) chat(ctx context.Context, mc config.ModelConfig, system, user string, maxTokens int) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       mc.Model,
		Temperature: mc.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	}
	if mc.ResponseFormat == "json_object" {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	if maxTokens > 0 {
		req.MaxTokens = maxTokens
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("model returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// chatJSON runs chat and unmarshals the response into out, re-asking the model
// up to parseAttempts times when the output fails to parse.
func (o *OpenAI) chatJSON(ctx context.Context, mc config.ModelConfig, system, user string, out interface{}) error {
	var lastErr error
	for attempt := 1; attempt <= parseAttempts; attempt++ {
		content, err := o.chat(ctx, mc, system, user, 0)
		if err != nil {
			return err
		}

		if err := json.Unmarshal([]byte(stripFences(content)), out); err != nil {
			lastErr = fmt.Errorf("attempt %d: malformed model output: %w", attempt, err)
			common.Logger.WithError(err).WithField("model", mc.Model).
				WithField("attempt", attempt).Warn("model output failed to parse, re-asking")
			continue
		}
		return nil
	}
	return lastErr
}

// stripFences removes a markdown code fence around a JSON payload. Some models
// wrap JSON in ```json fences even in JSON mode.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

// GenerateQueries implements Client.
func (o *OpenAI) GenerateQueries(ctx context.Context, req QueryGenRequest) ([]GeneratedQuery, error) {
	if strings.TrimSpace(req.Description) == "" {
		return nil, fmt.Errorf("empty project description")
	}
	if req.Count <= 0 {
		req.Count = 5
	}
	if req.Date == "" {
		req.Date = time.Now().UTC().Format("2006-01-02")
	}

	var parsed struct {
		Queries []GeneratedQuery `json:"queries"`
	}
	if err := o.chatJSON(ctx, o.models.QueryGeneration, queryGenSystem, queryGenPrompt(req), &parsed); err != nil {
		return nil, fmt.Errorf("query generation: %w", err)
	}
	if len(parsed.Queries) == 0 {
		return nil, fmt.Errorf("query generation: model returned no queries")
	}
	if len(parsed.Queries) > req.Count {
		parsed.Queries = parsed.Queries[:req.Count]
	}
	return parsed.Queries, nil
}

// FilterResults implements Client.
func (o *OpenAI) FilterResults(ctx context.Context, description string, items []SourceItem) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}

	user := fmt.Sprintf("Topic:\n%s\n\nCandidates:\n%s", description, sourceList(items))
	var parsed struct {
		Keep []string `json:"keep"`
	}
	if err := o.chatJSON(ctx, o.models.SearchFiltering, filterSystem, user, &parsed); err != nil {
		return nil, fmt.Errorf("result filtering: %w", err)
	}
	return parsed.Keep, nil
}

// ScoreRelevancy implements Client. Sources are scored in batches; a format
// failure within a batch is retried by chatJSON.
func (o *OpenAI) ScoreRelevancy(ctx context.Context, description string, items []SourceItem) ([]ScoredItem, error) {
	byURL := make(map[string]SourceItem, len(items))
	for _, item := range items {
		byURL[item.URL] = item
	}

	var scored []ScoredItem
	for start := 0; start < len(items); start += relevancyBatchSize {
		end := start + relevancyBatchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]

		user := fmt.Sprintf("Topic:\n%s\n\nSources:\n%s", description, sourceList(batch))
		var parsed struct {
			Items []struct {
				URL       string   `json:"url"`
				Score     int      `json:"score"`
				KeyPoints []string `json:"keyPoints"`
			} `json:"items"`
		}
		if err := o.chatJSON(ctx, o.models.RelevancyAnalysis, relevancySystem, user, &parsed); err != nil {
			return nil, fmt.Errorf("relevancy analysis: %w", err)
		}

		for _, it := range parsed.Items {
			src, ok := byURL[it.URL]
			if !ok {
				continue // model hallucinated a URL
			}
			score := it.Score
			if score < 0 {
				score = 0
			}
			if score > 100 {
				score = 100
			}
			scored = append(scored, ScoredItem{SourceItem: src, Score: score, KeyPoints: it.KeyPoints})
		}
	}
	return scored, nil
}

// AnalyzeCrossSource implements Client.
func (o *OpenAI) AnalyzeCrossSource(ctx context.Context, description string, items []ScoredItem) (*Analysis, error) {
	user := fmt.Sprintf("Topic:\n%s\n\nRelevant sources:\n%s", description, scoredList(items))
	var analysis Analysis
	if err := o.chatJSON(ctx, o.models.CrossSourceAnalysis, analysisSystem, user, &analysis); err != nil {
		return nil, fmt.Errorf("cross-source analysis: %w", err)
	}
	return &analysis, nil
}

// CompileReport implements Client.
func (o *OpenAI) CompileReport(ctx context.Context, description string, analysis *Analysis, items []ScoredItem) (*Report, error) {
	analysisJSON, err := json.Marshal(analysis)
	if err != nil {
		return nil, fmt.Errorf("report compilation: %w", err)
	}

	user := fmt.Sprintf("Topic:\n%s\n\nAnalysis:\n%s\n\nSources:\n%s", description, analysisJSON, scoredList(items))
	var report Report
	if err := o.chatJSON(ctx, o.models.ReportCompilation, compileSystem, user, &report); err != nil {
		return nil, fmt.Errorf("report compilation: %w", err)
	}
	if strings.TrimSpace(report.Markdown) == "" || strings.TrimSpace(report.Title) == "" {
		return nil, fmt.Errorf("report compilation: model returned empty report")
	}
	return &report, nil
}

// Summarize implements Client.
func (o *OpenAI) Summarize(ctx context.Context, markdown string) (string, error) {
	var parsed struct {
		Summary string `json:"summary"`
	}
	if err := o.chatJSON(ctx, o.models.ReportSummary, summarySystem, markdown, &parsed); err != nil {
		return "", fmt.Errorf("summary: %w", err)
	}
	return parsed.Summary, nil
}

// Translate implements Client. The target code is validated against the
// whitelist before any API call is made.
func (o *OpenAI) Translate(ctx context.Context, markdown, targetLang string) (string, error) {
	name, err := LanguageName(targetLang)
	if err != nil {
		return "", err
	}

	system := fmt.Sprintf("Translate the following Markdown report into %s. Preserve all Markdown structure, links, and the References section exactly. Output only the translated Markdown.", name)
	content, err := o.chat(ctx, o.models.ReportCompilation, system, markdown, 0)
	if err != nil {
		return "", fmt.Errorf("translation: %w", err)
	}
	return content, nil
}

// TranslateBrief implements Client with a tight token cap for the short
// title/summary pair.
func (o *OpenAI) TranslateBrief(ctx context.Context, title, summary, targetLang string) (string, string, error) {
	name, err := LanguageName(targetLang)
	if err != nil {
		return "", "", err
	}

	system := fmt.Sprintf(`Translate the title and summary into %s. Respond with JSON: {"title":"...","summary":"..."}`, name)
	user := fmt.Sprintf("Title: %s\nSummary: %s", title, summary)

	var parsed struct {
		Title   string `json:"title"`
		Summary string `json:"summary"`
	}
	var lastErr error
	for attempt := 1; attempt <= parseAttempts; attempt++ {
		content, err := o.chat(ctx, o.models.ReportSummary, system, user, briefTokenCap)
		if err != nil {
			return "", "", fmt.Errorf("brief translation: %w", err)
		}
		if err := json.Unmarshal([]byte(stripFences(content)), &parsed); err != nil {
			lastErr = fmt.Errorf("brief translation: malformed model output: %w", err)
			continue
		}
		return parsed.Title, parsed.Summary, nil
	}
	return "", "", lastErr
}

// Embed implements Client.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(o.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding: empty response")
	}
	return resp.Data[0].Embedding, nil
}

var _ Client = (*OpenAI)(nil)
