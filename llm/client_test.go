package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"briefcast.org/config"
)

// chatServer is an OpenAI-compatible stub that replies with the queued
// message contents in order, one per request.
func chatServer(t *testing.T, replies ...string) (*httptest.Server, *int) {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Less(t, calls, len(replies), "more chat calls than queued replies")
		reply := replies[calls]
		calls++

		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": reply}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestClient(baseURL string) *OpenAI {
	model := config.ModelConfig{Model: "test-model", Temperature: 0.3}
	return NewOpenAI(
		config.LLMConfig{APIKey: "test-key", BaseURL: baseURL, Timeout: 5 * time.Second},
		config.ModelsConfig{
			QueryGeneration:     model,
			SearchFiltering:     model,
			RelevancyAnalysis:   model,
			CrossSourceAnalysis: model,
			ReportCompilation:   model,
			ReportSummary:       model,
		},
	)
}

func TestGenerateQueries(t *testing.T) {
	srv, _ := chatServer(t, `{"queries":[{"query":"go generics tutorial","strategy":"broad"},{"query":"go 1.24 release notes","strategy":"recent"}]}`)
	c := newTestClient(srv.URL)

	queries, err := c.GenerateQueries(context.Background(), QueryGenRequest{
		Description: "Go language news", Count: 5,
	})
	require.NoError(t, err)
	require.Len(t, queries, 2)
	assert.Equal(t, "go generics tutorial", queries[0].Query)
	assert.Equal(t, StrategyBroad, queries[0].Strategy)
}

func TestGenerateQueriesTruncatesToCount(t *testing.T) {
	srv, _ := chatServer(t, `{"queries":[{"query":"a"},{"query":"b"},{"query":"c"}]}`)
	c := newTestClient(srv.URL)

	queries, err := c.GenerateQueries(context.Background(), QueryGenRequest{
		Description: "topic", Count: 2,
	})
	require.NoError(t, err)
	assert.Len(t, queries, 2)
}

func TestGenerateQueriesEmptyDescription(t *testing.T) {
	c := newTestClient("http://unreachable.invalid")
	_, err := c.GenerateQueries(context.Background(), QueryGenRequest{Description: "  "})
	require.Error(t, err)
}

func TestChatJSONReasksOnMalformedOutput(t *testing.T) {
	srv, calls := chatServer(t,
		"Sure! Here are the queries you asked for.",
		`{"queries":[{"query":"retry worked"}]}`,
	)
	c := newTestClient(srv.URL)

	queries, err := c.GenerateQueries(context.Background(), QueryGenRequest{Description: "topic", Count: 3})
	require.NoError(t, err)
	require.Len(t, queries, 1)
	assert.Equal(t, "retry worked", queries[0].Query)
	assert.Equal(t, 2, *calls)
}

func TestChatJSONStripsCodeFences(t *testing.T) {
	srv, _ := chatServer(t, "```json\n{\"queries\":[{\"query\":\"fenced\"}]}\n```")
	c := newTestClient(srv.URL)

	queries, err := c.GenerateQueries(context.Background(), QueryGenRequest{Description: "topic", Count: 3})
	require.NoError(t, err)
	require.Len(t, queries, 1)
	assert.Equal(t, "fenced", queries[0].Query)
}

func TestScoreRelevancyBatchesAndClamps(t *testing.T) {
	// 12 sources with a batch size of 10 means exactly two model calls.
	items := make([]SourceItem, 12)
	batch1 := make([]map[string]interface{}, 10)
	batch2 := make([]map[string]interface{}, 2)
	for i := range items {
		url := fmt.Sprintf("https://example.com/%d", i)
		items[i] = SourceItem{URL: url, Title: fmt.Sprintf("Source %d", i)}
		entry := map[string]interface{}{"url": url, "score": 70, "keyPoints": []string{"point"}}
		if i < 10 {
			batch1[i] = entry
		} else {
			batch2[i-10] = entry
		}
	}
	batch1[0]["score"] = 140 // clamped to 100
	batch1[1]["score"] = -5  // clamped to 0
	batch2 = append(batch2, map[string]interface{}{"url": "https://example.com/hallucinated", "score": 99})

	reply1, _ := json.Marshal(map[string]interface{}{"items": batch1})
	reply2, _ := json.Marshal(map[string]interface{}{"items": batch2})
	srv, calls := chatServer(t, string(reply1), string(reply2))
	c := newTestClient(srv.URL)

	scored, err := c.ScoreRelevancy(context.Background(), "topic", items)
	require.NoError(t, err)
	assert.Equal(t, 2, *calls)

	// The hallucinated URL is dropped, everything real is kept.
	require.Len(t, scored, 12)
	assert.Equal(t, 100, scored[0].Score)
	assert.Equal(t, 0, scored[1].Score)
}

func TestCompileReportRejectsEmptyReport(t *testing.T) {
	srv, _ := chatServer(t, `{"markdown":"","title":"","summary":""}`)
	c := newTestClient(srv.URL)

	_, err := c.CompileReport(context.Background(), "topic", &Analysis{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty report")
}

func TestTranslateRejectsUnknownLanguageWithoutAPICall(t *testing.T) {
	c := newTestClient("http://unreachable.invalid")

	_, err := c.Translate(context.Background(), "# Report", "xx")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported output language")

	_, _, err = c.TranslateBrief(context.Background(), "Title", "Summary", "xx")
	require.Error(t, err)
}

func TestTranslateBrief(t *testing.T) {
	srv, _ := chatServer(t, `{"title":"Titel","summary":"Zusammenfassung"}`)
	c := newTestClient(srv.URL)

	title, summary, err := c.TranslateBrief(context.Background(), "Title", "Summary", "de")
	require.NoError(t, err)
	assert.Equal(t, "Titel", title)
	assert.Equal(t, "Zusammenfassung", summary)
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embeddings", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"embedding": []float32{0.1, 0.2, 0.3}, "index": 0},
			},
		})
	}))
	t.Cleanup(srv.Close)
	c := newTestClient(srv.URL)

	vec, err := c.Embed(context.Background(), "query text")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestLanguageName(t *testing.T) {
	tests := []struct {
		code    string
		want    string
		wantErr bool
	}{
		{"de", "German", false},
		{"DE", "German", false},
		{"ja", "Japanese", false},
		{"xx", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			name, err := LanguageName(tt.code)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, name)
		})
	}
}
