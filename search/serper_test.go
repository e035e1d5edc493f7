package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serperStub(t *testing.T, handler func(t *testing.T, req serperRequest) interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-API-KEY"))
		var req serperRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		body := handler(t, req)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSerperSearch(t *testing.T) {
	srv := serperStub(t, func(t *testing.T, req serperRequest) interface{} {
		assert.Equal(t, "golang generics", req.Q)
		assert.Equal(t, 10, req.Num)
		assert.Equal(t, "us", req.GL)
		assert.Equal(t, "en", req.HL)
		assert.Equal(t, "qdr:w", req.TBS)
		return serperResponse{Organic: []serperOrganic{
			{Title: "Go Generics", Link: "https://go.dev/blog/intro-generics", Snippet: "An introduction", Date: "2024-01-02"},
		}}
	})

	s := NewSerperWithEndpoint("test-key", srv.URL, 5*time.Second)
	resp, err := s.Search(context.Background(), "golang generics", Filters{
		Count: 10, Freshness: FreshnessWeek, Country: "us", Language: "en",
	})
	require.NoError(t, err)
	assert.Equal(t, "serper", resp.Provider)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "https://go.dev/blog/intro-generics", resp.Results[0].URL)
	assert.Equal(t, "2024-01-02", resp.Results[0].PublishedDate)
}

func TestSerperDomainOperators(t *testing.T) {
	srv := serperStub(t, func(t *testing.T, req serperRequest) interface{} {
		assert.Equal(t, "kubernetes release site:github.com site:kubernetes.io -site:pinterest.com", req.Q)
		return serperResponse{}
	})

	s := NewSerperWithEndpoint("test-key", srv.URL, 5*time.Second)
	_, err := s.Search(context.Background(), "kubernetes release", Filters{
		Count:          10,
		IncludeDomains: []string{"kubernetes.io", "github.com"},
		ExcludeDomains: []string{"pinterest.com"},
	})
	require.NoError(t, err)
}

func TestSerperDateRangeTBS(t *testing.T) {
	srv := serperStub(t, func(t *testing.T, req serperRequest) interface{} {
		assert.Equal(t, "cdr:1,cd_min:2024-01-01,cd_max:2024-02-01", req.TBS)
		return serperResponse{}
	})

	s := NewSerperWithEndpoint("test-key", srv.URL, 5*time.Second)
	_, err := s.Search(context.Background(), "q", Filters{
		Count: 10, DateFrom: "2024-01-01", DateTo: "2024-02-01",
	})
	require.NoError(t, err)
}

func TestSerperOffsetAlignment(t *testing.T) {
	tests := []struct {
		name     string
		count    int
		offset   int
		wantPage int
	}{
		{"aligned offset", 10, 20, 3},
		{"misaligned offset rounds down", 10, 25, 3},
		{"zero offset omits page", 10, 0, 0},
		{"offset below count", 10, 7, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serperStub(t, func(t *testing.T, req serperRequest) interface{} {
				assert.Equal(t, tt.wantPage, req.Page)
				return serperResponse{}
			})
			s := NewSerperWithEndpoint("test-key", srv.URL, 5*time.Second)
			_, err := s.Search(context.Background(), "q", Filters{Count: tt.count, Offset: tt.offset})
			require.NoError(t, err)
		})
	}
}

func TestSerperRejectsConflictingFilters(t *testing.T) {
	s := NewSerper("test-key", 5*time.Second)
	_, err := s.Search(context.Background(), "q", Filters{
		Count: 10, Freshness: FreshnessWeek, DateFrom: "2024-01-01",
	})
	assert.Error(t, err)
}

func TestSerperAbortsOnClientError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"invalid api key"}`))
	}))
	t.Cleanup(srv.Close)

	s := NewSerperWithEndpoint("bad-key", srv.URL, 5*time.Second)
	_, err := s.Search(context.Background(), "q", Filters{Count: 10})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryableStatus(t *testing.T) {
	assert.True(t, retryable(http.StatusTooManyRequests))
	assert.True(t, retryable(http.StatusInternalServerError))
	assert.True(t, retryable(http.StatusBadGateway))
	assert.False(t, retryable(http.StatusForbidden))
	assert.False(t, retryable(http.StatusBadRequest))
	assert.False(t, retryable(http.StatusNotFound))
}
