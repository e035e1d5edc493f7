package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"briefcast.org/config"
)

func TestResendSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emails", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req resendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "reports@briefcast.org", req.From)
		assert.Equal(t, []string{"reader@example.com"}, req.To)
		assert.Equal(t, "Weekly Report", req.Subject)
		assert.Contains(t, req.HTML, "<h1>")

		json.NewEncoder(w).Encode(resendResponse{ID: "mail-123"})
	}))
	t.Cleanup(srv.Close)

	m := NewResend(config.MailConfig{
		APIKey: "test-key", FromAddress: "reports@briefcast.org", BaseURL: srv.URL,
	})

	res, err := m.Send(context.Background(), Message{
		To: "reader@example.com", Subject: "Weekly Report", HTMLBody: "<h1>Report</h1>",
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "mail-123", res.ID)
}

func TestResendSendVendorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(resendResponse{Message: "invalid from address"})
	}))
	t.Cleanup(srv.Close)

	m := NewResend(config.MailConfig{APIKey: "k", FromAddress: "bad", BaseURL: srv.URL})

	res, err := m.Send(context.Background(), Message{To: "reader@example.com"})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "invalid from address")
}
