// Package notification renders compiled reports to email HTML and sends them
// through the Resend API.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"briefcast.org/common"
	"briefcast.org/config"
)

const defaultBaseURL = "https://api.resend.com"

// Message is one outbound email.
type Message struct {
	To       string
	Subject  string
	HTMLBody string
}

// SendResult is the vendor's response to a send attempt.
type SendResult struct {
	OK    bool
	ID    string
	Error string
}

// Mailer sends a single email. Implementations must be safe for concurrent
// use by the delivery workers.
type Mailer interface {
	Send(ctx context.Context, msg Message) (*SendResult, error)
}

// Resend sends email through the Resend HTTP API.
type Resend struct {
	apiKey  string
	from    string
	baseURL string
	client  *http.Client
}

// NewResend creates a Resend mailer from config.
func NewResend(cfg config.MailConfig) *Resend {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Resend{
		apiKey:  cfg.APIKey,
		from:    cfg.FromAddress,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type resendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Send implements Mailer. A non-2xx vendor response is returned as an error so
// the delivery worker keeps the prepared state and retries.
func (r *Resend) Send(ctx context.Context, msg Message) (*SendResult, error) {
	payload := resendRequest{
		From:    r.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTMLBody,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mail payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mail send failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}

	var parsed resendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		parsed.Message = string(respBody)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		common.Logger.WithField("status", resp.StatusCode).WithField("to", msg.To).
			Error("mail vendor rejected send")
		return &SendResult{OK: false, Error: parsed.Message},
			fmt.Errorf("mail vendor returned status %d: %s", resp.StatusCode, parsed.Message)
	}

	return &SendResult{OK: true, ID: parsed.ID}, nil
}

var _ Mailer = (*Resend)(nil)
