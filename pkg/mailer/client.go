// Package mailer provides a client for a transactional email HTTP API.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Client sends transactional email.
type Client interface {
	Send(ctx context.Context, msg Message) (*SendResponse, error)
}

// Message is one outgoing email.
type Message struct {
	From     string            `json:"From"`
	To       string            `json:"To"`
	Subject  string            `json:"Subject"`
	TextBody string            `json:"TextBody"`
	Tag      string            `json:"Tag,omitempty"`
	Metadata map[string]string `json:"Metadata,omitempty"`
	// IdempotencyKey is sent as a header; a repeated key returns the
	// original message instead of sending again.
	IdempotencyKey string `json:"-"`
}

// SendResponse is the API acknowledgement.
type SendResponse struct {
	MessageID string    `json:"MessageID"`
	To        string    `json:"To"`
	SubmitAt  time.Time `json:"SubmittedAt"`
	ErrorCode int       `json:"ErrorCode"`
	Message   string    `json:"Message"`
	// Replayed is set when the API answered from its idempotency cache.
	Replayed bool `json:"-"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mailer: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the mailer client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	token   string
	baseURL string
	http    *http.Client
}

// NewClient creates a mailer client authenticated with a server token.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: "https://api.postmarkapp.com",
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Send(ctx context.Context, msg Message) (*SendResponse, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, eris.Wrap(err, "mailer: marshal message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/email", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "mailer: create request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.token)
	if msg.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "mailer: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "mailer: read response body")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var out SendResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "mailer: unmarshal response")
	}
	if out.ErrorCode != 0 {
		return nil, eris.Errorf("mailer: api error %d: %s", out.ErrorCode, out.Message)
	}
	out.Replayed = resp.Header.Get("Idempotent-Replayed") == "true"
	return &out, nil
}
