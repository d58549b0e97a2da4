package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/monitoring"
	"github.com/sells-group/invoice-cli/internal/resilience"
	"github.com/sells-group/invoice-cli/pkg/mailer"
)

var testMailerConfig = MailerConfig{From: "ap-bot@example.com", To: []string{"ap@example.com", "finance@example.com"}}

func TestMailer_Call(t *testing.T) {
	var got mailer.Message
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Idempotent-Replayed", "true")
		_ = json.NewEncoder(w).Encode(mailer.SendResponse{MessageID: "msg-1", To: got.To})
	}))
	defer srv.Close()

	p := NewMailer(mailer.NewClient("token", mailer.WithBaseURL(srv.URL)), testMailerConfig, resilience.RatePolicy{})
	res, err := p.Call(context.Background(), testRequest(model.StageNotification))
	require.NoError(t, err)

	assert.Equal(t, "msg-1", res.MessageID)
	assert.True(t, res.Duplicate)
	assert.Equal(t, "inv-1:notification", key)
	assert.Equal(t, "ap@example.com,finance@example.com", got.To)
	assert.Equal(t, "Invoice INV-1001 from ACME Corp processed", got.Subject)
	assert.Contains(t, got.TextBody, "Amount:  1250.00 USD")
	assert.Equal(t, "inv-1", got.Metadata["invoice_id"])
}

func TestMailer_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   resilience.Class
	}{
		{http.StatusInternalServerError, resilience.Retryable},
		{http.StatusTooManyRequests, resilience.Fallback},
		{http.StatusUnauthorized, resilience.Fallback},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p := NewMailer(mailer.NewClient("token", mailer.WithBaseURL(srv.URL)), testMailerConfig, resilience.RatePolicy{})
			_, err := p.Call(context.Background(), testRequest(model.StageNotification))
			require.Error(t, err)
			assert.Equal(t, tt.want, p.Classify(err))
		})
	}
}

func TestMailer_NoRecipientsIsNotConfigured(t *testing.T) {
	p := NewMailer(mailer.NewClient("token"), MailerConfig{From: "ap-bot@example.com"}, resilience.RatePolicy{})
	_, err := p.Call(context.Background(), testRequest(model.StageNotification))
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestWebhook_Call(t *testing.T) {
	var calls atomic.Int32
	var event WebhookEvent
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		key = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&event))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewWebhook(monitoring.NewWebhook(time.Second), srv.URL, resilience.RatePolicy{})
	p.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	res, err := p.Call(context.Background(), testRequest(model.StageNotification))
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "inv-1:notification", key)
	assert.Equal(t, "inv-1:notification", res.MessageID)
	assert.Equal(t, "invoice.processed", event.Event)
	assert.Equal(t, "inv-1", event.InvoiceID)
	require.NotNil(t, event.Extracted)
	assert.Equal(t, "INV-1001", event.Extracted.InvoiceNumber)
	assert.True(t, event.ProcessedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
}

func TestWebhook_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewWebhook(monitoring.NewWebhook(time.Second), srv.URL, resilience.RatePolicy{})
	_, err := p.Call(context.Background(), testRequest(model.StageNotification))
	require.Error(t, err)
	assert.Equal(t, resilience.Retryable, p.Classify(err))
}

func TestSummary(t *testing.T) {
	inv := testInvoice()
	inv.ERPRef = "a0B000000000001"
	inv.Analysis = &model.Analysis{Entities: map[string]string{"due_date": "2026-03-29"}}
	req := testRequest(model.StageNotification)
	req.Invoice = inv.Snapshot()

	body := summary(req)
	assert.Contains(t, body, "Invoice inv-1 has been processed.")
	assert.Contains(t, body, "Vendor:  ACME Corp")
	assert.Contains(t, body, "Record:  a0B000000000001")
	assert.Contains(t, body, "Due:     2026-03-29")
}
