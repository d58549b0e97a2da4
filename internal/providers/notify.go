package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/monitoring"
	"github.com/sells-group/invoice-cli/internal/provider"
	"github.com/sells-group/invoice-cli/internal/resilience"
	"github.com/sells-group/invoice-cli/pkg/mailer"
)

// MailerConfig holds the sender and recipients of notification emails.
type MailerConfig struct {
	From string
	To   []string
}

// Mailer notifies by transactional email.
type Mailer struct {
	base
	client mailer.Client
	cfg    MailerConfig
}

// NewMailer creates the primary notification provider. client may be nil.
func NewMailer(client mailer.Client, cfg MailerConfig, policy resilience.RatePolicy) *Mailer {
	return &Mailer{
		base:   base{name: NameMailer, stage: model.StageNotification, policy: policy},
		client: client,
		cfg:    cfg,
	}
}

// Call sends the processed-invoice email with the stage idempotency key.
func (p *Mailer) Call(ctx context.Context, req provider.Request) (*provider.Result, error) {
	if p.client == nil || p.cfg.From == "" || len(p.cfg.To) == 0 {
		return nil, p.notConfigured()
	}
	ext, err := requireExtracted(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Send(ctx, mailer.Message{
		From:     p.cfg.From,
		To:       strings.Join(p.cfg.To, ","),
		Subject:  fmt.Sprintf("Invoice %s from %s processed", ext.InvoiceNumber, ext.Vendor),
		TextBody: summary(req),
		Tag:      "invoice-processed",
		Metadata: map[string]string{
			"invoice_id": req.InvoiceID,
			"erp_ref":    req.Invoice.ERPRef,
		},
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		var apiErr *mailer.APIError
		if errors.As(err, &apiErr) {
			return nil, httpStatusError("mailer: send", apiErr.StatusCode, apiErr.Body)
		}
		return nil, callErr(ctx, err, "mailer: send")
	}
	return &provider.Result{Provider: p.name, MessageID: resp.MessageID, Duplicate: resp.Replayed}, nil
}

// WebhookEvent is the JSON body posted by the webhook provider.
type WebhookEvent struct {
	Event       string                  `json:"event"`
	InvoiceID   string                  `json:"invoice_id"`
	ERPRef      string                  `json:"erp_ref,omitempty"`
	Extracted   *model.ExtractedInvoice `json:"extracted,omitempty"`
	Analysis    *model.Analysis         `json:"analysis,omitempty"`
	ProcessedAt time.Time               `json:"processed_at"`
}

// Webhook notifies by posting the processed invoice to an HTTP endpoint.
type Webhook struct {
	base
	hook *monitoring.Webhook
	url  string
	now  func() time.Time
}

// NewWebhook creates the fallback notification provider. hook may be nil.
func NewWebhook(hook *monitoring.Webhook, url string, policy resilience.RatePolicy) *Webhook {
	return &Webhook{
		base: base{name: NameWebhook, stage: model.StageNotification, policy: policy},
		hook: hook,
		url:  url,
		now:  time.Now,
	}
}

// Call posts the event. Receivers deduplicate on the Idempotency-Key header,
// which doubles as the message ID.
func (p *Webhook) Call(ctx context.Context, req provider.Request) (*provider.Result, error) {
	if p.hook == nil || p.url == "" {
		return nil, p.notConfigured()
	}
	event := WebhookEvent{
		Event:       "invoice.processed",
		InvoiceID:   req.InvoiceID,
		ERPRef:      req.Invoice.ERPRef,
		Extracted:   req.Invoice.Extracted,
		Analysis:    req.Invoice.Analysis,
		ProcessedAt: p.now().UTC(),
	}
	headers := map[string]string{"Idempotency-Key": req.IdempotencyKey}
	if err := p.hook.Post(ctx, p.url, event, headers); err != nil {
		return nil, callErr(ctx, err, "webhook: post")
	}
	return &provider.Result{Provider: p.name, MessageID: req.IdempotencyKey}, nil
}

// summary renders the plain-text email body.
func summary(req provider.Request) string {
	inv := req.Invoice
	var b strings.Builder
	fmt.Fprintf(&b, "Invoice %s has been processed.\n\n", req.InvoiceID)
	if ext := inv.Extracted; ext != nil {
		fmt.Fprintf(&b, "Vendor:  %s\n", ext.Vendor)
		fmt.Fprintf(&b, "Number:  %s\n", ext.InvoiceNumber)
		fmt.Fprintf(&b, "Amount:  %.2f %s\n", ext.Amount, ext.Currency)
		fmt.Fprintf(&b, "Date:    %s\n", ext.Date)
	}
	if inv.ERPRef != "" {
		fmt.Fprintf(&b, "Record:  %s\n", inv.ERPRef)
	}
	if inv.Analysis != nil {
		if due := inv.Analysis.Entities["due_date"]; due != "" {
			fmt.Fprintf(&b, "Due:     %s\n", due)
		}
	}
	return b.String()
}
