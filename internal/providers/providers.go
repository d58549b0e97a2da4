// Package providers implements the vendor integrations behind each stage's
// fallback chain.
package providers

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/invoice-cli/internal/config"
	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/monitoring"
	"github.com/sells-group/invoice-cli/internal/provider"
	"github.com/sells-group/invoice-cli/internal/resilience"
	"github.com/sells-group/invoice-cli/pkg/anthropic"
	"github.com/sells-group/invoice-cli/pkg/docai"
	"github.com/sells-group/invoice-cli/pkg/mailer"
	"github.com/sells-group/invoice-cli/pkg/notion"
	"github.com/sells-group/invoice-cli/pkg/salesforce"
)

// Provider names as used in chain config and rate limits.
const (
	NameDocAI         = "docai"
	NameClaudeExtract = "claude_extract"
	NameClaudeAnalyze = "claude_analyze"
	NameLocal         = "local"
	NameSalesforce    = "salesforce"
	NameNotion        = "notion"
	NameMailer        = "mailer"
	NameWebhook       = "webhook"
)

// ErrNotConfigured is returned by providers whose vendor credentials are
// missing. It classifies as Fallback so the chain moves on.
var ErrNotConfigured = eris.New("providers: not configured")

// Clients holds the vendor clients available to the registry. A nil client
// registers its providers as unconfigured.
type Clients struct {
	DocAI      docai.Client
	Anthropic  anthropic.Client
	Salesforce salesforce.Client
	Notion     notion.Client
	Mailer     mailer.Client
	Webhook    *monitoring.Webhook
}

// NewRegistry registers every provider, configured from cfg.
func NewRegistry(cfg *config.Config, clients Clients) *provider.Registry {
	policy := func(name string) resilience.RatePolicy {
		rl := cfg.RateLimit(name)
		if rl.Capacity == 0 && rl.MaxInFlight == 0 {
			return resilience.RatePolicy{}
		}
		return resilience.FromRatePolicy(rl.Capacity, rl.WindowSecs, rl.MaxInFlight)
	}

	claude := ClaudeConfig{Model: cfg.Anthropic.Model, MaxTokens: cfg.Anthropic.MaxTokens}

	reg := provider.NewRegistry()
	reg.Register(NewDocAI(clients.DocAI, policy(NameDocAI)))
	reg.Register(NewClaudeExtractor(clients.Anthropic, claude, policy(NameClaudeExtract)))
	reg.Register(NewClaudeAnalyzer(clients.Anthropic, claude, policy(NameClaudeAnalyze)))
	reg.Register(NewLocalAnalyzer(policy(NameLocal)))
	reg.Register(NewSalesforce(clients.Salesforce, cfg.Salesforce.Object, policy(NameSalesforce)))
	reg.Register(NewNotion(clients.Notion, cfg.Notion.InvoiceDB, policy(NameNotion)))
	reg.Register(NewMailer(clients.Mailer, MailerConfig{From: cfg.Mailer.From, To: cfg.Mailer.To}, policy(NameMailer)))
	reg.Register(NewWebhook(clients.Webhook, cfg.Webhook.URL, policy(NameWebhook)))
	return reg
}

// base carries the static identity shared by every provider.
type base struct {
	name   string
	stage  model.Stage
	policy resilience.RatePolicy
}

func (b base) Name() string                           { return b.name }
func (b base) Stage() model.Stage                     { return b.stage }
func (b base) RateLimitPolicy() resilience.RatePolicy { return b.policy }

// Classify applies the default classification. Providers with vendor
// specific status codes override it.
func (b base) Classify(err error) resilience.Class {
	return resilience.DefaultClassifier(err)
}

func (b base) notConfigured() error {
	return resilience.NewFallback(eris.Wrapf(ErrNotConfigured, "providers: %s", b.name))
}

// requireExtracted returns the extraction output downstream stages build on.
// A record without it cannot be served by any provider.
func requireExtracted(req provider.Request) (*model.ExtractedInvoice, error) {
	if req.Invoice.Extracted == nil {
		return nil, resilience.NewFatal(eris.Errorf("providers: invoice %s has no extracted fields", req.InvoiceID))
	}
	return req.Invoice.Extracted, nil
}

// httpStatusError converts a vendor status error into a *resilience.HTTPError
// so the default classifier can read its status.
func httpStatusError(op string, status int, body string) error {
	return &resilience.HTTPError{Op: op, StatusCode: status, Body: body}
}

// callErr wraps a vendor failure unless it is already a status or classified
// error, which are returned as is so classification sees them directly.
func callErr(ctx context.Context, err error, msg string) error {
	var he *resilience.HTTPError
	if errors.As(err, &he) || resilience.ClassOf(err) != 0 {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return eris.Wrap(err, msg)
}
