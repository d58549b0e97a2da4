package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/provider"
	"github.com/sells-group/invoice-cli/internal/resilience"
	"github.com/sells-group/invoice-cli/pkg/anthropic"
)

// statusOverloaded is Anthropic's "overloaded" status.
const statusOverloaded = 529

const extractPrompt = `You extract structured data from invoices.
Respond with a single JSON object and nothing else, using these keys:
vendor (string), invoice_number (string), amount (number, invoice total),
currency (ISO 4217 code), date (YYYY-MM-DD), line_items (array of objects with
description, quantity, unit_price and amount).
Use an empty string or 0 for values not present in the document.`

const analyzePrompt = `You analyze invoices for accounts payable.
You receive the extracted invoice fields as JSON followed by the document text.
Respond with a single JSON object and nothing else:
{"entities": {"<name>": "<value>", ...}, "confidence": <number between 0 and 1>}
Entities should include vendor, invoice_number, amount, currency, date,
due_date, payment_terms, po_number, tax_id and remit_to when present.`

// ClaudeConfig holds model settings shared by the Claude providers.
type ClaudeConfig struct {
	Model     string
	MaxTokens int64
}

// claude is the shared Claude call path.
type claude struct {
	base
	client anthropic.Client
	cfg    ClaudeConfig
}

func newClaude(name string, stage model.Stage, client anthropic.Client, cfg ClaudeConfig, policy resilience.RatePolicy) claude {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	return claude{
		base:   base{name: name, stage: stage, policy: policy},
		client: client,
		cfg:    cfg,
	}
}

// Classify treats an overloaded API as retryable.
func (c claude) Classify(err error) resilience.Class {
	var he *resilience.HTTPError
	if errors.As(err, &he) && he.StatusCode == statusOverloaded {
		return resilience.Retryable
	}
	return resilience.DefaultClassifier(err)
}

// complete sends one prompt and decodes the JSON object in the reply into out.
func (c claude) complete(ctx context.Context, system, user string, out any) error {
	temp := 0.0
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		System:      anthropic.BuildCachedSystemBlocks(system),
		Messages:    []anthropic.Message{{Role: "user", Content: user}},
		Temperature: &temp,
	})
	if err != nil {
		if status := anthropic.StatusCode(err); status != 0 {
			return httpStatusError("anthropic: create message", status, err.Error())
		}
		return callErr(ctx, err, "anthropic: create message")
	}
	resp.Usage.LogCost(c.cfg.Model, string(c.stage))

	if resp.StopReason == "max_tokens" {
		return resilience.NewFallback(eris.Errorf("%s: response truncated at %d tokens", c.name, c.cfg.MaxTokens))
	}
	if err := json.Unmarshal([]byte(cleanJSON(resp.Text())), out); err != nil {
		return resilience.NewRetryable(eris.Wrapf(err, "%s: parse response", c.name))
	}
	return nil
}

// ClaudeExtractor extracts invoice fields from text documents with Claude.
type ClaudeExtractor struct {
	claude
}

// NewClaudeExtractor creates the fallback extraction provider. client may be nil.
func NewClaudeExtractor(client anthropic.Client, cfg ClaudeConfig, policy resilience.RatePolicy) *ClaudeExtractor {
	return &ClaudeExtractor{claude: newClaude(NameClaudeExtract, model.StageExtraction, client, cfg, policy)}
}

// Call extracts fields from the document text. Binary documents are left to
// other extractors.
func (p *ClaudeExtractor) Call(ctx context.Context, req provider.Request) (*provider.Result, error) {
	if p.client == nil {
		return nil, p.notConfigured()
	}
	doc := req.Invoice.Document
	if !isText(doc.ContentType) {
		return nil, resilience.NewFallback(eris.Errorf("%s: unsupported content type %q", p.name, doc.ContentType))
	}
	text := strings.TrimSpace(string(doc.Content))
	if text == "" {
		return nil, resilience.NewFatal(eris.Errorf("%s: document %q has no content", p.name, doc.Name))
	}

	var ext model.ExtractedInvoice
	if err := p.complete(ctx, extractPrompt, text, &ext); err != nil {
		return nil, err
	}
	ext.Currency = strings.ToUpper(strings.TrimSpace(ext.Currency))
	ext.Text = text
	if err := ValidateExtraction(&ext); err != nil {
		return nil, err
	}
	return &provider.Result{Provider: p.name, Extracted: &ext}, nil
}

// ClaudeAnalyzer produces the entity map with Claude.
type ClaudeAnalyzer struct {
	claude
}

// NewClaudeAnalyzer creates the primary analysis provider. client may be nil.
func NewClaudeAnalyzer(client anthropic.Client, cfg ClaudeConfig, policy resilience.RatePolicy) *ClaudeAnalyzer {
	return &ClaudeAnalyzer{claude: newClaude(NameClaudeAnalyze, model.StageAnalysis, client, cfg, policy)}
}

// Call analyzes the extracted fields and document text.
func (p *ClaudeAnalyzer) Call(ctx context.Context, req provider.Request) (*provider.Result, error) {
	if p.client == nil {
		return nil, p.notConfigured()
	}
	ext, err := requireExtracted(req)
	if err != nil {
		return nil, err
	}

	fields := *ext
	fields.Text = ""
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, eris.Wrap(err, "claude_analyze: marshal fields")
	}
	user := string(fieldsJSON) + "\n\n" + ext.Text

	var raw struct {
		Entities   map[string]any `json:"entities"`
		Confidence float64        `json:"confidence"`
	}
	if err := p.complete(ctx, analyzePrompt, user, &raw); err != nil {
		return nil, err
	}
	if len(raw.Entities) == 0 {
		return nil, resilience.NewFallback(eris.Errorf("%s: no entities returned", p.name))
	}

	entities := make(map[string]string, len(raw.Entities))
	for k, v := range raw.Entities {
		if v == nil {
			continue
		}
		entities[k] = fmt.Sprint(v)
	}
	return &provider.Result{
		Provider: p.name,
		Analysis: &model.Analysis{Entities: entities, Confidence: clamp01(raw.Confidence)},
	}, nil
}

// isText reports whether a document can be sent to a language model as is.
func isText(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch {
	case strings.HasPrefix(ct, "text/"):
		return true
	case ct == "application/json", ct == "application/xml":
		return true
	}
	return false
}

// cleanJSON strips markdown fences and extracts the JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
