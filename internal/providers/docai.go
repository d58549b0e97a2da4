package providers

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/provider"
	"github.com/sells-group/invoice-cli/internal/resilience"
	"github.com/sells-group/invoice-cli/pkg/docai"
)

// DocAI extracts invoice fields with the document AI service.
type DocAI struct {
	base
	client docai.Client
}

// NewDocAI creates the primary extraction provider. client may be nil.
func NewDocAI(client docai.Client, policy resilience.RatePolicy) *DocAI {
	return &DocAI{
		base:   base{name: NameDocAI, stage: model.StageExtraction, policy: policy},
		client: client,
	}
}

// Call submits the document and validates the extracted fields.
func (p *DocAI) Call(ctx context.Context, req provider.Request) (*provider.Result, error) {
	if p.client == nil {
		return nil, p.notConfigured()
	}
	doc := req.Invoice.Document
	if len(doc.Content) == 0 {
		return nil, resilience.NewFatal(eris.Errorf("docai: document %q has no content", doc.Name))
	}

	resp, err := p.client.Extract(ctx, docai.ExtractRequest{
		Name:           doc.Name,
		ContentType:    doc.ContentType,
		Content:        doc.Content,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		var apiErr *docai.APIError
		if errors.As(err, &apiErr) {
			return nil, httpStatusError("docai: extract", apiErr.StatusCode, apiErr.Body)
		}
		return nil, callErr(ctx, err, "docai: extract")
	}

	ext := &model.ExtractedInvoice{
		Vendor:        strings.TrimSpace(resp.Fields.Vendor),
		InvoiceNumber: strings.TrimSpace(resp.Fields.InvoiceNumber),
		Amount:        resp.Fields.Total,
		Currency:      strings.ToUpper(strings.TrimSpace(resp.Fields.Currency)),
		Date:          resp.Fields.Date,
		Text:          resp.Text,
	}
	for _, li := range resp.LineItems {
		ext.LineItems = append(ext.LineItems, model.LineItem{
			Description: li.Description,
			Quantity:    li.Quantity,
			UnitPrice:   li.UnitPrice,
			Amount:      li.Amount,
		})
	}
	if err := ValidateExtraction(ext); err != nil {
		return nil, err
	}
	return &provider.Result{Provider: p.name, Extracted: ext}, nil
}
