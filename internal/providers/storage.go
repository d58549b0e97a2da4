package providers

import (
	"context"
	"strings"

	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/provider"
	"github.com/sells-group/invoice-cli/internal/resilience"
	"github.com/sells-group/invoice-cli/pkg/notion"
	"github.com/sells-group/invoice-cli/pkg/salesforce"
)

// Salesforce stores invoices as records of a custom object, deduplicated on
// the idempotency key field.
type Salesforce struct {
	base
	client salesforce.Client
	object string
}

// NewSalesforce creates the primary storage provider. client may be nil.
func NewSalesforce(client salesforce.Client, object string, policy resilience.RatePolicy) *Salesforce {
	if object == "" {
		object = "Invoice__c"
	}
	return &Salesforce{
		base:   base{name: NameSalesforce, stage: model.StageStorage, policy: policy},
		client: client,
		object: object,
	}
}

// Call creates the invoice record, or returns the existing one for the key.
func (p *Salesforce) Call(ctx context.Context, req provider.Request) (*provider.Result, error) {
	if p.client == nil {
		return nil, p.notConfigured()
	}
	ext, err := requireExtracted(req)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{
		"Name":                      recordTitle(ext),
		"Vendor__c":                 ext.Vendor,
		"Invoice_Number__c":         ext.InvoiceNumber,
		"Amount__c":                 ext.Amount,
		salesforce.IdempotencyField: req.IdempotencyKey,
	}
	if ext.Currency != "" {
		fields["Currency__c"] = ext.Currency
	}
	if ext.Date != "" {
		fields["Invoice_Date__c"] = ext.Date
	}

	id, reused, err := salesforce.UpsertInvoice(ctx, p.client, p.object, fields)
	if err != nil {
		return nil, callErr(ctx, err, "salesforce: upsert invoice")
	}
	return &provider.Result{Provider: p.name, ExternalRef: id, Duplicate: reused}, nil
}

// Notion stores invoices as rows of a Notion database, deduplicated on the
// idempotency key property.
type Notion struct {
	base
	client notion.Client
	dbID   string
}

// NewNotion creates the fallback storage provider. client may be nil.
func NewNotion(client notion.Client, dbID string, policy resilience.RatePolicy) *Notion {
	return &Notion{
		base:   base{name: NameNotion, stage: model.StageStorage, policy: policy},
		client: client,
		dbID:   dbID,
	}
}

// Call creates the invoice row, or returns the existing one for the key.
func (p *Notion) Call(ctx context.Context, req provider.Request) (*provider.Result, error) {
	if p.client == nil || p.dbID == "" {
		return nil, p.notConfigured()
	}
	ext, err := requireExtracted(req)
	if err != nil {
		return nil, err
	}

	id, reused, err := notion.UpsertInvoicePage(ctx, p.client, p.dbID, notion.InvoicePage{
		Title:          recordTitle(ext),
		Vendor:         ext.Vendor,
		InvoiceNumber:  ext.InvoiceNumber,
		Amount:         ext.Amount,
		Currency:       ext.Currency,
		InvoiceDate:    ext.Date,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, callErr(ctx, err, "notion: upsert invoice page")
	}
	return &provider.Result{Provider: p.name, ExternalRef: id, Duplicate: reused}, nil
}

// recordTitle names a stored invoice, e.g. "Acme Corp INV-1001".
func recordTitle(ext *model.ExtractedInvoice) string {
	title := strings.TrimSpace(ext.Vendor + " " + ext.InvoiceNumber)
	if len(title) > 80 {
		title = title[:80]
	}
	return title
}
