package salesforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// IdempotencyField is the external-id field that makes invoice inserts
// safe to repeat.
const IdempotencyField = "Idempotency_Key__c"

// InvoiceRecord represents a stored invoice record.
type InvoiceRecord struct {
	ID             string  `json:"Id" salesforce:"Id"`
	Name           string  `json:"Name" salesforce:"Name"`
	Vendor         string  `json:"Vendor__c" salesforce:"Vendor__c"`
	InvoiceNumber  string  `json:"Invoice_Number__c" salesforce:"Invoice_Number__c"`
	Amount         float64 `json:"Amount__c" salesforce:"Amount__c"`
	Currency       string  `json:"Currency__c" salesforce:"Currency__c"`
	InvoiceDate    string  `json:"Invoice_Date__c" salesforce:"Invoice_Date__c"`
	IdempotencyKey string  `json:"Idempotency_Key__c" salesforce:"Idempotency_Key__c"`
}

// invoiceFields are the SOQL fields selected for invoice queries.
var invoiceFields = []string{
	"Id", "Name", "Vendor__c", "Invoice_Number__c", "Amount__c",
	"Currency__c", "Invoice_Date__c", "Idempotency_Key__c",
}

// FindInvoiceByKey queries the invoice object for a record carrying the
// idempotency key. Returns nil if no record is found.
func FindInvoiceByKey(ctx context.Context, c Client, object, key string) (*InvoiceRecord, error) {
	soql := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = '%s' LIMIT 1",
		strings.Join(invoiceFields, ", "),
		object,
		IdempotencyField,
		escapeSoql(key),
	)

	var records []InvoiceRecord
	if err := c.Query(ctx, soql, &records); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sf: find invoice by key %s", key))
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// UpsertInvoice creates the invoice record unless one with the same
// idempotency key already exists. It returns the record ID and whether an
// existing record was reused.
func UpsertInvoice(ctx context.Context, c Client, object string, fields map[string]any) (string, bool, error) {
	key, _ := fields[IdempotencyField].(string)
	if key == "" {
		return "", false, eris.New("sf: invoice " + IdempotencyField + " is required")
	}

	existing, err := FindInvoiceByKey(ctx, c, object, key)
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		return existing.ID, true, nil
	}

	id, err := c.InsertOne(ctx, object, fields)
	if err != nil {
		return "", false, eris.Wrap(err, fmt.Sprintf("sf: create invoice %s", key))
	}
	return id, false, nil
}

var soqlEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// escapeSoql escapes backslashes and single quotes in SOQL string literals.
func escapeSoql(s string) string {
	return soqlEscaper.Replace(s)
}
