package notion

import (
	"context"
	"fmt"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// KeyProperty is the rich-text property holding the stage idempotency key.
const KeyProperty = "Idempotency Key"

// InvoicePage holds the values written to an invoice database row.
type InvoicePage struct {
	Title          string
	Vendor         string
	InvoiceNumber  string
	Amount         float64
	Currency       string
	InvoiceDate    string
	IdempotencyKey string
}

// Properties converts the page to Notion properties. Empty text values are
// omitted.
func (p InvoicePage) Properties() notionapi.Properties {
	props := notionapi.Properties{
		"Name": notionapi.TitleProperty{
			Type: notionapi.PropertyTypeTitle,
			Title: []notionapi.RichText{
				{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: p.Title}},
			},
		},
		"Amount": notionapi.NumberProperty{
			Number: p.Amount,
		},
		KeyProperty: richText(p.IdempotencyKey),
	}
	for name, v := range map[string]string{
		"Vendor":         p.Vendor,
		"Invoice Number": p.InvoiceNumber,
		"Currency":       p.Currency,
		"Invoice Date":   p.InvoiceDate,
	} {
		if v != "" {
			props[name] = richText(v)
		}
	}
	return props
}

func richText(v string) notionapi.RichTextProperty {
	return notionapi.RichTextProperty{
		Type: notionapi.PropertyTypeRichText,
		RichText: []notionapi.RichText{
			{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: v}},
		},
	}
}

// UpsertInvoicePage creates the invoice row unless a row with the same
// idempotency key exists. It returns the page ID and whether an existing page
// was reused.
func UpsertInvoicePage(ctx context.Context, c Client, dbID string, page InvoicePage) (string, bool, error) {
	if page.IdempotencyKey == "" {
		return "", false, eris.New("notion: invoice idempotency key is required")
	}

	existing, err := FindPageByKey(ctx, c, dbID, KeyProperty, page.IdempotencyKey)
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		return string(existing.ID), true, nil
	}

	created, err := c.CreatePage(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(dbID),
		},
		Properties: page.Properties(),
	})
	if err != nil {
		return "", false, eris.Wrap(err, fmt.Sprintf("notion: create invoice page %s", page.IdempotencyKey))
	}
	return string(created.ID), false, nil
}
