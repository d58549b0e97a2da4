package notion

import (
	"context"
	"testing"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestInvoicePage_Properties(t *testing.T) {
	props := InvoicePage{
		Title:          "Acme A-100",
		Vendor:         "Acme",
		InvoiceNumber:  "A-100",
		Amount:         1250.5,
		IdempotencyKey: "INV-1:storage",
	}.Properties()

	title, ok := props["Name"].(notionapi.TitleProperty)
	require.True(t, ok)
	assert.Equal(t, "Acme A-100", title.Title[0].Text.Content)

	amount, ok := props["Amount"].(notionapi.NumberProperty)
	require.True(t, ok)
	assert.InDelta(t, 1250.5, amount.Number, 0.001)

	key, ok := props[KeyProperty].(notionapi.RichTextProperty)
	require.True(t, ok)
	assert.Equal(t, "INV-1:storage", key.RichText[0].Text.Content)

	assert.Contains(t, props, "Vendor")
	assert.NotContains(t, props, "Currency")
	assert.NotContains(t, props, "Invoice Date")
}

func TestUpsertInvoicePage_Creates(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-1", mock.Anything).Return(&notionapi.DatabaseQueryResponse{}, nil).Once()
	mc.On("CreatePage", ctx, mock.MatchedBy(func(req *notionapi.PageCreateRequest) bool {
		return req.Parent.DatabaseID == "db-1" && req.Properties[KeyProperty] != nil
	})).Return(&notionapi.Page{ID: "page-new"}, nil).Once()

	id, reused, err := UpsertInvoicePage(ctx, mc, "db-1", InvoicePage{Title: "A-100", IdempotencyKey: "INV-1:storage"})
	require.NoError(t, err)
	assert.Equal(t, "page-new", id)
	assert.False(t, reused)
	mc.AssertExpectations(t)
}

func TestUpsertInvoicePage_ReusesExisting(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-1", mock.Anything).Return(&notionapi.DatabaseQueryResponse{
		Results: []notionapi.Page{{ID: "page-old"}},
	}, nil).Once()

	id, reused, err := UpsertInvoicePage(ctx, mc, "db-1", InvoicePage{IdempotencyKey: "INV-1:storage"})
	require.NoError(t, err)
	assert.Equal(t, "page-old", id)
	assert.True(t, reused)
	mc.AssertNotCalled(t, "CreatePage", mock.Anything, mock.Anything)
}

func TestUpsertInvoicePage_RequiresKey(t *testing.T) {
	_, _, err := UpsertInvoicePage(context.Background(), new(MockClient), "db-1", InvoicePage{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idempotency key is required")
}

func TestUpsertInvoicePage_CreateError(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()
	mc.On("QueryDatabase", ctx, "db-1", mock.Anything).Return(&notionapi.DatabaseQueryResponse{}, nil).Once()
	mc.On("CreatePage", ctx, mock.Anything).Return(nil, assert.AnError).Once()

	_, _, err := UpsertInvoicePage(ctx, mc, "db-1", InvoicePage{IdempotencyKey: "k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notion: create invoice page k")
}
