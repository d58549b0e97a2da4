//go:build !integration

package main

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/invoice-cli/internal/model"
)

func testDeadLetters(t *testing.T) []model.DeadLetter {
	t.Helper()
	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	inv := model.NewInvoice("inv-1", model.Document{Name: "acme-1001.pdf"}, at)
	inv.Extracted = &model.ExtractedInvoice{Vendor: "ACME Corp", InvoiceNumber: "INV-1001", Amount: 1250, Currency: "USD", Date: "2026-02-27"}
	snap, err := inv.MarshalSnapshot()
	require.NoError(t, err)

	return []model.DeadLetter{
		{
			ID: "inv-1:storage", InvoiceID: "inv-1", Stage: model.StageStorage, Snapshot: snap,
			Attempts: 5, Reason: model.DeadLetterMaxAttempts, LastError: "salesforce: unexpected status 503", CreatedAt: at,
		},
		{
			ID: "inv-2:extraction", InvoiceID: "inv-2", Stage: model.StageExtraction, Snapshot: []byte("{broken"),
			Attempts: 1, Reason: model.DeadLetterFatal, LastError: "empty document", CreatedAt: at,
		},
	}
}

func TestExportDeadLetters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead-letters.xlsx")
	require.NoError(t, exportDeadLetters(path, testDeadLetters(t)))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	sheet, ok := f.Sheet["Dead Letters"]
	require.True(t, ok)

	var rows [][]string
	for _, row := range sheet.Rows {
		cells := make([]string, 0, len(row.Cells))
		for _, cell := range row.Cells {
			cells = append(cells, cell.String())
		}
		rows = append(rows, cells)
	}
	require.Len(t, rows, 3)

	assert.Equal(t, deadLetterHeader, rows[0])
	assert.Equal(t, []string{
		"inv-1", "storage", "max_attempts", "5", "2026-03-02T08:00:00Z",
		"acme-1001.pdf", "ACME Corp", "INV-1001", "1250.00", "USD", "salesforce: unexpected status 503",
	}, rows[1])

	// An unreadable snapshot still exports the dead-letter columns.
	assert.Equal(t, "inv-2", rows[2][0])
	assert.Equal(t, "fatal", rows[2][2])
	assert.Equal(t, "empty document", rows[2][len(rows[2])-1])
}

func TestFormatDeadLetters(t *testing.T) {
	var buf bytes.Buffer
	formatDeadLetters(&buf, testDeadLetters(t))
	out := buf.String()

	assert.Contains(t, out, "INVOICE")
	assert.Contains(t, out, "max_attempts")
	assert.Contains(t, out, "2026-03-02 08:00")
	assert.Contains(t, out, "empty document")
}
