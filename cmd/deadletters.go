package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/invoice-cli/internal/fetcher"
	"github.com/sells-group/invoice-cli/internal/model"
)

var deadLettersCmd = &cobra.Command{
	Use:     "deadletters",
	Aliases: []string{"dlq"},
	Short:   "Inspect invoices that need manual intervention",
}

var deadLettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered invoices",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		dls, err := st.ListDeadLetters(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "deadletters list")
		}

		if len(dls) == 0 {
			fmt.Fprintln(os.Stderr, "No dead letters.")
			return nil
		}

		formatDeadLetters(os.Stdout, dls)
		return nil
	},
}

var deadLettersExportCmd = &cobra.Command{
	Use:   "export <file.xlsx>",
	Short: "Export dead-lettered invoices to a spreadsheet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		dls, err := st.ListDeadLetters(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "deadletters export")
		}

		if err := exportDeadLetters(args[0], dls); err != nil {
			return err
		}
		zap.L().Info("dead letters exported", zap.String("file", args[0]), zap.Int("rows", len(dls)))
		return nil
	},
}

func init() {
	deadLettersListCmd.Flags().Int("limit", 100, "max number of dead letters to display")
	deadLettersExportCmd.Flags().Int("limit", 10000, "max number of dead letters to export")

	deadLettersCmd.AddCommand(deadLettersListCmd)
	deadLettersCmd.AddCommand(deadLettersExportCmd)
	rootCmd.AddCommand(deadLettersCmd)
}

var deadLetterHeader = []string{
	"Invoice", "Stage", "Reason", "Attempts", "Dead Lettered At",
	"Document", "Vendor", "Invoice Number", "Amount", "Currency", "Last Error",
}

// exportDeadLetters writes one spreadsheet row per dead letter, with the
// extracted fields from its snapshot when present.
func exportDeadLetters(path string, dls []model.DeadLetter) error {
	rows := make([][]string, 0, len(dls))
	for _, dl := range dls {
		row := []string{
			dl.InvoiceID,
			string(dl.Stage),
			string(dl.Reason),
			strconv.Itoa(dl.Attempts),
			dl.CreatedAt.UTC().Format(time.RFC3339),
			"", "", "", "", "",
			dl.LastError,
		}
		if inv, err := model.UnmarshalInvoice(dl.Snapshot); err == nil {
			row[5] = inv.Document.Name
			if ex := inv.Extracted; ex != nil {
				row[6] = ex.Vendor
				row[7] = ex.InvoiceNumber
				row[8] = strconv.FormatFloat(ex.Amount, 'f', 2, 64)
				row[9] = ex.Currency
			}
		} else {
			zap.L().Warn("dead letter snapshot unreadable", zap.String("id", dl.ID), zap.Error(err))
		}
		rows = append(rows, row)
	}
	return fetcher.WriteXLSX(path, "Dead Letters", deadLetterHeader, rows)
}

// formatDeadLetters writes a tabular list of dead letters to w.
func formatDeadLetters(out io.Writer, dls []model.DeadLetter) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "INVOICE\tSTAGE\tREASON\tATTEMPTS\tCREATED\tERROR")
	_, _ = fmt.Fprintln(w, "-------\t-----\t------\t--------\t-------\t-----")

	for _, dl := range dls {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			dl.InvoiceID,
			dl.Stage,
			dl.Reason,
			dl.Attempts,
			dl.CreatedAt.Format("2006-01-02 15:04"),
			truncate(dl.LastError, 60),
		)
	}
	_ = w.Flush()
}
