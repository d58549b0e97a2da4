package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/store"
)

var invoicesCmd = &cobra.Command{
	Use:   "invoices",
	Short: "Inspect invoice records",
	Long:  "Commands for listing processed invoices.",
}

// -- invoices list --

var invoicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List invoices",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		state, _ := cmd.Flags().GetString("state")
		stage, _ := cmd.Flags().GetString("stage")
		limit, _ := cmd.Flags().GetInt("limit")

		invs, err := st.ListInvoices(ctx, store.InvoiceFilter{
			State: model.State(state),
			Stage: model.Stage(stage),
			Limit: limit,
		})
		if err != nil {
			return eris.Wrap(err, "invoices list")
		}

		if len(invs) == 0 {
			fmt.Fprintln(os.Stderr, "No invoices found.")
			return nil
		}

		formatInvoiceList(os.Stdout, invs)
		return nil
	},
}

// -- status --

var statusCmd = &cobra.Command{
	Use:   "status [invoice-id]",
	Short: "Show an invoice, or counts per state and retry queue depth",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if len(args) == 1 {
			inv, err := st.GetInvoice(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "status")
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(withoutContent(inv))
		}

		since, _ := cmd.Flags().GetDuration("since")
		var from time.Time
		if since > 0 {
			from = time.Now().Add(-since)
		}

		counts, err := st.CountInvoices(ctx, from)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		depth, err := st.CountTasks(ctx)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		formatInvoiceStats(os.Stdout, counts, depth)
		return nil
	},
}

func init() {
	invoicesListCmd.Flags().String("state", "", "filter by state (received, extracting, queued, dead_lettered, completed, ...)")
	invoicesListCmd.Flags().String("stage", "", "filter by stage (extraction, analysis, storage, notification)")
	invoicesListCmd.Flags().Int("limit", 50, "max number of invoices to display")

	statusCmd.Flags().Duration("since", 0, "only count invoices updated within this window (e.g. 24h)")

	invoicesCmd.AddCommand(invoicesListCmd)
	rootCmd.AddCommand(invoicesCmd)
	rootCmd.AddCommand(statusCmd)
}

// openStore opens and migrates the configured store without building the
// pipeline.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// formatInvoiceList writes a tabular list of invoices to w.
func formatInvoiceList(out io.Writer, invs []model.Invoice) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTAGE\tSTATE\tVENDOR\tNUMBER\tAMOUNT\tUPDATED")
	_, _ = fmt.Fprintln(w, "--\t-----\t-----\t------\t------\t------\t-------")

	for _, inv := range invs {
		vendor, number, amount := "-", "-", "-"
		if ex := inv.Extracted; ex != nil {
			vendor = truncate(ex.Vendor, 30)
			number = ex.InvoiceNumber
			amount = fmt.Sprintf("%.2f %s", ex.Amount, ex.Currency)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			inv.ID,
			inv.Stage,
			inv.State,
			vendor,
			number,
			amount,
			inv.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatInvoiceStats writes per-state counts in lifecycle order.
func formatInvoiceStats(out io.Writer, counts map[model.State]int, queueDepth int) {
	states := make([]model.State, 0, len(counts))
	total := 0
	for s, n := range counts {
		states = append(states, s)
		total += n
	}
	sort.Slice(states, func(i, j int) bool { return stateOrder(states[i]) < stateOrder(states[j]) })

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STATE\tCOUNT")
	_, _ = fmt.Fprintln(w, "-----\t-----")
	for _, s := range states {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", s, counts[s])
	}
	_, _ = fmt.Fprintf(w, "total\t%d\n", total)
	_, _ = fmt.Fprintf(w, "retry queue\t%d\n", queueDepth)
	_ = w.Flush()
}

var lifecycle = []model.State{
	model.StateReceived,
	model.StateExtracting, model.StateExtracted,
	model.StateAnalyzing, model.StateAnalyzed,
	model.StateStoring, model.StateStored,
	model.StateNotifying, model.StateCompleted,
	model.StateQueued, model.StateDeadLettered,
}

func stateOrder(s model.State) int {
	for i, l := range lifecycle {
		if l == s {
			return i
		}
	}
	return len(lifecycle)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
