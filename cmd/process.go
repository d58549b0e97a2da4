package main

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/invoice-cli/internal/fetcher"
	"github.com/sells-group/invoice-cli/internal/model"
)

var processID string

var processCmd = &cobra.Command{
	Use:   "process <file>...",
	Short: "Process invoice documents and wait for the outcome",
	Long:  "Submits each document to the pipeline and waits until it completes, is queued for retry, or is dead-lettered. Documents already processed are not run again.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if processID != "" && len(args) > 1 {
			return eris.New("--id can only be used with a single file")
		}

		ctx := cmd.Context()
		env, err := initPipeline(ctx, "process")
		if err != nil {
			return err
		}
		defer env.Close()

		ids := make([]string, 0, len(args))
		for _, path := range args {
			doc, err := readDocument(path)
			if err != nil {
				return err
			}
			id := processID
			if id == "" {
				id = documentID(doc.SHA256)
			}
			id, err = env.Pipeline.Submit(ctx, id, doc)
			if err != nil {
				return eris.Wrapf(err, "process %s", path)
			}
			ids = append(ids, id)
		}
		env.Pipeline.Wait()

		invs := make([]model.Invoice, 0, len(ids))
		for _, id := range ids {
			inv, err := env.Pipeline.Status(ctx, id)
			if err != nil {
				return err
			}
			zap.L().Info("invoice processed",
				zap.String("invoice", inv.ID),
				zap.String("stage", string(inv.Stage)),
				zap.String("state", string(inv.State)),
			)
			invs = append(invs, *inv)
		}
		formatInvoiceList(os.Stdout, invs)
		return nil
	},
}

func init() {
	processCmd.Flags().StringVar(&processID, "id", "", "invoice id (default derived from the document hash)")
	rootCmd.AddCommand(processCmd)
}

// readDocument loads a local invoice document.
func readDocument(path string) (model.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Document{}, eris.Wrapf(err, "read %s", path)
	}
	if len(data) == 0 {
		return model.Document{}, eris.Errorf("%s is empty", path)
	}
	if len(data) > fetcher.DefaultMaxSize {
		return model.Document{}, eris.Errorf("%s exceeds %d bytes", path, fetcher.DefaultMaxSize)
	}
	name := filepath.Base(path)
	sum := sha256.Sum256(data)
	return model.Document{
		Name:        name,
		ContentType: fetcher.ContentType(name),
		SourceRef:   "file://" + path,
		SHA256:      hex.EncodeToString(sum[:]),
		Content:     data,
	}, nil
}

// documentID derives a stable invoice id from document content, so the same
// document submitted twice maps to one invoice.
func documentID(sha string) string {
	if len(sha) > 16 {
		sha = sha[:16]
	}
	return "inv-" + sha
}
