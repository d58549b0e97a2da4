package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/invoice-cli/internal/fetcher"
	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/pipeline"
)

var ingestInterval time.Duration

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Submit invoice documents from the FTP inbox",
	Long:  "Downloads supported documents from the configured FTP inbox, submits each to the pipeline and archives the accepted ones. With --interval the inbox is polled until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		inbox := fetcher.NewInbox(fetcher.InboxOptions{
			Host:       cfg.Inbox.Host,
			User:       cfg.Inbox.User,
			Password:   cfg.Inbox.Password,
			Dir:        cfg.Inbox.Dir,
			ArchiveDir: cfg.Inbox.ArchiveDir,
			Timeout:    time.Duration(cfg.Inbox.TimeoutSecs) * time.Second,
		})

		if ingestInterval <= 0 {
			_, err := ingestOnce(ctx, inbox, env.Pipeline)
			env.Pipeline.Wait()
			return err
		}

		ticker := time.NewTicker(ingestInterval)
		defer ticker.Stop()
		for {
			if _, err := ingestOnce(ctx, inbox, env.Pipeline); err != nil {
				zap.L().Error("ingest: poll failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				env.Pipeline.Wait()
				return nil
			case <-ticker.C:
			}
		}
	},
}

func init() {
	ingestCmd.Flags().DurationVar(&ingestInterval, "interval", 0, "poll repeatedly at this interval (e.g. 5m)")
	rootCmd.AddCommand(ingestCmd)
}

// poller is the inbox operation ingest depends on.
type poller interface {
	Poll(ctx context.Context, fn fetcher.HandlerFunc) (int, error)
}

// ingestOnce polls the inbox once, submitting every document under an id
// derived from its content.
func ingestOnce(ctx context.Context, inbox poller, p *pipeline.Pipeline) (int, error) {
	n, err := inbox.Poll(ctx, func(ctx context.Context, doc model.Document) error {
		id, err := p.Submit(ctx, documentID(doc.SHA256), doc)
		if err != nil {
			return err
		}
		zap.L().Info("ingest: document submitted", zap.String("file", doc.Name), zap.String("invoice", id))
		return nil
	})
	if err != nil {
		return n, err
	}
	zap.L().Info("ingest: poll complete", zap.Int("archived", n))
	return n, nil
}
