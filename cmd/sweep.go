package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var sweepWatch bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Resume retry tasks that are due",
	Long:  "Claims every due retry task and re-runs its stage once. With --watch the sweeper and retry workers run until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "process")
		if err != nil {
			return err
		}
		defer env.Close()

		if sweepWatch {
			if err := env.Pipeline.Start(ctx); err != nil && ctx.Err() == nil {
				return eris.Wrap(err, "sweep")
			}
			return nil
		}

		n, err := env.Pipeline.SweepOnce(ctx)
		if err != nil {
			return eris.Wrap(err, "sweep")
		}
		depth, err := env.Queue.Depth(ctx)
		if err != nil {
			return eris.Wrap(err, "sweep")
		}
		_, _ = fmt.Fprintf(os.Stdout, "resumed %d task(s), %d pending\n", n, depth)
		return nil
	},
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepWatch, "watch", false, "keep sweeping until interrupted")
	rootCmd.AddCommand(sweepCmd)
}
