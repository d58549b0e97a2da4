package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/invoice-cli/internal/model"
)

// Sweep claims every due task and sends it to out. It returns the number of
// tasks handed off. A consumer that stops reading blocks Sweep until ctx is
// cancelled; unsent claimed tasks become due again when their lease expires.
func (q *Queue) Sweep(ctx context.Context, out chan<- model.RetryTask) (int, error) {
	sent := 0
	for task, err := range q.DrainDue(ctx) {
		if err != nil {
			return sent, err
		}
		select {
		case out <- task:
			sent++
		case <-ctx.Done():
			return sent, ctx.Err()
		}
	}
	return sent, nil
}

// RunSweeper sweeps once immediately and then on every SweepInterval tick. It
// blocks until ctx is cancelled and never closes out.
func (q *Queue) RunSweeper(ctx context.Context, out chan<- model.RetryTask) error {
	log := zap.L().With(zap.String("component", "queue.sweeper"))
	log.Info("starting retry sweeper", zap.Duration("interval", q.cfg.SweepInterval))

	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		q.sweepOnce(ctx, out, log)

		select {
		case <-ctx.Done():
			log.Info("retry sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (q *Queue) sweepOnce(ctx context.Context, out chan<- model.RetryTask, log *zap.Logger) {
	n, err := q.Sweep(ctx, out)
	if err != nil && ctx.Err() == nil {
		log.Error("queue: sweep failed", zap.Error(err))
	}
	depth, derr := q.Depth(ctx)
	if derr != nil && ctx.Err() == nil {
		log.Warn("queue: depth check failed", zap.Error(derr))
	}
	if n > 0 {
		log.Info("queue: sweep dispatched tasks", zap.Int("tasks", n), zap.Int("depth", depth))
	}
}
