// Package pipeline drives invoices through extraction, analysis, storage and
// notification, one fallback chain per stage.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/invoice-cli/internal/fallback"
	"github.com/sells-group/invoice-cli/internal/ledger"
	"github.com/sells-group/invoice-cli/internal/metrics"
	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/queue"
	"github.com/sells-group/invoice-cli/internal/store"
)

// ErrMissingChain is returned by New when a stage has no fallback chain.
var ErrMissingChain = eris.New("pipeline: stage has no fallback chain")

// ErrInvoiceBusy is returned when another run in this process owns the invoice.
var ErrInvoiceBusy = eris.New("invoice is already being processed")

// Pipeline orchestrates stage execution, durable retries and dead-lettering.
type Pipeline struct {
	chains  map[model.Stage]*fallback.Chain
	queue   *queue.Queue
	store   store.InvoiceStore
	ledger  ledger.Ledger
	now     func() time.Time
	workers int
	baseCtx context.Context

	inflight sync.Map
	wg       sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLedger sets the idempotency ledger. Defaults to an in-process ledger.
func WithLedger(l ledger.Ledger) Option {
	return func(p *Pipeline) { p.ledger = l }
}

// WithWorkers sets the number of retry workers started by Start.
func WithWorkers(n int) Option {
	return func(p *Pipeline) { p.workers = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithBaseContext sets the context submitted invoices are processed under.
func WithBaseContext(ctx context.Context) Option {
	return func(p *Pipeline) { p.baseCtx = ctx }
}

// New creates a Pipeline. Every stage must have a chain.
func New(chains map[model.Stage]*fallback.Chain, q *queue.Queue, st store.InvoiceStore, opts ...Option) (*Pipeline, error) {
	for _, stage := range model.Stages {
		if chains[stage] == nil {
			return nil, eris.Wrapf(ErrMissingChain, "pipeline: %s", stage)
		}
	}
	p := &Pipeline{
		chains:  chains,
		queue:   q,
		store:   st,
		ledger:  ledger.NewMemory(),
		now:     time.Now,
		workers: 4,
		baseCtx: context.Background(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.workers < 1 {
		p.workers = 1
	}
	return p, nil
}

// Submit persists a received invoice and processes it in the background. An
// empty id is replaced by a generated one. Submitting an id that already
// exists returns it without processing again.
func (p *Pipeline) Submit(ctx context.Context, id string, doc model.Document) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}

	if _, err := p.store.GetInvoice(ctx, id); err == nil {
		zap.L().Info("pipeline: invoice already submitted", zap.String("invoice", id))
		return id, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", eris.Wrapf(err, "pipeline: submit %s", id)
	}

	inv := model.NewInvoice(id, doc, p.now().UTC())
	if err := p.store.SaveInvoice(ctx, inv); err != nil {
		return "", eris.Wrapf(err, "pipeline: submit %s", id)
	}
	metrics.StageTransitions.WithLabelValues(string(inv.Stage), string(inv.State)).Inc()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := p.Process(p.baseCtx, inv); err != nil {
			zap.L().Error("pipeline: process failed", zap.String("invoice", id), zap.Error(err))
		}
	}()
	return id, nil
}

// Wait blocks until every submitted invoice finished its in-process run.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Status returns the current record of an invoice.
func (p *Pipeline) Status(ctx context.Context, id string) (*model.Invoice, error) {
	inv, err := p.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: status %s", id)
	}
	return inv, nil
}

// Process runs inv's stages in order from its current position until it
// completes, is queued for retry or is dead-lettered. The returned invoice is
// inv itself. A cancelled ctx leaves the invoice durably queued at its
// current stage and returns the context error.
func (p *Pipeline) Process(ctx context.Context, inv *model.Invoice) (*model.Invoice, error) {
	unlock, ok := p.claim(inv.ID)
	if !ok {
		return inv, eris.Wrapf(ErrInvoiceBusy, "pipeline: process %s", inv.ID)
	}
	defer unlock()

	log := zap.L().With(zap.String("invoice", inv.ID))
	log.Info("pipeline: processing invoice", zap.String("stage", string(inv.Stage)), zap.String("state", string(inv.State)))

	err := p.advance(ctx, inv, p.enqueueOnExhaustion)
	if err != nil {
		return inv, err
	}
	log.Info("pipeline: invoice stopped", zap.String("stage", string(inv.Stage)), zap.String("state", string(inv.State)))
	return inv, nil
}

// Resume re-runs a queued stage from the task's snapshot. On success the task
// is completed and the invoice continues with its next stage. An exhausted
// chain counts as a failed task attempt and may dead-letter the invoice.
// ErrInvoiceBusy means the task was left untouched for a later sweep.
func (p *Pipeline) Resume(ctx context.Context, task model.RetryTask) error {
	inv, err := task.Invoice()
	if err != nil {
		return eris.Wrapf(err, "pipeline: resume %s", task.ID)
	}

	unlock, ok := p.claim(inv.ID)
	if !ok {
		// Another run owns the invoice; the lease expires and the task
		// becomes due again.
		return eris.Wrapf(ErrInvoiceBusy, "pipeline: resume %s", task.ID)
	}
	defer unlock()

	if current, err := p.store.GetInvoice(ctx, inv.ID); err == nil && p.superseded(current, task.Stage) {
		zap.L().Info("pipeline: task already superseded",
			zap.String("invoice", inv.ID),
			zap.String("stage", string(task.Stage)),
			zap.String("state", string(current.State)),
		)
		return p.queue.Complete(ctx, task)
	}

	if inv.State != model.StateQueued || inv.Stage != task.Stage {
		// Snapshot taken mid-stage; park it at the task stage.
		inv.Stage = task.Stage
		inv.State = model.StateQueued
	}

	onExhausted := func(ctx context.Context, inv *model.Invoice, stage model.Stage, cause error) (bool, error) {
		dead, err := p.queue.Fail(ctx, task, inv, cause)
		if err != nil {
			return false, err
		}
		return dead, nil
	}

	res, err := p.runStage(ctx, inv, task.Stage, onExhausted)
	if err != nil {
		return err
	}
	if res != stageDone {
		return nil
	}
	if err := p.queue.Complete(ctx, task); err != nil {
		return err
	}
	return p.advance(ctx, inv, p.enqueueOnExhaustion)
}

// Start runs the retry sweeper and the resume workers until ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context) error {
	tasks := make(chan model.RetryTask)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.queue.RunSweeper(ctx, tasks)
	})
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case task := <-tasks:
					err := p.Resume(ctx, task)
					if errors.Is(err, ErrInvoiceBusy) {
						zap.L().Debug("pipeline: invoice busy, skipping task", zap.String("task", task.ID))
						continue
					}
					if err != nil && ctx.Err() == nil {
						zap.L().Error("pipeline: resume failed",
							zap.String("task", task.ID),
							zap.Error(err),
						)
					}
				}
			}
		})
	}

	zap.L().Info("pipeline: started", zap.Int("workers", p.workers))
	return g.Wait()
}

// SweepOnce resumes every task that is due now and returns how many were
// resumed. Tasks whose invoice is busy are skipped and not counted.
func (p *Pipeline) SweepOnce(ctx context.Context) (int, error) {
	n := 0
	for task, err := range p.queue.DrainDue(ctx) {
		if err != nil {
			return n, err
		}
		err := p.Resume(ctx, task)
		switch {
		case errors.Is(err, ErrInvoiceBusy):
			zap.L().Debug("pipeline: invoice busy, skipping task", zap.String("task", task.ID))
			continue
		case err != nil:
			zap.L().Error("pipeline: resume failed", zap.String("task", task.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// claim marks an invoice as in flight in this process.
func (p *Pipeline) claim(id string) (func(), bool) {
	if _, loaded := p.inflight.LoadOrStore(id, struct{}{}); loaded {
		return nil, false
	}
	return func() { p.inflight.Delete(id) }, true
}

// superseded reports whether the stored record already moved past stage.
func (p *Pipeline) superseded(current *model.Invoice, stage model.Stage) bool {
	if current.State.Terminal() || current.StageCompleted(stage) {
		return true
	}
	return current.Stage.Index() > stage.Index()
}
