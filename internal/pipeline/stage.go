package pipeline

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/invoice-cli/internal/fallback"
	"github.com/sells-group/invoice-cli/internal/metrics"
	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/queue"
)

type stageResult int

const (
	stageDone stageResult = iota + 1
	stageQueued
	stageDeadLettered
)

// exhaustionFunc durably schedules a retry for an exhausted stage. It reports
// whether the invoice was dead-lettered instead.
type exhaustionFunc func(ctx context.Context, inv *model.Invoice, stage model.Stage, cause error) (bool, error)

// advance runs stages from inv's current position until one does not
// complete or the invoice reaches a terminal state.
func (p *Pipeline) advance(ctx context.Context, inv *model.Invoice, onExhausted exhaustionFunc) error {
	for !inv.State.Terminal() {
		stage, ok := nextStage(inv)
		if !ok {
			return nil
		}
		res, err := p.runStage(ctx, inv, stage, onExhausted)
		if err != nil {
			return err
		}
		if res != stageDone {
			return nil
		}
		onExhausted = p.enqueueOnExhaustion
	}
	return nil
}

// nextStage returns the stage inv should run next.
func nextStage(inv *model.Invoice) (model.Stage, bool) {
	switch {
	case inv.State == model.StateReceived:
		return model.StageExtraction, true
	case inv.State == inv.Stage.Done():
		return inv.Stage.Next()
	default:
		return inv.Stage, inv.Stage.Valid()
	}
}

// runStage executes one stage through its chain and applies the outcome to
// the invoice state machine.
func (p *Pipeline) runStage(ctx context.Context, inv *model.Invoice, stage model.Stage, onExhausted exhaustionFunc) (stageResult, error) {
	log := zap.L().With(zap.String("invoice", inv.ID), zap.String("stage", string(stage)))

	if err := p.transition(ctx, inv, stage, stage.InProgress()); err != nil {
		return 0, err
	}

	if p.replay(ctx, inv, stage, log) {
		return p.finish(ctx, inv, stage)
	}

	sr, err := p.chains[stage].Run(ctx, inv)
	if err == nil {
		sr.Result.Apply(inv)
		if perr := p.ledger.Put(ctx, model.IdempotencyKey(inv.ID, stage), sr.Result); perr != nil {
			log.Warn("pipeline: ledger write failed", zap.Error(perr))
		}
		log.Info("pipeline: stage completed",
			zap.String("provider", sr.Provider),
			zap.Int("attempts", len(sr.Attempts)),
			zap.Duration("latency", sr.Latency),
		)
		return p.finish(ctx, inv, stage)
	}

	var fatal *fallback.FatalError
	var exhausted *fallback.ChainExhausted
	switch {
	case ctx.Err() != nil:
		// Persist with a detached context so the queue write survives the
		// cancellation that interrupted the stage.
		detached := context.WithoutCancel(ctx)
		log.Warn("pipeline: stage cancelled, queueing", zap.Error(err))
		if _, qerr := p.park(detached, inv, stage, err, p.enqueueOnExhaustion); qerr != nil {
			return 0, qerr
		}
		return 0, ctx.Err()

	case errors.As(err, &fatal):
		log.Error("pipeline: fatal failure, dead-lettering",
			zap.String("provider", fatal.Provider),
			zap.Error(fatal.Err),
		)
		if err := p.setState(inv, stage, model.StateDeadLettered); err != nil {
			return 0, err
		}
		if _, dlErr := p.queue.DeadLetter(ctx, inv, stage, model.DeadLetterFatal, err); dlErr != nil {
			return 0, dlErr
		}
		return stageDeadLettered, p.save(ctx, inv)

	case errors.As(err, &exhausted):
		log.Warn("pipeline: chain exhausted, queueing retry", zap.Int("providers", len(exhausted.Failures)))
		return p.park(ctx, inv, stage, err, onExhausted)

	default:
		return 0, eris.Wrapf(err, "pipeline: %s %s", inv.ID, stage)
	}
}

// replay completes a stage without provider calls when the record or the
// ledger already holds its result.
func (p *Pipeline) replay(ctx context.Context, inv *model.Invoice, stage model.Stage, log *zap.Logger) bool {
	if inv.StageCompleted(stage) {
		log.Info("pipeline: stage already completed on record")
		return true
	}
	res, ok, err := p.ledger.Get(ctx, model.IdempotencyKey(inv.ID, stage))
	if err != nil {
		log.Warn("pipeline: ledger read failed", zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	res.Apply(inv)
	inv.RecordOutcome(model.StageOutcome{
		Stage:       stage,
		Provider:    res.Provider,
		Succeeded:   true,
		CompletedAt: p.now().UTC(),
	})
	log.Info("pipeline: stage replayed from ledger", zap.String("provider", res.Provider))
	return true
}

// park moves the invoice to Queued(stage) and hands it to onExhausted. A
// stage that cannot be queued again is dead-lettered.
func (p *Pipeline) park(ctx context.Context, inv *model.Invoice, stage model.Stage, cause error, onExhausted exhaustionFunc) (stageResult, error) {
	if err := p.setState(inv, stage, model.StateQueued); err != nil {
		return 0, err
	}
	dead, err := onExhausted(ctx, inv, stage, cause)
	if errors.Is(err, queue.ErrDeadLettered) {
		dead, err = true, nil
	}
	if err != nil {
		if serr := p.save(ctx, inv); serr != nil {
			zap.L().Warn("pipeline: save after queue failure", zap.String("invoice", inv.ID), zap.Error(serr))
		}
		return 0, err
	}
	if dead {
		if err := p.setState(inv, stage, model.StateDeadLettered); err != nil {
			return 0, err
		}
		return stageDeadLettered, p.save(ctx, inv)
	}
	return stageQueued, p.save(ctx, inv)
}

func (p *Pipeline) enqueueOnExhaustion(ctx context.Context, inv *model.Invoice, stage model.Stage, cause error) (bool, error) {
	_, err := p.queue.Enqueue(ctx, inv, stage, cause)
	if errors.Is(err, queue.ErrDeadLettered) {
		return true, nil
	}
	return false, err
}

func (p *Pipeline) finish(ctx context.Context, inv *model.Invoice, stage model.Stage) (stageResult, error) {
	if err := p.transition(ctx, inv, stage, stage.Done()); err != nil {
		return 0, err
	}
	return stageDone, nil
}

// transition changes state and persists the record.
func (p *Pipeline) transition(ctx context.Context, inv *model.Invoice, stage model.Stage, to model.State) error {
	if err := p.setState(inv, stage, to); err != nil {
		return err
	}
	return p.save(ctx, inv)
}

func (p *Pipeline) setState(inv *model.Invoice, stage model.Stage, to model.State) error {
	if err := inv.Transition(stage, to, p.now().UTC()); err != nil {
		return eris.Wrap(err, "pipeline: transition")
	}
	metrics.StageTransitions.WithLabelValues(string(stage), string(to)).Inc()
	return nil
}

// save persists the record. Writes are detached from cancellation so a state
// change that already happened in memory is never lost.
func (p *Pipeline) save(ctx context.Context, inv *model.Invoice) error {
	if err := p.store.SaveInvoice(context.WithoutCancel(ctx), inv); err != nil {
		return eris.Wrapf(err, "pipeline: save %s", inv.ID)
	}
	return nil
}
