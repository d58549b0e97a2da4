// Package queue is the durable retry queue for stages whose fallback chain
// was exhausted.
package queue

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/invoice-cli/internal/metrics"
	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/resilience"
	"github.com/sells-group/invoice-cli/internal/store"
)

// ErrDeadLettered is returned when enqueuing a stage that was already moved
// to the dead-letter set.
var ErrDeadLettered = eris.New("queue: stage already dead-lettered")

// Config controls task-level retry scheduling.
type Config struct {
	MaxAttempts   int
	MaxAge        time.Duration
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Jitter        float64
	SweepInterval time.Duration
	BatchSize     int
	Lease         time.Duration
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   5,
		MaxAge:        72 * time.Hour,
		BaseDelay:     30 * time.Second,
		MaxDelay:      time.Hour,
		Jitter:        0.5,
		SweepInterval: 15 * time.Second,
		BatchSize:     50,
		Lease:         5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.MaxAge <= 0 {
		c.MaxAge = d.MaxAge
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	return c
}

// Alerter is notified once per dead letter.
type Alerter interface {
	DeadLettered(ctx context.Context, dl model.DeadLetter) error
}

// Option configures a Queue.
type Option func(*Queue)

// WithAlerter sets the dead-letter alerter.
func WithAlerter(a Alerter) Option {
	return func(q *Queue) { q.alerter = a }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue schedules retry tasks over a TaskStore.
type Queue struct {
	tasks   store.TaskStore
	cfg     Config
	alerter Alerter
	now     func() time.Time
	locks   keyedMutex
}

// New creates a Queue.
func New(ts store.TaskStore, cfg Config, opts ...Option) *Queue {
	q := &Queue{
		tasks: ts,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.cfg }

// Enqueue persists a retry task for the invoice stage. An existing task for
// the same stage is replaced and keeps its attempt count and creation time.
func (q *Queue) Enqueue(ctx context.Context, inv *model.Invoice, stage model.Stage, cause error) (*model.RetryTask, error) {
	id := model.IdempotencyKey(inv.ID, stage)
	unlock := q.locks.lock(id)
	defer unlock()

	if _, err := q.tasks.GetDeadLetter(ctx, id); err == nil {
		return nil, eris.Wrapf(ErrDeadLettered, "queue: enqueue %s", id)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(err, "queue: enqueue %s", id)
	}

	snap, err := inv.MarshalSnapshot()
	if err != nil {
		return nil, err
	}

	now := q.now().UTC()
	task := model.RetryTask{
		ID:        id,
		InvoiceID: inv.ID,
		Stage:     stage,
		Snapshot:  snap,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if cause != nil {
		task.LastError = cause.Error()
	}

	existing, err := q.tasks.GetTask(ctx, id)
	switch {
	case err == nil:
		task.Attempts = existing.Attempts
		task.CreatedAt = existing.CreatedAt
	case !errors.Is(err, store.ErrNotFound):
		return nil, eris.Wrapf(err, "queue: enqueue %s", id)
	}
	task.NextEligibleAt = now.Add(q.delay(task.Attempts + 1))

	if err := q.tasks.UpsertTask(ctx, task); err != nil {
		return nil, eris.Wrapf(err, "queue: enqueue %s", id)
	}
	metrics.TasksEnqueued.WithLabelValues(string(stage)).Inc()

	zap.L().Info("queue: task enqueued",
		zap.String("invoice", inv.ID),
		zap.String("stage", string(stage)),
		zap.Int("attempts", task.Attempts),
		zap.Time("next_eligible_at", task.NextEligibleAt),
	)
	return &task, nil
}

// DrainDue yields every task due now, claiming them in batches. Each task is
// yielded at most once per drain. The sequence ends when a claim returns
// fewer tasks than the batch size or fails.
func (q *Queue) DrainDue(ctx context.Context) iter.Seq2[model.RetryTask, error] {
	return func(yield func(model.RetryTask, error) bool) {
		seen := make(map[string]struct{})
		for {
			if err := ctx.Err(); err != nil {
				yield(model.RetryTask{}, err)
				return
			}
			batch, err := q.tasks.ClaimDue(ctx, q.now().UTC(), q.cfg.Lease, q.cfg.BatchSize)
			if err != nil {
				yield(model.RetryTask{}, eris.Wrap(err, "queue: claim due"))
				return
			}
			fresh := 0
			for _, t := range batch {
				if _, ok := seen[t.ID]; ok {
					continue
				}
				seen[t.ID] = struct{}{}
				fresh++
				if !yield(t, nil) {
					return
				}
			}
			if len(batch) < q.cfg.BatchSize || fresh == 0 {
				return
			}
		}
	}
}

// Complete removes a task whose stage succeeded.
func (q *Queue) Complete(ctx context.Context, task model.RetryTask) error {
	unlock := q.locks.lock(task.ID)
	defer unlock()

	if err := q.tasks.DeleteTask(ctx, task.ID); err != nil {
		return eris.Wrapf(err, "queue: complete %s", task.ID)
	}
	metrics.TasksResolved.WithLabelValues(string(task.Stage)).Inc()
	return nil
}

// Fail records another exhausted attempt on a task. Once the attempt budget
// or the maximum age is spent the task moves to the dead-letter set and Fail
// reports true; otherwise it is rescheduled with backoff. A task whose stage
// was already dead-lettered is dropped and also reports true. inv, when set,
// replaces the stored snapshot.
func (q *Queue) Fail(ctx context.Context, task model.RetryTask, inv *model.Invoice, cause error) (bool, error) {
	unlock := q.locks.lock(task.ID)
	defer unlock()

	if _, err := q.tasks.GetDeadLetter(ctx, task.ID); err == nil {
		if err := q.tasks.DeleteTask(ctx, task.ID); err != nil {
			return false, eris.Wrapf(err, "queue: drop dead-lettered %s", task.ID)
		}
		zap.L().Info("queue: task already dead-lettered",
			zap.String("invoice", task.InvoiceID),
			zap.String("stage", string(task.Stage)),
		)
		return true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, eris.Wrapf(err, "queue: fail %s", task.ID)
	}

	if inv != nil {
		snap, err := inv.MarshalSnapshot()
		if err != nil {
			return false, err
		}
		task.Snapshot = snap
	}
	if cause != nil {
		task.LastError = cause.Error()
	}
	task.Attempts++

	now := q.now().UTC()
	var reason model.DeadLetterReason
	switch {
	case task.Attempts >= q.cfg.MaxAttempts:
		reason = model.DeadLetterMaxAttempts
	case now.Sub(task.CreatedAt) > q.cfg.MaxAge:
		reason = model.DeadLetterMaxAge
	}
	if reason != "" {
		dl := model.DeadLetter{
			ID:        task.ID,
			InvoiceID: task.InvoiceID,
			Stage:     task.Stage,
			Snapshot:  task.Snapshot,
			Attempts:  task.Attempts,
			Reason:    reason,
			LastError: task.LastError,
			CreatedAt: now,
		}
		if err := q.moveToDeadLetter(ctx, dl); err != nil {
			return false, err
		}
		return true, nil
	}

	task.NextEligibleAt = now.Add(q.delay(task.Attempts + 1))
	task.UpdatedAt = now
	task.ClaimedUntil = nil
	if err := q.tasks.UpsertTask(ctx, task); err != nil {
		return false, eris.Wrapf(err, "queue: reschedule %s", task.ID)
	}

	zap.L().Warn("queue: task rescheduled",
		zap.String("invoice", task.InvoiceID),
		zap.String("stage", string(task.Stage)),
		zap.Int("attempts", task.Attempts),
		zap.Time("next_eligible_at", task.NextEligibleAt),
		zap.String("error", task.LastError),
	)
	return false, nil
}

// DeadLetter moves an invoice stage straight to the dead-letter set, removing
// any pending task for it.
func (q *Queue) DeadLetter(ctx context.Context, inv *model.Invoice, stage model.Stage, reason model.DeadLetterReason, cause error) (*model.DeadLetter, error) {
	id := model.IdempotencyKey(inv.ID, stage)
	unlock := q.locks.lock(id)
	defer unlock()

	snap, err := inv.MarshalSnapshot()
	if err != nil {
		return nil, err
	}
	dl := model.DeadLetter{
		ID:        id,
		InvoiceID: inv.ID,
		Stage:     stage,
		Snapshot:  snap,
		Attempts:  len(inv.Attempts(stage)),
		Reason:    reason,
		CreatedAt: q.now().UTC(),
	}
	if cause != nil {
		dl.LastError = cause.Error()
	}
	if err := q.moveToDeadLetter(ctx, dl); err != nil {
		return nil, err
	}
	return &dl, nil
}

func (q *Queue) moveToDeadLetter(ctx context.Context, dl model.DeadLetter) error {
	if _, err := q.tasks.GetDeadLetter(ctx, dl.ID); err == nil {
		// Already dead-lettered; drop any stray task without a second report.
		if err := q.tasks.DeleteTask(ctx, dl.ID); err != nil {
			return eris.Wrapf(err, "queue: dead-letter %s", dl.ID)
		}
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return eris.Wrapf(err, "queue: dead-letter %s", dl.ID)
	}

	if err := q.tasks.MoveToDeadLetter(ctx, dl); err != nil {
		return eris.Wrapf(err, "queue: dead-letter %s", dl.ID)
	}
	metrics.DeadLetters.WithLabelValues(string(dl.Stage), string(dl.Reason)).Inc()

	zap.L().Error("queue: invoice dead-lettered",
		zap.String("invoice", dl.InvoiceID),
		zap.String("stage", string(dl.Stage)),
		zap.String("reason", string(dl.Reason)),
		zap.Int("attempts", dl.Attempts),
		zap.String("error", dl.LastError),
	)

	if q.alerter != nil {
		if err := q.alerter.DeadLettered(ctx, dl); err != nil {
			zap.L().Warn("queue: dead-letter alert failed",
				zap.String("invoice", dl.InvoiceID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Depth returns the number of pending tasks.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	n, err := q.tasks.CountTasks(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "queue: depth")
	}
	metrics.QueueDepth.Set(float64(n))
	return n, nil
}

// delay is the backoff before the given 1-based task attempt.
func (q *Queue) delay(attempt int) time.Duration {
	return resilience.Backoff(attempt, q.cfg.BaseDelay, q.cfg.MaxDelay, q.cfg.Jitter)
}

// keyedMutex serializes work per task id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
