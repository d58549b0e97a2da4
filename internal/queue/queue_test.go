package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingAlerter struct {
	mu    sync.Mutex
	calls []model.DeadLetter
}

func (a *countingAlerter) DeadLettered(_ context.Context, dl model.DeadLetter) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, dl)
	return nil
}

func (a *countingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func newTestQueue(t *testing.T, cfg Config) (*Queue, *store.SQLiteStore, *fakeClock, *countingAlerter) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	alerter := &countingAlerter{}
	q := New(s, cfg, WithClock(clock.Now), WithAlerter(alerter))
	return q, s, clock, alerter
}

func testConfig() Config {
	return Config{
		MaxAttempts: 3,
		MaxAge:      24 * time.Hour,
		BaseDelay:   time.Minute,
		MaxDelay:    10 * time.Minute,
		BatchSize:   10,
		Lease:       time.Minute,
	}
}

func drain(t *testing.T, q *Queue) []model.RetryTask {
	t.Helper()
	var out []model.RetryTask
	for task, err := range q.DrainDue(context.Background()) {
		require.NoError(t, err)
		out = append(out, task)
	}
	return out
}

func TestEnqueue_DueAfterBackoff(t *testing.T) {
	q, _, clock, _ := newTestQueue(t, testConfig())
	ctx := context.Background()
	inv := model.NewInvoice("INV-1", model.Document{Name: "a.pdf"}, clock.Now())

	task, err := q.Enqueue(ctx, inv, model.StageStorage, errors.New("chain exhausted"))
	require.NoError(t, err)
	assert.Equal(t, "INV-1:storage", task.ID)
	assert.Equal(t, clock.Now().Add(time.Minute), task.NextEligibleAt)

	assert.Empty(t, drain(t, q))

	clock.Advance(time.Minute)
	due := drain(t, q)
	require.Len(t, due, 1)
	assert.Equal(t, model.StageStorage, due[0].Stage)
	assert.Equal(t, "chain exhausted", due[0].LastError)

	got, err := due[0].Invoice()
	require.NoError(t, err)
	assert.Equal(t, "INV-1", got.ID)
}

func TestEnqueue_KeepsAttemptsAndCreatedAt(t *testing.T) {
	q, s, clock, _ := newTestQueue(t, testConfig())
	ctx := context.Background()
	inv := model.NewInvoice("INV-1", model.Document{}, clock.Now())

	first, err := q.Enqueue(ctx, inv, model.StageNotification, nil)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = q.Fail(ctx, *first, nil, errors.New("still down"))
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = q.Enqueue(ctx, inv, model.StageNotification, errors.New("again"))
	require.NoError(t, err)

	got, err := s.GetTask(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.True(t, got.CreatedAt.Equal(first.CreatedAt))
	assert.Equal(t, "again", got.LastError)
}

func TestFail_ReschedulesWithGrowingDelay(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 10
	q, s, clock, _ := newTestQueue(t, cfg)
	ctx := context.Background()
	inv := model.NewInvoice("INV-1", model.Document{}, clock.Now())

	task, err := q.Enqueue(ctx, inv, model.StageAnalysis, nil)
	require.NoError(t, err)

	var delays []time.Duration
	for i := 0; i < 3; i++ {
		dead, err := q.Fail(ctx, *task, nil, errors.New("exhausted"))
		require.NoError(t, err)
		require.False(t, dead)

		task, err = s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		delays = append(delays, task.NextEligibleAt.Sub(clock.Now()))
	}
	assert.Equal(t, []time.Duration{2 * time.Minute, 4 * time.Minute, 8 * time.Minute}, delays)
}

func TestFail_DeadLettersExactlyOnceAtMaxAttempts(t *testing.T) {
	q, s, clock, alerter := newTestQueue(t, testConfig())
	ctx := context.Background()
	inv := model.NewInvoice("INV-1", model.Document{}, clock.Now())

	task, err := q.Enqueue(ctx, inv, model.StageStorage, nil)
	require.NoError(t, err)

	var deadCount int
	for i := 0; i < 3; i++ {
		dead, err := q.Fail(ctx, *task, nil, fmt.Errorf("attempt %d failed", i+1))
		require.NoError(t, err)
		if dead {
			deadCount++
			break
		}
		task, err = s.GetTask(ctx, task.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, deadCount)
	assert.Equal(t, 1, alerter.count())

	_, err = s.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	dl, err := s.GetDeadLetter(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeadLetterMaxAttempts, dl.Reason)
	assert.Equal(t, 3, dl.Attempts)
	assert.Equal(t, "attempt 3 failed", dl.LastError)

	// A stale retry of the same task neither duplicates nor re-alerts.
	_, err = q.Fail(ctx, *task, nil, errors.New("stale"))
	require.NoError(t, err)
	assert.Equal(t, 1, alerter.count())

	dls, err := s.ListDeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, dls, 1)

	// Never re-enqueued afterwards.
	_, err = q.Enqueue(ctx, inv, model.StageStorage, nil)
	assert.ErrorIs(t, err, ErrDeadLettered)
	n, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFail_DeadLettersPastMaxAge(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 100
	q, s, clock, _ := newTestQueue(t, cfg)
	ctx := context.Background()
	inv := model.NewInvoice("INV-1", model.Document{}, clock.Now())

	task, err := q.Enqueue(ctx, inv, model.StageExtraction, nil)
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)
	dead, err := q.Fail(ctx, *task, nil, errors.New("exhausted"))
	require.NoError(t, err)
	assert.True(t, dead)

	dl, err := s.GetDeadLetter(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeadLetterMaxAge, dl.Reason)
}

func TestDeadLetter_RemovesPendingTask(t *testing.T) {
	q, s, clock, alerter := newTestQueue(t, testConfig())
	ctx := context.Background()
	inv := model.NewInvoice("INV-1", model.Document{}, clock.Now())
	inv.RecordOutcome(model.StageOutcome{Stage: model.StageExtraction, Attempts: []model.Attempt{{Provider: "docai", Number: 1}}})

	_, err := q.Enqueue(ctx, inv, model.StageExtraction, nil)
	require.NoError(t, err)

	dl, err := q.DeadLetter(ctx, inv, model.StageExtraction, model.DeadLetterFatal, errors.New("corrupt pdf"))
	require.NoError(t, err)
	assert.Equal(t, model.DeadLetterFatal, dl.Reason)
	assert.Equal(t, 1, dl.Attempts)
	assert.Equal(t, 1, alerter.count())

	_, err = s.GetTask(ctx, dl.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFail_DropsTaskAlreadyDeadLettered(t *testing.T) {
	q, s, clock, alerter := newTestQueue(t, testConfig())
	ctx := context.Background()
	inv := model.NewInvoice("INV-1", model.Document{Name: "a.pdf"}, clock.Now())

	task, err := q.Enqueue(ctx, inv, model.StageStorage, errors.New("salesforce: unexpected status 503"))
	require.NoError(t, err)

	_, err = q.DeadLetter(ctx, inv, model.StageStorage, model.DeadLetterFatal, errors.New("invalid record"))
	require.NoError(t, err)

	// A worker holding the task from before the dead letter reports its failure late.
	dead, err := q.Fail(ctx, *task, nil, errors.New("salesforce: timeout"))
	require.NoError(t, err)
	assert.True(t, dead)

	_, err = s.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	dl, err := s.GetDeadLetter(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeadLetterFatal, dl.Reason)
	assert.Equal(t, 1, alerter.count())
}

func TestComplete_RemovesTask(t *testing.T) {
	q, s, clock, _ := newTestQueue(t, testConfig())
	ctx := context.Background()
	inv := model.NewInvoice("INV-1", model.Document{}, clock.Now())

	task, err := q.Enqueue(ctx, inv, model.StageStorage, nil)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, *task))

	_, err = s.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDrainDue_BatchesAndYieldsEachTaskOnce(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 2
	q, _, clock, _ := newTestQueue(t, cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		inv := model.NewInvoice(fmt.Sprintf("INV-%d", i), model.Document{}, clock.Now())
		_, err := q.Enqueue(ctx, inv, model.StageStorage, nil)
		require.NoError(t, err)
	}
	clock.Advance(time.Hour)

	due := drain(t, q)
	ids := make(map[string]bool)
	for _, task := range due {
		assert.False(t, ids[task.ID], "task %s yielded twice", task.ID)
		ids[task.ID] = true
	}
	assert.Len(t, ids, 5)

	// Claimed tasks stay leased until the lease expires.
	assert.Empty(t, drain(t, q))
	clock.Advance(2 * time.Minute)
	assert.Len(t, drain(t, q), 5)
}

func TestDrainDue_StopsEarly(t *testing.T) {
	q, _, clock, _ := newTestQueue(t, testConfig())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		inv := model.NewInvoice(fmt.Sprintf("INV-%d", i), model.Document{}, clock.Now())
		_, err := q.Enqueue(ctx, inv, model.StageStorage, nil)
		require.NoError(t, err)
	}
	clock.Advance(time.Hour)

	var n int
	for _, err := range q.DrainDue(ctx) {
		require.NoError(t, err)
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestSweep_SendsDueTasks(t *testing.T) {
	q, _, clock, _ := newTestQueue(t, testConfig())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		inv := model.NewInvoice(fmt.Sprintf("INV-%d", i), model.Document{}, clock.Now())
		_, err := q.Enqueue(ctx, inv, model.StageNotification, nil)
		require.NoError(t, err)
	}
	clock.Advance(time.Hour)

	out := make(chan model.RetryTask, 10)
	n, err := q.Sweep(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, out, 3)
}

func TestSweep_CancelledConsumer(t *testing.T) {
	q, _, clock, _ := newTestQueue(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	inv := model.NewInvoice("INV-1", model.Document{}, clock.Now())
	_, err := q.Enqueue(ctx, inv, model.StageStorage, nil)
	require.NoError(t, err)
	clock.Advance(time.Hour)

	out := make(chan model.RetryTask)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = q.Sweep(ctx, out)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEnqueue_ConcurrentSameStage(t *testing.T) {
	q, _, clock, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inv := model.NewInvoice("INV-1", model.Document{}, clock.Now())
			_, err := q.Enqueue(ctx, inv, model.StageStorage, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestConfigDefaults(t *testing.T) {
	q := New(nil, Config{Jitter: -1})
	cfg := q.Config()
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 72*time.Hour, cfg.MaxAge)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 0.0, cfg.Jitter)
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	var k keyedMutex
	unlock := k.lock("a")
	unlock()
	assert.Empty(t, k.locks)
}
