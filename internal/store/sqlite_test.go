package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/invoice-cli/internal/model"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "invoice.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func newTask(id string, due time.Time) model.RetryTask {
	now := time.Now().UTC()
	return model.RetryTask{
		ID:             id,
		InvoiceID:      "INV-1",
		Stage:          model.StageStorage,
		Snapshot:       []byte(`{"id":"INV-1"}`),
		Attempts:       0,
		NextEligibleAt: due,
		LastError:      "chain exhausted",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	s := newTestSQLite(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestSQLite_InvoiceRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	now := time.Now().UTC()
	inv := model.NewInvoice("INV-1", model.Document{Name: "a.pdf"}, now)
	require.NoError(t, s.SaveInvoice(ctx, inv))

	require.NoError(t, inv.Transition(model.StageExtraction, model.StateExtracting, now))
	inv.ERPRef = "a0B1"
	require.NoError(t, s.SaveInvoice(ctx, inv))

	got, err := s.GetInvoice(ctx, "INV-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateExtracting, got.State)
	assert.Equal(t, "a0B1", got.ERPRef)

	_, err = s.GetInvoice(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ListInvoicesFilter(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, id := range []string{"A", "B", "C"} {
		inv := model.NewInvoice(id, model.Document{}, now.Add(time.Duration(i)*time.Second))
		if id == "B" {
			require.NoError(t, inv.Transition(model.StageExtraction, model.StateDeadLettered, inv.UpdatedAt))
		}
		require.NoError(t, s.SaveInvoice(ctx, inv))
	}

	all, err := s.ListInvoices(ctx, InvoiceFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "C", all[0].ID)

	dead, err := s.ListInvoices(ctx, InvoiceFilter{State: model.StateDeadLettered})
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "B", dead[0].ID)

	page, err := s.ListInvoices(ctx, InvoiceFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "B", page[0].ID)
}

func TestSQLite_UpsertTaskKeepsCreatedAt(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	task := newTask("INV-1:storage", time.Now().Add(time.Minute))
	require.NoError(t, s.UpsertTask(ctx, task))

	updated := task
	updated.Attempts = 2
	updated.LastError = "again"
	updated.CreatedAt = time.Now().Add(time.Hour)
	require.NoError(t, s.UpsertTask(ctx, updated))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "again", got.LastError)
	assert.Equal(t, task.CreatedAt.UnixNano(), got.CreatedAt.UnixNano())
	assert.Nil(t, got.ClaimedUntil)

	n, err := s.CountTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLite_ClaimDueLeasesOnlyDueTasks(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertTask(ctx, newTask("due-1", now.Add(-time.Minute))))
	require.NoError(t, s.UpsertTask(ctx, newTask("due-2", now.Add(-time.Second))))
	require.NoError(t, s.UpsertTask(ctx, newTask("later", now.Add(time.Hour))))

	claimed, err := s.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, c := range claimed {
		require.NotNil(t, c.ClaimedUntil)
		assert.True(t, c.ClaimedUntil.After(now))
	}

	again, err := s.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "leased tasks must not be claimed twice")

	expired, err := s.ClaimDue(ctx, now.Add(2*time.Minute), time.Minute, 10)
	require.NoError(t, err)
	assert.Len(t, expired, 2, "expired leases become claimable")
}

func TestSQLite_ClaimDueConcurrentClaimersNeverShare(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		require.NoError(t, s.UpsertTask(ctx, newTask(id, now.Add(-time.Second))))
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tasks, err := s.ClaimDue(ctx, now, time.Minute, 2)
			assert.NoError(t, err)
			mu.Lock()
			for _, task := range tasks {
				seen[task.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s claimed %d times", id, n)
	}
}

func TestSQLite_MoveToDeadLetterIsAtomicAndIdempotent(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	task := newTask("INV-1:storage", time.Now())
	require.NoError(t, s.UpsertTask(ctx, task))

	dl := model.DeadLetter{
		ID:        task.ID,
		InvoiceID: task.InvoiceID,
		Stage:     task.Stage,
		Snapshot:  task.Snapshot,
		Attempts:  5,
		Reason:    model.DeadLetterMaxAttempts,
		LastError: "still failing",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.MoveToDeadLetter(ctx, dl))

	_, err := s.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	second := dl
	second.Reason = model.DeadLetterFatal
	require.NoError(t, s.MoveToDeadLetter(ctx, second))

	list, err := s.ListDeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.DeadLetterMaxAttempts, list[0].Reason)
	assert.Equal(t, 5, list[0].Attempts)

	got, err := s.GetDeadLetter(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageStorage, got.Stage)

	_, err = s.GetDeadLetter(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_DeleteTask(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertTask(ctx, newTask("x", time.Now())))
	require.NoError(t, s.DeleteTask(ctx, "x"))
	require.NoError(t, s.DeleteTask(ctx, "x"))

	n, err := s.CountTasks(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLite_CountInvoices(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	now := time.Now().UTC()
	old := model.NewInvoice("INV-old", model.Document{}, now.Add(-48*time.Hour))
	require.NoError(t, s.SaveInvoice(ctx, old))

	for i, state := range []model.State{model.StateCompleted, model.StateCompleted, model.StateQueued} {
		inv := model.NewInvoice(fmt.Sprintf("INV-%d", i), model.Document{}, now)
		inv.State = state
		require.NoError(t, s.SaveInvoice(ctx, inv))
	}

	counts, err := s.CountInvoices(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, map[model.State]int{model.StateCompleted: 2, model.StateQueued: 1}, counts)

	all, err := s.CountInvoices(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, all[model.StateReceived])
}
