package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/invoice-cli/internal/model"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Invoice metrics (within lookback window).
	InvoicesTotal        int     `json:"invoices_total"`
	InvoicesCompleted    int     `json:"invoices_completed"`
	InvoicesDeadLettered int     `json:"invoices_dead_lettered"`
	InvoicesQueued       int     `json:"invoices_queued"`
	InvoicesInFlight     int     `json:"invoices_in_flight"`
	CompletionRate       float64 `json:"completion_rate"`

	// Retry queue.
	QueueDepth int `json:"queue_depth"`

	// Dead letters created within the lookback window.
	DeadLetters        int            `json:"dead_letters"`
	DeadLettersByStage map[string]int `json:"dead_letters_by_stage,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Querier is the subset of the store the collector reads.
type Querier interface {
	CountInvoices(ctx context.Context, since time.Time) (map[model.State]int, error)
	CountTasks(ctx context.Context) (int, error)
	ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	store Querier
}

// NewCollector creates a new metrics collector.
func NewCollector(st Querier) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	counts, err := c.store.CountInvoices(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count invoices")
	}
	for state, n := range counts {
		snap.InvoicesTotal += n
		switch state {
		case model.StateCompleted:
			snap.InvoicesCompleted += n
		case model.StateDeadLettered:
			snap.InvoicesDeadLettered += n
		case model.StateQueued:
			snap.InvoicesQueued += n
		default:
			snap.InvoicesInFlight += n
		}
	}
	if finished := snap.InvoicesCompleted + snap.InvoicesDeadLettered; finished > 0 {
		snap.CompletionRate = float64(snap.InvoicesCompleted) / float64(finished)
	}

	depth, err := c.store.CountTasks(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count retry tasks")
	}
	snap.QueueDepth = depth

	dls, err := c.store.ListDeadLetters(ctx, 10000)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list dead letters")
	}
	for _, dl := range dls {
		if dl.CreatedAt.Before(cutoff) {
			continue
		}
		if snap.DeadLettersByStage == nil {
			snap.DeadLettersByStage = make(map[string]int)
		}
		snap.DeadLetters++
		snap.DeadLettersByStage[string(dl.Stage)]++
	}

	return snap, nil
}
