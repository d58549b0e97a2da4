// Package store persists invoices, retry tasks and dead letters.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/invoice-cli/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = eris.New("store: not found")

// InvoiceFilter specifies criteria for listing invoices.
type InvoiceFilter struct {
	State  model.State `json:"state,omitempty"`
	Stage  model.Stage `json:"stage,omitempty"`
	Limit  int         `json:"limit,omitempty"`
	Offset int         `json:"offset,omitempty"`
}

// InvoiceStore persists invoice records for status queries and recovery.
type InvoiceStore interface {
	// SaveInvoice inserts or replaces the invoice.
	SaveInvoice(ctx context.Context, inv *model.Invoice) error
	GetInvoice(ctx context.Context, id string) (*model.Invoice, error)
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]model.Invoice, error)
	// CountInvoices returns the number of invoices per state updated at or
	// after since. A zero since counts every invoice.
	CountInvoices(ctx context.Context, since time.Time) (map[model.State]int, error)
}

// TaskStore is the durable backing of the retry queue. Every method is a
// single atomic statement or transaction.
type TaskStore interface {
	// UpsertTask writes the task, replacing any task with the same id and
	// clearing its claim. CreatedAt of an existing task is kept.
	UpsertTask(ctx context.Context, task model.RetryTask) error
	// ClaimDue leases up to limit tasks due at now that are not already
	// leased, and returns them.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.RetryTask, error)
	GetTask(ctx context.Context, id string) (*model.RetryTask, error)
	DeleteTask(ctx context.Context, id string) error
	CountTasks(ctx context.Context) (int, error)

	// MoveToDeadLetter inserts dl and deletes the task with the same id in
	// one transaction. Moving an id twice keeps the first dead letter.
	MoveToDeadLetter(ctx context.Context, dl model.DeadLetter) error
	GetDeadLetter(ctx context.Context, id string) (*model.DeadLetter, error)
	ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error)
}

// Store is the full persistence interface.
type Store interface {
	InvoiceStore
	TaskStore

	Migrate(ctx context.Context) error
	Close() error
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
