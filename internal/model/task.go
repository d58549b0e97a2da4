package model

import "time"

// RetryTask is a durably persisted stage that exhausted its fallback chain and
// awaits re-attempt. ID equals the stage idempotency key so there is at most
// one task per invoice stage.
type RetryTask struct {
	ID             string     `json:"id"`
	InvoiceID      string     `json:"invoice_id"`
	Stage          Stage      `json:"stage"`
	Snapshot       []byte     `json:"snapshot"`
	Attempts       int        `json:"attempts"`
	NextEligibleAt time.Time  `json:"next_eligible_at"`
	LastError      string     `json:"last_error,omitempty"`
	ClaimedUntil   *time.Time `json:"claimed_until,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Invoice decodes the task snapshot.
func (t *RetryTask) Invoice() (*Invoice, error) {
	return UnmarshalInvoice(t.Snapshot)
}

// DeadLetterReason explains why a task was dead-lettered.
type DeadLetterReason string

const (
	DeadLetterFatal       DeadLetterReason = "fatal"
	DeadLetterMaxAttempts DeadLetterReason = "max_attempts"
	DeadLetterMaxAge      DeadLetterReason = "max_age"
)

// DeadLetter is a terminal failure requiring manual intervention.
type DeadLetter struct {
	ID        string           `json:"id"`
	InvoiceID string           `json:"invoice_id"`
	Stage     Stage            `json:"stage"`
	Snapshot  []byte           `json:"snapshot"`
	Attempts  int              `json:"attempts"`
	Reason    DeadLetterReason `json:"reason"`
	LastError string           `json:"last_error,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}
