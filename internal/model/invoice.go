package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// Stage is one named step of invoice processing.
type Stage string

const (
	StageExtraction   Stage = "extraction"
	StageAnalysis     Stage = "analysis"
	StageStorage      Stage = "storage"
	StageNotification Stage = "notification"
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageExtraction, StageAnalysis, StageStorage, StageNotification}

// Index returns the position of the stage in execution order, or -1 if unknown.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Next returns the stage after s. ok is false for the last stage.
func (s Stage) Next() (next Stage, ok bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(Stages) {
		return "", false
	}
	return Stages[i+1], true
}

// InProgress returns the state an invoice is in while the stage runs.
func (s Stage) InProgress() State {
	switch s {
	case StageExtraction:
		return StateExtracting
	case StageAnalysis:
		return StateAnalyzing
	case StageStorage:
		return StateStoring
	case StageNotification:
		return StateNotifying
	default:
		return ""
	}
}

// Done returns the state an invoice is in after the stage completes.
func (s Stage) Done() State {
	switch s {
	case StageExtraction:
		return StateExtracted
	case StageAnalysis:
		return StateAnalyzed
	case StageStorage:
		return StateStored
	case StageNotification:
		return StateCompleted
	default:
		return ""
	}
}

// State represents the current state of an invoice in the pipeline.
type State string

const (
	StateReceived     State = "received"
	StateExtracting   State = "extracting"
	StateExtracted    State = "extracted"
	StateAnalyzing    State = "analyzing"
	StateAnalyzed     State = "analyzed"
	StateStoring      State = "storing"
	StateStored       State = "stored"
	StateNotifying    State = "notifying"
	StateCompleted    State = "completed"
	StateQueued       State = "queued"
	StateDeadLettered State = "dead_lettered"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDeadLettered
}

// ErrInvalidTransition is returned when a state change would regress the stage
// pointer or leave a terminal state.
var ErrInvalidTransition = eris.New("invalid state transition")

// Document is the raw invoice document handed to extraction providers.
type Document struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	SourceRef   string `json:"source_ref,omitempty"`
	SHA256      string `json:"sha256,omitempty"`
	Content     []byte `json:"content,omitempty"`
}

// LineItem is a single line on an invoice.
type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Amount      float64 `json:"amount"`
}

// ExtractedInvoice holds the structured fields produced by the extraction stage.
type ExtractedInvoice struct {
	Vendor        string     `json:"vendor"`
	InvoiceNumber string     `json:"invoice_number"`
	Amount        float64    `json:"amount"`
	Currency      string     `json:"currency,omitempty"`
	Date          string     `json:"date"`
	LineItems     []LineItem `json:"line_items,omitempty"`
	Text          string     `json:"text,omitempty"`
}

// Analysis holds the entity map produced by the analysis stage.
type Analysis struct {
	Entities   map[string]string `json:"entities"`
	Confidence float64           `json:"confidence"`
}

// Attempt records a single provider invocation.
type Attempt struct {
	Provider  string        `json:"provider"`
	Number    int           `json:"number"`
	Latency   time.Duration `json:"latency_ns"`
	Class     string        `json:"class,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
}

// StageOutcome is the history of one stage run on an invoice.
type StageOutcome struct {
	Stage       Stage         `json:"stage"`
	Provider    string        `json:"provider,omitempty"`
	Succeeded   bool          `json:"succeeded"`
	Attempts    []Attempt     `json:"attempts"`
	Latency     time.Duration `json:"latency_ns"`
	Error       string        `json:"error,omitempty"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Invoice is the unit of work threaded through the pipeline.
type Invoice struct {
	ID             string            `json:"id"`
	Stage          Stage             `json:"stage"`
	State          State             `json:"state"`
	Document       Document          `json:"document"`
	Extracted      *ExtractedInvoice `json:"extracted,omitempty"`
	Analysis       *Analysis         `json:"analysis,omitempty"`
	ERPRef         string            `json:"erp_ref,omitempty"`
	NotificationID string            `json:"notification_id,omitempty"`
	Outcomes       []StageOutcome    `json:"outcomes,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NewInvoice creates a received invoice positioned at the first stage.
func NewInvoice(id string, doc Document, now time.Time) *Invoice {
	return &Invoice{
		ID:        id,
		Stage:     StageExtraction,
		State:     StateReceived,
		Document:  doc,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the invoice to state `to` at stage `stage`. The stage
// pointer never regresses and advances one stage at a time, entering the next
// stage in progress only once the current one is done. Terminal states are
// final and a queued invoice may only resume the stage it was queued at.
func (inv *Invoice) Transition(stage Stage, to State, now time.Time) error {
	if inv.State.Terminal() {
		return eris.Wrapf(ErrInvalidTransition, "%s: %s is terminal", inv.ID, inv.State)
	}
	if !stage.Valid() {
		return eris.Wrapf(ErrInvalidTransition, "%s: unknown stage %q", inv.ID, stage)
	}
	if stage.Index() < inv.Stage.Index() {
		return eris.Wrapf(ErrInvalidTransition, "%s: stage %s -> %s regresses", inv.ID, inv.Stage, stage)
	}
	if stage.Index() > inv.Stage.Index()+1 {
		return eris.Wrapf(ErrInvalidTransition, "%s: stage %s -> %s skips a stage", inv.ID, inv.Stage, stage)
	}
	if stage == inv.Stage && inv.State == stage.Done() {
		return eris.Wrapf(ErrInvalidTransition, "%s: stage %s already completed", inv.ID, stage)
	}
	if stage != inv.Stage && (inv.State != inv.Stage.Done() || to != stage.InProgress()) {
		return eris.Wrapf(ErrInvalidTransition, "%s: %s at %s cannot start %s/%s", inv.ID, inv.State, inv.Stage, stage, to)
	}
	if inv.State == StateQueued && to != StateDeadLettered && (stage != inv.Stage || to != stage.InProgress()) {
		return eris.Wrapf(ErrInvalidTransition, "%s: queued at %s cannot move to %s/%s", inv.ID, inv.Stage, stage, to)
	}
	switch to {
	case StateQueued, StateDeadLettered, stage.InProgress(), stage.Done():
	default:
		return eris.Wrapf(ErrInvalidTransition, "%s: state %s does not belong to stage %s", inv.ID, to, stage)
	}
	inv.Stage = stage
	inv.State = to
	inv.UpdatedAt = now
	return nil
}

// StageCompleted reports whether the stage already has a successful outcome.
func (inv *Invoice) StageCompleted(stage Stage) bool {
	for _, o := range inv.Outcomes {
		if o.Stage == stage && o.Succeeded {
			return true
		}
	}
	return false
}

// RecordOutcome appends a stage outcome to the history.
func (inv *Invoice) RecordOutcome(o StageOutcome) {
	inv.Outcomes = append(inv.Outcomes, o)
}

// Attempts returns every recorded attempt for a stage across all outcomes.
func (inv *Invoice) Attempts(stage Stage) []Attempt {
	var out []Attempt
	for _, o := range inv.Outcomes {
		if o.Stage == stage {
			out = append(out, o.Attempts...)
		}
	}
	return out
}

// Snapshot returns a deep copy of the invoice.
func (inv *Invoice) Snapshot() Invoice {
	cp := *inv
	cp.Document.Content = append([]byte(nil), inv.Document.Content...)
	if inv.Extracted != nil {
		ex := *inv.Extracted
		ex.LineItems = append([]LineItem(nil), inv.Extracted.LineItems...)
		cp.Extracted = &ex
	}
	if inv.Analysis != nil {
		an := Analysis{Confidence: inv.Analysis.Confidence, Entities: make(map[string]string, len(inv.Analysis.Entities))}
		for k, v := range inv.Analysis.Entities {
			an.Entities[k] = v
		}
		cp.Analysis = &an
	}
	cp.Outcomes = make([]StageOutcome, len(inv.Outcomes))
	for i, o := range inv.Outcomes {
		o.Attempts = append([]Attempt(nil), o.Attempts...)
		cp.Outcomes[i] = o
	}
	return cp
}

// MarshalSnapshot serializes the invoice for durable storage.
func (inv *Invoice) MarshalSnapshot() ([]byte, error) {
	data, err := json.Marshal(inv)
	if err != nil {
		return nil, eris.Wrapf(err, "model: marshal invoice %s", inv.ID)
	}
	return data, nil
}

// UnmarshalInvoice restores an invoice from a snapshot.
func UnmarshalInvoice(data []byte) (*Invoice, error) {
	var inv Invoice
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, eris.Wrap(err, "model: unmarshal invoice")
	}
	return &inv, nil
}

// IdempotencyKey is the deterministic key sent with every provider call for a
// stage of an invoice.
func IdempotencyKey(invoiceID string, stage Stage) string {
	return invoiceID + ":" + string(stage)
}
