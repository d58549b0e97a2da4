// Package provider defines the capability interface every vendor integration
// implements and a registry of configured providers.
package provider

import (
	"context"
	"sort"
	"sync"

	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/resilience"
)

// Request is the stage payload handed to a provider.
type Request struct {
	InvoiceID      string        `json:"invoice_id"`
	Stage          model.Stage   `json:"stage"`
	IdempotencyKey string        `json:"idempotency_key"`
	Invoice        model.Invoice `json:"invoice"`
}

// NewRequest builds a request for a stage of inv from a snapshot copy, so a
// provider never mutates the pipeline's record.
func NewRequest(inv *model.Invoice, stage model.Stage) Request {
	return Request{
		InvoiceID:      inv.ID,
		Stage:          stage,
		IdempotencyKey: model.IdempotencyKey(inv.ID, stage),
		Invoice:        inv.Snapshot(),
	}
}

// Result is a successful provider response. Only the fields belonging to the
// provider's stage are set.
type Result struct {
	Provider    string                  `json:"provider"`
	Extracted   *model.ExtractedInvoice `json:"extracted,omitempty"`
	Analysis    *model.Analysis         `json:"analysis,omitempty"`
	ExternalRef string                  `json:"external_ref,omitempty"`
	MessageID   string                  `json:"message_id,omitempty"`
	// Duplicate is set when the vendor recognized the idempotency key and
	// returned the earlier result instead of applying the call again.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Apply copies the result's stage output onto inv.
func (r *Result) Apply(inv *model.Invoice) {
	if r.Extracted != nil {
		inv.Extracted = r.Extracted
	}
	if r.Analysis != nil {
		inv.Analysis = r.Analysis
	}
	if r.ExternalRef != "" {
		inv.ERPRef = r.ExternalRef
	}
	if r.MessageID != "" {
		inv.NotificationID = r.MessageID
	}
}

// Provider is a vendor integration serving one stage.
type Provider interface {
	// Name returns the provider identifier used in chain config and rate limits.
	Name() string
	// Stage returns the stage this provider serves.
	Stage() model.Stage
	// Call performs the stage work. Implementations must send req.IdempotencyKey
	// to the vendor when the vendor supports it.
	Call(ctx context.Context, req Request) (*Result, error)
	// Classify maps a failure returned by Call to a resilience class.
	Classify(err error) resilience.Class
	// RateLimitPolicy returns the provider's static quota.
	RateLimitPolicy() resilience.RatePolicy
}

// Registry manages available providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider to the registry, replacing any with the same name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns a provider by name, or nil if not found.
func (r *Registry) Get(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForStage returns the providers serving stage, sorted by name.
func (r *Registry) ForStage(stage model.Stage) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Provider
	for _, p := range r.providers {
		if p.Stage() == stage {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Policies returns the rate-limit policy of every registered provider, keyed
// by name, for building the shared limiter.
func (r *Registry) Policies() map[string]resilience.RatePolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]resilience.RatePolicy, len(r.providers))
	for name, p := range r.providers {
		out[name] = p.RateLimitPolicy()
	}
	return out
}

// Func adapts plain functions into a Provider. It is used for tests and for
// simple in-process providers.
type Func struct {
	ProviderName string
	ForStage     model.Stage
	Policy       resilience.RatePolicy
	CallFn       func(ctx context.Context, req Request) (*Result, error)
	ClassifyFn   func(err error) resilience.Class
}

func (f *Func) Name() string                           { return f.ProviderName }
func (f *Func) Stage() model.Stage                     { return f.ForStage }
func (f *Func) RateLimitPolicy() resilience.RatePolicy { return f.Policy }

func (f *Func) Call(ctx context.Context, req Request) (*Result, error) {
	return f.CallFn(ctx, req)
}

func (f *Func) Classify(err error) resilience.Class {
	if f.ClassifyFn != nil {
		return f.ClassifyFn(err)
	}
	return resilience.DefaultClassifier(err)
}
