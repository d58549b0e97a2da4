// Package fallback runs a stage's ordered provider chain with retries, rate
// limiting and circuit breaking.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/invoice-cli/internal/metrics"
	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/provider"
	"github.com/sells-group/invoice-cli/internal/resilience"
)

// Descriptor binds a provider to its place and retry policy in a chain.
type Descriptor struct {
	Provider provider.Provider
	Priority int
	Retry    resilience.RetryConfig
}

// StageResult is the first successful provider response of a chain run.
type StageResult struct {
	Provider string
	Result   *provider.Result
	Attempts []model.Attempt
	Latency  time.Duration
}

// ProviderFailure is the final failure of one provider in a chain run.
type ProviderFailure struct {
	Provider string
	Class    resilience.Class
	Attempts int
	Err      error
}

// ChainExhausted is returned when every provider in the chain failed without
// a fatal classification.
type ChainExhausted struct {
	Stage    model.Stage
	Failures []ProviderFailure
}

func (e *ChainExhausted) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s(%s): %v", f.Provider, f.Class, f.Err)
	}
	return fmt.Sprintf("fallback: %s chain exhausted: %s", e.Stage, strings.Join(parts, "; "))
}

// FatalError is returned when a provider classified a failure as Fatal. The
// remaining providers are not tried.
type FatalError struct {
	Stage    model.Stage
	Provider string
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fallback: %s: %s: fatal: %v", e.Stage, e.Provider, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Ordering selects how providers are ordered for a run.
type Ordering string

const (
	// OrderStatic keeps configured priority order.
	OrderStatic Ordering = "static"
	// OrderSuccessRate sorts by observed success ratio, priority breaking ties.
	OrderSuccessRate Ordering = "success_rate"
)

// Chain is the ordered provider list of one stage. The limiter is shared
// across chains; each chain only holds a reference.
type Chain struct {
	stage          model.Stage
	descs          []Descriptor
	limiter        *resilience.Limiter
	breakers       *resilience.ProviderBreakers
	acquireTimeout time.Duration
	ordering       Ordering

	mu    sync.Mutex
	stats map[string]*providerStats
}

type providerStats struct {
	successes int
	runs      int
}

// Option configures a Chain.
type Option func(*Chain)

// WithBreakers guards each provider with a circuit breaker from pb.
func WithBreakers(pb *resilience.ProviderBreakers) Option {
	return func(c *Chain) { c.breakers = pb }
}

// WithAcquireTimeout bounds how long an attempt waits for a rate-limit permit.
func WithAcquireTimeout(d time.Duration) Option {
	return func(c *Chain) { c.acquireTimeout = d }
}

// WithOrdering sets the provider ordering strategy.
func WithOrdering(o Ordering) Option {
	return func(c *Chain) { c.ordering = o }
}

// New creates the chain for stage. Descriptors are sorted by priority; equal
// priorities keep their given order.
func New(stage model.Stage, limiter *resilience.Limiter, descs []Descriptor, opts ...Option) *Chain {
	sorted := append([]Descriptor(nil), descs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	if limiter == nil {
		limiter = resilience.NewLimiter(nil)
	}
	c := &Chain{
		stage:          stage,
		descs:          sorted,
		limiter:        limiter,
		acquireTimeout: 5 * time.Second,
		ordering:       OrderStatic,
		stats:          make(map[string]*providerStats),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Stage returns the stage the chain serves.
func (c *Chain) Stage() model.Stage { return c.stage }

// Providers returns provider names in the order the next run would try them.
func (c *Chain) Providers() []string {
	ordered := c.ordered()
	names := make([]string, len(ordered))
	for i, d := range ordered {
		names[i] = d.Provider.Name()
	}
	return names
}

// Run tries each provider in order until one succeeds. Every attempt is
// appended to inv's outcome history before Run returns. It returns
// *FatalError on a fatal classification, *ChainExhausted when all providers
// fail, or the context error when ctx is cancelled.
func (c *Chain) Run(ctx context.Context, inv *model.Invoice) (*StageResult, error) {
	start := time.Now()
	req := provider.NewRequest(inv, c.stage)
	log := zap.L().With(zap.String("invoice", inv.ID), zap.String("stage", string(c.stage)))

	var attempts []model.Attempt
	outcome := func(res *StageResult, err error) {
		o := model.StageOutcome{
			Stage:       c.stage,
			Succeeded:   err == nil,
			Attempts:    attempts,
			Latency:     time.Since(start),
			CompletedAt: time.Now().UTC(),
		}
		if res != nil {
			o.Provider = res.Provider
		}
		if err != nil {
			o.Error = err.Error()
		}
		inv.RecordOutcome(o)
	}

	var failures []ProviderFailure
	for _, d := range c.ordered() {
		p := d.Provider
		name := p.Name()
		before := len(attempts)

		retry := d.Retry
		if retry.OnRetry == nil {
			retry.OnRetry = resilience.RetryLogger(name, inv.ID)
		}

		res, class, err := resilience.Execute(ctx, retry, classifierFor(p),
			func(ctx context.Context, _ int) (*provider.Result, error) {
				return c.attempt(ctx, p, req)
			},
			func(rec resilience.AttemptRecord) {
				attempts = append(attempts, c.observe(name, rec))
			},
		)

		if err == nil {
			c.recordRun(name, true)
			if res.Provider == "" {
				res.Provider = name
			}
			sr := &StageResult{Provider: name, Result: res, Attempts: attempts, Latency: time.Since(start)}
			outcome(sr, nil)
			return sr, nil
		}

		if ctx.Err() != nil {
			cerr := eris.Wrapf(ctx.Err(), "fallback: %s cancelled at %s", c.stage, name)
			outcome(nil, cerr)
			return nil, cerr
		}

		if class == resilience.Fatal {
			log.Error("fallback: fatal provider failure", zap.String("provider", name), zap.Error(err))
			ferr := &FatalError{Stage: c.stage, Provider: name, Err: err}
			outcome(nil, ferr)
			return nil, ferr
		}

		c.recordRun(name, false)
		log.Warn("fallback: provider failed, trying next",
			zap.String("provider", name),
			zap.String("class", class.String()),
			zap.Int("attempts", len(attempts)-before),
			zap.Error(err),
		)
		failures = append(failures, ProviderFailure{Provider: name, Class: class, Attempts: len(attempts) - before, Err: err})
	}

	metrics.ChainExhausted.WithLabelValues(string(c.stage)).Inc()
	exhausted := &ChainExhausted{Stage: c.stage, Failures: failures}
	outcome(nil, exhausted)
	return nil, exhausted
}

// attempt performs one provider call under a rate-limit permit and the
// provider's circuit breaker. The permit is held for this attempt only.
func (c *Chain) attempt(ctx context.Context, p provider.Provider, req provider.Request) (*provider.Result, error) {
	var deadline time.Time
	if c.acquireTimeout > 0 {
		deadline = time.Now().Add(c.acquireTimeout)
	}
	permit, err := c.limiter.Acquire(ctx, p.Name(), deadline)
	if err != nil {
		if errors.Is(err, resilience.ErrRateLimitTimeout) {
			metrics.RateLimitTimeouts.WithLabelValues(p.Name()).Inc()
			return nil, resilience.NewFallback(err)
		}
		return nil, err
	}
	defer permit.Release()

	call := p.Call
	if c.breakers != nil {
		cb := c.breakers.Get(p.Name())
		call = func(ctx context.Context, req provider.Request) (*provider.Result, error) {
			res, err := resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (*provider.Result, error) {
				return p.Call(ctx, req)
			})
			if errors.Is(err, resilience.ErrCircuitOpen) {
				return nil, resilience.NewFallback(eris.Wrapf(err, "fallback: %s", p.Name()))
			}
			return res, err
		}
	}

	res, err := call(ctx, req)
	if err == nil && res == nil {
		return nil, resilience.NewFallback(eris.Errorf("fallback: %s returned no result", p.Name()))
	}
	return res, err
}

func (c *Chain) observe(name string, rec resilience.AttemptRecord) model.Attempt {
	outcome := "success"
	a := model.Attempt{
		Provider:  name,
		Number:    rec.Number,
		Latency:   rec.Latency,
		StartedAt: rec.StartedAt,
	}
	if rec.Err != nil {
		outcome = rec.Class.String()
		a.Class = rec.Class.String()
		a.Error = rec.Err.Error()
	}
	metrics.ProviderAttempts.WithLabelValues(string(c.stage), name, outcome).Inc()
	metrics.ProviderLatency.WithLabelValues(string(c.stage), name).Observe(rec.Latency.Seconds())
	return a
}

// classifierFor lets explicit classifications set by the chain (rate limit,
// open circuit) win over the provider's own classifier.
func classifierFor(p provider.Provider) resilience.Classifier {
	return func(err error) resilience.Class {
		if c := resilience.ClassOf(err); c != 0 {
			return c
		}
		return p.Classify(err)
	}
}

func (c *Chain) recordRun(name string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats[name]
	if s == nil {
		s = &providerStats{}
		c.stats[name] = s
	}
	s.runs++
	if ok {
		s.successes++
	}
}

func (c *Chain) ordered() []Descriptor {
	if c.ordering != OrderSuccessRate {
		return c.descs
	}
	c.mu.Lock()
	ratio := make(map[string]float64, len(c.descs))
	for _, d := range c.descs {
		var s providerStats
		if st := c.stats[d.Provider.Name()]; st != nil {
			s = *st
		}
		// Laplace smoothing: an unseen provider starts at 0.5.
		ratio[d.Provider.Name()] = float64(s.successes+1) / float64(s.runs+2)
	}
	c.mu.Unlock()

	out := append([]Descriptor(nil), c.descs...)
	sort.SliceStable(out, func(i, j int) bool {
		return ratio[out[i].Provider.Name()] > ratio[out[j].Provider.Name()]
	})
	return out
}
