package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// RatePolicy is a provider's quota: Capacity calls per Window, refilled
// continuously, and an optional bound on concurrent calls.
type RatePolicy struct {
	Capacity    int           `yaml:"capacity" mapstructure:"capacity"`
	Window      time.Duration `yaml:"window" mapstructure:"window"`
	MaxInFlight int           `yaml:"max_in_flight" mapstructure:"max_in_flight"`
}

// Unlimited reports whether the policy imposes no quota.
func (p RatePolicy) Unlimited() bool {
	return p.Capacity <= 0 && p.MaxInFlight <= 0
}

type bucket struct {
	tokens   *rate.Limiter       // nil when only in-flight is bounded
	inFlight *semaphore.Weighted // nil when concurrency is unbounded
}

// Limiter is admission control shared by every chain in the process, keyed by
// provider id. Providers without a registered policy are unlimited.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

// NewLimiter creates a limiter with the given per-provider policies.
func NewLimiter(policies map[string]RatePolicy) *Limiter {
	l := &Limiter{buckets: make(map[string]*bucket, len(policies))}
	for id, p := range policies {
		l.Register(id, p)
	}
	return l
}

// Register sets or replaces the policy for a provider. Replacing resets the
// provider's token count.
func (l *Limiter) Register(providerID string, p RatePolicy) {
	if p.Unlimited() {
		return
	}
	b := &bucket{}
	if p.Capacity > 0 {
		window := p.Window
		if window <= 0 {
			window = time.Minute
		}
		every := rate.Limit(float64(p.Capacity) / window.Seconds())
		b.tokens = rate.NewLimiter(every, p.Capacity)
	}
	if p.MaxInFlight > 0 {
		b.inFlight = semaphore.NewWeighted(int64(p.MaxInFlight))
	}
	l.mu.Lock()
	l.buckets[providerID] = b
	l.mu.Unlock()
}

func (l *Limiter) bucket(providerID string) *bucket {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.buckets[providerID]
}

// Admit consumes a token if one is available right now. It never blocks and
// does not reserve an in-flight slot.
func (l *Limiter) Admit(providerID string) bool {
	b := l.bucket(providerID)
	if b == nil || b.tokens == nil {
		return true
	}
	return b.tokens.Allow()
}

// Permit is a granted admission. Release frees the in-flight slot and is safe
// to call more than once.
type Permit struct {
	once    sync.Once
	release func()
}

// Release returns the in-flight slot held by the permit.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		if p.release != nil {
			p.release()
		}
	})
}

// Acquire blocks until the provider admits a call, ctx is done, or deadline
// passes. A zero deadline waits on ctx alone. A token that cannot arrive
// before the deadline fails fast with ErrRateLimitTimeout.
func (l *Limiter) Acquire(ctx context.Context, providerID string, deadline time.Time) (*Permit, error) {
	b := l.bucket(providerID)
	if b == nil {
		return &Permit{}, nil
	}

	waitCtx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	permit := &Permit{}
	if b.inFlight != nil {
		if err := b.inFlight.Acquire(waitCtx, 1); err != nil {
			return nil, l.waitErr(ctx, providerID, err)
		}
		permit.release = func() { b.inFlight.Release(1) }
	}

	if b.tokens != nil {
		if err := b.tokens.Wait(waitCtx); err != nil {
			permit.Release()
			return nil, l.waitErr(ctx, providerID, err)
		}
	}
	return permit, nil
}

// waitErr keeps caller cancellation distinct from quota exhaustion.
func (l *Limiter) waitErr(ctx context.Context, providerID string, err error) error {
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return eris.Wrapf(ctx.Err(), "ratelimit: acquire %s", providerID)
	}
	return eris.Wrapf(ErrRateLimitTimeout, "ratelimit: acquire %s: %v", providerID, err)
}
