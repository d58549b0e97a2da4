package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// RetryConfig controls retry behavior with exponential backoff and jitter.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts on one provider (including
	// the first try). A value of 1 means no retries. Default: 3.
	MaxAttempts int

	// BaseDelay is the delay before the first retry. Default: 500ms.
	BaseDelay time.Duration

	// MaxDelay caps the exponential delay. Default: 30s.
	MaxDelay time.Duration

	// JitterFraction adds random jitter in [0, delay*JitterFraction].
	// Default: 0.5.
	JitterFraction float64

	// OnRetry is called before each retry sleep with attempt number and error.
	OnRetry func(attempt int, err error)

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryConfig returns a sensible retry configuration for provider calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		JitterFraction: 0.5,
	}
}

// AttemptRecord describes one finished attempt.
type AttemptRecord struct {
	Number    int
	StartedAt time.Time
	Latency   time.Duration
	Err       error
	Class     Class
	Delay     time.Duration // backoff slept after this attempt, 0 if none
}

// Classifier maps a raw failure to a Class.
type Classifier func(err error) Class

// ErrRetriesExhausted wraps the last retryable error once the attempt budget
// on a provider is spent.
var ErrRetriesExhausted = eris.New("retries exhausted")

// Execute runs fn until it succeeds, fails with a non-retryable class, or the
// attempt budget is spent. Retryable failures past the budget escalate as
// Fallback. Every attempt is passed to record before Execute returns. Context
// cancellation stops retries immediately.
func Execute[T any](ctx context.Context, cfg RetryConfig, classify Classifier, fn func(ctx context.Context, attempt int) (T, error), record func(AttemptRecord)) (T, Class, error) {
	cfg = applyDefaults(cfg)
	if classify == nil {
		classify = DefaultClassifier
	}

	var zero T
	for attempt := 1; ; attempt++ {
		start := time.Now()
		val, err := fn(ctx, attempt)
		rec := AttemptRecord{Number: attempt, StartedAt: start, Latency: time.Since(start), Err: err}
		if err == nil {
			if record != nil {
				record(rec)
			}
			return val, 0, nil
		}

		class := classify(err)
		if ctx.Err() != nil {
			class = Fatal
			err = eris.Wrap(ctx.Err(), err.Error())
		}
		rec.Class = class

		if class != Retryable {
			if record != nil {
				record(rec)
			}
			return zero, class, err
		}

		if attempt >= cfg.MaxAttempts {
			rec.Class = Fallback
			if record != nil {
				record(rec)
			}
			return zero, Fallback, eris.Wrapf(ErrRetriesExhausted, "after %d attempts: %v", attempt, err)
		}

		rec.Delay = Backoff(attempt, cfg.BaseDelay, cfg.MaxDelay, cfg.JitterFraction)
		if record != nil {
			record(rec)
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
		if serr := cfg.sleep(ctx, rec.Delay); serr != nil {
			return zero, Fatal, eris.Wrap(serr, err.Error())
		}
	}
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if cfg.sleep == nil {
		cfg.sleep = sleepCtx
	}
	return cfg
}

// Backoff computes min(maxDelay, base*2^(attempt-1)) plus jitter in
// [0, delay*jitter]. attempt is 1-based.
func Backoff(attempt int, base, maxDelay time.Duration, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	if jitter > 0 {
		delay += rand.Float64() * delay * jitter
	}
	return time.Duration(delay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(provider, invoiceID string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying provider call",
			zap.String("provider", provider),
			zap.String("invoice", invoiceID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
