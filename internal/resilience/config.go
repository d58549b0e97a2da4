package resilience

import (
	"time"
)

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}

// FromRatePolicy converts config values to a RatePolicy.
func FromRatePolicy(capacity, windowSecs, maxInFlight int) RatePolicy {
	p := RatePolicy{Capacity: capacity, Window: time.Duration(windowSecs) * time.Second, MaxInFlight: maxInFlight}
	if p.Window <= 0 {
		p.Window = time.Minute
	}
	return p
}
