// Package metrics exposes prometheus collectors for the invoice pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProviderAttempts counts provider calls by outcome ("success" or a failure class).
	ProviderAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invoice_provider_attempts_total",
			Help: "Total number of provider call attempts",
		},
		[]string{"stage", "provider", "outcome"},
	)

	// ProviderLatency tracks provider call latency.
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "invoice_provider_latency_seconds",
			Help:    "Provider call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage", "provider"},
	)

	// RateLimitTimeouts counts permits that could not be acquired in time.
	RateLimitTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invoice_rate_limit_timeouts_total",
			Help: "Total number of rate limiter acquire timeouts",
		},
		[]string{"provider"},
	)

	// ChainExhausted counts stages where every provider failed.
	ChainExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invoice_chain_exhausted_total",
			Help: "Total number of exhausted fallback chains",
		},
		[]string{"stage"},
	)

	// CircuitState is 0 closed, 1 open, 2 half-open.
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "invoice_provider_circuit_state",
			Help: "Circuit breaker state per provider",
		},
		[]string{"provider"},
	)

	// StageTransitions counts invoice state changes.
	StageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invoice_state_transitions_total",
			Help: "Total number of invoice state transitions",
		},
		[]string{"stage", "state"},
	)

	// TasksEnqueued counts retry tasks written to the durable queue.
	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invoice_retry_tasks_enqueued_total",
			Help: "Total number of retry tasks enqueued",
		},
		[]string{"stage"},
	)

	// TasksResolved counts retry tasks that later succeeded.
	TasksResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invoice_retry_tasks_resolved_total",
			Help: "Total number of retry tasks resolved by a sweep",
		},
		[]string{"stage"},
	)

	// DeadLetters counts invoices moved to the dead-letter set.
	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invoice_dead_letters_total",
			Help: "Total number of dead-lettered invoices",
		},
		[]string{"stage", "reason"},
	)

	// QueueDepth is the number of pending retry tasks after the last sweep.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "invoice_retry_queue_depth",
			Help: "Pending retry tasks",
		},
	)
)
