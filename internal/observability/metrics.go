package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "llm_gateway"

var (
	// GateDecisions counts outcomes per pipeline gate.
	GateDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "gate_decisions_total",
			Help:      "Decisions taken by each pipeline gate",
		},
		[]string{"gate", "decision"},
	)

	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "End-to-end decision pipeline latency",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"decision"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Semantic cache lookups by resolving tier",
		},
		[]string{"tier", "result"},
	)

	ProviderAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "provider_attempts_total",
			Help:      "Provider call attempts by outcome",
		},
		[]string{"provider", "model", "outcome"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "provider_latency_seconds",
			Help:      "Latency of successful provider calls",
			Buckets:   []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"provider"},
	)

	CircuitOpens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "circuit_opens_total",
			Help:      "Circuit breaker transitions to OPEN",
		},
		[]string{"provider"},
	)

	SpendUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "spend_usd_total",
			Help:      "Settled spend in USD",
		},
		[]string{"tenant_id"},
	)

	KillSwitchTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "kill_switch_trips_total",
			Help:      "Tenants frozen by the velocity guard",
		},
		[]string{"tenant_id"},
	)

	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "dead_letters_total",
			Help:      "Background tasks routed to the dead-letter queue",
		},
		[]string{"kind"},
	)
)
