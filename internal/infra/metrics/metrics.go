// Package metrics provides Prometheus metrics for chanopt.
// Counters, gauges, and histograms for cycles, decisions, validation,
// execution, rollback, breakers, and health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Cycles ─────────────────────────────────────────────────────────────────

// CycleDuration tracks control-loop cycle duration in seconds.
var CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "chanopt",
	Name:      "cycle_duration_seconds",
	Help:      "Control-loop cycle duration in seconds.",
	Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
})

// CycleChannels tracks channels per cycle by outcome (scored, deferred, skipped).
var CycleChannels = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "chanopt",
	Name:      "cycle_channels_total",
	Help:      "Channels processed per cycle by outcome.",
}, []string{"outcome"})

// CycleErrors tracks cycles that could not read channel state.
var CycleErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "chanopt",
	Name:      "cycle_errors_total",
	Help:      "Cycles aborted before scoring.",
})

// ─── Scoring & Decisions ────────────────────────────────────────────────────

// CompositeScore tracks the distribution of composite scores.
var CompositeScore = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "chanopt",
	Name:      "composite_score",
	Help:      "Distribution of composite channel scores.",
	Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
})

// EstimatedSubScores tracks sub-scores that fell back to the neutral value.
var EstimatedSubScores = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "chanopt",
	Name:      "estimated_subscores_total",
	Help:      "Sub-scores computed from a neutral default, per heuristic.",
}, []string{"heuristic"})

// Decisions tracks decisions by type and confidence.
var Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "chanopt",
	Name:      "decisions_total",
	Help:      "Decisions produced, by type and confidence.",
}, []string{"type", "confidence"})

// ─── Validation ─────────────────────────────────────────────────────────────

// RuleViolations tracks rejections and clamps per rule.
var RuleViolations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "chanopt",
	Name:      "rule_violations_total",
	Help:      "Safety rule hits (rejections and clamps).",
}, []string{"rule"})

// BudgetUsed tracks changes counted against the daily budget.
var BudgetUsed = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "chanopt",
	Name:      "budget_used",
	Help:      "Changes counted in the current budget window.",
})

// ─── Execution ──────────────────────────────────────────────────────────────

// Executions tracks terminal execution records by type and status.
var Executions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "chanopt",
	Name:      "executions_total",
	Help:      "Terminal execution records by decision type and status.",
}, []string{"type", "status", "dry_run"})

// ExecutionsActive tracks executions currently holding a channel lock.
var ExecutionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "chanopt",
	Name:      "executions_active",
	Help:      "Number of executions in progress.",
})

// BackendCalls tracks backend call attempts by endpoint and result.
var BackendCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "chanopt",
	Name:      "backend_calls_total",
	Help:      "Backend write attempts by endpoint and result.",
}, []string{"endpoint", "result"})

// BackendLatency tracks backend call duration in seconds.
var BackendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "chanopt",
	Name:      "backend_latency_seconds",
	Help:      "Backend call duration in seconds.",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
}, []string{"endpoint"})

// ─── Rollback & Healing ─────────────────────────────────────────────────────

// Rollbacks tracks rollback outcomes (restored, failed).
var Rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "chanopt",
	Name:      "rollbacks_total",
	Help:      "Rollback attempts by outcome.",
}, []string{"outcome"})

// QuarantinedChannels tracks channels awaiting manual review.
var QuarantinedChannels = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "chanopt",
	Name:      "quarantined_channels",
	Help:      "Channels excluded from automated execution.",
})

// BreakerState tracks circuit breaker state per endpoint (0=closed, 1=open, 2=half-open).
var BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "chanopt",
	Name:      "breaker_state",
	Help:      "Circuit breaker state per endpoint (0=closed, 1=open, 2=half-open).",
}, []string{"endpoint"})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "chanopt",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})

// HealthRecoveries tracks auto-recovery attempts.
var HealthRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "chanopt",
	Name:      "health_recoveries_total",
	Help:      "Total auto-recovery attempts per check.",
}, []string{"check"})
