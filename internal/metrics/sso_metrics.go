package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_sso_workflow_transitions_total",
			Help: "Total number of SSO workflow state transitions",
		},
		[]string{"from", "to"},
	)

	MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_sso_mutations_total",
			Help: "Total number of SSO configuration mutations by operation and outcome",
		},
		[]string{"operation", "outcome"}, // seed/update/toggle/metadata_import/mark_used; success/error/...
	)

	MutationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulse_sso_mutation_duration_seconds",
			Help:    "Time spent in the SSO store per mutation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Entitlement metrics
	EntitlementDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_sso_entitlement_decisions_total",
			Help: "Total number of entitlement gate decisions by capability",
		},
		[]string{"capability", "decision"},
	)

	EntitlementFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_sso_entitlement_fallbacks_total",
			Help: "Total number of times the billing backend failed and a fallback snapshot was served",
		},
		[]string{"reason"},
	)

	BillingReloadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_sso_billing_reloads_total",
			Help: "Total number of billing state changes picked up from disk",
		},
	)

	// HTTP metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_sso_api_requests_total",
			Help: "Total number of API requests by route and status code",
		},
		[]string{"route", "code"},
	)

	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_sso_rate_limited_total",
			Help: "Total number of API requests rejected by the rate limiter",
		},
	)
)

// RecordTransition records a workflow state change
func RecordTransition(from, to string) {
	WorkflowTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordMutation records the outcome and store latency of a mutation
func RecordMutation(operation, outcome string, took time.Duration) {
	MutationsTotal.WithLabelValues(operation, outcome).Inc()
	MutationDurationSeconds.WithLabelValues(operation).Observe(took.Seconds())
}

// RecordEntitlementDecision records a gate evaluation
func RecordEntitlementDecision(capability string, allowed bool) {
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	EntitlementDecisionsTotal.WithLabelValues(capability, decision).Inc()
}

// RecordEntitlementFallback records a fallback served instead of live billing data
func RecordEntitlementFallback(reason string) {
	EntitlementFallbacksTotal.WithLabelValues(reason).Inc()
}

// RecordBillingReload records a billing file change
func RecordBillingReload() {
	BillingReloadsTotal.Inc()
}

// RecordAPIRequest records a completed API request
func RecordAPIRequest(route string, code int) {
	APIRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// RecordRateLimited records a request rejected by the rate limiter
func RecordRateLimited() {
	RateLimitedTotal.Inc()
}
