package submetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EntitlementsByState tracks the number of stored users per tier and status.
	EntitlementsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "entsync",
		Subsystem: "store",
		Name:      "entitlements_by_state",
		Help:      "Number of stored entitlement states by tier and status.",
	}, []string{"tier", "status"})

	// WebhookRequestsTotal counts RevenueCat webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entsync",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Total RevenueCat webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "entsync",
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "RevenueCat webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// EventsTotal counts processed lifecycle events by source, type and outcome.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entsync",
		Subsystem: "engine",
		Name:      "events_total",
		Help:      "Lifecycle events by source, type and outcome (applied/noop/stale/duplicate/rejected/deferred/failed).",
	}, []string{"source", "event_type", "outcome"})

	// CASRetriesTotal counts optimistic concurrency retries.
	CASRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "entsync",
		Subsystem: "engine",
		Name:      "cas_retries_total",
		Help:      "Total compare-and-swap retries after a version conflict.",
	})

	// ApplyErrorsTotal counts state machine invariant violations.
	ApplyErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "entsync",
		Subsystem: "engine",
		Name:      "apply_errors_total",
		Help:      "Total state machine failures that indicate a programming error.",
	})

	// CacheOpsTotal counts entitlement cache operations by op and result.
	CacheOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entsync",
		Subsystem: "cache",
		Name:      "ops_total",
		Help:      "Entitlement cache operations by op (get/invalidate/refresh) and result (hit/miss/ok/error).",
	}, []string{"op", "result"})

	// AuthorityRequestsTotal counts billing authority calls by result.
	AuthorityRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entsync",
		Subsystem: "authority",
		Name:      "requests_total",
		Help:      "Billing authority subscriber lookups by result (ok/not_found/unavailable).",
	}, []string{"result"})

	// AuthorityDuration tracks billing authority latency including retries.
	AuthorityDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "entsync",
		Subsystem: "authority",
		Name:      "duration_seconds",
		Help:      "Billing authority subscriber lookup duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
	})

	// ReconcileRunsTotal counts reconciliation job runs by job and result.
	ReconcileRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entsync",
		Subsystem: "reconcile",
		Name:      "runs_total",
		Help:      "Reconciliation job runs by job and result.",
	}, []string{"job", "result"})

	// ReconcileItemsTotal counts users touched by reconciliation jobs.
	ReconcileItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entsync",
		Subsystem: "reconcile",
		Name:      "items_total",
		Help:      "Users processed by reconciliation jobs by job and outcome.",
	}, []string{"job", "outcome"})

	// DispatchQueueDepth tracks in-process hand-off queue depth.
	DispatchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "entsync",
		Subsystem: "dispatch",
		Name:      "queue_depth",
		Help:      "Deferred webhook events waiting in the in-process dispatcher.",
	})

	// NotificationsTotal counts user notifications by kind and result.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entsync",
		Subsystem: "notify",
		Name:      "notifications_total",
		Help:      "User notifications by kind and result.",
	}, []string{"kind", "result"})
)
