// Package metrics provides Prometheus metrics for the insights agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "insights"
)

// Snapshot metrics
var (
	// SnapshotsTaken counts captured snapshots by source.
	SnapshotsTaken = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshots",
			Name:      "taken_total",
			Help:      "Total number of snapshots captured",
		},
		[]string{"source"},
	)

	// SnapshotsFailed counts failed snapshot attempts by source.
	SnapshotsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshots",
			Name:      "failed_total",
			Help:      "Total number of failed snapshot attempts",
		},
		[]string{"source"},
	)

	// SnapshotFetchDuration tracks how long metric fetches take.
	SnapshotFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "snapshots",
			Name:      "fetch_duration_seconds",
			Help:      "Metric fetch latency in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
)

// Alert metrics
var (
	// AlertChecks counts evaluated alert definitions.
	AlertChecks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "checks_total",
			Help:      "Total number of alert definitions evaluated",
		},
	)

	// AlertTransitions counts status changes by new status.
	AlertTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "transitions_total",
			Help:      "Total number of alert status transitions",
		},
		[]string{"status"},
	)

	// AlertsTriggered counts fired severities.
	AlertsTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "triggered_total",
			Help:      "Total number of alert severities fired",
		},
		[]string{"severity"},
	)

	// AlertCheckErrors counts entities whose check pass failed.
	AlertCheckErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "check_errors_total",
			Help:      "Total number of entity check failures",
		},
	)
)

// Notification metrics
var (
	// NotificationsSent counts successful deliveries by channel.
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "sent_total",
			Help:      "Total number of notifications delivered",
		},
		[]string{"channel"},
	)

	// NotificationsFailed counts failed deliveries by channel.
	NotificationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "failed_total",
			Help:      "Total number of failed notification deliveries",
		},
		[]string{"channel"},
	)

	// NotificationsDeduplicated counts dispatches skipped by the fire log.
	NotificationsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "deduplicated_total",
			Help:      "Total number of notifications suppressed because the severity already fired",
		},
	)
)

// Job metrics
var (
	// JobRuns counts scheduled job runs by job and outcome.
	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Total number of background job runs",
		},
		[]string{"job", "outcome"},
	)

	// JobDuration tracks background job latency.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Background job duration in seconds",
			Buckets:   []float64{.05, .1, .5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"job"},
	)

	// RemoteRequests counts remote authority calls by operation and outcome.
	RemoteRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "requests_total",
			Help:      "Total number of remote authority requests",
		},
		[]string{"operation", "outcome"},
	)

	// PreloadsSkipped counts preloads skipped because one was in flight.
	PreloadsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "preload",
			Name:      "skipped_total",
			Help:      "Total number of preload requests skipped while one was in flight",
		},
	)
)

// HTTP API metrics
var (
	// HTTPRequestsTotal counts API requests by method, route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks API latency by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP API request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
