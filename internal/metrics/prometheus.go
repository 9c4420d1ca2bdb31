// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LeaseAcquisitions tracks lease acquisition attempts by job and result
	// (acquired, contended, unavailable).
	LeaseAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lease_acquisitions_total",
			Help: "Total lease acquisition attempts by job and result",
		},
		[]string{"job", "result"},
	)

	// LeaseReleases tracks lease releases by job and outcome
	// (released, stale, deferred, error).
	LeaseReleases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lease_releases_total",
			Help: "Total lease releases by job and outcome",
		},
		[]string{"job", "outcome"},
	)

	// LeaseHoldDuration tracks how long leases were held before release.
	LeaseHoldDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lease_hold_duration_seconds",
			Help:    "Time between lease acquisition and release in seconds",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"job"},
	)

	// JobExecutions tracks completed job executions by job and outcome.
	JobExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_executions_total",
			Help: "Total job executions by job and outcome",
		},
		[]string{"job", "outcome"},
	)

	// JobExecutionDuration tracks job body duration.
	JobExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_execution_duration_seconds",
			Help:    "Job body execution duration in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 20, 45, 90},
		},
		[]string{"job"},
	)

	// JobsRunning tracks job bodies currently running on this instance.
	JobsRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Job bodies currently running on this instance",
		},
		[]string{"job"},
	)

	// JournalAppendFailures tracks execution records that could not be journaled.
	JournalAppendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_append_failures_total",
			Help: "Total execution records that failed to be journaled",
		},
		[]string{"job"},
	)

	// ArchiveCleanups tracks archive cleanup runs by status.
	ArchiveCleanups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archive_cleanups_total",
			Help: "Total archive cleanup runs by status",
		},
		[]string{"status"},
	)

	// ArchiveRowsRemoved tracks archived executions removed by cleanup.
	ArchiveRowsRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "archive_rows_removed_total",
			Help: "Total archived executions removed by cleanup",
		},
	)

	// StoreReachable is 1 when the last liveness probe succeeded.
	StoreReachable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lease_store_reachable",
			Help: "Whether the last lease store liveness probe succeeded (1) or not (0)",
		},
	)

	// HTTPRequestsTotal tracks total HTTP requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// RegisterMetricsEndpoint registers the /metrics endpoint on a Gin router.
func RegisterMetricsEndpoint(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// MetricsHandler returns the Prometheus HTTP handler.
func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// label keeps empty label values readable on dashboards.
func label(value string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return "unknown"
}

// RecordLeaseAcquisition records a lease acquisition attempt.
func RecordLeaseAcquisition(job, result string) {
	LeaseAcquisitions.WithLabelValues(label(job), label(result)).Inc()
}

// RecordLeaseRelease records a lease release and how long it was held.
func RecordLeaseRelease(job, outcome string, heldSeconds float64) {
	LeaseReleases.WithLabelValues(label(job), label(outcome)).Inc()
	if heldSeconds >= 0 {
		LeaseHoldDuration.WithLabelValues(label(job)).Observe(heldSeconds)
	}
}

// RecordJobExecution records a completed job execution.
func RecordJobExecution(job, outcome string, seconds float64) {
	JobExecutions.WithLabelValues(label(job), label(outcome)).Inc()
	JobExecutionDuration.WithLabelValues(label(job)).Observe(seconds)
}

// IncJobsRunning marks a job body as started.
func IncJobsRunning(job string) {
	JobsRunning.WithLabelValues(label(job)).Inc()
}

// DecJobsRunning marks a job body as finished.
func DecJobsRunning(job string) {
	JobsRunning.WithLabelValues(label(job)).Dec()
}

// RecordJournalAppendFailure records a failed journal append.
func RecordJournalAppendFailure(job string) {
	JournalAppendFailures.WithLabelValues(label(job)).Inc()
}

// RecordArchiveCleanup records an archive cleanup run.
func RecordArchiveCleanup(status string, removed int64) {
	ArchiveCleanups.WithLabelValues(label(status)).Inc()
	if removed > 0 {
		ArchiveRowsRemoved.Add(float64(removed))
	}
}

// SetStoreReachable records the result of the last liveness probe.
func SetStoreReachable(reachable bool) {
	if reachable {
		StoreReachable.Set(1)
		return
	}
	StoreReachable.Set(0)
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, path, status string) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(method, path string, seconds float64) {
	HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}
