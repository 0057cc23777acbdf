// Package metrics exposes Prometheus collectors for the verification
// engine: HTTP traffic, queue depth, sandbox executions, and job
// outcomes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts API requests by endpoint, method, and
	// coarse status class.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "verify",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by endpoint, method, and status class",
		},
		[]string{"endpoint", "method", "status"},
	)

	// HTTPRequestDuration measures API latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "verify",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	// JobsEnqueued counts accepted submissions by runner type.
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "verify",
			Subsystem: "jobs",
			Name:      "enqueued_total",
			Help:      "Total number of verification jobs enqueued by runner type",
		},
		[]string{"runner_type"},
	)

	// JobsProcessed counts finished jobs by outcome
	// (passed, not_passed, timed_out, failed).
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "verify",
			Subsystem: "jobs",
			Name:      "processed_total",
			Help:      "Total number of verification jobs processed by outcome",
		},
		[]string{"outcome"},
	)

	// SandboxExecutionSeconds measures container wall time per run.
	SandboxExecutionSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "verify",
			Subsystem: "sandbox",
			Name:      "execution_seconds",
			Help:      "Sandbox execution duration in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	// StartupTime marks when the process came up.
	StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "verify",
			Subsystem: "server",
			Name:      "startup_timestamp",
			Help:      "Server startup timestamp",
		},
	)
)

func init() {
	StartupTime.Set(float64(time.Now().Unix()))
}

// RecordHTTPRequest records one API request.
func RecordHTTPRequest(endpoint, method string, statusCode int, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(endpoint, method, statusClass(statusCode)).Inc()
	HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
