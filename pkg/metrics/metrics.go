package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Execution metrics
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbench_executions_total",
			Help: "Total number of (node, tag) executions by runner and status",
		},
		[]string{"runner", "status"},
	)

	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridbench_execution_duration_seconds",
			Help:    "Duration of one full distributed run in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
		[]string{"runner"},
	)

	// Connection metrics
	ConnectionRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gridbench_connection_retries_total",
			Help: "Total number of SSH connection retry attempts",
		},
	)

	ConnectionFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbench_connection_failures_total",
			Help: "Total number of SSH connection failures by kind",
		},
		[]string{"kind"},
	)

	// Two-phase workflow metrics
	BuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbench_builds_total",
			Help: "Total number of image builds by status",
		},
		[]string{"status"},
	)

	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridbench_phase_duration_seconds",
			Help:    "Duration of build and run phases in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
		[]string{"phase"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ExecutionsTotal)
	prometheus.MustRegister(ExecutionDuration)
	prometheus.MustRegister(ConnectionRetriesTotal)
	prometheus.MustRegister(ConnectionFailuresTotal)
	prometheus.MustRegister(BuildsTotal)
	prometheus.MustRegister(PhaseDuration)
}
