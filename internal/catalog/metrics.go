package catalog

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Package-level, lazily-registered Prometheus collectors shared
// across Catalog instances. A process embeds at most one Catalog,
// so a package-level registration is safe.
var (
	metricsOnce sync.Once

	opsTotal *prometheus.CounterVec
	opDur    *prometheus.HistogramVec
)

func initMetrics() {
	opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "expo_updates",
		Subsystem: "catalog",
		Name:      "operations_total",
		Help:      "Catalog operations by name and result.",
	}, []string{"op", "result"})

	opDur = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "expo_updates",
		Subsystem: "catalog",
		Name:      "operation_duration_seconds",
		Help:      "Catalog operation latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	prometheus.MustRegister(opsTotal, opDur)
}

// RecordOperation records a catalog operation's outcome.
func RecordOperation(op, result string) {
	metricsOnce.Do(initMetrics)
	opsTotal.WithLabelValues(op, result).Inc()
}

// RecordOperationDuration records a catalog operation's latency in seconds.
func RecordOperationDuration(op string, seconds float64) {
	metricsOnce.Do(initMetrics)
	opDur.WithLabelValues(op).Observe(seconds)
}
