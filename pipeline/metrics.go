/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import "github.com/prometheus/client_golang/prometheus"

const (
	metricsLabelAlgorithm = "algorithm"
	metricsLabelLayer     = "layer"
	metricsLabelAllowed   = "allowed"
	metricsLabelPolicy    = "policy"
)

const (
	metricsValYes = "yes"
	metricsValNo  = "no"
)

// MetricsCollector represents collector of metrics for rate-limiting decisions.
type MetricsCollector struct {
	Decisions      *prometheus.CounterVec
	StorageErrors  *prometheus.CounterVec
	EventDrops     prometheus.Counter
	DecisionTimeMs prometheus.Histogram
}

// NewMetricsCollector creates a new instance of MetricsCollector.
func NewMetricsCollector(namespace string) *MetricsCollector {
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_decisions_total",
		Help:      "Number of rate-limiting decisions.",
	}, []string{metricsLabelAlgorithm, metricsLabelLayer, metricsLabelAllowed})

	storageErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_storage_errors_total",
		Help:      "Number of storage failures handled by a failure policy.",
	}, []string{metricsLabelPolicy})

	eventDrops := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_event_drops_total",
		Help:      "Number of decision events dropped because the event queue was full.",
	})

	decisionTime := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rate_limit_decision_duration_ms",
		Help:      "Rate-limiting decision duration in milliseconds.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000},
	})

	return &MetricsCollector{
		Decisions:      decisions,
		StorageErrors:  storageErrors,
		EventDrops:     eventDrops,
		DecisionTimeMs: decisionTime,
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (mc *MetricsCollector) MustRegister() {
	prometheus.MustRegister(
		mc.Decisions,
		mc.StorageErrors,
		mc.EventDrops,
		mc.DecisionTimeMs,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (mc *MetricsCollector) Unregister() {
	prometheus.Unregister(mc.Decisions)
	prometheus.Unregister(mc.StorageErrors)
	prometheus.Unregister(mc.EventDrops)
	prometheus.Unregister(mc.DecisionTimeMs)
}

func allowedLabelVal(allow bool) string {
	if allow {
		return metricsValYes
	}
	return metricsValNo
}
