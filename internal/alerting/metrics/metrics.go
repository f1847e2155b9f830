// Package metrics exposes Prometheus instrumentation for the detection engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "apiguard"

var (
	// CyclesTotal counts analysis cycles by outcome (ok, store_error, error).
	CyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_total",
		Help:      "Analysis cycles by outcome.",
	}, []string{"outcome"})

	// CycleDuration observes the wall time of each cycle.
	CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "cycle_duration_seconds",
		Help:      "Analysis cycle duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	// SkippedTicksTotal counts ticks dropped because a cycle was still running.
	SkippedTicksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "skipped_ticks_total",
		Help:      "Scheduler ticks skipped because the previous cycle was still running.",
	})

	// StoreErrorsTotal counts metric store failures by backend and kind.
	StoreErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_errors_total",
		Help:      "Metric store failures by backend and kind.",
	}, []string{"backend", "kind"})

	// BucketsFetched observes buckets returned per cycle.
	BucketsFetched = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "buckets_fetched",
		Help:      "Metric buckets returned per cycle.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	})

	// AnomaliesTotal counts detected anomalies.
	AnomaliesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "anomalies_total",
		Help:      "Detected anomalies by type, severity and detector.",
	}, []string{"type", "severity", "detector"})

	// BaselineKeys tracks live baseline keys.
	BaselineKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "baseline_keys",
		Help:      "Baseline keys currently tracked.",
	})

	// SinkResultsTotal counts persistence outcomes per backend.
	SinkResultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sink_results_total",
		Help:      "Anomaly persistence results by backend and result (stored, exists, error).",
	}, []string{"backend", "result"})

	// DeliveriesTotal counts final delivery outcomes per channel.
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deliveries_total",
		Help:      "Alert deliveries by channel and result.",
	}, []string{"channel", "result"})

	// DeliveryDuration observes time spent delivering to a channel, retries included.
	DeliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "delivery_duration_seconds",
		Help:      "Delivery duration per channel including retries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"channel"})

	// SuppressedTotal counts anomalies held back by throttling.
	SuppressedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "suppressed_alerts_total",
		Help:      "Anomalies suppressed by the realert window, by type.",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		CyclesTotal,
		CycleDuration,
		SkippedTicksTotal,
		StoreErrorsTotal,
		BucketsFetched,
		AnomaliesTotal,
		BaselineKeys,
		SinkResultsTotal,
		DeliveriesTotal,
		DeliveryDuration,
		SuppressedTotal,
	)
}

// ObserveDelivery records one channel delivery.
func ObserveDelivery(channel, result string, started time.Time) {
	DeliveriesTotal.WithLabelValues(channel, result).Inc()
	DeliveryDuration.WithLabelValues(channel).Observe(time.Since(started).Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
