// Package detector turns metric buckets into anomalies.
package detector

import (
	"math"
	"time"

	"github.com/qiniu/apiguard/internal/alerting/model"
	"github.com/qiniu/apiguard/internal/alerting/service/baseline"
)

// Detector inspects one bucket. base is nil when the key has no baseline yet.
type Detector interface {
	Name() string
	Detect(b *model.MetricBucket, base *baseline.Baseline, now time.Time) []*model.Anomaly
}

// Config holds the hot-reloadable thresholds.
type Config struct {
	ResponseTimeThreshold float64 // ms
	ErrorRateThreshold    float64 // fraction
	// AnomalyThreshold below 1 is a two-sided tail probability, otherwise a z cutoff.
	AnomalyThreshold           float64
	CorrelationTimeframe       time.Duration
	CorrelationMinEnvironments int
}

// ZCutoff converts ANOMALY_THRESHOLD into a |z| cutoff. A fraction p in (0, 1) maps
// to the normal quantile with p of the mass in both tails (0.01 -> 2.576).
func ZCutoff(threshold float64) float64 {
	switch {
	case threshold <= 0:
		return 3
	case threshold >= 1:
		return threshold
	default:
		return math.Sqrt2 * math.Erfinv(1-threshold)
	}
}
