package detector

import (
	"math"
	"time"

	"github.com/qiniu/apiguard/internal/alerting/model"
	"github.com/qiniu/apiguard/internal/alerting/service/baseline"
)

// DeviationDetector fires when the bucket mean is more than Cutoff standard deviations
// from the key's baseline. Baselines built from a single cycle are not trusted.
type DeviationDetector struct {
	Cutoff float64
}

const minBaselineBuckets = 2

func (d DeviationDetector) Name() string { return model.DetectorDeviation }

func (d DeviationDetector) Detect(b *model.MetricBucket, base *baseline.Baseline, now time.Time) []*model.Anomaly {
	if base == nil || base.Buckets < minBaselineBuckets || b.Count == 0 {
		return nil
	}
	z := baseline.ZScore(b.AvgValue, *base)
	if math.Abs(z) <= d.Cutoff {
		return nil
	}
	a := model.NewAnomaly(model.TypeResponseTime, model.DetectorDeviation, b, now)
	a.Severity = model.SeverityWarning
	if math.Abs(z) > d.Cutoff+1 {
		a.Severity = model.SeverityCritical
	}
	sign := 1.0
	if z < 0 {
		sign = -1
	}
	a.ObservedValue = b.AvgValue
	a.BaselineValue = model.Float(base.Mean)
	a.ThresholdValue = model.Float(base.Mean + sign*d.Cutoff*base.StdDev())
	a.ErrorRate = b.ErrorRate()
	a.Score = z
	return []*model.Anomaly{a}
}
