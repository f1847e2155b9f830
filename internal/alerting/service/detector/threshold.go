package detector

import (
	"time"

	"github.com/qiniu/apiguard/internal/alerting/model"
	"github.com/qiniu/apiguard/internal/alerting/service/baseline"
)

// ThresholdDetector fires when the mean response time exceeds a fixed limit.
type ThresholdDetector struct {
	Threshold float64
}

func (d ThresholdDetector) Name() string { return model.DetectorThreshold }

func (d ThresholdDetector) Detect(b *model.MetricBucket, _ *baseline.Baseline, now time.Time) []*model.Anomaly {
	if b.Count == 0 || d.Threshold <= 0 || b.AvgValue <= d.Threshold {
		return nil
	}
	a := model.NewAnomaly(model.TypeResponseTime, model.DetectorThreshold, b, now)
	a.Severity = model.SeverityWarning
	if b.AvgValue > 2*d.Threshold {
		a.Severity = model.SeverityCritical
	}
	a.ObservedValue = b.AvgValue
	a.ThresholdValue = model.Float(d.Threshold)
	a.ErrorRate = b.ErrorRate()
	a.Score = b.AvgValue / d.Threshold
	return []*model.Anomaly{a}
}

// ErrorRateDetector fires when error_count/count exceeds a fixed ratio.
type ErrorRateDetector struct {
	Threshold float64
}

func (d ErrorRateDetector) Name() string { return model.DetectorErrorRate }

func (d ErrorRateDetector) Detect(b *model.MetricBucket, _ *baseline.Baseline, now time.Time) []*model.Anomaly {
	if b.Count == 0 || d.Threshold <= 0 {
		return nil
	}
	rate := b.ErrorRate()
	if rate <= d.Threshold {
		return nil
	}
	a := model.NewAnomaly(model.TypeErrorRate, model.DetectorErrorRate, b, now)
	a.Severity = model.SeverityWarning
	if rate > 2*d.Threshold {
		a.Severity = model.SeverityCritical
	}
	a.ObservedValue = rate
	a.ThresholdValue = model.Float(d.Threshold)
	a.ErrorRate = rate
	a.Score = rate / d.Threshold
	return []*model.Anomaly{a}
}
