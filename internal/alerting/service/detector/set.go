package detector

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/qiniu/apiguard/internal/alerting/model"
	"github.com/qiniu/apiguard/internal/alerting/service/baseline"
	"golang.org/x/sync/errgroup"
)

// BaselineLookup reads the current baseline for a key.
type BaselineLookup func(model.BaselineKey) (baseline.Baseline, bool)

// Set runs the stateless detectors concurrently across buckets, then feeds the
// correlation detector in bucket order.
type Set struct {
	lookup      BaselineLookup
	stateless   atomic.Pointer[[]Detector]
	correlation *CorrelationDetector
}

func NewSet(cfg Config, lookup BaselineLookup) *Set {
	s := &Set{
		lookup:      lookup,
		correlation: NewCorrelationDetector(cfg.CorrelationTimeframe, cfg.CorrelationMinEnvironments),
	}
	s.Apply(cfg)
	return s
}

// Apply swaps in new thresholds. The correlation index survives.
func (s *Set) Apply(cfg Config) {
	ds := []Detector{
		ThresholdDetector{Threshold: cfg.ResponseTimeThreshold},
		DeviationDetector{Cutoff: ZCutoff(cfg.AnomalyThreshold)},
		ErrorRateDetector{Threshold: cfg.ErrorRateThreshold},
	}
	s.stateless.Store(&ds)
	s.correlation.SetParams(cfg.CorrelationTimeframe, cfg.CorrelationMinEnvironments)
}

func (s *Set) Correlation() *CorrelationDetector { return s.correlation }

// Run returns the deduplicated anomalies of one cycle, ordered by bucket then detector.
func (s *Set) Run(ctx context.Context, buckets []model.MetricBucket, now time.Time) ([]*model.Anomaly, error) {
	if len(buckets) == 0 {
		return nil, nil
	}
	detectors := *s.stateless.Load()

	results := make([][]*model.Anomaly, len(buckets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range buckets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			b := &buckets[i]
			var base *baseline.Baseline
			if s.lookup != nil {
				if v, ok := s.lookup(b.BaselineKey()); ok {
					base = &v
				}
			}
			for _, d := range detectors {
				results[i] = append(results[i], d.Detect(b, base, now)...)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	oldest := buckets[0].WindowStart
	for _, b := range buckets[1:] {
		if b.WindowStart.Before(oldest) {
			oldest = b.WindowStart
		}
	}
	s.correlation.Expire(oldest.Add(-s.correlation.Timeframe()))

	var out []*model.Anomaly
	for i := range buckets {
		out = append(out, results[i]...)
		out = append(out, s.correlation.Detect(&buckets[i], nil, now)...)
	}
	return model.Dedup(out), nil
}
