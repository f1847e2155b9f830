package detector

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/qiniu/apiguard/internal/alerting/model"
	"github.com/qiniu/apiguard/internal/alerting/service/baseline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	windowStart = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now         = windowStart.Add(5 * time.Minute)
)

func bucket(avg float64) *model.MetricBucket {
	return &model.MetricBucket{
		Service:     "user",
		Endpoint:    "/login",
		Environment: "prod-1",
		WindowStart: windowStart,
		WindowEnd:   now,
		Count:       100,
		AvgValue:    avg,
	}
}

func TestThresholdDetector(t *testing.T) {
	d := ThresholdDetector{Threshold: 1000}
	tests := []struct {
		avg  float64
		want model.Severity
	}{
		{2500, model.SeverityCritical},
		{2000, model.SeverityWarning},
		{1100, model.SeverityWarning},
		{1000, ""},
		{900, ""},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.avg), func(t *testing.T) {
			got := d.Detect(bucket(tt.avg), nil, now)
			if tt.want == "" {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			a := got[0]
			assert.Equal(t, tt.want, a.Severity)
			assert.Equal(t, model.TypeResponseTime, a.Type)
			assert.Equal(t, model.DetectorThreshold, a.Detector)
			assert.Equal(t, tt.avg, a.ObservedValue)
			assert.Equal(t, 1000.0, *a.ThresholdValue)
			assert.Equal(t, 100, a.RequestCount)
		})
	}
}

func TestErrorRateDetector(t *testing.T) {
	d := ErrorRateDetector{Threshold: 0.1}
	tests := []struct {
		name   string
		count  int
		errors int
		want   model.Severity
	}{
		{"below", 100, 10, ""},
		{"warning", 100, 15, model.SeverityWarning},
		{"critical", 100, 25, model.SeverityCritical},
		{"empty bucket", 0, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := bucket(100)
			b.Count, b.ErrorCount = tt.count, tt.errors
			got := d.Detect(b, nil, now)
			if tt.want == "" {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0].Severity)
			assert.Equal(t, model.TypeErrorRate, got[0].Type)
			assert.InDelta(t, float64(tt.errors)/float64(tt.count), got[0].ErrorRate, 1e-12)
		})
	}
}

func TestZCutoff(t *testing.T) {
	assert.InDelta(t, 2.5758, ZCutoff(0.01), 1e-3)
	assert.InDelta(t, 1.9600, ZCutoff(0.05), 1e-3)
	assert.Equal(t, 3.0, ZCutoff(3))
	assert.Equal(t, 3.0, ZCutoff(0))
}

func TestDeviationDetector(t *testing.T) {
	d := DeviationDetector{Cutoff: 3}
	base := &baseline.Baseline{Mean: 100, Variance: 100, Buckets: 10, SampleCount: 1000}

	assert.Empty(t, d.Detect(bucket(500), nil, now), "no baseline")
	assert.Empty(t, d.Detect(bucket(500), &baseline.Baseline{Mean: 100, Variance: 100, Buckets: 1}, now), "single-cycle baseline")
	assert.Empty(t, d.Detect(bucket(125), base, now), "z=2.5")

	got := d.Detect(bucket(135), base, now)
	require.Len(t, got, 1)
	assert.Equal(t, model.SeverityWarning, got[0].Severity)
	assert.Equal(t, model.DetectorDeviation, got[0].Detector)
	assert.Equal(t, 100.0, *got[0].BaselineValue)
	assert.InDelta(t, 130.0, *got[0].ThresholdValue, 1e-9)
	assert.InDelta(t, 3.5, got[0].Score, 1e-9)

	got = d.Detect(bucket(150), base, now)
	require.Len(t, got, 1)
	assert.Equal(t, model.SeverityCritical, got[0].Severity)

	got = d.Detect(bucket(50), base, now)
	require.Len(t, got, 1, "fast outliers count too")
	assert.Less(t, got[0].Score, 0.0)
}

func errorBucket(env, envType string, events ...model.ErrorEvent) model.MetricBucket {
	b := *bucket(100)
	b.Environment = env
	b.EnvironmentType = envType
	b.ErrorCount = len(events)
	b.ErrorEvents = events
	return b
}

func event(id, env, envType string, at time.Time) model.ErrorEvent {
	return model.ErrorEvent{
		CorrelationID:   id,
		Service:         "user",
		Endpoint:        "/login",
		Environment:     env,
		EnvironmentType: envType,
		StatusCode:      503,
		Timestamp:       at,
	}
}

func TestCorrelationAcrossEnvironments(t *testing.T) {
	set := NewSet(Config{
		ResponseTimeThreshold:      1e9,
		ErrorRateThreshold:         1,
		AnomalyThreshold:           0.01,
		CorrelationTimeframe:       2 * time.Minute,
		CorrelationMinEnvironments: 2,
	}, nil)

	t0 := windowStart.Add(time.Minute)
	buckets := []model.MetricBucket{
		errorBucket("prod-1", "production",
			event("R1", "prod-1", "production", t0),
			event("R1", "prod-1", "production", t0.Add(10*time.Second)),
			event("R1", "prod-1", "production", t0.Add(20*time.Second))),
		errorBucket("stage-1", "staging",
			event("R1", "stage-1", "staging", t0.Add(30*time.Second)),
			event("R1", "stage-1", "staging", t0.Add(40*time.Second))),
	}

	got, err := set.Run(context.Background(), buckets, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	a := got[0]
	assert.Equal(t, model.TypeCorrelation, a.Type)
	assert.Equal(t, model.SeverityCritical, a.Severity)
	assert.Equal(t, "R1", a.CorrelationID)
	assert.Equal(t, []string{"production", "staging"}, a.AffectedEnvironments)
	assert.Equal(t, "production,staging", a.Environment)
	assert.Equal(t, model.AnomalyID(model.TypeCorrelation, "user", "/login", "production,staging", windowStart), a.ID)

	// the same id keeps failing into the next window: no second anomaly
	next := errorBucket("stage-1", "staging", event("R1", "stage-1", "staging", t0.Add(90*time.Second)))
	next.WindowStart = windowStart.Add(5 * time.Minute)
	next.WindowEnd = next.WindowStart.Add(5 * time.Minute)
	assert.Empty(t, set.Correlation().Detect(&next, nil, next.WindowEnd))
}

func TestCorrelationRepeatsWithinFiredWindow(t *testing.T) {
	d := NewCorrelationDetector(2*time.Minute, 2)
	prod := errorBucket("prod-1", "production", event("R4", "prod-1", "production", windowStart))
	stage := errorBucket("stage-1", "staging",
		event("R4", "stage-1", "staging", windowStart.Add(30*time.Second)),
		event("R4", "stage-1", "staging", windowStart.Add(40*time.Second)))

	assert.Empty(t, d.Detect(&prod, nil, now))
	first := d.Detect(&stage, nil, now)
	require.Len(t, first, 1, "one anomaly per id even with several qualifying events")

	// both buckets of the fired window reproduce it
	for _, b := range []model.MetricBucket{prod, stage} {
		got := d.Detect(&b, nil, now)
		require.Len(t, got, 1)
		assert.Equal(t, first[0].ID, got[0].ID)
		assert.Equal(t, []string{"production", "staging"}, got[0].AffectedEnvironments)
	}
}

func TestCorrelationOutsideTimeframe(t *testing.T) {
	d := NewCorrelationDetector(2*time.Minute, 2)
	t0 := windowStart
	prod := errorBucket("prod-1", "production", event("R2", "prod-1", "production", t0))
	stage := errorBucket("stage-1", "staging", event("R2", "stage-1", "staging", t0.Add(3*time.Minute)))

	assert.Empty(t, d.Detect(&prod, nil, now))
	assert.Empty(t, d.Detect(&stage, nil, now))
	assert.Equal(t, 1, d.Len())

	assert.Equal(t, 1, d.Expire(t0.Add(4*time.Minute)))
	assert.Equal(t, 0, d.Len())
}

func TestCorrelationSingleEnvironmentTypeNeverFires(t *testing.T) {
	d := NewCorrelationDetector(2*time.Minute, 2)
	b1 := errorBucket("prod-1", "production", event("R3", "prod-1", "production", windowStart))
	b2 := errorBucket("prod-2", "production", event("R3", "prod-2", "production", windowStart.Add(time.Second)))
	assert.Empty(t, d.Detect(&b1, nil, now))
	assert.Empty(t, d.Detect(&b2, nil, now))
}

func TestSetDeduplicatesAndUsesBaselines(t *testing.T) {
	base := baseline.Baseline{Mean: 100, Variance: 100, Buckets: 5}
	lookup := func(k model.BaselineKey) (baseline.Baseline, bool) {
		return base, k.Service == "user"
	}
	set := NewSet(Config{
		ResponseTimeThreshold:      1000,
		ErrorRateThreshold:         0.1,
		AnomalyThreshold:           3,
		CorrelationTimeframe:       time.Minute,
		CorrelationMinEnvironments: 2,
	}, lookup)

	buckets := []model.MetricBucket{*bucket(2500)}
	got, err := set.Run(context.Background(), buckets, now)
	require.NoError(t, err)
	require.Len(t, got, 1, "threshold and deviation describe the same response_time anomaly")
	assert.Equal(t, model.DetectorThreshold, got[0].Detector)

	again, err := set.Run(context.Background(), buckets, now)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, got[0].ID, again[0].ID, "identical input yields identical ids")

	set.Apply(Config{ResponseTimeThreshold: 5000, ErrorRateThreshold: 0.1, AnomalyThreshold: 3})
	got, err = set.Run(context.Background(), buckets, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.DetectorDeviation, got[0].Detector)
}

func TestDeviationWaitsForRebuiltBaselineAfterEviction(t *testing.T) {
	clock := windowStart
	tracker := baseline.NewTracker(baseline.Options{
		Window:        time.Hour,
		MinDataPoints: 30,
		Now:           func() time.Time { return clock },
	})
	set := NewSet(Config{ResponseTimeThreshold: 1e9, ErrorRateThreshold: 1, AnomalyThreshold: 3}, tracker.Get)

	at := func(start time.Time, count int, avg float64) model.MetricBucket {
		b := *bucket(avg)
		b.WindowStart, b.WindowEnd, b.Count = start, start.Add(5*time.Minute), count
		return b
	}
	deviations := func(b model.MetricBucket) int {
		got, err := set.Run(context.Background(), []model.MetricBucket{b}, b.WindowEnd)
		require.NoError(t, err)
		n := 0
		for _, a := range got {
			if a.Detector == model.DetectorDeviation {
				n++
			}
		}
		return n
	}

	for i, avg := range []float64{100, 110, 90, 105} {
		require.True(t, tracker.Update(at(windowStart.Add(time.Duration(i)*5*time.Minute), 100, avg)))
	}
	spike := windowStart.Add(20 * time.Minute)
	require.Equal(t, 1, deviations(at(spike, 100, 5000)), "a trained baseline flags the spike")

	clock = windowStart.Add(3 * time.Hour)
	require.Equal(t, 1, tracker.Evict(clock))
	later := clock.Add(-10 * time.Minute)

	assert.Zero(t, deviations(at(later, 100, 5000)), "no baseline after eviction")

	assert.False(t, tracker.Update(at(later, 29, 100)), "sparse buckets do not rebuild it")
	_, ok := tracker.Get(model.BaselineKey{Service: "user", Endpoint: "/login"})
	assert.False(t, ok)

	require.True(t, tracker.Update(at(later, 100, 100)))
	assert.Zero(t, deviations(at(later.Add(5*time.Minute), 100, 5000)), "one cycle is not enough history")

	require.True(t, tracker.Update(at(later.Add(5*time.Minute), 100, 110)))
	assert.Equal(t, 1, deviations(at(later.Add(10*time.Minute), 100, 5000)))
}

func TestSetRerunKeepsCorrelationIDs(t *testing.T) {
	set := NewSet(Config{
		ResponseTimeThreshold:      1e9,
		ErrorRateThreshold:         1,
		AnomalyThreshold:           3,
		CorrelationTimeframe:       2 * time.Minute,
		CorrelationMinEnvironments: 2,
	}, nil)
	t0 := windowStart.Add(time.Minute)
	buckets := []model.MetricBucket{
		errorBucket("prod-1", "production", event("R1", "prod-1", "production", t0)),
		errorBucket("stage-1", "staging", event("R1", "stage-1", "staging", t0.Add(30*time.Second))),
	}

	ids := func() []string {
		got, err := set.Run(context.Background(), buckets, now)
		require.NoError(t, err)
		out := make([]string, 0, len(got))
		for _, a := range got {
			out = append(out, a.ID)
		}
		return out
	}
	first := ids()
	require.Len(t, first, 1)
	assert.Equal(t, first, ids(), "identical buckets yield identical ids")
}
