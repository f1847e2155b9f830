package baseline

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/qiniu/apiguard/internal/alerting/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newTestTracker(c *clock) *Tracker {
	return NewTracker(Options{Window: 24 * time.Hour, MinDataPoints: 30, Now: c.Now})
}

func bucket(start time.Time, count int, avg float64) model.MetricBucket {
	return model.MetricBucket{
		Service:     "user",
		Endpoint:    "/login",
		Environment: "prod",
		WindowStart: start,
		WindowEnd:   start.Add(5 * time.Minute),
		Count:       count,
		AvgValue:    avg,
	}
}

var key = model.BaselineKey{Service: "user", Endpoint: "/login"}

func TestUpdateIgnoresSparseBuckets(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := newTestTracker(c)

	assert.False(t, tr.Update(bucket(c.t, 29, 100)))
	_, ok := tr.Get(key)
	assert.False(t, ok, "no baseline before MinDataPoints")

	require.True(t, tr.Update(bucket(c.t, 30, 100)))
	before, ok := tr.Get(key)
	require.True(t, ok)

	assert.False(t, tr.Update(bucket(c.t.Add(5*time.Minute), 5, 9000)))
	after, _ := tr.Get(key)
	assert.Equal(t, before, after, "sparse bucket must not alter the baseline")
}

func TestUpdateWeightedMeanVariance(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := newTestTracker(c)

	tr.Update(bucket(c.t.Add(-10*time.Minute), 100, 100))
	tr.Update(bucket(c.t.Add(-5*time.Minute), 300, 200))

	b, ok := tr.Get(key)
	require.True(t, ok)
	assert.Equal(t, 400, b.SampleCount)
	assert.Equal(t, 2, b.Buckets)
	assert.InDelta(t, 175.0, b.Mean, 1e-9)
	// weighted population variance: (100*75² + 300*25²)/400
	assert.InDelta(t, 1875.0, b.Variance, 1e-9)
	assert.Equal(t, c.t, b.LastUpdated)
}

func TestUpdateMergesSameWindow(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := newTestTracker(c)
	start := c.t.Add(-5 * time.Minute)

	prod := bucket(start, 50, 100)
	stage := bucket(start, 50, 300)
	stage.Environment = "stage"
	tr.Update(prod)
	tr.Update(stage)

	b, _ := tr.Get(key)
	assert.Equal(t, 100, b.SampleCount)
	assert.InDelta(t, 200.0, b.Mean, 1e-9)
	assert.InDelta(t, 10000.0, b.Variance, 1e-9)
}

func TestUpdateSkipsRepeatedContribution(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := newTestTracker(c)
	start := c.t.Add(-5 * time.Minute)

	require.True(t, tr.Update(bucket(start, 100, 100)))
	before, _ := tr.Get(key)

	// the same window re-read by a repeated cycle
	assert.False(t, tr.Update(bucket(start, 100, 100)))
	after, _ := tr.Get(key)
	assert.Equal(t, before, after)
	assert.Equal(t, 100, after.SampleCount)

	stage := bucket(start, 100, 300)
	stage.Environment = "stage"
	assert.True(t, tr.Update(stage), "other environments of the window still merge")
	assert.False(t, tr.Update(stage))
	b, _ := tr.Get(key)
	assert.Equal(t, 200, b.SampleCount)
}

func TestContributionsExpire(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := newTestTracker(c)

	tr.Update(bucket(c.t, 100, 1000))
	assert.False(t, tr.Update(bucket(c.t.Add(-25*time.Hour), 100, 5)), "bucket older than the window")

	c.t = c.t.Add(25 * time.Hour)
	tr.Update(bucket(c.t, 100, 50))
	b, _ := tr.Get(key)
	assert.Equal(t, 1, b.Buckets, "the day-old contribution left the ring")
	assert.InDelta(t, 50.0, b.Mean, 1e-9)
}

func TestEvict(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := newTestTracker(c)
	tr.Update(bucket(c.t, 100, 100))

	assert.Equal(t, 0, tr.Evict(c.t.Add(23*time.Hour)))
	assert.Equal(t, 1, tr.Evict(c.t.Add(25*time.Hour)))
	_, ok := tr.Get(key)
	assert.False(t, ok)
	assert.Equal(t, 0, tr.Len())
}

func TestZScore(t *testing.T) {
	b := Baseline{Mean: 100, Variance: 400}
	assert.InDelta(t, 2.5, ZScore(150, b), 1e-9)
	assert.InDelta(t, -1.0, ZScore(80, b), 1e-9)

	flat := Baseline{Mean: 100}
	assert.Equal(t, 0.0, ZScore(100, flat))
	assert.Equal(t, MaxZ, ZScore(101, flat))
	assert.Equal(t, -MaxZ, ZScore(99, flat))
	assert.False(t, math.IsInf(ZScore(1e300, Baseline{Mean: 0, Variance: 1e-300}), 0))
}

func TestSnapshotAndRestore(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := newTestTracker(c)
	tr.Update(bucket(c.t, 100, 100))
	other := bucket(c.t, 40, 10)
	other.Service = "order"
	tr.Update(other)

	snap := tr.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "order", snap[0].Key.Service)

	fresh := newTestTracker(c)
	assert.Equal(t, 2, fresh.Restore(snap))
	got, ok := fresh.Get(key)
	require.True(t, ok)
	assert.Equal(t, snap[1], got)

	fresh.Update(bucket(c.t.Add(5*time.Minute), 100, 300))
	got, _ = fresh.Get(key)
	assert.Equal(t, 200, got.SampleCount)
	assert.InDelta(t, 200.0, got.Mean, 1e-9)

	stale := newTestTracker(&clock{t: c.t.Add(48 * time.Hour)})
	assert.Equal(t, 0, stale.Restore(snap))
}

func TestRedisSnapshotStore(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer rdb.Close()
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}
	rdb.Del(ctx, snapshotKey)

	store := NewRedisSnapshotStore(rdb, time.Minute)
	doc, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, doc)

	want := []Baseline{{Key: key, SampleCount: 10, Buckets: 1, Mean: 5, Variance: 1, LastUpdated: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}}
	require.NoError(t, store.Save(ctx, want))
	doc, err = store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, want, doc.Baselines)
	rdb.Del(ctx, snapshotKey)
}
