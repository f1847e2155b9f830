// Package baseline keeps a rolling, count-weighted mean and variance of response time
// per (service, endpoint).
package baseline

import (
	"math"
	"slices"
	"sort"
	"time"

	"github.com/qiniu/apiguard/internal/alerting/metrics"
	"github.com/qiniu/apiguard/internal/alerting/model"
	"github.com/qiniu/apiguard/internal/syncutil"
)

// MaxZ replaces an infinite score when the baseline has no spread.
const MaxZ = 1e6

const stddevFloor = 1e-9

// Baseline is an immutable value; Update replaces it.
type Baseline struct {
	Key         model.BaselineKey `json:"key"`
	SampleCount int               `json:"sample_count"` // requests behind the estimate
	Buckets     int               `json:"buckets"`      // cycles contributing
	Mean        float64           `json:"mean"`
	Variance    float64           `json:"variance"`
	LastUpdated time.Time         `json:"last_updated"`
}

func (b Baseline) StdDev() float64 { return math.Sqrt(b.Variance) }

// summary is the merged contribution of one window start.
type summary struct {
	windowStart time.Time
	buckets     int
	weight      float64
	mean        float64
	m2          float64
	// environments already merged into this window
	sources []string
}

// merge combines two weighted summaries (Chan et al. parallel update).
func (s summary) merge(o summary) summary {
	if s.weight == 0 {
		o.windowStart = s.windowStart
		o.buckets += s.buckets
		return o
	}
	if o.weight == 0 {
		return s
	}
	w := s.weight + o.weight
	delta := o.mean - s.mean
	return summary{
		windowStart: s.windowStart,
		buckets:     s.buckets + o.buckets,
		weight:      w,
		mean:        s.mean + delta*o.weight/w,
		m2:          s.m2 + o.m2 + delta*delta*s.weight*o.weight/w,
	}
}

type entry struct {
	ring     []summary // ascending windowStart
	baseline Baseline
}

type Options struct {
	// Window is HISTORICAL_WINDOW; older contributions expire.
	Window        time.Duration
	MinDataPoints int
	Now           func() time.Time
}

// Tracker owns every Baseline. Updates to one key are serialized by its shard lock.
type Tracker struct {
	window    time.Duration
	minPoints int
	now       func() time.Time
	entries   syncutil.ShardedMap[*entry]
}

func NewTracker(opts Options) *Tracker {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	return &Tracker{window: opts.Window, minPoints: opts.MinDataPoints, now: opts.Now}
}

// Get returns the current baseline for key.
func (t *Tracker) Get(key model.BaselineKey) (Baseline, bool) {
	e, ok := t.entries.Get(key.String())
	if !ok {
		return Baseline{}, false
	}
	return e.baseline, true
}

// Update folds b into its key's baseline. Buckets below MinDataPoints or older than
// the window leave the state unchanged and report false, as does a bucket whose
// environment already contributed to the same window.
func (t *Tracker) Update(b model.MetricBucket) bool {
	if b.Count < t.minPoints || b.Count <= 0 {
		return false
	}
	now := t.now()
	cutoff := now.Add(-t.window)
	if b.WindowStart.Before(cutoff) {
		return false
	}
	key := b.BaselineKey()
	add := summary{windowStart: b.WindowStart, buckets: 1, weight: float64(b.Count), mean: b.AvgValue, sources: []string{b.Environment}}

	updated := true
	t.entries.Update(key.String(), func(cur *entry, ok bool) (*entry, bool) {
		var old []summary
		if ok {
			old = cur.ring
		}
		ring := make([]summary, 0, len(old)+1)
		merged := false
		for _, s := range old {
			if s.windowStart.Before(cutoff) {
				continue
			}
			if s.windowStart.Equal(add.windowStart) {
				if slices.Contains(s.sources, b.Environment) {
					updated = false
					return cur, true
				}
				sources := append(slices.Clip(s.sources), b.Environment)
				s = s.merge(add)
				s.sources = sources
				merged = true
			}
			ring = append(ring, s)
		}
		if !merged {
			ring = append(ring, add)
			sort.SliceStable(ring, func(i, j int) bool { return ring[i].windowStart.Before(ring[j].windowStart) })
		}
		return &entry{ring: ring, baseline: fold(key, ring, now)}, true
	})
	return updated
}

func fold(key model.BaselineKey, ring []summary, now time.Time) Baseline {
	var total summary
	for _, s := range ring {
		total = total.merge(s)
	}
	b := Baseline{
		Key:         key,
		SampleCount: int(total.weight),
		Buckets:     total.buckets,
		Mean:        total.mean,
		LastUpdated: now,
	}
	if total.weight > 0 {
		b.Variance = total.m2 / total.weight
	}
	return b
}

// Evict drops keys not updated within the window and reports how many were removed.
func (t *Tracker) Evict(now time.Time) int {
	cutoff := now.Add(-t.window)
	n := t.entries.DeleteFunc(func(_ string, e *entry) bool {
		return e.baseline.LastUpdated.Before(cutoff)
	})
	metrics.BaselineKeys.Set(float64(t.entries.Len()))
	return n
}

// Len is the number of tracked keys.
func (t *Tracker) Len() int { return t.entries.Len() }

// Snapshot exports every baseline ordered by key.
func (t *Tracker) Snapshot() []Baseline {
	var out []Baseline
	t.entries.Range(func(_ string, e *entry) bool {
		out = append(out, e.baseline)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Restore seeds keys that are not tracked yet from a snapshot. Each restored baseline
// becomes a single contribution dated at its LastUpdated time; stale ones are skipped.
func (t *Tracker) Restore(snapshot []Baseline) int {
	cutoff := t.now().Add(-t.window)
	n := 0
	for _, b := range snapshot {
		if b.SampleCount <= 0 || b.LastUpdated.Before(cutoff) {
			continue
		}
		s := summary{
			windowStart: b.LastUpdated,
			buckets:     max(b.Buckets, 1),
			weight:      float64(b.SampleCount),
			mean:        b.Mean,
			m2:          b.Variance * float64(b.SampleCount),
		}
		t.entries.Update(b.Key.String(), func(cur *entry, ok bool) (*entry, bool) {
			if ok {
				return cur, true
			}
			n++
			return &entry{ring: []summary{s}, baseline: b}, true
		})
	}
	metrics.BaselineKeys.Set(float64(t.entries.Len()))
	return n
}

// ZScore is (observed-mean)/stddev. With no spread it is 0 when observed equals the
// mean and ±MaxZ otherwise.
func ZScore(observed float64, b Baseline) float64 {
	diff := observed - b.Mean
	std := b.StdDev()
	if std == 0 {
		switch {
		case diff > 0:
			return MaxZ
		case diff < 0:
			return -MaxZ
		default:
			return 0
		}
	}
	z := diff / math.Max(std, stddevFloor)
	return math.Max(-MaxZ, math.Min(MaxZ, z))
}
