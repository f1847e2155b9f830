package detector

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/qiniu/apiguard/internal/alerting/model"
	"github.com/qiniu/apiguard/internal/alerting/service/baseline"
)

type correlationEntry struct {
	lastSeen map[string]time.Time // environment key -> newest event
	newest   time.Time
	// set once the id fired; a re-run over that window reproduces the same anomaly
	fired *firedCorrelation
}

type firedCorrelation struct {
	window time.Time
	event  model.ErrorEvent
	envs   []string
}

// CorrelationDetector fires once per correlation id seen failing in several
// environment types within the timeframe. Event timestamps drive the window so that
// related failures split across two cycles still correlate. Detecting the id again in
// the window it fired in yields the same anomaly; later windows stay quiet.
type CorrelationDetector struct {
	mu              sync.Mutex
	timeframe       time.Duration
	minEnvironments int
	index           map[string]*correlationEntry
}

func NewCorrelationDetector(timeframe time.Duration, minEnvironments int) *CorrelationDetector {
	d := &CorrelationDetector{index: make(map[string]*correlationEntry)}
	d.SetParams(timeframe, minEnvironments)
	return d
}

// SetParams updates the timeframe and environment count, keeping the index.
func (d *CorrelationDetector) SetParams(timeframe time.Duration, minEnvironments int) {
	if timeframe <= 0 {
		timeframe = 2 * time.Minute
	}
	if minEnvironments < 2 {
		minEnvironments = 2
	}
	d.mu.Lock()
	d.timeframe = timeframe
	d.minEnvironments = minEnvironments
	d.mu.Unlock()
}

func (d *CorrelationDetector) Name() string { return model.DetectorCorrelation }

func (d *CorrelationDetector) Detect(b *model.MetricBucket, _ *baseline.Baseline, now time.Time) []*model.Anomaly {
	if len(b.ErrorEvents) == 0 {
		return nil
	}
	events := make([]model.ErrorEvent, len(b.ErrorEvents))
	copy(events, b.ErrorEvents)
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })

	d.mu.Lock()
	defer d.mu.Unlock()

	var (
		out      []*model.Anomaly
		repeated map[string]bool
	)
	for _, ev := range events {
		if ev.CorrelationID == "" {
			continue
		}
		e, ok := d.index[ev.CorrelationID]
		if !ok {
			e = &correlationEntry{lastSeen: make(map[string]time.Time)}
			d.index[ev.CorrelationID] = e
		}
		env := ev.EnvKey()
		if ev.Timestamp.After(e.lastSeen[env]) {
			e.lastSeen[env] = ev.Timestamp
		}
		if ev.Timestamp.After(e.newest) {
			e.newest = ev.Timestamp
		}
		if f := e.fired; f != nil {
			if f.window.Equal(b.WindowStart) && !repeated[ev.CorrelationID] {
				out = append(out, d.anomaly(b, f.event, f.envs, now))
			}
			repeated = markSeen(repeated, ev.CorrelationID)
			continue
		}
		envs := e.activeEnvironments(ev.Timestamp.Add(-d.timeframe))
		if len(envs) < d.minEnvironments {
			continue
		}
		e.fired = &firedCorrelation{window: b.WindowStart, event: ev, envs: envs}
		repeated = markSeen(repeated, ev.CorrelationID)
		out = append(out, d.anomaly(b, ev, envs, now))
	}
	return out
}

func markSeen(m map[string]bool, id string) map[string]bool {
	if m == nil {
		m = make(map[string]bool)
	}
	m[id] = true
	return m
}

func (e *correlationEntry) activeEnvironments(since time.Time) []string {
	envs := make([]string, 0, len(e.lastSeen))
	for env, ts := range e.lastSeen {
		if !ts.Before(since) {
			envs = append(envs, env)
		}
	}
	return model.SortedSet(envs)
}

func (d *CorrelationDetector) anomaly(b *model.MetricBucket, ev model.ErrorEvent, envs []string, now time.Time) *model.Anomaly {
	a := model.NewAnomaly(model.TypeCorrelation, model.DetectorCorrelation, b, now)
	a.Service = ev.Service
	a.Endpoint = ev.Endpoint
	a.Environment = strings.Join(envs, ",")
	a.EnvironmentType = ""
	a.ID = model.AnomalyID(a.Type, a.Service, a.Endpoint, a.Environment, a.WindowStart)
	a.Severity = model.SeverityCritical
	a.CorrelationID = ev.CorrelationID
	a.AffectedEnvironments = envs
	a.ObservedValue = float64(len(envs))
	a.ThresholdValue = model.Float(float64(d.minEnvironments))
	a.ErrorRate = b.ErrorRate()
	return a
}

// Expire forgets correlation ids with no event at or after cutoff and reports how many.
func (d *CorrelationDetector) Expire(cutoff time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for id, e := range d.index {
		if e.newest.Before(cutoff) {
			delete(d.index, id)
			n++
		}
	}
	return n
}

// Timeframe returns the current correlation timeframe.
func (d *CorrelationDetector) Timeframe() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timeframe
}

// Len is the number of tracked correlation ids.
func (d *CorrelationDetector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}
