package dispatcher

import (
	"sort"
	"sync"
	"time"

	"github.com/qiniu/apiguard/internal/alerting/model"
	"github.com/qiniu/apiguard/internal/syncutil"
)

// State is the throttle record of one rule key. A key with no State is idle.
type State struct {
	Key               string         `json:"rule_key"`
	LastFiredAt       time.Time      `json:"last_fired_at"`
	WindowUntil       time.Time      `json:"window_until"`
	CurrentBackoff    time.Duration  `json:"current_backoff"`
	FireCountInWindow int            `json:"fire_count_in_window"`
	SuppressedCount   int            `json:"suppressed_count"`
	// Recurring is set once a window closed with suppressed occurrences; the next
	// fire then doubles the window when exponential realert is on.
	Recurring   bool           `json:"recurring"`
	LastAnomaly *model.Anomaly `json:"last_anomaly,omitempty"`
}

// Decision is what Observe tells the dispatcher to do with one anomaly.
type Decision struct {
	Fire bool
	// Summary is set when a window with suppressed occurrences closed and summaries
	// are enabled; it is delivered before the fresh alert.
	Summary *Summary
	State   State
}

// Summary reports the occurrences suppressed during one window.
type Summary struct {
	Anomaly    *model.Anomaly
	Suppressed int
	Since      time.Time
}

type ThrottleParams struct {
	Realert            time.Duration
	ExponentialRealert time.Duration
	SummaryOnExpiry    bool
}

// Throttle holds per-key realert windows. Each key is mutated under its own shard lock.
type Throttle struct {
	states syncutil.ShardedMap[State]

	mu     sync.RWMutex
	params ThrottleParams
}

func NewThrottle(p ThrottleParams) *Throttle {
	return &Throttle{params: p}
}

func (t *Throttle) SetParams(p ThrottleParams) {
	t.mu.Lock()
	t.params = p
	t.mu.Unlock()
}

func (t *Throttle) Params() ThrottleParams {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.params
}

// Observe records an occurrence of a's throttle key at now.
func (t *Throttle) Observe(a *model.Anomaly, now time.Time) Decision {
	p := t.Params()
	var d Decision
	d.State = t.states.Update(a.ThrottleKey(), func(st State, ok bool) (State, bool) {
		if p.Realert <= 0 {
			// throttling off: every occurrence fires, nothing is retained
			d.Fire = true
			return State{}, false
		}
		if ok && now.Before(st.WindowUntil) {
			st.SuppressedCount++
			st.FireCountInWindow++
			st.LastAnomaly = a
			return st, true
		}

		backoff := p.Realert
		if ok {
			if st.SuppressedCount > 0 {
				if p.SummaryOnExpiry {
					d.Summary = &Summary{Anomaly: st.LastAnomaly, Suppressed: st.SuppressedCount, Since: st.LastFiredAt}
				}
				st.Recurring = true
			}
			if st.Recurring && p.ExponentialRealert > 0 {
				backoff = min(st.CurrentBackoff*2, p.ExponentialRealert)
				backoff = max(backoff, p.Realert)
			}
		}
		d.Fire = true
		return State{
			Key:               a.ThrottleKey(),
			LastFiredAt:       now,
			WindowUntil:       now.Add(backoff),
			CurrentBackoff:    backoff,
			FireCountInWindow: 1,
			LastAnomaly:       a,
		}, true
	})
	return d
}

// Sweep closes expired windows. Windows that suppressed occurrences yield a summary
// (when enabled) and stay recurring for one more window; keys that stayed clear for a
// full window return to idle so their backoff resets.
func (t *Throttle) Sweep(now time.Time) (summaries []Summary, idle []string) {
	p := t.Params()
	var expired []string
	t.states.Range(func(key string, st State) bool {
		if !now.Before(st.WindowUntil) {
			expired = append(expired, key)
		}
		return true
	})

	for _, key := range expired {
		t.states.Update(key, func(st State, ok bool) (State, bool) {
			if !ok || now.Before(st.WindowUntil) {
				return st, ok
			}
			if st.SuppressedCount > 0 {
				if p.SummaryOnExpiry {
					summaries = append(summaries, Summary{Anomaly: st.LastAnomaly, Suppressed: st.SuppressedCount, Since: st.LastFiredAt})
				}
				st.SuppressedCount = 0
				st.Recurring = true
				return st, true
			}
			if st.Recurring && now.Before(st.WindowUntil.Add(st.CurrentBackoff)) {
				return st, true
			}
			idle = append(idle, key)
			return State{}, false
		})
	}
	return summaries, idle
}

// Snapshot returns every non-idle key, sorted.
func (t *Throttle) Snapshot() []State {
	var out []State
	t.states.Range(func(_ string, st State) bool {
		out = append(out, st)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Restore seeds keys that are not tracked yet. States whose window and grace period
// are already over are dropped.
func (t *Throttle) Restore(states []State, now time.Time) int {
	n := 0
	for _, st := range states {
		if st.Key == "" || !now.Before(st.WindowUntil.Add(st.CurrentBackoff)) {
			continue
		}
		t.states.Update(st.Key, func(cur State, ok bool) (State, bool) {
			if ok {
				return cur, true
			}
			n++
			return st, true
		})
	}
	return n
}

func (t *Throttle) Len() int { return t.states.Len() }
