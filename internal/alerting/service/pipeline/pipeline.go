// Package pipeline wires one analysis cycle: fetch, detect, persist, dispatch, learn.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qiniu/apiguard/internal/alerting/metrics"
	"github.com/qiniu/apiguard/internal/alerting/model"
	"github.com/qiniu/apiguard/internal/alerting/service/baseline"
	"github.com/qiniu/apiguard/internal/alerting/service/detector"
	"github.com/qiniu/apiguard/internal/alerting/service/dispatcher"
	"github.com/qiniu/apiguard/internal/alerting/service/metricstore"
	"github.com/qiniu/apiguard/internal/alerting/service/sink"
)

// SnapshotSaver persists the baseline snapshot after each cycle.
type SnapshotSaver interface {
	Save(ctx context.Context, baselines []baseline.Baseline) error
}

type Deps struct {
	Store      metricstore.Client
	Tracker    *baseline.Tracker
	Detectors  *detector.Set
	Sink       sink.Sink
	Dispatcher *dispatcher.Dispatcher
	Snapshots  SnapshotSaver // optional
	Now        func() time.Time
}

type Params struct {
	Interval time.Duration
	Filters  metricstore.Filters
}

// Status describes the most recent cycle.
type Status struct {
	LastRun     time.Time `json:"last_run"`
	Outcome     string    `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	Buckets     int       `json:"buckets"`
	Anomalies   int       `json:"anomalies"`
	Dispatched  int       `json:"dispatched"`
	Suppressed  int       `json:"suppressed"`
	BaselineLen int       `json:"baseline_keys"`
}

type Pipeline struct {
	deps Deps

	mu     sync.RWMutex
	params Params
	status Status
}

func New(deps Deps, params Params) *Pipeline {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Pipeline{deps: deps, params: params}
}

// SetParams applies a reloaded interval and service filters from the next cycle on.
func (p *Pipeline) SetParams(params Params) {
	p.mu.Lock()
	p.params = params
	p.mu.Unlock()
}

func (p *Pipeline) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Cycle runs one analysis over [now-interval, now). A StoreError skips the cycle.
func (p *Pipeline) Cycle(ctx context.Context) error {
	now := p.deps.Now()
	p.mu.RLock()
	params := p.params
	p.mu.RUnlock()

	st := Status{LastRun: now}
	err := p.cycle(ctx, now, params, &st)
	switch {
	case err == nil:
		st.Outcome = "ok"
	case model.StoreErrorKindOf(err) != 0:
		st.Outcome = "store_error"
	default:
		st.Outcome = "error"
	}
	if err != nil {
		st.Error = err.Error()
	}
	metrics.CyclesTotal.WithLabelValues(st.Outcome).Inc()

	p.mu.Lock()
	p.status = st
	p.mu.Unlock()
	return err
}

func (p *Pipeline) cycle(ctx context.Context, now time.Time, params Params, st *Status) error {
	d := p.deps
	w := metricstore.WindowEndingAt(now, params.Interval)

	// close realert windows first so a recurrence this cycle sees the summary state
	if d.Dispatcher != nil {
		d.Dispatcher.Sweep(ctx)
	}

	buckets, err := d.Store.FetchBuckets(ctx, w, params.Filters)
	if err != nil {
		var se *model.StoreError
		if errors.As(err, &se) {
			metrics.StoreErrorsTotal.WithLabelValues(se.Backend, se.Kind.String()).Inc()
		}
		return fmt.Errorf("fetch buckets [%s, %s): %w", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339), err)
	}
	st.Buckets = len(buckets)
	metrics.BucketsFetched.Observe(float64(len(buckets)))
	log.Debug().Int("buckets", len(buckets)).Time("start", w.Start).Time("end", w.End).Msg("fetched metric buckets")

	anomalies, err := d.Detectors.Run(ctx, buckets, now)
	if err != nil {
		return fmt.Errorf("run detectors: %w", err)
	}
	st.Anomalies = len(anomalies)

	toDispatch := make([]*model.Anomaly, 0, len(anomalies))
	for _, a := range anomalies {
		metrics.AnomaliesTotal.WithLabelValues(string(a.Type), string(a.Severity), a.Detector).Inc()
		log.Info().
			Str("anomaly_id", a.ID).
			Str("type", string(a.Type)).
			Str("service", a.Service).
			Str("endpoint", a.Endpoint).
			Str("environment", a.Environment).
			Str("severity", string(a.Severity)).
			Float64("observed", a.ObservedValue).
			Msg("anomaly detected")

		res, err := d.Sink.Persist(ctx, a)
		if err != nil {
			log.Warn().Err(err).Str("anomaly_id", a.ID).Msg("anomaly not fully persisted; dispatching anyway")
		}
		if err == nil && res == sink.AlreadyExists {
			log.Debug().Str("anomaly_id", a.ID).Msg("anomaly already recorded; not dispatching again")
			continue
		}
		toDispatch = append(toDispatch, a)
	}

	if d.Dispatcher != nil && len(toDispatch) > 0 {
		for _, o := range d.Dispatcher.DispatchAll(ctx, toDispatch) {
			if o.Fired {
				st.Dispatched++
			} else {
				st.Suppressed++
			}
		}
	}

	updated := 0
	for _, b := range buckets {
		if d.Tracker.Update(b) {
			updated++
		}
	}
	evicted := d.Tracker.Evict(now)
	st.BaselineLen = d.Tracker.Len()

	if d.Snapshots != nil {
		if err := d.Snapshots.Save(ctx, d.Tracker.Snapshot()); err != nil {
			log.Warn().Err(err).Msg("failed to save baseline snapshot")
		}
	}

	log.Info().
		Int("buckets", st.Buckets).
		Int("anomalies", st.Anomalies).
		Int("dispatched", st.Dispatched).
		Int("suppressed", st.Suppressed).
		Int("baselines_updated", updated).
		Int("baselines_evicted", evicted).
		Msg("analysis cycle finished")
	return nil
}
