// Package dispatcher fans anomalies out to notification channels behind per-key
// realert throttling and bounded retries.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/qiniu/apiguard/internal/alerting/metrics"
	"github.com/qiniu/apiguard/internal/alerting/model"
	"github.com/qiniu/apiguard/internal/alerting/service/channel"
	"github.com/qiniu/apiguard/internal/retry"
)

// Mirror persists throttle state outside the process. Failures are logged only.
type Mirror interface {
	Save(ctx context.Context, st State, now time.Time) error
	Delete(ctx context.Context, ruleKey string) error
}

type Options struct {
	Throttle    ThrottleParams
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// SendTimeout bounds a single attempt against one channel.
	SendTimeout time.Duration
	// Concurrency caps anomalies dispatched at once by DispatchAll.
	Concurrency int
	Now         func() time.Time
}

type Dispatcher struct {
	opts     Options
	throttle *Throttle
	mirror   Mirror

	mu     sync.RWMutex
	routes []channel.Route
}

func New(routes []channel.Route, opts Options) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{opts: opts, throttle: NewThrottle(opts.Throttle), routes: routes}
}

func (d *Dispatcher) SetMirror(m Mirror) { d.mirror = m }

// SetThrottle swaps the realert parameters; open windows keep their deadlines.
func (d *Dispatcher) SetThrottle(p ThrottleParams) { d.throttle.SetParams(p) }

func (d *Dispatcher) Throttle() *Throttle { return d.throttle }

func (d *Dispatcher) SetRoutes(routes []channel.Route) {
	d.mu.Lock()
	d.routes = routes
	d.mu.Unlock()
}

func (d *Dispatcher) Routes() []channel.Route {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.routes
}

// Outcome of dispatching one anomaly.
type Outcome struct {
	AnomalyID  string
	Fired      bool
	Suppressed bool
	// Failed lists channels that exhausted their attempts, keyed by channel name.
	Failed    map[string]error
	Delivered []string
}

// Dispatch applies the throttle to a and, when it fires, delivers to every route whose
// minimum severity a meets.
func (d *Dispatcher) Dispatch(ctx context.Context, a *model.Anomaly) Outcome {
	now := d.opts.Now()
	dec := d.throttle.Observe(a, now)
	out := Outcome{AnomalyID: a.ID, Fired: dec.Fire, Suppressed: !dec.Fire}

	if dec.State.Key != "" {
		d.mirrorSave(ctx, dec.State, now)
	}
	if dec.Summary != nil {
		d.deliver(ctx, summaryNotification(*dec.Summary))
	}
	if !dec.Fire {
		metrics.SuppressedTotal.WithLabelValues(string(a.Type)).Inc()
		log.Debug().
			Str("anomaly_id", a.ID).
			Str("rule_key", a.ThrottleKey()).
			Time("window_until", dec.State.WindowUntil).
			Int("suppressed", dec.State.SuppressedCount).
			Msg("alert suppressed by realert window")
		return out
	}

	out.Delivered, out.Failed = d.deliver(ctx, channel.Notification{Anomaly: a})
	return out
}

// DispatchAll dispatches anomalies concurrently. Anomalies sharing a throttle key are
// serialized by the throttle, so only the first of them fires.
func (d *Dispatcher) DispatchAll(ctx context.Context, anomalies []*model.Anomaly) []Outcome {
	outcomes := make([]Outcome, len(anomalies))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)
	for i, a := range anomalies {
		g.Go(func() error {
			outcomes[i] = d.Dispatch(gctx, a)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// Sweep closes expired realert windows and delivers their summaries.
func (d *Dispatcher) Sweep(ctx context.Context) int {
	now := d.opts.Now()
	summaries, idle := d.throttle.Sweep(now)
	for _, key := range idle {
		d.mirrorDelete(ctx, key)
	}
	for _, s := range summaries {
		if s.Anomaly == nil {
			continue
		}
		log.Info().
			Str("rule_key", s.Anomaly.ThrottleKey()).
			Int("suppressed", s.Suppressed).
			Msg("realert window closed; sending summary")
		d.deliver(ctx, summaryNotification(s))
		if st, ok := d.throttle.states.Get(s.Anomaly.ThrottleKey()); ok {
			d.mirrorSave(ctx, st, now)
		}
	}
	return len(summaries)
}

func summaryNotification(s Summary) channel.Notification {
	return channel.Notification{Anomaly: s.Anomaly, Suppressed: s.Suppressed, Since: s.Since}
}

// deliver sends n to every eligible route in parallel. One route failing or hanging
// never delays the others beyond its own retries.
func (d *Dispatcher) deliver(ctx context.Context, n channel.Notification) (delivered []string, failed map[string]error) {
	routes := d.Routes()
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, r := range routes {
		if !r.Accepts(n.Anomaly.Severity) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.send(ctx, r.Channel, n)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if failed == nil {
					failed = make(map[string]error)
				}
				failed[r.Channel.Name()] = err
				return
			}
			delivered = append(delivered, r.Channel.Name())
		}()
	}
	wg.Wait()
	return delivered, failed
}

func (d *Dispatcher) send(ctx context.Context, ch channel.Channel, n channel.Notification) error {
	started := time.Now()
	policy := retry.Policy{
		MaxAttempts: d.opts.MaxAttempts,
		BaseDelay:   d.opts.BaseDelay,
		MaxDelay:    d.opts.MaxDelay,
		Retryable:   model.IsRetryable,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			log.Warn().Err(err).
				Str("channel", ch.Name()).
				Str("anomaly_id", n.Anomaly.ID).
				Int("attempt", attempt).
				Dur("wait", wait).
				Msg("delivery failed; retrying")
		},
	}
	err := retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		actx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
		defer cancel()
		return ch.Send(actx, n)
	})

	if err != nil {
		metrics.ObserveDelivery(ch.Name(), resultLabel(err), started)
		log.Error().Err(err).
			Str("channel", ch.Name()).
			Str("anomaly_id", n.Anomaly.ID).
			Bool("summary", n.IsSummary()).
			Msg("alert delivery failed")
		return err
	}
	metrics.ObserveDelivery(ch.Name(), "ok", started)
	log.Info().
		Str("channel", ch.Name()).
		Str("anomaly_id", n.Anomaly.ID).
		Str("severity", string(n.Anomaly.Severity)).
		Bool("summary", n.IsSummary()).
		Msg("alert delivered")
	return nil
}

func resultLabel(err error) string {
	var ce *model.ChannelError
	if errors.As(err, &ce) {
		return ce.Kind.String()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "error"
}

func (d *Dispatcher) mirrorSave(ctx context.Context, st State, now time.Time) {
	if d.mirror == nil {
		return
	}
	if err := d.mirror.Save(ctx, st, now); err != nil {
		log.Warn().Err(err).Str("rule_key", st.Key).Msg("failed to mirror throttle state")
	}
}

func (d *Dispatcher) mirrorDelete(ctx context.Context, key string) {
	if d.mirror == nil {
		return
	}
	if err := d.mirror.Delete(ctx, key); err != nil {
		log.Warn().Err(err).Str("rule_key", key).Msg("failed to drop mirrored throttle state")
	}
}
