package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qiniu/apiguard/internal/alerting/metrics"
	"github.com/rs/zerolog/log"
)

// CycleFunc is one analysis cycle. Returned errors are logged, never fatal.
type CycleFunc func(ctx context.Context) error

type Options struct {
	Interval time.Duration
	// Budget bounds a single cycle; defaults to Interval.
	Budget time.Duration
	// Grace is how long Run waits for an in-flight cycle after cancellation before
	// cancelling it; defaults to Budget.
	Grace      time.Duration
	RunOnStart bool
}

// Scheduler runs at most one cycle at a time. Ticks that arrive while a cycle is
// running are dropped, not queued.
type Scheduler struct {
	opts Options

	running atomic.Bool
	skipped atomic.Int64
	cycles  atomic.Int64
	wg      sync.WaitGroup

	mu     sync.Mutex
	cancel context.CancelFunc
}

func New(opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Budget <= 0 {
		opts.Budget = opts.Interval
	}
	if opts.Grace <= 0 {
		opts.Grace = opts.Budget
	}
	return &Scheduler{opts: opts}
}

// Run executes cycle once per interval until ctx is done. It returns after the
// in-flight cycle (if any) has finished or the grace period ran out.
func Run(ctx context.Context, interval time.Duration, cycle CycleFunc) {
	New(Options{Interval: interval}).Run(ctx, cycle)
}

func (s *Scheduler) Run(ctx context.Context, cycle CycleFunc) {
	t := time.NewTicker(s.opts.Interval)
	defer t.Stop()

	log.Info().Dur("interval", s.opts.Interval).Dur("budget", s.opts.Budget).Msg("scheduler started")
	if s.opts.RunOnStart {
		s.trigger(ctx, cycle)
	}
	for {
		select {
		case <-ctx.Done():
			s.drain()
			log.Info().Int64("cycles", s.cycles.Load()).Int64("skipped", s.skipped.Load()).Msg("scheduler stopped")
			return
		case <-t.C:
			s.trigger(ctx, cycle)
		}
	}
}

// Skipped reports how many ticks were dropped because a cycle was running.
func (s *Scheduler) Skipped() int64 { return s.skipped.Load() }

// Cycles reports how many cycles were started.
func (s *Scheduler) Cycles() int64 { return s.cycles.Load() }

func (s *Scheduler) trigger(parent context.Context, cycle CycleFunc) {
	if parent.Err() != nil {
		return
	}
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		metrics.SkippedTicksTotal.Inc()
		log.Warn().Msg("previous analysis cycle still running; skipping tick")
		return
	}

	// the cycle outlives parent cancellation so it can finish; drain bounds it
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.opts.Budget)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	n := s.cycles.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		defer cancel()

		start := time.Now()
		err := runSafe(ctx, cycle)
		metrics.CycleDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			log.Error().Err(err).Int64("cycle", n).Dur("took", time.Since(start)).Msg("analysis cycle failed")
			return
		}
		log.Debug().Int64("cycle", n).Dur("took", time.Since(start)).Msg("analysis cycle completed")
	}()
}

func (s *Scheduler) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.opts.Grace):
		log.Warn().Dur("grace", s.opts.Grace).Msg("in-flight cycle exceeded grace period; cancelling")
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
		<-done
	}
}

func runSafe(ctx context.Context, cycle CycleFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
		}
	}()
	return cycle(ctx)
}
