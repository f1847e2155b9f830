package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerSkipsOverlappingTicks(t *testing.T) {
	var active, maxActive, calls atomic.Int32
	s := New(Options{Interval: 10 * time.Millisecond, Budget: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	s.Run(ctx, func(ctx context.Context) error {
		n := active.Add(1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		calls.Add(1)
		time.Sleep(45 * time.Millisecond)
		active.Add(-1)
		return nil
	})

	assert.Equal(t, int32(1), maxActive.Load(), "cycles must never overlap")
	assert.Greater(t, s.Skipped(), int64(0))
	assert.Equal(t, int64(calls.Load()), s.Cycles())
	assert.LessOrEqual(t, calls.Load(), int32(4))
}

func TestSchedulerKeepsRunningAfterErrors(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for calls.Load() < 3 {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()
	Run(ctx, 5*time.Millisecond, func(ctx context.Context) error {
		calls.Add(1)
		if calls.Load() == 2 {
			panic("boom")
		}
		return errors.New("store unreachable")
	})
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestSchedulerLetsInFlightCycleFinish(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	var sawCancel atomic.Bool

	s := New(Options{Interval: time.Hour, RunOnStart: true, Budget: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, func(ctx context.Context) error {
			close(started)
			time.Sleep(80 * time.Millisecond)
			sawCancel.Store(ctx.Err() != nil)
			finished.Store(true)
			return nil
		})
		close(done)
	}()

	<-started
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	require.True(t, finished.Load(), "Run returned before the in-flight cycle finished")
	assert.False(t, sawCancel.Load(), "in-flight cycle context must survive scheduler cancellation")
	assert.Equal(t, int64(1), s.Cycles())
}

func TestSchedulerCancelsAfterGrace(t *testing.T) {
	s := New(Options{Interval: time.Hour, RunOnStart: true, Budget: time.Minute, Grace: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var cancelled atomic.Bool
	go func() {
		<-started
		cancel()
	}()
	s.Run(ctx, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	})
	assert.True(t, cancelled.Load())
}

func TestSchedulerCycleBudget(t *testing.T) {
	s := New(Options{Interval: time.Hour, RunOnStart: true, Budget: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	var err atomic.Value
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	s.Run(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		err.Store(ctx.Err())
		return ctx.Err()
	})
	assert.Equal(t, context.DeadlineExceeded, err.Load())
}
