// Package metricstore fetches per-window aggregates of API telemetry from the
// configured backend.
package metricstore

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/qiniu/apiguard/internal/alerting/model"
)

// Window is the half-open interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowEndingAt returns [end-d, end).
func WindowEndingAt(end time.Time, d time.Duration) Window {
	return Window{Start: end.Add(-d), End: end}
}

func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

type Filters struct {
	IncludedServices []string
	ExcludedServices []string
	// Index overrides the backend's default raw-log index when set.
	Index string
	// MaxSamples caps how many raw records are aggregated.
	MaxSamples int
}

// Client is the read-only query interface against the telemetry store.
// Implementations return *model.StoreError on failure.
type Client interface {
	Name() string
	FetchBuckets(ctx context.Context, w Window, f Filters) ([]model.MetricBucket, error)
}

// classifyTransport maps a transport failure to a StoreError kind.
func classifyTransport(backend string, err error) *model.StoreError {
	var se *model.StoreError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewStoreError(backend, model.StoreTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return model.NewStoreError(backend, model.StoreTimeout, err)
	}
	return model.NewStoreError(backend, model.StoreUnreachable, err)
}
