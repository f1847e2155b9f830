package metricstore

import (
	"context"
	"errors"
	"time"

	"github.com/qiniu/apiguard/internal/alerting/model"
	"golang.org/x/sync/errgroup"
)

// FanOut splits a multi-service include filter into one query per service, runs them
// concurrently and merges the results. It also bounds every fetch with Timeout.
type FanOut struct {
	Client      Client
	Concurrency int
	Timeout     time.Duration
}

func (f *FanOut) Name() string { return f.Client.Name() }

func (f *FanOut) FetchBuckets(ctx context.Context, w Window, filters Filters) ([]model.MetricBucket, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	if len(filters.IncludedServices) <= 1 {
		out, err := f.Client.FetchBuckets(ctx, w, filters)
		return out, f.timeoutAware(ctx, err)
	}

	results := make([][]model.MetricBucket, len(filters.IncludedServices))
	g, gctx := errgroup.WithContext(ctx)
	if f.Concurrency > 0 {
		g.SetLimit(f.Concurrency)
	}
	for i, svc := range filters.IncludedServices {
		one := filters
		one.IncludedServices = []string{svc}
		g.Go(func() error {
			out, err := f.Client.FetchBuckets(gctx, w, one)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, f.timeoutAware(ctx, err)
	}

	var merged []model.MetricBucket
	for _, r := range results {
		merged = append(merged, r...)
	}
	SortBuckets(merged)
	return merged, nil
}

// timeoutAware reports a store error as a timeout when the fetch deadline passed,
// whatever the backend made of the cancelled request.
func (f *FanOut) timeoutAware(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.NewStoreError(f.Client.Name(), model.StoreTimeout, err)
	}
	var se *model.StoreError
	if errors.As(err, &se) {
		return err
	}
	return classifyTransport(f.Client.Name(), err)
}
