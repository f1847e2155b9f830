package metricstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	promModel "github.com/prometheus/common/model"
	"github.com/qiniu/apiguard/internal/alerting/model"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const backendPrometheus = "prometheus"

var groupLabels = []string{"service", "endpoint", "environment", "environment_type"}

// PrometheusConfig names the request counter and latency histogram to aggregate.
type PrometheusConfig struct {
	URL string
	// RequestsMetric is a counter labelled service, endpoint, environment, status_code and,
	// when available, environment_type.
	RequestsMetric string
	// DurationMetric is a histogram base name (without _bucket/_sum/_count).
	DurationMetric string
	// LatencyScale converts histogram observations to milliseconds; 1000 for seconds.
	LatencyScale float64
}

// PrometheusStore derives buckets from instant queries evaluated at the window end.
type PrometheusStore struct {
	api v1.API
	cfg PrometheusConfig
}

func NewPrometheusStore(cfg PrometheusConfig) (*PrometheusStore, error) {
	client, err := api.NewClient(api.Config{Address: cfg.URL})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	if cfg.RequestsMetric == "" {
		cfg.RequestsMetric = "http_requests_total"
	}
	if cfg.DurationMetric == "" {
		cfg.DurationMetric = "http_request_duration_seconds"
	}
	if cfg.LatencyScale <= 0 {
		cfg.LatencyScale = 1000
	}
	return &PrometheusStore{api: v1.NewAPI(client), cfg: cfg}, nil
}

func (s *PrometheusStore) Name() string { return backendPrometheus }

type promSeries struct {
	count, errors, avg, p95, p99 float64
	envType                      string
}

func (s *PrometheusStore) FetchBuckets(ctx context.Context, w Window, f Filters) ([]model.MetricBucket, error) {
	rng := promDuration(w.Duration())
	sel := serviceSelector(f)
	by := strings.Join(groupLabels, ",")
	req, dur := s.cfg.RequestsMetric, s.cfg.DurationMetric

	queries := map[string]string{
		"count":  fmt.Sprintf(`sum by (%s) (increase(%s{%s}[%s]))`, by, req, sel, rng),
		"errors": fmt.Sprintf(`sum by (%s) (increase(%s{%s}[%s]))`, by, req, joinSel(sel, `status_code=~"[45].."`), rng),
		"avg": fmt.Sprintf(`sum by (%s) (increase(%s_sum{%s}[%s])) / sum by (%s) (increase(%s_count{%s}[%s]))`,
			by, dur, sel, rng, by, dur, sel, rng),
		"p95": fmt.Sprintf(`histogram_quantile(0.95, sum by (%s,le) (rate(%s_bucket{%s}[%s])))`, by, dur, sel, rng),
		"p99": fmt.Sprintf(`histogram_quantile(0.99, sum by (%s,le) (rate(%s_bucket{%s}[%s])))`, by, dur, sel, rng),
	}

	var mu sync.Mutex
	series := make(map[bucketKey]*promSeries)
	scale := s.cfg.LatencyScale

	g, gctx := errgroup.WithContext(ctx)
	for name, q := range queries {
		g.Go(func() error {
			vec, err := s.query(gctx, q, w.End)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, sample := range vec {
				k := bucketKey{
					service:     orUnknown(string(sample.Metric["service"])),
					endpoint:    orUnknown(string(sample.Metric["endpoint"])),
					environment: orUnknown(string(sample.Metric["environment"])),
				}
				ps, ok := series[k]
				if !ok {
					ps = &promSeries{}
					series[k] = ps
				}
				if et := string(sample.Metric["environment_type"]); et != "" {
					ps.envType = et
				}
				v := float64(sample.Value)
				if v != v { // NaN from empty histograms
					v = 0
				}
				switch name {
				case "count":
					ps.count = v
				case "errors":
					ps.errors = v
				case "avg":
					ps.avg = v * scale
				case "p95":
					ps.p95 = v * scale
				case "p99":
					ps.p99 = v * scale
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]model.MetricBucket, 0, len(series))
	for k, ps := range series {
		count := int(ps.count + 0.5)
		if count <= 0 {
			continue
		}
		out = append(out, model.MetricBucket{
			Service:         k.service,
			Endpoint:        k.endpoint,
			Environment:     k.environment,
			EnvironmentType: ps.envType,
			WindowStart:     w.Start,
			WindowEnd:       w.End,
			Count:           count,
			AvgValue:        ps.avg,
			P95Value:        ps.p95,
			P99Value:        ps.p99,
			ErrorCount:      min(int(ps.errors+0.5), count),
		})
	}
	SortBuckets(out)
	return out, nil
}

func (s *PrometheusStore) query(ctx context.Context, q string, at time.Time) (promModel.Vector, error) {
	result, warnings, err := s.api.Query(ctx, q, at)
	if err != nil {
		return nil, classifyPrometheus(err)
	}
	if len(warnings) > 0 {
		log.Warn().Strs("warnings", warnings).Str("query", q).Msg("prometheus query warnings")
	}
	vec, ok := result.(promModel.Vector)
	if !ok {
		return nil, model.NewStoreError(backendPrometheus, model.StoreMalformedResponse,
			fmt.Errorf("unexpected result type: %T", result))
	}
	return vec, nil
}

func classifyPrometheus(err error) error {
	var perr *v1.Error
	if errors.As(err, &perr) {
		switch perr.Type {
		case v1.ErrBadData, v1.ErrBadResponse, v1.ErrClient:
			return model.NewStoreError(backendPrometheus, model.StoreMalformedResponse, err)
		case v1.ErrTimeout, v1.ErrCanceled:
			return model.NewStoreError(backendPrometheus, model.StoreTimeout, err)
		}
	}
	return classifyTransport(backendPrometheus, err)
}

func serviceSelector(f Filters) string {
	var parts []string
	if len(f.IncludedServices) > 0 {
		parts = append(parts, fmt.Sprintf(`service=~"%s"`, alternation(f.IncludedServices)))
	}
	if len(f.ExcludedServices) > 0 {
		parts = append(parts, fmt.Sprintf(`service!~"%s"`, alternation(f.ExcludedServices)))
	}
	return strings.Join(parts, ",")
}

func alternation(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strings.ReplaceAll(regexp.QuoteMeta(v), `\`, `\\`)
	}
	return strings.Join(quoted, "|")
}

func joinSel(a, b string) string {
	if a == "" {
		return b
	}
	return a + "," + b
}

// promDuration renders d in whole seconds, at least 1s.
func promDuration(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%ds", secs)
}
