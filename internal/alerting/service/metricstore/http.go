package metricstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/qiniu/apiguard/internal/alerting/model"
)

const backendHTTP = "http"

// BucketsResponse is the body served by a bucket adapter at GET /v1/buckets.
type BucketsResponse struct {
	Buckets []model.MetricBucket `json:"buckets"`
}

// HTTPStore reads pre-aggregated buckets from a bucket adapter.
type HTTPStore struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPStore(baseURL string, timeout time.Duration) *HTTPStore {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPStore{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPStore) Name() string { return backendHTTP }

func (s *HTTPStore) FetchBuckets(ctx context.Context, w Window, f Filters) ([]model.MetricBucket, error) {
	q := url.Values{}
	q.Set("start", w.Start.UTC().Format(time.RFC3339Nano))
	q.Set("end", w.End.UTC().Format(time.RFC3339Nano))
	for _, svc := range f.IncludedServices {
		q.Add("service", svc)
	}
	for _, svc := range f.ExcludedServices {
		q.Add("exclude", svc)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/buckets?"+q.Encode(), nil)
	if err != nil {
		return nil, model.NewStoreError(backendHTTP, model.StoreUnreachable, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(backendHTTP, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := model.StoreUnreachable
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			kind = model.StoreMalformedResponse
		}
		return nil, model.NewStoreError(backendHTTP, kind,
			fmt.Errorf("bucket adapter returned status %d: %s", resp.StatusCode, string(body)))
	}

	var out BucketsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return nil, classifyTransport(backendHTTP, ctx.Err())
		}
		return nil, model.NewStoreError(backendHTTP, model.StoreMalformedResponse, fmt.Errorf("failed to decode response: %w", err))
	}
	for i := range out.Buckets {
		b := &out.Buckets[i]
		if b.WindowStart.IsZero() {
			b.WindowStart = w.Start
		}
		if b.WindowEnd.IsZero() {
			b.WindowEnd = w.End
		}
	}
	SortBuckets(out.Buckets)
	return out.Buckets, nil
}
