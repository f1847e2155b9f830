package metricstore

import (
	"fmt"

	"github.com/qiniu/apiguard/internal/alerting/elastic"
	"github.com/qiniu/apiguard/internal/config"
)

// New builds the configured backend wrapped in a FanOut that applies the fetch timeout.
func New(cfg config.MetricStoreConfig, maxSamples int) (*FanOut, error) {
	timeout := config.ParseDuration(cfg.FetchTimeout, 0)

	var backend Client
	switch cfg.Backend {
	case "", backendElasticsearch:
		es := cfg.Elasticsearch
		client := elastic.New(elastic.Config{
			BaseURL:  es.BaseURL(),
			Username: es.Username,
			Password: es.Password,
			Timeout:  timeout,
		})
		backend = NewElasticsearchStore(client, es.LogsIndex, maxSamples)
	case backendPrometheus:
		p := cfg.Prometheus
		store, err := NewPrometheusStore(PrometheusConfig{
			URL:            p.URL,
			RequestsMetric: p.RequestsMetric,
			DurationMetric: p.DurationMetric,
			LatencyScale:   p.LatencyScale,
		})
		if err != nil {
			return nil, err
		}
		backend = store
	case backendHTTP:
		backend = NewHTTPStore(cfg.HTTP.URL, timeout)
	default:
		return nil, fmt.Errorf("unknown metric store backend %q", cfg.Backend)
	}
	return &FanOut{Client: backend, Concurrency: cfg.Concurrency, Timeout: timeout}, nil
}
