package metricstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/qiniu/apiguard/internal/alerting/elastic"
	"github.com/qiniu/apiguard/internal/alerting/model"
	"github.com/rs/zerolog/log"
)

const backendElasticsearch = "elasticsearch"

// ElasticsearchStore searches raw API logs and aggregates them client-side.
type ElasticsearchStore struct {
	es           *elastic.Client
	defaultIndex string
	maxSamples   int
}

func NewElasticsearchStore(es *elastic.Client, index string, maxSamples int) *ElasticsearchStore {
	if maxSamples <= 0 {
		maxSamples = 10000
	}
	return &ElasticsearchStore{es: es, defaultIndex: index, maxSamples: maxSamples}
}

func (s *ElasticsearchStore) Name() string { return backendElasticsearch }

type esSearchResponse struct {
	Hits struct {
		Hits []struct {
			Source esLogDoc `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

type esLogDoc struct {
	Timestamp       time.Time  `json:"@timestamp"`
	Service         string     `json:"service"`
	Endpoint        string     `json:"endpoint"`
	StatusCode      statusCode `json:"status_code"`
	ResponseTime    float64    `json:"response_time"`
	Environment     string     `json:"environment"`
	EnvironmentType string     `json:"environment_type"`
	RequestID       string     `json:"request_id"`
	Method          string     `json:"http_method"`
}

// statusCode accepts both numeric and string encodings.
type statusCode int

func (s *statusCode) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(string(b), `"`)
	if raw == "" || raw == "null" {
		*s = 0
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil {
			return err
		}
		n = int(f)
	}
	*s = statusCode(n)
	return nil
}

// FetchBuckets returns buckets for w. A missing index is an empty window, not an error.
func (s *ElasticsearchStore) FetchBuckets(ctx context.Context, w Window, f Filters) ([]model.MetricBucket, error) {
	index := s.defaultIndex
	if f.Index != "" {
		index = f.Index
	}
	size := s.maxSamples
	if f.MaxSamples > 0 {
		size = f.MaxSamples
	}

	var resp esSearchResponse
	err := s.es.Do(ctx, http.MethodPost, "/"+index+"/_search", buildLogQuery(w, f, size), &resp)
	if err != nil {
		var se *elastic.StatusError
		if errors.As(err, &se) {
			if se.StatusCode == http.StatusNotFound {
				log.Warn().Str("index", index).Msg("log index not found; treating window as empty")
				return nil, nil
			}
			if se.StatusCode >= 400 && se.StatusCode < 500 {
				return nil, model.NewStoreError(backendElasticsearch, model.StoreMalformedResponse, err)
			}
			return nil, model.NewStoreError(backendElasticsearch, model.StoreUnreachable, err)
		}
		var je *json.SyntaxError
		var te *json.UnmarshalTypeError
		if errors.As(err, &je) || errors.As(err, &te) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, model.NewStoreError(backendElasticsearch, model.StoreMalformedResponse, err)
		}
		return nil, classifyTransport(backendElasticsearch, err)
	}

	records := make([]Record, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		d := h.Source
		records = append(records, Record{
			Timestamp:       d.Timestamp,
			Service:         d.Service,
			Endpoint:        d.Endpoint,
			Environment:     d.Environment,
			EnvironmentType: d.EnvironmentType,
			StatusCode:      int(d.StatusCode),
			ResponseTime:    d.ResponseTime,
			RequestID:       d.RequestID,
			Method:          d.Method,
		})
	}
	log.Debug().Str("index", index).Int("records", len(records)).Msg("fetched api logs")
	return Aggregate(records, w), nil
}

func buildLogQuery(w Window, f Filters, size int) map[string]any {
	must := []any{
		map[string]any{"range": map[string]any{"@timestamp": map[string]any{
			"gte": w.Start.UTC().Format(time.RFC3339Nano),
			"lt":  w.End.UTC().Format(time.RFC3339Nano),
		}}},
		map[string]any{"exists": map[string]any{"field": "response_time"}},
		map[string]any{"range": map[string]any{"response_time": map[string]any{"gt": 0}}},
	}
	if len(f.IncludedServices) > 0 {
		must = append(must, map[string]any{"terms": map[string]any{"service": f.IncludedServices}})
	}
	boolQuery := map[string]any{"must": must}
	if len(f.ExcludedServices) > 0 {
		boolQuery["must_not"] = []any{
			map[string]any{"terms": map[string]any{"service": f.ExcludedServices}},
		}
	}
	return map[string]any{
		"size":  size,
		"sort":  []any{map[string]any{"@timestamp": map[string]any{"order": "asc"}}},
		"query": map[string]any{"bool": boolQuery},
	}
}
