package sink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/qiniu/apiguard/internal/alerting/elastic"
	"github.com/qiniu/apiguard/internal/alerting/model"
	"github.com/rs/zerolog/log"
)

// AnomalyIndexMapping is applied when the anomaly index is created.
var AnomalyIndexMapping = map[string]any{
	"mappings": map[string]any{
		"properties": map[string]any{
			"timestamp":             map[string]any{"type": "date"},
			"window_start":          map[string]any{"type": "date"},
			"window_end":            map[string]any{"type": "date"},
			"type":                  map[string]any{"type": "keyword"},
			"service":               map[string]any{"type": "keyword"},
			"endpoint":              map[string]any{"type": "keyword"},
			"avg_response_time":     map[string]any{"type": "float"},
			"p95_response_time":     map[string]any{"type": "float"},
			"error_rate":            map[string]any{"type": "float"},
			"request_count":         map[string]any{"type": "integer"},
			"severity":              map[string]any{"type": "keyword"},
			"detector":              map[string]any{"type": "keyword"},
			"environment":           map[string]any{"type": "keyword"},
			"environment_type":      map[string]any{"type": "keyword"},
			"threshold_value":       map[string]any{"type": "float"},
			"baseline_value":        map[string]any{"type": "float"},
			"observed_value":        map[string]any{"type": "float"},
			"score":                 map[string]any{"type": "float"},
			"correlation_id":        map[string]any{"type": "keyword"},
			"affected_environments": map[string]any{"type": "keyword"},
		},
	},
}

// ElasticsearchSink indexes anomalies by id with op_type=create.
type ElasticsearchSink struct {
	es    *elastic.Client
	index string
}

func NewElasticsearchSink(es *elastic.Client, index string) *ElasticsearchSink {
	return &ElasticsearchSink{es: es, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

// EnsureIndex creates the anomaly index with its mapping when missing.
func (s *ElasticsearchSink) EnsureIndex(ctx context.Context) error {
	created, err := s.es.EnsureIndex(ctx, s.index, AnomalyIndexMapping)
	if err != nil {
		return fmt.Errorf("ensure index %s: %w", s.index, err)
	}
	if created {
		log.Info().Str("index", s.index).Msg("created anomaly index")
	}
	return nil
}

type anomalyDoc struct {
	*model.Anomaly
	AvgResponseTime *float64 `json:"avg_response_time,omitempty"`
}

func (s *ElasticsearchSink) Persist(ctx context.Context, a *model.Anomaly) (Result, error) {
	doc := anomalyDoc{Anomaly: a}
	if a.Type == model.TypeResponseTime {
		doc.AvgResponseTime = model.Float(a.ObservedValue)
	}
	path := fmt.Sprintf("/%s/_doc/%s?op_type=create", s.index, url.PathEscape(a.ID))
	err := s.es.Do(ctx, http.MethodPut, path, doc, nil)
	if err == nil {
		return Stored, nil
	}
	var se *elastic.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusConflict {
		return AlreadyExists, nil
	}
	return 0, persistErr(s.Name(), a, err)
}

// ServiceEvent is a lifecycle record written next to the anomalies.
type ServiceEvent struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Event       string         `json:"event"`
	Service     string         `json:"service"`
	Timestamp   time.Time      `json:"timestamp"`
	Environment string         `json:"environment,omitempty"`
	Version     string         `json:"version,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

// RecordEvent indexes a service_event document such as startup.
func (s *ElasticsearchSink) RecordEvent(ctx context.Context, event, version string, cfg map[string]any) error {
	ev := ServiceEvent{
		ID:        uuid.NewString(),
		Type:      "service_event",
		Event:     event,
		Service:   "apiguard",
		Timestamp: time.Now().UTC(),
		Version:   version,
		Config:    cfg,
	}
	if err := s.es.Do(ctx, http.MethodPut, fmt.Sprintf("/%s/_doc/%s", s.index, ev.ID), ev, nil); err != nil {
		return fmt.Errorf("record %s event: %w", event, err)
	}
	return nil
}
