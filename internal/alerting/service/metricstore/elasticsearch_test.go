package metricstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/qiniu/apiguard/internal/alerting/elastic"
	"github.com/qiniu/apiguard/internal/alerting/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWindow() Window {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return Window{Start: start, End: start.Add(5 * time.Minute)}
}

func TestElasticsearchStoreFetchBuckets(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api-logs-*/_search", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"hits":{"hits":[
			{"_source":{"@timestamp":"2026-03-01T10:01:00Z","service":"order","endpoint":"/pay","status_code":200,"response_time":120,"environment":"prod-a","environment_type":"production"}},
			{"_source":{"@timestamp":"2026-03-01T10:02:00Z","service":"order","endpoint":"/pay","status_code":"502","response_time":80,"environment":"prod-a","environment_type":"production","request_id":"req-9"}}
		]}}`))
	}))
	defer srv.Close()

	store := NewElasticsearchStore(elastic.New(elastic.Config{BaseURL: srv.URL}), "api-logs-*", 500)
	buckets, err := store.FetchBuckets(context.Background(), testWindow(), Filters{
		IncludedServices: []string{"order"},
		ExcludedServices: []string{"health"},
	})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, 2, buckets[0].Count)
	assert.Equal(t, 100.0, buckets[0].AvgValue)
	assert.Equal(t, 1, buckets[0].ErrorCount)
	require.Len(t, buckets[0].ErrorEvents, 1)
	assert.Equal(t, "req-9", buckets[0].ErrorEvents[0].CorrelationID)

	assert.EqualValues(t, 500, body["size"])
	query := body["query"].(map[string]any)["bool"].(map[string]any)
	assert.Len(t, query["must"], 4)
	assert.Len(t, query["must_not"], 1)
}

func TestElasticsearchStoreErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind model.StoreErrorKind
		wantNil  bool
	}{
		{name: "missing index", status: http.StatusNotFound, body: `{"error":"index_not_found_exception"}`, wantNil: true},
		{name: "bad query", status: http.StatusBadRequest, body: `{"error":"parsing_exception"}`, wantKind: model.StoreMalformedResponse},
		{name: "cluster down", status: http.StatusServiceUnavailable, body: `{}`, wantKind: model.StoreUnreachable},
		{name: "garbage", status: http.StatusOK, body: `{"hits":`, wantKind: model.StoreMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			store := NewElasticsearchStore(elastic.New(elastic.Config{BaseURL: srv.URL}), "api-logs-*", 10)
			buckets, err := store.FetchBuckets(context.Background(), testWindow(), Filters{})
			if tt.wantNil {
				assert.NoError(t, err)
				assert.Empty(t, buckets)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, model.StoreErrorKindOf(err))
		})
	}
}

func TestElasticsearchStoreUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	store := NewElasticsearchStore(elastic.New(elastic.Config{BaseURL: url}), "api-logs-*", 10)
	_, err := store.FetchBuckets(context.Background(), testWindow(), Filters{})
	require.Error(t, err)
	assert.Equal(t, model.StoreUnreachable, model.StoreErrorKindOf(err))
}
