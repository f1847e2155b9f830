package metricstore

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/qiniu/apiguard/internal/alerting/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vectorBody(value string) string {
	return fmt.Sprintf(`{"status":"success","data":{"resultType":"vector","result":[
		{"metric":{"service":"order","endpoint":"/pay","environment":"prod-a","environment_type":"production"},"value":[1772359500,"%s"]}
	]}}`, value)
}

func TestPrometheusStoreFetchBuckets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		q := r.Form.Get("query")
		assert.Contains(t, q, `service=~"order"`)
		assert.Contains(t, q, "[300s]")
		assert.Contains(t, q, "by (service,endpoint,environment,environment_type")
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasPrefix(q, "histogram_quantile(0.95"):
			_, _ = w.Write([]byte(vectorBody("0.9")))
		case strings.HasPrefix(q, "histogram_quantile(0.99"):
			_, _ = w.Write([]byte(vectorBody("1.5")))
		case strings.Contains(q, "_sum"):
			_, _ = w.Write([]byte(vectorBody("0.25")))
		case strings.Contains(q, "status_code"):
			_, _ = w.Write([]byte(vectorBody("12")))
		default:
			_, _ = w.Write([]byte(vectorBody("120")))
		}
	}))
	defer srv.Close()

	store, err := NewPrometheusStore(PrometheusConfig{URL: srv.URL})
	require.NoError(t, err)

	buckets, err := store.FetchBuckets(context.Background(), testWindow(), Filters{IncludedServices: []string{"order"}})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	b := buckets[0]
	assert.Equal(t, "order", b.Service)
	assert.Equal(t, "production", b.EnvironmentType)
	assert.Equal(t, 120, b.Count)
	assert.Equal(t, 12, b.ErrorCount)
	assert.InDelta(t, 250.0, b.AvgValue, 1e-9)
	assert.InDelta(t, 900.0, b.P95Value, 1e-9)
	assert.InDelta(t, 1500.0, b.P99Value, 1e-9)
	// counters carry no per-request events
	assert.Empty(t, b.ErrorEvents)
}

func TestPrometheusStoreBadData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"error","errorType":"bad_data","error":"parse error"}`))
	}))
	defer srv.Close()

	store, err := NewPrometheusStore(PrometheusConfig{URL: srv.URL})
	require.NoError(t, err)
	_, err = store.FetchBuckets(context.Background(), testWindow(), Filters{})
	require.Error(t, err)
	assert.Equal(t, model.StoreMalformedResponse, model.StoreErrorKindOf(err))
}

func TestServiceSelector(t *testing.T) {
	assert.Equal(t, "", serviceSelector(Filters{}))
	assert.Equal(t, `service=~"a|b\\.c",service!~"d"`,
		serviceSelector(Filters{IncludedServices: []string{"a", "b.c"}, ExcludedServices: []string{"d"}}))
}
