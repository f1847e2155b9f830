package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/apiguard/internal/alerting/model"
	"github.com/qiniu/apiguard/internal/alerting/service/baseline"
	"github.com/qiniu/apiguard/internal/alerting/service/dispatcher"
	"github.com/qiniu/apiguard/internal/alerting/service/pipeline"
	"github.com/qiniu/apiguard/internal/alerting/service/sink"
)

func seedAnomaly(t *testing.T, m *sink.Memory, service string, sev model.Severity, at time.Time) *model.Anomaly {
	t.Helper()
	b := &model.MetricBucket{Service: service, Endpoint: "/login", Environment: "prod", WindowStart: at.Add(-5 * time.Minute), WindowEnd: at, Count: 10}
	a := model.NewAnomaly(model.TypeResponseTime, model.DetectorThreshold, b, at)
	a.Severity = sev
	_, err := m.Persist(context.Background(), a)
	require.NoError(t, err)
	return a
}

func newTestRouter(t *testing.T, token string) (*gin.Engine, *sink.Memory, *dispatcher.Dispatcher) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mem := sink.NewMemory(100)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tracker := baseline.NewTracker(baseline.Options{Window: 24 * time.Hour, MinDataPoints: 1, Now: func() time.Time { return now }})
	tracker.Update(model.MetricBucket{Service: "user", Endpoint: "/login", WindowStart: now.Add(-5 * time.Minute), Count: 20, AvgValue: 120})
	tracker.Update(model.MetricBucket{Service: "order", Endpoint: "/pay", WindowStart: now.Add(-5 * time.Minute), Count: 20, AvgValue: 300})

	d := dispatcher.New(nil, dispatcher.Options{Throttle: dispatcher.ThrottleParams{Realert: 10 * time.Minute}, Now: func() time.Time { return now }})

	r := gin.New()
	NewApi(r, Deps{
		Anomalies:  mem,
		Tracker:    tracker,
		Dispatcher: d,
		Status: func() pipeline.Status {
			return pipeline.Status{LastRun: now, Outcome: "store_error", Error: "timeout"}
		},
	}, token)
	return r, mem, d
}

func do(r http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestListAnomaliesFilters(t *testing.T) {
	r, mem, _ := newTestRouter(t, "")
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seedAnomaly(t, mem, "user", model.SeverityCritical, base)
	seedAnomaly(t, mem, "order", model.SeverityWarning, base.Add(time.Hour))

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"all", "", 2},
		{"by service", "?service=user", 1},
		{"by severity", "?severity=warning", 1},
		{"since", "?since=2026-03-01T09:30:00Z", 1},
		{"limit", "?limit=1", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodGet, "/v1/anomalies"+tt.query, "")
			require.Equal(t, http.StatusOK, w.Code)
			var resp struct {
				Items []model.Anomaly `json:"items"`
				Count int             `json:"count"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.want, resp.Count)
		})
	}
}

func TestListAnomaliesInvalidParameters(t *testing.T) {
	r, _, _ := newTestRouter(t, "")
	for _, q := range []string{"?type=latency", "?severity=info", "?since=yesterday", "?limit=0", "?limit=5000"} {
		t.Run(q, func(t *testing.T) {
			w := do(r, http.MethodGet, "/v1/anomalies"+q, "")
			assert.Equal(t, http.StatusBadRequest, w.Code)
			var resp model.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, model.ErrorCodeInvalidParameter, resp.Error.Code)
			assert.NotEmpty(t, resp.Error.Parameter)
		})
	}
}

func TestGetAnomaly(t *testing.T) {
	r, mem, _ := newTestRouter(t, "")
	a := seedAnomaly(t, mem, "user", model.SeverityCritical, time.Now())

	w := do(r, http.MethodGet, "/v1/anomalies/"+a.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var got model.Anomaly
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, a.ID, got.ID)

	w = do(r, http.MethodGet, "/v1/anomalies/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBaselinesAndThrottle(t *testing.T) {
	r, _, d := newTestRouter(t, "")

	w := do(r, http.MethodGet, "/v1/baselines?service=order", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.Contains(t, w.Body.String(), `"mean":300`)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	b := &model.MetricBucket{Service: "user", Endpoint: "/login", Environment: "prod", WindowStart: at.Add(-5 * time.Minute), WindowEnd: at, Count: 10}
	d.Dispatch(context.Background(), model.NewAnomaly(model.TypeErrorRate, model.DetectorErrorRate, b, at))

	w = do(r, http.MethodGet, "/v1/throttle", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"rule_key":"error_rate|user|/login|prod"`)
	assert.Contains(t, w.Body.String(), `"realert":"10m0s"`)
}

func TestHealthzAndAuth(t *testing.T) {
	r, _, _ := newTestRouter(t, "tok")

	w := do(r, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code, "health is not behind auth")
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/v1/anomalies", "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/v1/anomalies", "tok").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/metrics", "").Code)
}

func TestUnavailableWithoutReader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewApi(r, Deps{}, "")
	w := do(r, http.MethodGet, "/v1/anomalies", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), model.ErrorCodeUnavailable)
}
