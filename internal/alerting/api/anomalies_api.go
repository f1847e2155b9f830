package api

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/apiguard/internal/alerting/model"
	"github.com/qiniu/apiguard/internal/alerting/service/baseline"
	"github.com/qiniu/apiguard/internal/alerting/service/dispatcher"
	"github.com/qiniu/apiguard/internal/alerting/service/sink"
)

type listResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func newList[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Count: len(items)}
}

// ListAnomalies implements GET /v1/anomalies?service=&type=&severity=&since=&limit=
func (api *Api) ListAnomalies(c *gin.Context) {
	if api.deps.Anomalies == nil {
		sendError(c, http.StatusServiceUnavailable, model.ErrorCodeUnavailable, "no queryable anomaly store configured", "")
		return
	}

	f := sink.Filter{Service: strings.TrimSpace(c.Query("service"))}
	if v := strings.TrimSpace(c.Query("type")); v != "" {
		switch t := model.AnomalyType(v); t {
		case model.TypeResponseTime, model.TypeErrorRate, model.TypeCorrelation:
			f.Type = t
		default:
			sendError(c, http.StatusBadRequest, model.ErrorCodeInvalidParameter, "type must be response_time, error_rate or correlation", "type")
			return
		}
	}
	if v := strings.TrimSpace(c.Query("severity")); v != "" {
		sev, ok := model.ParseSeverity(v)
		if !ok {
			sendError(c, http.StatusBadRequest, model.ErrorCodeInvalidParameter, "severity must be warning or critical", "severity")
			return
		}
		f.Severity = sev
	}
	if v := strings.TrimSpace(c.Query("since")); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			sendError(c, http.StatusBadRequest, model.ErrorCodeInvalidParameter, "since must be an RFC 3339 time", "since")
			return
		}
		f.Since = since
	}
	if v := strings.TrimSpace(c.Query("limit")); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > 1000 {
			sendError(c, http.StatusBadRequest, model.ErrorCodeInvalidParameter, "limit must be 1-1000", "limit")
			return
		}
		f.Limit = limit
	}

	items, err := api.deps.Anomalies.List(c.Request.Context(), f)
	if err != nil {
		log.Error().Err(err).Msg("failed to list anomalies")
		sendError(c, http.StatusInternalServerError, model.ErrorCodeInternalError, "failed to list anomalies", "")
		return
	}
	c.JSON(http.StatusOK, newList(items))
}

// GetAnomaly implements GET /v1/anomalies/:id
func (api *Api) GetAnomaly(c *gin.Context) {
	if api.deps.Anomalies == nil {
		sendError(c, http.StatusServiceUnavailable, model.ErrorCodeUnavailable, "no queryable anomaly store configured", "")
		return
	}
	id := c.Param("id")
	a, ok, err := api.deps.Anomalies.Get(c.Request.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("anomaly_id", id).Msg("failed to get anomaly")
		sendError(c, http.StatusInternalServerError, model.ErrorCodeInternalError, "failed to get anomaly", "")
		return
	}
	if !ok {
		sendError(c, http.StatusNotFound, model.ErrorCodeNotFound, "anomaly not found", "id")
		return
	}
	c.JSON(http.StatusOK, a)
}

type baselineItem struct {
	baseline.Baseline
	StdDev float64 `json:"stddev"`
}

// ListBaselines implements GET /v1/baselines?service=
func (api *Api) ListBaselines(c *gin.Context) {
	if api.deps.Tracker == nil {
		sendError(c, http.StatusServiceUnavailable, model.ErrorCodeUnavailable, "baseline tracker not running", "")
		return
	}
	service := strings.TrimSpace(c.Query("service"))
	var items []baselineItem
	for _, b := range api.deps.Tracker.Snapshot() {
		if service != "" && b.Key.Service != service {
			continue
		}
		items = append(items, baselineItem{Baseline: b, StdDev: b.StdDev()})
	}
	c.JSON(http.StatusOK, newList(items))
}

type throttleResponse struct {
	listResponse[dispatcher.State]
	Realert            string `json:"realert"`
	ExponentialRealert string `json:"exponential_realert,omitempty"`
	SummaryOnExpiry    bool   `json:"summary_on_expiry"`
}

// ListThrottle implements GET /v1/throttle
func (api *Api) ListThrottle(c *gin.Context) {
	if api.deps.Dispatcher == nil {
		sendError(c, http.StatusServiceUnavailable, model.ErrorCodeUnavailable, "dispatcher not running", "")
		return
	}
	th := api.deps.Dispatcher.Throttle()
	states := th.Snapshot()
	sort.SliceStable(states, func(i, j int) bool { return states[i].WindowUntil.After(states[j].WindowUntil) })

	p := th.Params()
	resp := throttleResponse{
		listResponse:    newList(states),
		Realert:         p.Realert.String(),
		SummaryOnExpiry: p.SummaryOnExpiry,
	}
	if p.ExponentialRealert > 0 {
		resp.ExponentialRealert = p.ExponentialRealert.String()
	}
	c.JSON(http.StatusOK, resp)
}
