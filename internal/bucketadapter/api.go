package bucketadapter

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fox-gonic/fox"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/apiguard/internal/alerting/model"
	"github.com/qiniu/apiguard/internal/alerting/service/metricstore"
)

// MaxWindow bounds a single bucket query.
const MaxWindow = 24 * time.Hour

type Api struct {
	store      metricstore.Client
	maxSamples int
}

func NewApi(store metricstore.Client, maxSamples int, router *fox.Engine) *Api {
	api := &Api{store: store, maxSamples: maxSamples}
	api.setupRouters(router)
	return api
}

func (api *Api) setupRouters(router *fox.Engine) {
	router.GET("/v1/buckets", api.GetBuckets)
	router.GET("/-/healthy", func(c *fox.Context) {
		c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
}

// GetBuckets implements GET /v1/buckets?start=&end=&service=&exclude=
func (api *Api) GetBuckets(c *fox.Context) {
	w, err := parseWindow(c.Query("start"), c.Query("end"))
	if err != nil {
		sendErrorResponse(c, http.StatusBadRequest, model.ErrorCodeInvalidParameter, err.Error(), "start/end")
		return
	}
	q := c.Request.URL.Query()
	f := metricstore.Filters{
		IncludedServices: splitValues(q["service"]),
		ExcludedServices: splitValues(q["exclude"]),
		MaxSamples:       api.maxSamples,
	}

	buckets, err := api.store.FetchBuckets(c.Request.Context(), w, f)
	if err != nil {
		api.handleStoreError(c, err)
		return
	}
	if buckets == nil {
		buckets = []model.MetricBucket{}
	}
	c.JSON(http.StatusOK, metricstore.BucketsResponse{Buckets: buckets})
}

func parseWindow(startStr, endStr string) (metricstore.Window, error) {
	if startStr == "" || endStr == "" {
		return metricstore.Window{}, errors.New("start and end are required")
	}
	start, err := time.Parse(time.RFC3339Nano, startStr)
	if err != nil {
		return metricstore.Window{}, fmt.Errorf("invalid start time format: %w", err)
	}
	end, err := time.Parse(time.RFC3339Nano, endStr)
	if err != nil {
		return metricstore.Window{}, fmt.Errorf("invalid end time format: %w", err)
	}
	if !end.After(start) {
		return metricstore.Window{}, errors.New("end time must be after start time")
	}
	if end.Sub(start) > MaxWindow {
		return metricstore.Window{}, fmt.Errorf("window must not exceed %s", MaxWindow)
	}
	return metricstore.Window{Start: start, End: end}, nil
}

// splitValues accepts both repeated parameters and comma-separated lists.
func splitValues(vs []string) []string {
	var out []string
	for _, v := range vs {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (api *Api) handleStoreError(c *fox.Context, err error) {
	switch model.StoreErrorKindOf(err) {
	case model.StoreTimeout:
		log.Error().Err(err).Msg("bucket query timed out")
		sendErrorResponse(c, http.StatusGatewayTimeout, model.ErrorCodeUnavailable, "metric store timed out", "")
	case model.StoreUnreachable, model.StoreMalformedResponse:
		log.Error().Err(err).Msg("metric store query failed")
		sendErrorResponse(c, http.StatusBadGateway, model.ErrorCodeUnavailable, "metric store query failed", "")
	default:
		log.Error().Err(err).Msg("unexpected error during bucket query")
		sendErrorResponse(c, http.StatusInternalServerError, model.ErrorCodeInternalError, "internal server error", "")
	}
}

func sendErrorResponse(c *fox.Context, statusCode int, code, message, parameter string) {
	c.JSON(statusCode, model.ErrorResponse{
		Error: model.ErrorDetail{Code: code, Message: message, Parameter: parameter},
	})
}
