// Package api serves the engine's operational HTTP surface.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qiniu/apiguard/internal/alerting/metrics"
	"github.com/qiniu/apiguard/internal/alerting/model"
	"github.com/qiniu/apiguard/internal/alerting/service/baseline"
	"github.com/qiniu/apiguard/internal/alerting/service/dispatcher"
	"github.com/qiniu/apiguard/internal/alerting/service/pipeline"
	"github.com/qiniu/apiguard/internal/alerting/service/sink"
	"github.com/qiniu/apiguard/internal/middleware"
)

// Deps are the read-only views the API exposes. Nil members disable their routes'
// data and answer 503.
type Deps struct {
	Anomalies  sink.Reader
	Tracker    *baseline.Tracker
	Dispatcher *dispatcher.Dispatcher
	Status     func() pipeline.Status
}

type Api struct {
	deps Deps
}

// NewApi registers every route on router. token enables bearer auth on /v1.
func NewApi(router *gin.Engine, deps Deps, token string) *Api {
	api := &Api{deps: deps}
	api.setupRouters(router, token)
	return api
}

func (api *Api) setupRouters(router *gin.Engine, token string) {
	router.GET("/healthz", api.Healthz)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := router.Group("/v1", middleware.Authentication(token))
	v1.GET("/anomalies", api.ListAnomalies)
	v1.GET("/anomalies/:id", api.GetAnomaly)
	v1.GET("/baselines", api.ListBaselines)
	v1.GET("/throttle", api.ListThrottle)
}

func (api *Api) Healthz(c *gin.Context) {
	resp := map[string]any{"status": "ok"}
	if api.deps.Status != nil {
		st := api.deps.Status()
		if !st.LastRun.IsZero() {
			resp["last_cycle"] = st
			if st.Outcome != "ok" {
				resp["status"] = "degraded"
			}
		}
	}
	c.JSON(http.StatusOK, resp)
}

func sendError(c *gin.Context, status int, code, message, parameter string) {
	c.JSON(status, model.ErrorResponse{
		Error: model.ErrorDetail{Code: code, Message: message, Parameter: parameter},
	})
}
