package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()

	status := c.Writer.Status()
	var ev *zerolog.Event
	switch {
	case status >= 500:
		ev = log.Error()
	case status >= 400:
		ev = log.Warn()
	default:
		ev = log.Debug()
	}
	ev.Str("method", c.Request.Method).
		Str("path", c.FullPath()).
		Int("status", status).
		Dur("took", time.Since(start)).
		Str("client_ip", c.ClientIP()).
		Msg("http request")
}
