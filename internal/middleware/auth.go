package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/qiniu/apiguard/internal/alerting/model"
)

// Authentication requires "Authorization: Bearer <token>" when token is set and lets
// every request through otherwise.
func Authentication(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, model.ErrorResponse{
				Error: model.ErrorDetail{Code: model.ErrorCodeUnauthorized, Message: "missing or invalid bearer token"},
			})
			return
		}
		c.Next()
	}
}

// RequestLogger logs one line per request through zerolog instead of gin's writer.
func RequestLogger() gin.HandlerFunc {
	return requestLogger
}
