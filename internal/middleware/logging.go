package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"pkt.systems/pslog"
)

// RequestLogger attaches a request-scoped logger to the context and logs
// each completed request.
func RequestLogger(logger pslog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return func(c *gin.Context) {
		start := time.Now()
		reqLogger := logger.With("method", c.Request.Method, "path", c.Request.URL.Path, "client_ip", c.ClientIP())
		c.Request = c.Request.WithContext(pslog.ContextWithLogger(c.Request.Context(), reqLogger))

		c.Next()

		status := c.Writer.Status()
		elapsed := time.Since(start)
		switch {
		case status >= http.StatusInternalServerError:
			reqLogger.Warn("http.request.error", "status", status, "elapsed", elapsed)
		case c.Request.URL.Path == "/metrics" || c.Request.URL.Path == "/health":
			reqLogger.Trace("http.request.complete", "status", status, "elapsed", elapsed)
		default:
			reqLogger.Debug("http.request.complete", "status", status, "elapsed", elapsed)
		}
	}
}

// Recovery turns a panic into a generic 500 without leaking detail.
func Recovery(logger pslog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("http.request.panic", "path", c.Request.URL.Path, "error", fmt.Sprint(r))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"success": false,
					"error":   "internal",
					"message": "internal server error",
				})
			}
		}()
		c.Next()
	}
}
