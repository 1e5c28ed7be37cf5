package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/streamspace/collab-core/internal/logger"
)

// StructuredLoggerConfig controls which paths get logged.
type StructuredLoggerConfig struct {
	SkipHealthCheck bool
}

// DefaultStructuredLoggerConfig skips the health/ready probes by default —
// a load balancer polling every few seconds would otherwise drown out
// everything else.
func DefaultStructuredLoggerConfig() StructuredLoggerConfig {
	return StructuredLoggerConfig{SkipHealthCheck: true}
}

// StructuredLogger logs every request as one zerolog event carrying the
// request ID, method, path, status, and duration.
func StructuredLogger(config StructuredLoggerConfig) gin.HandlerFunc {
	skip := map[string]bool{}
	if config.SkipHealthCheck {
		skip["/healthz"] = true
		skip["/readyz"] = true
	}

	log := logger.HTTP()

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if skip[path] {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)
		status := c.Writer.Status()

		event := log.Info()
		if status >= 500 {
			event = log.Error()
		} else if status >= 400 {
			event = log.Warn()
		}

		event.
			Str("request_id", GetRequestID(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", duration).
			Str("client_ip", c.ClientIP()).
			Msg("request handled")
	}
}
