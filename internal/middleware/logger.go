package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Logger logs one line per API request. Most routes are keyed by session, so
// the session id path param is included when present. The websocket endpoint
// is skipped: its hijacked conns would report connection lifetime as latency.
func Logger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/ws" {
			c.Next()
			return
		}
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		fields := []zap.Field{
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("method", method),
			zap.String("path", path),
			zap.String("client_ip", c.ClientIP()),
		}
		if sessionID := c.Param("id"); sessionID != "" && strings.HasPrefix(path, "/sessions/") {
			fields = append(fields, zap.String("session_id", sessionID))
		}
		logger.Info("request", fields...)
	}
}
