package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zovohq/zovo/pkg/logger"
)

// Logger writes a concise structured access log for each request. Requests
// from authenticated sessions carry the user id; server errors log at a
// higher level so they stand out without a separate error pipeline.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()

		fields := []zap.Field{
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("client_ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
		}
		if v, ok := c.Get(CtxUserIDKey); ok {
			if userID, _ := v.(string); userID != "" {
				fields = append(fields, zap.String("user_id", userID))
			}
		}

		log := logger.WithModule("http")
		if status >= 500 {
			log.Error("request", fields...)
			return
		}
		log.Info("request", fields...)
	}
}
