package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"marketplace_chat/pkg/logger"
)

func RequestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		args := []any{
			"client_ip", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		}
		if id, ok := UserID(c); ok {
			args = append(args, "user_id", id)
		}
		log.Info("Request handled", args...)
	}
}
