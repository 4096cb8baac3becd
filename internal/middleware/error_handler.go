package middleware

import (
	"errors"

	"github.com/gin-gonic/gin"
	apperrors "marketplace_chat/pkg/errors"
	"marketplace_chat/pkg/logger"
)

// ErrorHandler renders the last error a handler attached with c.Error.
// Internal failures are logged and hidden from the client.
func ErrorHandler(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		status := apperrors.HTTPStatusFromError(err)
		body := gin.H{
			"error": err.Error(),
			"code":  apperrors.Code(err),
		}

		var rl *apperrors.RateLimitError
		if errors.As(err, &rl) {
			body["limit"] = rl.Limit
			body["remaining"] = rl.Remaining
			body["reset_at"] = rl.ResetAt
		}
		var verr *apperrors.ValidationError
		if errors.As(err, &verr) && verr.Field != "" {
			body["field"] = verr.Field
		}

		if status >= 500 {
			log.Error("Request failed", "error", err, "method", c.Request.Method, "path", c.FullPath())
			body["error"] = "Internal server error"
		}

		c.JSON(status, body)
	}
}
