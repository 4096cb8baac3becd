package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"marketplace_chat/internal/service"
	"marketplace_chat/pkg/logger"
)

type RateLimitMiddleware struct {
	rateLimitService service.RateLimitService
	limit            int
	window           time.Duration
	log              logger.Logger
}

func NewRateLimitMiddleware(rateLimitService service.RateLimitService, requestsPerMinute int, log logger.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		rateLimitService: rateLimitService,
		limit:            requestsPerMinute,
		window:           time.Minute,
		log:              log,
	}
}

// Limit throttles the REST surface per client IP. It fails open when the
// limiter store errors.
func (m *RateLimitMiddleware) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.limit <= 0 {
			c.Next()
			return
		}

		status, err := m.rateLimitService.ReserveRequest(c.Request.Context(), c.ClientIP(), m.limit, m.window)
		if err != nil {
			m.log.Error("Rate limit check failed", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(status.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(status.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(status.ResetAt.Unix(), 10))

		if !status.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":    "Rate limit exceeded",
				"code":     "rate_limited",
				"reset_at": status.ResetAt,
			})
			return
		}
		c.Next()
	}
}
