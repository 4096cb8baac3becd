package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Check is a named dependency probe, e.g. a database ping.
type Check func(ctx context.Context) error

type HealthHandler struct {
	checks   map[string]Check
	realtime func() bool
}

func NewHealthHandler(checks map[string]Check, realtimeConnected func() bool) *HealthHandler {
	return &HealthHandler{
		checks:   checks,
		realtime: realtimeConnected,
	}
}

func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}
	if h.realtime != nil {
		// Realtime loss degrades the service without failing it.
		if h.realtime() {
			deps["realtime"] = "ok"
		} else {
			deps["realtime"] = "reconnecting"
		}
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":       state,
		"service":      "marketplace-chat",
		"dependencies": deps,
	})
}
