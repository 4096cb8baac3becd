package domain

import (
	"time"
)

// RateLimitStatus is a sender's quota state in the current sliding window.
type RateLimitStatus struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	// Token identifies a reservation so a failed write can give its slot back.
	Token string `json:"-"`
}

const (
	RateLimitScopeIP      = "ip"
	RateLimitScopeMessage = "messages"
)
