package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"marketplace_chat/pkg/jwt"
	"marketplace_chat/pkg/logger"
)

const (
	userIDKey          = "user_id"
	userDisplayNameKey = "user_display_name"
	userRoleKey        = "user_role"
)

// AuthMiddleware validates access tokens issued by the marketplace auth service.
type AuthMiddleware struct {
	tokens *jwt.Manager
	log    logger.Logger
}

func NewAuthMiddleware(tokens *jwt.Manager, log logger.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		tokens: tokens,
		log:    log,
	}
}

// RequireAuth accepts a Bearer header, or an access_token query parameter
// for WebSocket upgrades where browsers cannot set headers.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			m.log.Warn("Missing or malformed credentials", "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required", "code": "unauthorized"})
			return
		}

		claims, userID, err := m.tokens.Parse(tokenString)
		if err != nil {
			m.log.Warn("Token validation failed", "error", err.Error())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token", "code": "unauthorized"})
			return
		}

		c.Set(userIDKey, userID)
		c.Set(userDisplayNameKey, claims.DisplayName)
		c.Set(userRoleKey, claims.Role)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if token := c.Query("access_token"); token != "" {
		return token, true
	}
	return "", false
}

// UserID returns the authenticated user set by RequireAuth.
func UserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(userIDKey)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}
