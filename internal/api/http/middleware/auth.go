package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/EternisAI/silo-warden/internal/auth"
)

const (
	apiKeyHeader = "X-API-Key"

	// ActorKey holds the operator name recorded in audit entries.
	ActorKey = "actor"

	apiKeyActor = "api-key"
)

type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// AdminAuth accepts either the configured API key or a bearer token issued
// to an admin. With neither configured the admin API is closed.
func AdminAuth(apiKey string, tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" && tokens == nil {
			slog.Warn("Admin API is not configured, rejecting request",
				"path", c.Request.URL.Path,
				"client_ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "Admin API is not configured",
			})
			return
		}

		if provided := c.GetHeader(apiKeyHeader); provided != "" {
			if apiKey == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				slog.Warn("Invalid API key attempt",
					"path", c.Request.URL.Path,
					"client_ip", c.ClientIP())
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
				return
			}
			c.Set(ActorKey, apiKeyActor)
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if tokens == nil || !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
			return
		}

		claims, err := tokens.Validate(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if claims.Role != auth.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		c.Set(ActorKey, claims.Username)
		c.Next()
	}
}

// Actor returns the authenticated operator, or "admin" when unknown.
func Actor(c *gin.Context) string {
	if v, ok := c.Get(ActorKey); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return auth.RoleAdmin
}
