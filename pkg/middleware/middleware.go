// Package middleware holds the gin middleware shared by the HTTP and
// websocket surfaces: JWT authentication and request logging. Rate
// limiting lives in the admission controller, not here, so that HTTP
// and websocket callers share the same buckets.
package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/tradewire/terminal-api/internal/auth"
	"github.com/tradewire/terminal-api/pkg/response"
)

// UserIDKey is the gin context key carrying the authenticated user id.
const UserIDKey = "userID"

// JWTAuth validates the bearer token and stores the user id in the
// request context. Websocket upgrades may carry the token in the
// "token" query parameter instead, since browsers cannot set headers on
// websocket handshakes.
func JWTAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			response.Unauthorized(c, "Authorization required")
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

// UserID returns the authenticated user id set by JWTAuth.
func UserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

// RequestLogger logs one structured line per request.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info().
			Str("component", "http").
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("user_id", c.GetString(UserIDKey)).
			Msg("request handled")
	}
}
