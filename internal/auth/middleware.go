package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const authorizationHeader = "Authorization"
const bearerPrefix = "Bearer "

// tokenQueryParam carries the token on websocket upgrades; browsers cannot
// set headers on them.
const tokenQueryParam = "token"

// RequireAccessToken verifies an access token and injects identity into request context.
// It does not perform RBAC checks; those belong to internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return requireToken(m, false)
}

// RequireAccessTokenOrQuery is RequireAccessToken that also accepts ?token=.
// Use it only on the websocket upgrade route.
func RequireAccessTokenOrQuery(m *Manager) gin.HandlerFunc {
	return requireToken(m, true)
}

func requireToken(m *Manager, allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := bearer(c.GetHeader(authorizationHeader))
		if !ok && allowQuery {
			tok = strings.TrimSpace(c.Query(tokenQueryParam))
			ok = tok != ""
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := m.Verify(tok, TokenTypeAccess, time.Now())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		ctx := WithIdentity(c.Request.Context(), claims.UserID, claims.Username, claims.Role)
		c.Request = c.Request.WithContext(ctx)

		// Also store on gin context for handler convenience.
		c.Set("user_id", claims.UserID)
		c.Set("role", claims.Role)

		c.Next()
	}
}

func bearer(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.HasPrefix(raw, bearerPrefix) {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(raw, bearerPrefix))
	return tok, tok != ""
}
