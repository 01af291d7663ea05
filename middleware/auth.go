package middleware

import (
	"net/http"
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/qrelay/qrelay/common/config"
	"github.com/qrelay/qrelay/common/ctxkey"
)

// sessionAdminKey is the session field holding the logged-in admin
// username.
const sessionAdminKey = "admin_user"

// RelayAuth gates the relay endpoints. With API_KEY unset every caller
// is accepted; otherwise the key must arrive via X-API-Key or a bearer
// Authorization header.
func RelayAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if config.APIKey == "" {
			c.Next()
			return
		}
		key := strings.TrimSpace(c.GetHeader("X-API-Key"))
		if key == "" {
			key = strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer"))
		}
		if key != config.APIKey {
			AbortWithError(c, http.StatusUnauthorized, "authentication_error",
				errors.New("invalid or missing API key"))
			return
		}
		c.Next()
	}
}

// AdminAuth gates the account-management endpoints. Either the
// X-Admin-Key header matches ADMIN_KEY, or the caller holds a signed
// admin session cookie.
func AdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if config.AdminKey != "" &&
			strings.TrimSpace(c.GetHeader("X-Admin-Key")) == config.AdminKey {
			c.Next()
			return
		}

		session := sessions.Default(c)
		if username, ok := session.Get(sessionAdminKey).(string); ok && username != "" {
			c.Set(ctxkey.AdminSession, username)
			c.Next()
			return
		}

		AbortWithError(c, http.StatusUnauthorized, "authentication_error",
			errors.New("admin authentication required"))
	}
}
