package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/token-ledger-api/pkg/api"
)

const (
	// ContextKeyAdmin marks a request authorized with an admin key.
	ContextKeyAdmin = "is_admin"
	// ContextKeyAdminID carries the acting admin's identity for attribution.
	ContextKeyAdminID = "admin_id"
)

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

// Auth checks for a valid Bearer token against the configured service keys.
// Admin keys also pass and mark the request as administrative.
func Auth(apiKeys, adminKeys []string) gin.HandlerFunc {
	keys := make(map[string]bool, len(apiKeys))
	for _, k := range apiKeys {
		keys[k] = true
	}
	admins := make(map[string]bool, len(adminKeys))
	for _, k := range adminKeys {
		admins[k] = true
	}

	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, api.ErrorResponse{
				Code: api.CodeUnauthorized, Message: "Missing or malformed Authorization header",
			})
			return
		}

		switch {
		case admins[token]:
			c.Set(ContextKeyAdmin, true)
		case keys[token]:
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, api.ErrorResponse{
				Code: api.CodeUnauthorized, Message: "Invalid API key",
			})
			return
		}

		c.Next()
	}
}

// RequireAdmin gates the administrative surface. The acting admin identifies
// itself with the X-Admin-ID header, recorded on every ledger row it touches.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool(ContextKeyAdmin) {
			c.AbortWithStatusJSON(http.StatusForbidden, api.ErrorResponse{
				Code: api.CodeUnauthorized, Message: "Admin capability required",
			})
			return
		}
		adminID := c.GetHeader("X-Admin-ID")
		if adminID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, api.ErrorResponse{
				Code: api.CodeInvalidInput, Message: "X-Admin-ID header is required for admin actions",
			})
			return
		}
		c.Set(ContextKeyAdminID, adminID)
		c.Next()
	}
}
