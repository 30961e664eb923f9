package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/docustream/backend/internal/auth"
	"github.com/docustream/backend/pkg/response"
)

const (
	// ContextUserID is the key for user ID in gin context.
	ContextUserID = "user_id"
	// ContextUserEmail is the key for user email in gin context.
	ContextUserEmail = "user_email"
	// ContextToken is the key for the raw bearer token, forwarded to collaborators.
	ContextToken = "auth_token"
)

// JWT returns a middleware that validates JWT and sets user claims in context.
// Browsers cannot set headers on a WebSocket handshake, so a token query
// parameter is accepted on upgrade requests.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, msg := bearer(c)
		if token == "" {
			response.Unauthorized(c, msg)
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(token)
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUserEmail, claims.Email)
		c.Set(ContextToken, token)
		c.Next()
	}
}

func bearer(c *gin.Context) (token, msg string) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
			if q := c.Query("token"); q != "" {
				return q, ""
			}
		}
		return "", "missing authorization header"
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", "invalid authorization header"
	}
	return parts[1], ""
}

// UserID returns the authenticated user set by JWT.
func UserID(c *gin.Context) uuid.UUID {
	id, _ := c.Get(ContextUserID)
	u, _ := id.(uuid.UUID)
	return u
}

// Token returns the raw bearer token set by JWT.
func Token(c *gin.Context) string {
	return c.GetString(ContextToken)
}
