package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/ctxkeys"
)

// ServiceAuthMiddleware validates service-to-service auth tokens
func ServiceAuthMiddleware(expectedToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "No authorization header"})
			c.Abort()
			return
		}

		// Extract Bearer token
		parts := strings.Split(auth, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header"})
			c.Abort()
			return
		}

		// Validate token
		if err := ValidateServiceToken(parts[1], expectedToken); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuthMiddleware validates JWT tokens for web sessions and service tokens
// for service-to-service calls. WebSocket upgrade requests pass through for
// later authentication by the session handler, which reads the access_token
// query parameter before upgrading.
func JWTAuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsWebSocketUpgrade(c) {
			c.Next()
			return
		}

		token := ExtractToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "No authorization header"})
			c.Abort()
			return
		}

		claims, err := ValidateJWT(token, secret)
		if err == nil {
			c.Set(string(ctxkeys.KeyUserID), claims.UserID)
			c.Set(string(ctxkeys.KeyEmail), claims.Email)
			c.Set(string(ctxkeys.KeyPermissions), claims.Permissions)
			c.Set(string(ctxkeys.KeyAuthType), "jwt")
			c.Set(string(ctxkeys.KeyJWTToken), token)
			c.Next()
			return
		}

		// If JWT validation fails, try service token validation
		serviceToken := GetServiceToken()
		if serviceToken != "" && ValidateServiceToken(token, serviceToken) == nil {
			c.Set(string(ctxkeys.KeyUserID), "00000000-0000-0000-0000-000000000000")
			c.Set(string(ctxkeys.KeyEmail), "service@internal")
			c.Set(string(ctxkeys.KeyPermissions), []string{"VIEW_ALL_VMS", "MANAGE_ALL_VMS", "MANAGE_USERS"})
			c.Set(string(ctxkeys.KeyAuthType), "service")
			c.Next()
			return
		}

		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid JWT token"})
		c.Abort()
	}
}

// RequirePermission rejects requests whose token lacks perm. Must run after
// JWTAuthMiddleware.
func RequirePermission(perm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		perms, _ := c.Get(string(ctxkeys.KeyPermissions))
		if granted, ok := perms.([]string); ok {
			for _, p := range granted {
				if p == perm {
					c.Next()
					return
				}
			}
		}
		c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
		c.Abort()
	}
}

// IsWebSocketUpgrade reports whether the request is a websocket handshake.
func IsWebSocketUpgrade(c *gin.Context) bool {
	return strings.EqualFold(c.GetHeader("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(c.GetHeader("Connection")), "upgrade")
}

// ExtractToken pulls the bearer token from a request. Order of precedence:
// Authorization header, access_token query parameter (websocket clients
// cannot set headers), then the httpOnly session cookie browsers send.
func ExtractToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		parts := strings.Split(auth, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	if token := c.Query("access_token"); token != "" {
		return token
	}
	if cookieToken, err := c.Cookie("access_token"); err == nil && cookieToken != "" {
		return cookieToken
	}
	return ""
}
