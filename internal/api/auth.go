package api

import (
	"crypto/subtle"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware guards the admin endpoints with a bearer token read from
// ADMIN_AUTH_TOKEN. With no token configured the admin surface is disabled
// outright; there is no open dev mode for mutating endpoints.
func AuthMiddleware() gin.HandlerFunc {
	token := os.Getenv("ADMIN_AUTH_TOKEN")
	if token == "" {
		log.Println("[API] ADMIN_AUTH_TOKEN not set, admin endpoints disabled")
	}

	return func(c *gin.Context) {
		if token == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "Admin endpoints are disabled"})
			c.Abort()
			return
		}

		auth := c.GetHeader("Authorization")
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Missing or malformed Authorization header",
				"hint":  "Use: Authorization: Bearer <ADMIN_AUTH_TOKEN>",
			})
			c.Abort()
			return
		}

		// Constant-time comparison to prevent timing-based token probing.
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}

		c.Next()
	}
}
