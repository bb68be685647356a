package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/codelift/workbench/internal/service"
)

// AuthService interface for middleware
type AuthServiceInterface interface {
	ValidateToken(tokenString string) (*service.Claims, error)
}

var authService AuthServiceInterface

// SetAuthService sets the auth service for the middleware
func SetAuthService(svc AuthServiceInterface) {
	authService = svc
}

// AuthMiddleware validates JWT authentication tokens
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get token from Authorization header
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"status":    "error",
				"message":   "Missing authorization header",
				"errorKind": "NotAuthenticated",
			})
			c.Abort()
			return
		}

		// Extract token (format: "Bearer <token>")
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"status":    "error",
				"message":   "Invalid authorization format. Use: Bearer <token>",
				"errorKind": "NotAuthenticated",
			})
			c.Abort()
			return
		}

		if authService == nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"status":    "error",
				"message":   "Authentication not configured",
				"errorKind": "NotAuthenticated",
			})
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"status":    "error",
				"message":   "Invalid or expired token",
				"errorKind": "NotAuthenticated",
			})
			c.Abort()
			return
		}

		// Set user info in context
		c.Set("user_id", claims.UserID)
		c.Set("email", claims.Email)
		c.Set("is_admin", claims.IsAdmin)

		c.Next()
	}
}

// AdminMiddleware requires an authenticated admin. Must run after
// AuthMiddleware.
func AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			c.JSON(http.StatusForbidden, gin.H{
				"status":    "error",
				"message":   "Admin access required",
				"errorKind": "PermissionDenied",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// GetUserID extracts the authenticated user ID from context, or "".
func GetUserID(c *gin.Context) string {
	userID, exists := c.Get("user_id")
	if !exists {
		return ""
	}
	return userID.(string)
}

// IsAdmin reports whether the authenticated user carries the admin flag.
func IsAdmin(c *gin.Context) bool {
	isAdmin, exists := c.Get("is_admin")
	if !exists {
		return false
	}
	flag, ok := isAdmin.(bool)
	return ok && flag
}
