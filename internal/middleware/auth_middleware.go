package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tourdesk/reservation-backend/pkg/jwt"
)

// UserContextKey is the key used to store user information in Gin context
const UserContextKey = "user"

// Roles
const (
	RoleBuyer    = "buyer"
	RoleOperator = "operator"
)

// UserContext represents the authenticated user's information
type UserContext struct {
	UserID uuid.UUID `json:"user_id"`
	Email  string    `json:"email,omitempty"`
	Roles  []string  `json:"roles"`
}

// HasRole reports whether the user carries role
func (u UserContext) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthMiddleware creates a middleware that validates JWT tokens
func AuthMiddleware(jwtService *jwt.Service, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		log := logger.WithFields(logrus.Fields{
			"path": c.Request.URL.Path,
			"ip":   c.ClientIP(),
		})

		// Get Authorization header
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			log.Warn("AUTH FAILED: Missing authorization header")
			abortUnauthorized(c, "Authorization header is required", "MISSING_AUTH_HEADER")
			return
		}

		// Check Bearer token format
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			log.Warn("AUTH FAILED: Invalid auth format")
			abortUnauthorized(c, "Invalid authorization header format. Expected: Bearer <token>", "INVALID_AUTH_FORMAT")
			return
		}

		tokenString := strings.TrimSpace(parts[1])
		if tokenString == "" {
			log.Warn("AUTH FAILED: Empty token")
			abortUnauthorized(c, "Token cannot be empty", "INVALID_AUTH_FORMAT")
			return
		}

		// Validate token
		claims, err := jwtService.ValidateAccessToken(tokenString)
		if err != nil {
			if jwtService.IsTokenExpired(tokenString) {
				log.WithError(err).Info("AUTH FAILED: Token expired")
				abortUnauthorized(c, "Access token has expired. Please refresh your token.", "TOKEN_EXPIRED")
			} else {
				log.WithError(err).Warn("AUTH FAILED: Invalid token")
				abortUnauthorized(c, "Invalid access token", "INVALID_TOKEN")
			}
			return
		}

		c.Set(UserContextKey, UserContext{
			UserID: claims.UserID,
			Email:  claims.Email,
			Roles:  claims.Roles,
		})

		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, message, code string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}

// RequireRole creates a middleware that checks if user has required role
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userCtx, exists := GetUserContext(c)
		if !exists {
			abortUnauthorized(c, "User context not found. Auth middleware may not be applied.", "MISSING_USER_CONTEXT")
			return
		}

		for _, role := range roles {
			if userCtx.HasRole(role) {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "FORBIDDEN",
				"message": "You don't have permission to access this resource",
			},
		})
	}
}

// GetUserContext retrieves the user context from Gin context
func GetUserContext(c *gin.Context) (UserContext, bool) {
	value, exists := c.Get(UserContextKey)
	if !exists {
		return UserContext{}, false
	}

	userCtx, ok := value.(UserContext)
	if !ok {
		return UserContext{}, false
	}

	return userCtx, true
}
