package auth

import (
	"net/http"
	"strings"

	"github.com/KevinKickass/OpenPressCore/internal/types"
	"github.com/gin-gonic/gin"
)

const (
	permissionsKey = "permissions"
	operatorKey    = "operator"
	roleKey        = "role"
)

// Middleware validates bearer tokens.
func (j *JWTHandler) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abort(c, http.StatusUnauthorized, "unauthorized", "missing authorization header")
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			abort(c, http.StatusUnauthorized, "unauthorized", "invalid authorization header format")
			return
		}

		claims, err := j.ValidateToken(parts[1])
		if err != nil {
			abort(c, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}

		c.Set(permissionsKey, RoleToPermissions(claims.Role))
		c.Set(operatorKey, claims.Operator)
		c.Set(roleKey, claims.Role)
		c.Next()
	}
}

// RequirePermission checks if the operator has the required permission
func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		perms, exists := c.Get(permissionsKey)
		if !exists {
			abort(c, http.StatusForbidden, "forbidden", "no permissions found")
			return
		}

		permissions, _ := perms.([]Permission)
		for _, p := range permissions {
			if p == required {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden,
			types.NewErrorResponse("forbidden", "insufficient permissions", gin.H{"required": string(required)}))
	}
}

// Operator returns the operator name of an authenticated request.
func Operator(c *gin.Context) string {
	return c.GetString(operatorKey)
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, types.NewErrorResponse(code, message, nil))
}
