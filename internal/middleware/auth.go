package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"wa-gateway-lite/internal/auth"
)

const operatorContextKey = "operator"

func OperatorFromContext(c *gin.Context) (string, bool) {
	operator, ok := c.Get(operatorContextKey)
	if !ok {
		return "", false
	}
	value, ok := operator.(string)
	return value, ok && value != ""
}

// RequireAuth checks the bearer token on control routes. With no secret
// configured the routes are open.
func RequireAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.Enabled() {
			c.Next()
			return
		}
		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			unauthorized(c)
			return
		}

		claims, err := auth.VerifyToken(strings.TrimSpace(parts[1]), cfg)
		if err != nil {
			unauthorized(c)
			return
		}

		c.Set(operatorContextKey, claims.Operator)
		c.Next()
	}
}

func unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"error":   "unauthorized",
		"message": "Invalid authentication token",
	})
}
