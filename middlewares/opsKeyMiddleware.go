package middlewares

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ledgerlink/finance_backend/utils"
)

// OpsKeyMiddleware guards /internal routes. Callers present the raw ops key
// in X-Ops-Key; only the bcrypt hash (OPS_KEY_HASH) is configured on the
// server. Requests that pass run with user scoping disabled.
func OpsKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		hash := strings.TrimSpace(os.Getenv("OPS_KEY_HASH"))
		if hash == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ops key is not configured"})
			c.Abort()
			return
		}

		key := strings.TrimSpace(c.GetHeader("X-Ops-Key"))
		if key == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		if err := utils.ComparePassword(hash, key); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetSkipUserScopeInContext(c.Request.Context(), true)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
