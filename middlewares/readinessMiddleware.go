package middlewares

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

// ReadinessMiddleware rejects traffic until startup wiring (database, redis,
// locks) is complete. /healthz always answers so the platform can probe the
// process before the backends are up.
func ReadinessMiddleware(ready *atomic.Bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if !ready.Load() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	}
}
