package middlewares

import (
	"net/http"

	"bitbucket.org/mmdatafocus/banksync_backend/config"
	"bitbucket.org/mmdatafocus/banksync_backend/utils"
	"github.com/gin-gonic/gin"
)

// Session is the payload stored in Redis under "Session:<token>" by the
// auth service. This service only reads it.
type Session struct {
	UserId   string `json:"user_id"`
	TenantId string `json:"tenant_id"`
	IsAdmin  bool   `json:"is_admin"`
}

// SessionMiddleware resolves the caller's session from Redis and stamps
// tenant, actor and admin flags onto the request context. Requests without
// a token pass through unauthenticated; handlers that need a tenant reject
// them later.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}

		var session Session
		found, err := config.GetRedisObject("Session:"+token, &session)
		if err != nil || !found {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetTenantIdInContext(ctx, session.TenantId)
		ctx = utils.SetActorIdInContext(ctx, session.UserId)
		ctx = utils.SetIsAdminInContext(ctx, session.IsAdmin)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
