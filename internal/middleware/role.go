package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/schoolportally/live-backend/pkg/response"
)

// RequireRole gates a route to the given portal roles. It runs after JWT, so
// a missing role in the context means the chain is miswired, not a bad token.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		roleVal, ok := c.Get(ContextUserRole)
		if !ok {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		role, _ := roleVal.(string)
		if _, ok := allowed[role]; !ok {
			response.Forbidden(c, "role not permitted for this operation")
			c.Abort()
			return
		}
		c.Next()
	}
}
