package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/creatorpay/internal/observability/context"
)

// PrincipalContext tags the request context with the principal in the path
// so request logs carry it.
func PrincipalContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := strings.TrimSpace(c.Param("id")); id != "" {
			c.Request = c.Request.WithContext(obscontext.WithPrincipal(c.Request.Context(), id))
		}
		c.Next()
	}
}
