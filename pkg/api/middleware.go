package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/choiros/choird/pkg/models"
)

// bearerAuth enforces the configured token on every request. An empty
// configured token disables auth entirely (local single-user mode).
func (s *Server) bearerAuth() gin.HandlerFunc {
	token := s.cfg.AuthToken
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		presented, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{Error: "invalid or missing bearer token"})
			return
		}
		c.Next()
	}
}
