package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/bookshelf/internal/identity"
	obscontext "github.com/smallbiznis/bookshelf/internal/observability/context"
	"github.com/smallbiznis/bookshelf/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	contextUserIDKey = "user_id"
	contextRoleKey   = "role"
)

// BearerAuth verifies the identity token and stores the caller on both the gin and the
// request context.
func (s *Server) BearerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("Authorization"))
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		id, err := s.identity.Verify(raw)
		if err != nil {
			logger.FromContext(c.Request.Context()).Debug("bearer token rejected", zap.Error(err))
			AbortWithError(c, err)
			return
		}

		c.Set(contextUserIDKey, id.UserID)
		c.Set(contextRoleKey, id.Role)
		c.Request = c.Request.WithContext(obscontext.WithUser(c.Request.Context(), id.UserID, id.Role))
		c.Next()
	}
}

func currentIdentity(c *gin.Context) (identity.Identity, bool) {
	userID := strings.TrimSpace(c.GetString(contextUserIDKey))
	if userID == "" {
		return identity.Identity{}, false
	}
	return identity.Identity{UserID: userID, Role: c.GetString(contextRoleKey)}, true
}
