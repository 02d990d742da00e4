package server

import (
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/bookshelf/internal/authorization"
)

func (s *Server) authorizeAction(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := currentIdentity(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if s.authzSvc == nil {
			AbortWithError(c, ErrForbidden)
			return
		}
		err := s.authzSvc.Authorize(c.Request.Context(), authorization.Actor{UserID: id.UserID, Role: id.Role}, object, action)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// canViewAnyOrder lets support staff read orders that belong to other users.
func (s *Server) canViewAnyOrder(c *gin.Context) bool {
	id, ok := currentIdentity(c)
	if !ok || s.authzSvc == nil {
		return false
	}
	err := s.authzSvc.Authorize(c.Request.Context(), authorization.Actor{UserID: id.UserID, Role: id.Role}, authorization.ObjectOrder, authorization.ActionOrderViewAny)
	return err == nil
}
