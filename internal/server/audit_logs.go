package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/bookshelf/internal/audit/domain"
	"github.com/smallbiznis/bookshelf/pkg/db/pagination"
)

type listAuditLogsQuery struct {
	PageToken  string `form:"page_token"`
	PageSize   int    `form:"page_size"`
	Action     string `form:"action"`
	TargetType string `form:"target_type"`
	TargetID   string `form:"target_id"`
	ActorType  string `form:"actor_type"`
	From       string `form:"from"`
	To         string `form:"to"`
}

// ListAuditLogs pages through purchase, download and authorization events.
// from/to accept RFC3339 or a plain date; a plain "to" date covers the whole day.
func (s *Server) ListAuditLogs(c *gin.Context) {
	var query listAuditLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	startAt, err := queryTime("from", query.From, false)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	endAt, err := queryTime("to", query.To, true)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if startAt != nil && endAt != nil && endAt.Before(*startAt) {
		AbortWithError(c, auditdomain.ErrInvalidTimeRange)
		return
	}

	resp, err := s.auditSvc.List(c.Request.Context(), auditdomain.ListRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		Action:     strings.TrimSpace(query.Action),
		TargetType: strings.TrimSpace(query.TargetType),
		TargetID:   strings.TrimSpace(query.TargetID),
		ActorType:  strings.TrimSpace(query.ActorType),
		StartAt:    startAt,
		EndAt:      endAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.AuditLogs, "page_info": resp.PageInfo})
}
