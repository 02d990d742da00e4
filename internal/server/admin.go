package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/smallbiznis/bookshelf/internal/entitlement/domain"
	"github.com/smallbiznis/bookshelf/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	defaultIssueLimit = 50
	maxListLimit      = 500
)

type listIssuesQuery struct {
	Open  string `form:"open"`
	Limit string `form:"limit"`
}

func (s *Server) GetDownloadAnalytics(c *gin.Context) {
	analytics, err := s.downloadSvc.Analytics(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, analytics)
}

func (s *Server) ListReconciliationIssues(c *gin.Context) {
	var query listIssuesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	openOnly, err := queryBool("open", query.Open, true)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	limit, err := queryLimit(query.Limit, defaultIssueLimit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	issues, err := s.engineSvc.ListIssues(c.Request.Context(), entitlementdomain.IssueFilter{
		OpenOnly: openOnly,
		Limit:    limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": issues})
}

// RunReconciliation runs every reconciler job once, synchronously.
func (s *Server) RunReconciliation(c *gin.Context) {
	if s.reconciler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	ctx := c.Request.Context()
	if err := s.reconciler.RunOnce(ctx); err != nil {
		logger.FromContext(ctx).Warn("manual reconciliation finished with errors", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "completed_with_errors", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) RepairOrderEntitlement(c *gin.Context) {
	orderID, ok := pathOrderID(c)
	if !ok {
		return
	}

	res, err := s.engineSvc.RepairEntitlement(c.Request.Context(), orderID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
