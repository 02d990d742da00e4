package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/smallbiznis/bookshelf/internal/entitlement/domain"
	"github.com/smallbiznis/bookshelf/internal/observability/logger"
	"go.uber.org/zap"
)

type trackDownloadRequest struct {
	ItemID         string `json:"item_id"`
	TrialStartedAt string `json:"trial_started_at"`
}

type trackDownloadResponse struct {
	FileURL        string                   `json:"file_url"`
	FileName       string                   `json:"file_name"`
	Reason         entitlementdomain.Reason `json:"reason"`
	TotalDownloads int64                    `json:"total_downloads"`
}

// TrackDownload authorizes the caller for the item, records the download and hands back
// the file location.
func (s *Server) TrackDownload(c *gin.Context) {
	id, ok := currentIdentity(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req trackDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	itemID := strings.TrimSpace(req.ItemID)
	if itemID == "" {
		AbortWithError(c, newValidationError("item_id", "required", "item_id is required"))
		return
	}
	c.Set("item_id", itemID)

	evidence, err := trialEvidence(c, req.TrialStartedAt)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	decision, err := s.engineSvc.CanDownload(ctx, entitlementdomain.CanDownloadRequest{
		UserID: id.UserID,
		ItemID: itemID,
		Trial:  evidence,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !decision.Authorized {
		AbortWithError(c, ErrForbidden)
		return
	}

	item, err := s.catalogSvc.GetItem(ctx, itemID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.downloadSvc.RecordDownload(ctx, id.UserID, itemID)
	s.obsMetrics.RecordDownload(ctx, string(decision.Reason))

	total, err := s.downloadSvc.TotalForItem(ctx, itemID)
	if err != nil {
		// The count is informational; the download itself already succeeded.
		logger.FromContext(ctx).Warn("download total unavailable", zap.String("item_id", itemID), zap.Error(err))
	}

	c.JSON(http.StatusOK, trackDownloadResponse{
		FileURL:        item.FileURL,
		FileName:       s.catalogSvc.DownloadName(item),
		Reason:         decision.Reason,
		TotalDownloads: total,
	})
}

func (s *Server) ListLibrary(c *gin.Context) {
	id, ok := currentIdentity(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	entries, err := s.engineSvc.ListLibrary(c.Request.Context(), id.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entries})
}
