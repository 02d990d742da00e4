package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/smallbiznis/bookshelf/internal/entitlement/domain"
)

const headerTrialToken = "X-Trial-Token"

type authorizationQuery struct {
	ItemID         string `form:"item_id"`
	TrialStartedAt string `form:"trial_started_at"`
}

func (s *Server) CheckAuthorization(c *gin.Context) {
	id, ok := currentIdentity(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var query authorizationQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	itemID := strings.TrimSpace(query.ItemID)
	if itemID == "" {
		AbortWithError(c, newValidationError("item_id", "required", "item_id is required"))
		return
	}
	c.Set("item_id", itemID)

	evidence, err := trialEvidence(c, query.TrialStartedAt)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	decision, err := s.engineSvc.CanDownload(c.Request.Context(), entitlementdomain.CanDownloadRequest{
		UserID: id.UserID,
		ItemID: itemID,
		Trial:  evidence,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, decision)
}

func (s *Server) StartTrial(c *gin.Context) {
	id, ok := currentIdentity(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	if s.trialIssuer == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	token, err := s.trialIssuer.Issue(id.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, token)
}

// trialEvidence collects the optional client-asserted start time and the signed token.
func trialEvidence(c *gin.Context, startedAtRaw string) (*entitlementdomain.TrialEvidence, error) {
	startedAt, err := queryTime("trial_started_at", startedAtRaw, false)
	if err != nil {
		return nil, err
	}
	token := strings.TrimSpace(c.GetHeader(headerTrialToken))
	if startedAt == nil && token == "" {
		return nil, nil
	}
	return &entitlementdomain.TrialEvidence{StartedAt: startedAt, Token: token}, nil
}
