package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/bookshelf/internal/payment/domain"
)

// Provider payloads are a few KB; anything near this size is not a payment notification.
const maxWebhookBodyBytes = 1 << 20

// HandlePaymentWebhook acknowledges a delivery with 200 once it is applied or known to be
// a replay. Any other status makes the provider redeliver.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes)
	payload, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			AbortWithError(c, newValidationError("payload", "payload_too_large", "webhook body exceeds 1 MiB"))
			return
		}
		AbortWithError(c, invalidRequestError())
		return
	}

	err = s.webhookSvc.IngestWebhook(c.Request.Context(), c.Param("provider"), payload, c.Request.Header)
	if err != nil && !errors.Is(err, paymentdomain.ErrEventAlreadyProcessed) {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
