package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	obslogger "github.com/smallbiznis/creatorpay/internal/observability/logger"
	"github.com/smallbiznis/creatorpay/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/creatorpay/internal/payment/domain"
)

// maxWebhookBody bounds the payload read from the gateway.
const maxWebhookBody = 1 << 20

// HandlePaymentWebhook acknowledges every event the gateway should not
// redeliver with 200. Rejected deliveries get 400 and transient failures 500
// so the gateway retries them.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ack, err := s.webhookSvc.Receive(c.Request.Context(), payload, c.GetHeader(stripe.SignatureHeader))
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(webhookStatus(err), gin.H{
			"status": "rejected",
			"reason": webhookReason(err),
		})
		return
	}

	c.Set(obslogger.KeyWebhookEventID, ack.EventID)
	c.Set(obslogger.KeyWebhookStatus, string(ack.Status))
	c.JSON(http.StatusOK, ack)
}

func webhookStatus(err error) int {
	switch {
	case errors.Is(err, paymentdomain.ErrInvalidSignature),
		errors.Is(err, paymentdomain.ErrStaleEvent),
		errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, paymentdomain.ErrInvalidEvent):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// webhookReason names a rejection without exposing the underlying error.
func webhookReason(err error) string {
	for _, code := range []error{
		paymentdomain.ErrInvalidSignature,
		paymentdomain.ErrStaleEvent,
		paymentdomain.ErrInvalidPayload,
		paymentdomain.ErrInvalidEvent,
	} {
		if errors.Is(err, code) {
			return code.Error()
		}
	}
	return paymentdomain.ErrTransient.Error()
}
