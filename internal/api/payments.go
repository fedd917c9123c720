package api

import (
	"net/http"

	"commerce-service/internal/apperr"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// paymentWebhook receives Stripe deliveries. Outcomes the service cannot
// apply to an order are acknowledged so Stripe stops retrying them.
func (h *Handler) paymentWebhook(c *gin.Context) {
	if h.svc.Webhook == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Payment webhook not configured"})
		return
	}

	payload, err := c.GetRawData()
	if err != nil {
		badRequest(c, err)
		return
	}

	outcome, ok, err := h.svc.Webhook.Parse(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	if err := h.svc.Payments.HandleOutcome(c.Request.Context(), outcome); err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			h.respondError(c, err)
			return
		}
		h.logger.Warn("Payment webhook rejected",
			zap.String("event_id", outcome.EventID),
			zap.String("order_id", outcome.OrderID),
			zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
