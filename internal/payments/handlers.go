package payments

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/claudinethelobster/clawfather/internal/logging"
)

// maxWebhookBody caps the raw payload we will read from Stripe.
const maxWebhookBody = 1 << 20 // 1MB

// Handler exposes the webhook endpoint.
type Handler struct {
	svc *Service
}

// NewHandler creates a new payments handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// HandleWebhook handles POST /api/v1/webhooks/stripe. The raw body is
// required for signature verification; no bearer auth.
func (h *Handler) HandleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "validation_error", "message": "unreadable body"},
		})
		return
	}

	outcome, err := h.svc.HandleWebhook(c.Request.Context(), body, c.GetHeader("Stripe-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, ErrNotConfigured):
			logging.L(c.Request.Context()).Error("stripe webhook rejected: secret not configured")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": gin.H{"code": "internal_error", "message": "webhooks not configured"},
			})
		case errors.Is(err, ErrBadSignature):
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"code": "validation_error", "message": "signature verification failed"},
			})
		case errors.Is(err, ErrMalformedPayload):
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"code": "validation_error", "message": "malformed event payload"},
			})
		default:
			logging.L(c.Request.Context()).Error("stripe webhook failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": gin.H{"code": "internal_error", "message": "webhook processing failed"},
			})
		}
		return
	}

	c.JSON(http.StatusOK, outcome)
}
