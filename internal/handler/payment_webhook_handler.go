package handler

import (
	"io"
	"net/http"

	"premiumpay/internal/service"
	"premiumpay/pkg/payment"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const maxWebhookBody = 256 << 10

type PaymentWebhookHandler struct {
	webhooks *service.WebhookService
	secret   string
	log      zerolog.Logger
}

// NewPaymentWebhookHandler returns the provider webhook endpoint. Signatures
// are enforced only when secret is set.
func NewPaymentWebhookHandler(webhooks *service.WebhookService, secret string, log zerolog.Logger) *PaymentWebhookHandler {
	return &PaymentWebhookHandler{
		webhooks: webhooks,
		secret:   secret,
		log:      log.With().Str("component", "webhook_handler").Logger(),
	}
}

// Handle acknowledges with 200 unless the signature is wrong; the provider
// retries anything else.
func (h *PaymentWebhookHandler) Handle(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		h.log.Warn().Err(err).Str("client_ip", c.ClientIP()).Msg("unreadable webhook body dropped")
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	signed := false
	if h.secret != "" {
		sig := c.GetHeader("X-Notch-Signature")
		if sig == "" {
			sig = c.GetHeader("X-Webhook-Signature")
		}
		if !payment.VerifySignature(body, sig, h.secret) {
			h.log.Warn().Str("client_ip", c.ClientIP()).Msg("webhook signature rejected")
			c.JSON(http.StatusUnauthorized, gin.H{"error": payment.ErrInvalidSignature.Error(), "code": "invalid_signature"})
			return
		}
		signed = true
	}

	res := h.webhooks.Handle(c.Request.Context(), body, signed)
	h.log.Debug().
		Str("outcome", res.Outcome).
		Str("event", res.EventType).
		Str("merchant_reference", res.MerchantReference).
		Msg("webhook handled")
	c.JSON(http.StatusOK, gin.H{"received": true})
}
