package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"premiumpay/internal/middleware"
	"premiumpay/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type PaymentHandler struct {
	payments   *service.PaymentService
	reconciler *service.Reconciler
	log        zerolog.Logger
}

func NewPaymentHandler(payments *service.PaymentService, reconciler *service.Reconciler, log zerolog.Logger) *PaymentHandler {
	return &PaymentHandler{
		payments:   payments,
		reconciler: reconciler,
		log:        log.With().Str("component", "payment_handler").Logger(),
	}
}

// Initialize creates a pending transaction for the caller and returns the
// provider checkout URL.
func (h *PaymentHandler) Initialize(c *gin.Context) {
	userID := middleware.GetUserID(c)
	var req struct {
		Amount      decimal.Decimal `json:"amount"`
		Description string          `json:"description" binding:"max=255"`
		Email       string          `json:"email" binding:"omitempty,email"`
		Name        string          `json:"name" binding:"max=128"`
		Phone       string          `json:"phone" binding:"max=32"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "code": "invalid_request"})
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		email = middleware.GetEmail(c)
	}

	res, err := h.payments.Initialize(c.Request.Context(), service.InitializeRequest{
		OwnerID:     userID,
		Amount:      req.Amount,
		Description: req.Description,
		Email:       email,
		Name:        req.Name,
		Phone:       req.Phone,
	})
	switch {
	case errors.Is(err, service.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_amount"})
		return
	case errors.Is(err, service.ErrProviderUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment provider unavailable", "code": "provider_unavailable"})
		return
	case err != nil:
		h.log.Error().Err(err).Uint("user_id", userID).Msg("initialize payment")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create transaction", "code": "store_error"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// Verify reports whether the caller's transaction is paid. Unknown references
// and other owners' references both report not_found.
func (h *PaymentHandler) Verify(c *gin.Context) {
	ref := strings.TrimSpace(c.Param("reference"))
	if ref == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reference required", "code": "missing_reference"})
		return
	}
	res, err := h.reconciler.Verify(c.Request.Context(), ref, middleware.GetUserID(c))
	if err != nil {
		h.log.Error().Err(err).Str("merchant_reference", ref).Msg("verify payment")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed", "code": "store_error"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *PaymentHandler) ListMine(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	list, err := h.payments.ListForOwner(c.Request.Context(), middleware.GetUserID(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed", "code": "store_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": list})
}
