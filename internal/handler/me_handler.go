package handler

import (
	"errors"
	"net/http"

	"premiumpay/internal/middleware"
	"premiumpay/internal/repository"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type MeHandler struct {
	userRepo *repository.UserRepository
}

func NewMeHandler(userRepo *repository.UserRepository) *MeHandler {
	return &MeHandler{userRepo: userRepo}
}

// GetProfile returns the caller's account including premium state.
func (h *MeHandler) GetProfile(c *gin.Context) {
	u, err := h.userRepo.GetByID(c.Request.Context(), middleware.GetUserID(c))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found", "code": "not_found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed", "code": "store_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":                u.ID,
		"email":             u.Email,
		"display_name":      u.DisplayName,
		"is_premium":        u.IsPremium,
		"payment_reference": u.PaymentReference,
		"last_payment_date": u.LastPaymentDate,
	})
}
