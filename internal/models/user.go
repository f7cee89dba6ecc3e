package models

import (
	"time"

	"gorm.io/gorm"
)

// User is the account a payment is attributed to. Only the premium fields are
// written by the payment flow.
type User struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	Email            string         `gorm:"uniqueIndex;size:255;not null" json:"email"`
	DisplayName      string         `gorm:"size:128" json:"display_name"`
	IsPremium        bool           `gorm:"not null;default:false;index" json:"is_premium"`
	PaymentReference string         `gorm:"size:64" json:"payment_reference"`
	LastPaymentDate  *time.Time     `json:"last_payment_date"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

func (User) TableName() string {
	return "users"
}
