package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"premiumpay/internal/domain"
)

// Transaction is one payment attempt. Amount is stored in major currency units.
// OwnerID has no foreign key: webhooks may create rows for owners we cannot
// resolve, and those rows must still be stored.
type Transaction struct {
	ID                uint                     `gorm:"primaryKey" json:"id"`
	MerchantReference string                   `gorm:"size:64;not null;uniqueIndex" json:"merchant_reference"`
	ProviderReference *string                  `gorm:"size:128;uniqueIndex" json:"provider_reference"`
	OwnerID           *uint                    `gorm:"index" json:"owner_id"`
	Amount            decimal.Decimal          `gorm:"type:decimal(20,4);not null" json:"amount"`
	Currency          string                   `gorm:"size:3;not null" json:"currency"`
	Description       string                   `gorm:"size:255" json:"description"`
	Status            domain.TransactionStatus `gorm:"size:20;not null;index" json:"status"`
	Metadata          datatypes.JSONMap        `json:"metadata"`
	CompletedAt       *time.Time               `json:"completed_at"`
	CreatedAt         time.Time                `json:"created_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}

// Attributed reports whether the transaction belongs to a known owner.
func (t *Transaction) Attributed() bool {
	return t.OwnerID != nil && *t.OwnerID != 0
}

// FromWebhook reports whether the row was first recorded from a provider
// webhook rather than created by its owner.
func (t *Transaction) FromWebhook() bool {
	origin, _ := t.Metadata["origin"].(string)
	return origin == domain.SourceWebhook
}

// ProviderRef returns the provider reference or "" when not yet assigned.
func (t *Transaction) ProviderRef() string {
	if t.ProviderReference == nil {
		return ""
	}
	return *t.ProviderReference
}
