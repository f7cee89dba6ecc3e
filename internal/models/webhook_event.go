package models

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookEvent stores raw provider webhook bodies, deduplicated per provider
// event id (or body hash when the provider sends none).
type WebhookEvent struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	Provider        string         `gorm:"size:20;not null;uniqueIndex:ux_webhook_events_provider_event,priority:1" json:"provider"`
	ProviderEventID string         `gorm:"size:191;not null;uniqueIndex:ux_webhook_events_provider_event,priority:2" json:"provider_event_id"`
	EventType       string         `gorm:"size:100;index" json:"event_type"`
	Payload         datatypes.JSON `json:"payload"`
	SignatureValid  bool           `gorm:"default:false" json:"signature_valid"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
	ProcessingError string         `gorm:"type:text" json:"processing_error"`
	CreatedAt       time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func (WebhookEvent) TableName() string {
	return "webhook_events"
}
