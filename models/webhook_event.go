package models

import (
	"encoding/json"
	"time"
)

// WebhookEvent is the admission log for inbound gateway notifications.
// (Source, EventID) is unique; a second insert of the same pair is a no-op.
type WebhookEvent struct {
	ID              uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	Source          string          `gorm:"type:varchar(50);not null;uniqueIndex:uk_webhook_events_source_event,priority:1" json:"source"`
	EventID         string          `gorm:"type:varchar(255);not null;uniqueIndex:uk_webhook_events_source_event,priority:2" json:"event_id"`
	EventType       string          `gorm:"type:varchar(100);not null;index" json:"event_type"`
	Payload         json.RawMessage `gorm:"type:jsonb;not null" json:"payload"`
	SignatureHeader string          `gorm:"type:varchar(255)" json:"-"`
	Processed       bool            `gorm:"not null;default:false;index" json:"processed"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	CreatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (WebhookEvent) TableName() string {
	return "webhook_events"
}
