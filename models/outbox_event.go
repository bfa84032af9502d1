package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusPublished OutboxStatus = "published"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// Event types relayed to the event bus
const (
	EventOrderStatusChanged = "order.status_changed"
	EventPaymentCaptured    = "payment.captured"
	EventPaymentFailed      = "payment.failed"
	EventPaymentRefunded    = "payment.refunded"
	EventCampaignCompleted  = "campaign.completed"
)

// OutboxEvent is written in the same transaction as the change it announces
type OutboxEvent struct {
	ID            uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID          uuid.UUID       `gorm:"type:uuid;uniqueIndex;not null" json:"uuid"`
	AggregateType string          `gorm:"type:varchar(50);not null" json:"aggregate_type"`
	AggregateID   uint            `gorm:"not null" json:"aggregate_id"`
	EventType     string          `gorm:"type:varchar(100);not null" json:"event_type"`
	Payload       json.RawMessage `gorm:"type:jsonb;not null" json:"payload"`
	Status        OutboxStatus    `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	Attempts      int             `gorm:"not null;default:0" json:"attempts"`
	LastError     *string         `gorm:"type:text" json:"last_error,omitempty"`
	PublishedAt   *time.Time      `json:"published_at,omitempty"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (OutboxEvent) TableName() string {
	return "outbox_events"
}

func (e *OutboxEvent) BeforeCreate(tx *gorm.DB) error {
	if e.UUID == uuid.Nil {
		e.UUID = uuid.New()
	}
	return nil
}

// NewOutboxEvent marshals payload into an event row
func NewOutboxEvent(aggregateType string, aggregateID uint, eventType string, payload any) (*OutboxEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &OutboxEvent{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       body,
		Status:        OutboxStatusPending,
	}, nil
}
