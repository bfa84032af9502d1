// Package models contains the persisted entities of the delivery queue and the payment reconciliation pipeline
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// QueueItemStatus is the persisted status of a queue item; dashboards read these values directly
type QueueItemStatus string

const (
	QueueItemStatusPending    QueueItemStatus = "pending"
	QueueItemStatusProcessing QueueItemStatus = "processing"
	QueueItemStatusSent       QueueItemStatus = "sent"
	QueueItemStatusFailed     QueueItemStatus = "failed"
)

// ReceiptType is an asynchronous delivery report kind sent by the messaging provider
type ReceiptType string

const (
	ReceiptTypeDelivered ReceiptType = "delivered"
	ReceiptTypeRead      ReceiptType = "read"
	ReceiptTypeClicked   ReceiptType = "clicked"
)

func (r ReceiptType) Valid() bool {
	switch r {
	case ReceiptTypeDelivered, ReceiptTypeRead, ReceiptTypeClicked:
		return true
	}
	return false
}

// MessageQueueItem is one outbound message for one recipient
type MessageQueueItem struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID       uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"uuid"`
	TenantID   uint      `gorm:"not null;index:idx_mqi_tenant_status,priority:1" json:"tenant_id"`
	CampaignID *uint     `gorm:"index:idx_mqi_campaign_status,priority:1" json:"campaign_id,omitempty"`

	Recipient   string          `gorm:"type:varchar(64);not null" json:"recipient"`
	MessageType string          `gorm:"type:varchar(50);not null" json:"message_type"`
	Payload     json.RawMessage `gorm:"type:jsonb;not null;default:'{}'" json:"payload"`

	Status      QueueItemStatus `gorm:"type:varchar(20);not null;default:'pending';index:idx_mqi_tenant_status,priority:2;index:idx_mqi_campaign_status,priority:2" json:"status"`
	Attempts    int             `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts int             `gorm:"not null;default:3" json:"max_attempts"`

	// Lease held by the worker currently processing the item
	LeaseOwner     *string    `gorm:"type:varchar(100)" json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `gorm:"index" json:"lease_expires_at,omitempty"`
	// LeaseReclaims counts claims taken over from an expired lease
	LeaseReclaims int `gorm:"not null;default:0" json:"lease_reclaims"`

	ProviderMessageID *string `gorm:"type:varchar(255);index" json:"provider_message_id,omitempty"`
	ErrorCode         *string `gorm:"type:varchar(50)" json:"error_code,omitempty"`
	ErrorMessage      *string `gorm:"type:text" json:"error_message,omitempty"`

	// Delivery receipt fields, the only fields that change after the item is terminal
	DeliveryStatus *string    `gorm:"type:varchar(20)" json:"delivery_status,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	ClickedAt      *time.Time `json:"clicked_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (MessageQueueItem) TableName() string {
	return "message_queue_items"
}

func (m *MessageQueueItem) BeforeCreate(tx *gorm.DB) error {
	if m.UUID == uuid.Nil {
		m.UUID = uuid.New()
	}
	if m.MaxAttempts <= 0 {
		m.MaxAttempts = 3
	}
	if len(m.Payload) == 0 {
		m.Payload = json.RawMessage(`{}`)
	}
	return nil
}

// IsTerminal reports whether the item reached sent or failed
func (m *MessageQueueItem) IsTerminal() bool {
	return m.Status == QueueItemStatusSent || m.Status == QueueItemStatusFailed
}

// OutcomeKind is how a delivery attempt ended
type OutcomeKind string

const (
	OutcomeSent      OutcomeKind = "sent"
	OutcomeTransient OutcomeKind = "transient"
	OutcomeRejected  OutcomeKind = "rejected"
	OutcomeConfig    OutcomeKind = "configuration"
	// OutcomeLeaseExhausted dead-letters an item whose workers kept dying; it is not an attempt
	OutcomeLeaseExhausted OutcomeKind = "lease_exhausted"
)

// DeliveryOutcome is the result of one attempt, passed to the queue store and the campaign aggregator
type DeliveryOutcome struct {
	Kind              OutcomeKind
	ProviderMessageID string
	ErrorCode         string
	ErrorMessage      string
}

// MessageQueueItemFilter represents filter criteria for queue item queries
type MessageQueueItemFilter struct {
	ID            *uint
	TenantID      *uint
	CampaignID    *uint
	Status        *QueueItemStatus
	Recipient     *string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// QueueStatusCounts is the aggregate view served by GET /queue/status
type QueueStatusCounts struct {
	Pending    int64
	Processing int64
	Sent       int64
	Failed     int64
	Delivered  int64
	Read       int64
	Clicked    int64
	Total      int64
	FirstSent  *time.Time
	LastSent   *time.Time
}
