package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CampaignStatus represents the lifecycle of a broadcast campaign
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusRunning   CampaignStatus = "running"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
)

// CampaignCounter names one of the incrementally maintained counters
type CampaignCounter string

const (
	CampaignCounterSent      CampaignCounter = "sent_count"
	CampaignCounterFailed    CampaignCounter = "failed_count"
	CampaignCounterDelivered CampaignCounter = "delivered_count"
	CampaignCounterRead      CampaignCounter = "read_count"
	CampaignCounterClicked   CampaignCounter = "clicked_count"
)

// Campaign is a broadcast whose counters are updated as queue items settle
type Campaign struct {
	ID       uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID     uuid.UUID      `gorm:"type:uuid;uniqueIndex;not null" json:"uuid"`
	TenantID uint           `gorm:"not null;index" json:"tenant_id"`
	Name     string         `gorm:"type:varchar(255);not null" json:"name"`
	Status   CampaignStatus `gorm:"type:varchar(20);not null;default:'draft';index" json:"status"`

	TargetCount    int64 `gorm:"not null;default:0" json:"target_count"`
	SentCount      int64 `gorm:"not null;default:0" json:"sent_count"`
	DeliveredCount int64 `gorm:"not null;default:0" json:"delivered_count"`
	ReadCount      int64 `gorm:"not null;default:0" json:"read_count"`
	FailedCount    int64 `gorm:"not null;default:0" json:"failed_count"`
	ClickedCount   int64 `gorm:"not null;default:0" json:"clicked_count"`

	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`
	CountersRebuiltAt *time.Time `json:"counters_rebuilt_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Campaign) TableName() string {
	return "campaigns"
}

func (c *Campaign) BeforeCreate(tx *gorm.DB) error {
	if c.UUID == uuid.Nil {
		c.UUID = uuid.New()
	}
	return nil
}

func (c *Campaign) IsCancelled() bool {
	return c.Status == CampaignStatusCancelled
}

// Settled returns the number of items that reached a terminal status
func (c *Campaign) Settled() int64 {
	return c.SentCount + c.FailedCount
}

// CampaignCounters is a full counter snapshot, written by the rebuild job
type CampaignCounters struct {
	Sent      int64
	Failed    int64
	Delivered int64
	Read      int64
	Clicked   int64
}

type CampaignFilter struct {
	ID       *uint
	TenantID *uint
	Status   *CampaignStatus
}
