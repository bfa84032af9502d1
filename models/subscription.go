package models

import (
	"time"
)

type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// Subscription is a tenant's plan; a captured plan purchase creates or extends it
type Subscription struct {
	ID                 uint               `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID           uint               `gorm:"not null;index" json:"tenant_id"`
	PlanCode           string             `gorm:"type:varchar(50);not null" json:"plan_code"`
	OrderID            uint               `gorm:"not null;index" json:"order_id"` // last order that paid for it
	Status             SubscriptionStatus `gorm:"type:varchar(20);not null;default:'active';index" json:"status"`
	CurrentPeriodStart time.Time          `gorm:"not null" json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `gorm:"not null" json:"current_period_end"`
	CreatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

type InvoiceStatus string

const (
	InvoiceStatusIssued   InvoiceStatus = "issued"
	InvoiceStatusPaid     InvoiceStatus = "paid"
	InvoiceStatusRefunded InvoiceStatus = "refunded"
)

// Invoice is issued once per plan-purchase order
type Invoice struct {
	ID            uint          `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID      uint          `gorm:"not null;index" json:"tenant_id"`
	OrderID       uint          `gorm:"not null;uniqueIndex" json:"order_id"`
	InvoiceNumber string        `gorm:"type:varchar(64);not null;uniqueIndex" json:"invoice_number"`
	Amount        int64         `gorm:"not null" json:"amount"`
	Currency      string        `gorm:"type:varchar(3);not null" json:"currency"`
	Status        InvoiceStatus `gorm:"type:varchar(20);not null;default:'issued'" json:"status"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`
	RefundedAt    *time.Time    `json:"refunded_at,omitempty"`
	CreatedAt     time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt     time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Invoice) TableName() string {
	return "invoices"
}
