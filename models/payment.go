package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PaymentStatus moves forward only: created -> captured -> refunded, or created -> failed
type PaymentStatus string

const (
	PaymentStatusCreated  PaymentStatus = "created"
	PaymentStatusCaptured PaymentStatus = "captured"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// Payment is one gateway payment attempt for an order
type Payment struct {
	ID       uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID     uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"uuid"`
	TenantID uint      `gorm:"not null;index" json:"tenant_id"`
	OrderID  uint      `gorm:"not null;index" json:"order_id"`

	GatewayOrderRef   string  `gorm:"type:varchar(255);not null;index" json:"gateway_order_ref"`
	GatewayPaymentRef *string `gorm:"type:varchar(255);index" json:"gateway_payment_ref,omitempty"`

	Amount   int64  `gorm:"not null" json:"amount"` // minor units
	Currency string `gorm:"type:varchar(3);not null" json:"currency"`

	Status        PaymentStatus `gorm:"type:varchar(20);not null;default:'created';index" json:"status"`
	Method        *string       `gorm:"type:varchar(50)" json:"method,omitempty"`
	Signature     *string       `gorm:"type:varchar(255)" json:"-"`
	FailureReason *string       `gorm:"type:text" json:"failure_reason,omitempty"`

	RefundedAmount  int64   `gorm:"not null;default:0" json:"refunded_amount"`
	RefundReference *string `gorm:"type:varchar(255)" json:"refund_reference,omitempty"`
	RefundReason    *string `gorm:"type:text" json:"refund_reason,omitempty"`

	CapturedAt *time.Time `json:"captured_at,omitempty"`
	FailedAt   *time.Time `json:"failed_at,omitempty"`
	RefundedAt *time.Time `json:"refunded_at,omitempty"`

	Metadata  json.RawMessage `gorm:"type:jsonb;default:'{}'" json:"metadata"`
	CreatedAt time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}

func (p *Payment) BeforeCreate(tx *gorm.DB) error {
	if p.UUID == uuid.Nil {
		p.UUID = uuid.New()
	}
	if len(p.Metadata) == 0 {
		p.Metadata = json.RawMessage(`{}`)
	}
	return nil
}

func (p *Payment) IsCaptured() bool {
	return p.Status == PaymentStatusCaptured
}

// IsFinal returns true once the payment can no longer change through webhooks
func (p *Payment) IsFinal() bool {
	return p.Status == PaymentStatusFailed || p.Status == PaymentStatusRefunded
}

// RefundableAmount is what is still available to refund
func (p *Payment) RefundableAmount() int64 {
	if p.Status != PaymentStatusCaptured {
		return 0
	}
	return p.Amount - p.RefundedAmount
}
