package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TransactionType represents the type of ledger entry
type TransactionType string

const (
	TransactionTypeCapture TransactionType = "capture" // Gateway captured a payment
	TransactionTypeRefund  TransactionType = "refund"  // Money returned to the payer
)

// Transaction is an immutable ledger/receipt row
type Transaction struct {
	ID        uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID      uuid.UUID       `gorm:"type:uuid;uniqueIndex;not null" json:"uuid"`
	TenantID  uint            `gorm:"not null;index" json:"tenant_id"`
	OrderID   uint            `gorm:"not null;index" json:"order_id"`
	PaymentID uint            `gorm:"not null;index" json:"payment_id"`
	Type      TransactionType `gorm:"type:varchar(20);not null;index" json:"type"`
	Amount    int64           `gorm:"not null" json:"amount"`
	Currency  string          `gorm:"type:varchar(3);not null" json:"currency"`
	Reference string          `gorm:"type:varchar(255)" json:"reference"` // gateway payment or refund id
	Metadata  json.RawMessage `gorm:"type:jsonb;default:'{}'" json:"metadata"`
	CreatedAt time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}

func (t *Transaction) BeforeCreate(tx *gorm.DB) error {
	if t.UUID == uuid.Nil {
		t.UUID = uuid.New()
	}
	if len(t.Metadata) == 0 {
		t.Metadata = json.RawMessage(`{}`)
	}
	return nil
}
