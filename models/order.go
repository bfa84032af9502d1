package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OrderStatus values are part of the storage contract
type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "created"
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRefunded  OrderStatus = "refunded"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusCreated, OrderStatusPending, OrderStatusPaid, OrderStatusConfirmed,
		OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// OrderPaymentStatus values are part of the storage contract
type OrderPaymentStatus string

const (
	OrderPaymentStatusUnpaid              OrderPaymentStatus = "unpaid"
	OrderPaymentStatusPendingVerification OrderPaymentStatus = "pending_verification"
	OrderPaymentStatusPaid                OrderPaymentStatus = "paid"
	OrderPaymentStatusFailed              OrderPaymentStatus = "failed"
	OrderPaymentStatusRefunded            OrderPaymentStatus = "refunded"
	OrderPaymentStatusPendingCOD          OrderPaymentStatus = "pending_cod"
)

// Order is a seller's order; its status only changes through the order state machine
type Order struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID        uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"uuid"`
	TenantID    uint      `gorm:"not null;index" json:"tenant_id"`
	OrderNumber string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"order_number"`

	Status           OrderStatus        `gorm:"type:varchar(20);not null;default:'created';index" json:"status"`
	PaymentStatus    OrderPaymentStatus `gorm:"type:varchar(30);not null;default:'unpaid';index" json:"payment_status"`
	PaymentMethod    *string            `gorm:"type:varchar(50)" json:"payment_method,omitempty"`
	PaymentReference *string            `gorm:"type:varchar(255)" json:"payment_reference,omitempty"`

	// Totals in minor units
	Subtotal int64  `gorm:"not null;default:0" json:"subtotal"`
	Tax      int64  `gorm:"not null;default:0" json:"tax"`
	Shipping int64  `gorm:"not null;default:0" json:"shipping"`
	Discount int64  `gorm:"not null;default:0" json:"discount"`
	Total    int64  `gorm:"not null;default:0" json:"total"`
	Currency string `gorm:"type:varchar(3);not null" json:"currency"`

	// Customer snapshot at checkout time
	CustomerName    string  `gorm:"type:varchar(255)" json:"customer_name"`
	CustomerPhone   string  `gorm:"type:varchar(64)" json:"customer_phone"`
	CustomerEmail   *string `gorm:"type:varchar(255)" json:"customer_email,omitempty"`
	CustomerAddress *string `gorm:"type:text" json:"customer_address,omitempty"`

	// PlanCode is set when the order buys a subscription plan
	PlanCode *string `gorm:"type:varchar(50)" json:"plan_code,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Order) TableName() string {
	return "orders"
}

func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.UUID == uuid.Nil {
		o.UUID = uuid.New()
	}
	return nil
}

func (o *Order) IsPlanPurchase() bool {
	return o.PlanCode != nil && *o.PlanCode != ""
}

// OrderTimelineEntry is an append-only history row, one per status transition
type OrderTimelineEntry struct {
	ID        uint        `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID   uint        `gorm:"not null;index" json:"order_id"`
	Status    OrderStatus `gorm:"type:varchar(20);not null" json:"status"`
	Note      string      `gorm:"type:text" json:"note"`
	Actor     string      `gorm:"type:varchar(100);not null" json:"actor"`
	CreatedAt time.Time   `gorm:"not null;default:CURRENT_TIMESTAMP;index" json:"created_at"`
}

func (OrderTimelineEntry) TableName() string {
	return "order_timeline"
}
