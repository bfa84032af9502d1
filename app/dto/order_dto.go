package dto

import "time"

// TransitionOrderRequest moves an order to a new status
type TransitionOrderRequest struct {
	TenantID uint   `json:"-"`
	OrderID  uint   `json:"-"`
	Actor    string `json:"-"`
	Status   string `json:"status" validate:"required,oneof=created pending paid confirmed shipped delivered cancelled refunded"`
	Note     string `json:"note" validate:"max=1000"`
}

// ConfirmPaymentRequest records an out-of-band payment for an order
type ConfirmPaymentRequest struct {
	TenantID  uint   `json:"-"`
	OrderID   uint   `json:"-"`
	Actor     string `json:"-"`
	Method    string `json:"method" validate:"required,max=50"`
	Reference string `json:"reference" validate:"max=255"`
}

// OrderResponse represents an order's lifecycle state
type OrderResponse struct {
	ID               uint      `json:"id"`
	UUID             string    `json:"uuid"`
	OrderNumber      string    `json:"orderNumber"`
	Status           string    `json:"status"`
	PaymentStatus    string    `json:"paymentStatus"`
	PaymentMethod    *string   `json:"paymentMethod,omitempty"`
	PaymentReference *string   `json:"paymentReference,omitempty"`
	Total            int64     `json:"total"`
	Currency         string    `json:"currency"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// TimelineEntryDTO is one recorded status change
type TimelineEntryDTO struct {
	Status    string    `json:"status"`
	Note      string    `json:"note"`
	Actor     string    `json:"actor"`
	CreatedAt time.Time `json:"createdAt"`
}

// OrderTimelineResponse lists an order's status history, oldest first
type OrderTimelineResponse struct {
	OrderID uint               `json:"orderId"`
	Entries []TimelineEntryDTO `json:"entries"`
}
