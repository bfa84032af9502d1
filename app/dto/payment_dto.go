package dto

import "time"

// GatewayWebhookPayload is the payment gateway's notification envelope
type GatewayWebhookPayload struct {
	ID        string                `json:"id"`
	Event     string                `json:"event"`
	CreatedAt int64                 `json:"created_at"`
	Payload   GatewayWebhookEntries `json:"payload"`
}

type GatewayWebhookEntries struct {
	Payment *GatewayPaymentEntity `json:"payment,omitempty"`
	Refund  *GatewayRefundEntity  `json:"refund,omitempty"`
}

type GatewayPaymentEntity struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	Method           string `json:"method"`
	ErrorCode        string `json:"error_code,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

type GatewayRefundEntity struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

// WebhookAckResponse is returned to the gateway for every accepted delivery
type WebhookAckResponse struct {
	EventID   string `json:"eventId"`
	EventType string `json:"eventType"`
	Status    string `json:"status"`
}

// RefundRequest asks the gateway to return money for a captured payment
type RefundRequest struct {
	TenantID  uint   `json:"-"`
	PaymentID uint   `json:"-"`
	Actor     string `json:"-"`
	Amount    int64  `json:"amount" validate:"omitempty,min=1"`
	Reason    string `json:"reason" validate:"required,max=500"`
}

// RefundResponse reports the refunded payment
type RefundResponse struct {
	PaymentID       uint       `json:"paymentId"`
	Status          string     `json:"status"`
	RefundedAmount  int64      `json:"refundedAmount"`
	RefundReference string     `json:"refundReference"`
	RefundedAt      *time.Time `json:"refundedAt,omitempty"`
}
