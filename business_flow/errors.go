// Package businessflow contains the delivery queue and payment reconciliation use cases
package businessflow

import (
	"errors"
	"fmt"
)

// Business flow error constants
var (
	// Request errors
	ErrTenantRequired = errors.New("tenant id is required")

	// Campaign-related errors
	ErrCampaignNotFound     = errors.New("campaign not found")
	ErrCampaignCancelled    = errors.New("campaign is cancelled")
	ErrCampaignNameRequired = errors.New("campaign name is required")
	ErrNoRecipients         = errors.New("at least one recipient is required")
	ErrTooManyRecipients    = errors.New("too many recipients in one request")
	ErrQueueItemNotFound    = errors.New("queue item not found")
	ErrCounterDrift         = errors.New("campaign counters do not match queue items")

	// Webhook errors
	ErrInvalidSignature      = errors.New("invalid webhook signature")
	ErrAlreadyProcessed      = errors.New("webhook event already processed")
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// Reconciliation guards
	ErrOrderNotFound        = errors.New("order not found")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrAlreadyPaid          = errors.New("order is already paid")
	ErrAmountMismatch       = errors.New("captured amount does not match the payment")
	ErrPaymentStateConflict = errors.New("payment state does not allow this event")

	// Refund errors
	ErrPaymentNotRefundable = errors.New("payment is not in a refundable state")
	ErrRefundAmountInvalid  = errors.New("refund amount is invalid")
	ErrRefundInProgress     = errors.New("another refund for this payment is in progress")

	// Order state machine errors
	ErrInvalidOrderStatus = errors.New("invalid order status")
	ErrOrderCancelled     = errors.New("order is cancelled")
	ErrIllegalTransition  = errors.New("illegal order status transition")
)

type BusinessError struct {
	Code    string
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

func NewBusinessError(code, message string, err error) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func NewBusinessErrorf(code, message string, err error, args ...any) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: fmt.Sprintf(message, args...),
		Err:     err,
	}
}

// ErrorCode returns the code of the outermost BusinessError in err
func ErrorCode(err error) string {
	var be *BusinessError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

func IsCampaignNotFound(err error) bool {
	return errors.Is(err, ErrCampaignNotFound)
}

func IsCampaignCancelled(err error) bool {
	return errors.Is(err, ErrCampaignCancelled)
}

func IsInvalidSignature(err error) bool {
	return errors.Is(err, ErrInvalidSignature)
}

func IsAlreadyProcessed(err error) bool {
	return errors.Is(err, ErrAlreadyProcessed)
}

func IsInvalidWebhookPayload(err error) bool {
	return errors.Is(err, ErrInvalidWebhookPayload)
}

func IsOrderNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound)
}

func IsPaymentNotFound(err error) bool {
	return errors.Is(err, ErrPaymentNotFound)
}

func IsAlreadyPaid(err error) bool {
	return errors.Is(err, ErrAlreadyPaid)
}

func IsOrderCancelled(err error) bool {
	return errors.Is(err, ErrOrderCancelled)
}

func IsIllegalTransition(err error) bool {
	return errors.Is(err, ErrIllegalTransition)
}

func IsInvalidOrderStatus(err error) bool {
	return errors.Is(err, ErrInvalidOrderStatus)
}

func IsPaymentNotRefundable(err error) bool {
	return errors.Is(err, ErrPaymentNotRefundable)
}

func IsRefundAmountInvalid(err error) bool {
	return errors.Is(err, ErrRefundAmountInvalid)
}

func IsRefundInProgress(err error) bool {
	return errors.Is(err, ErrRefundInProgress)
}

func IsQueueItemNotFound(err error) bool {
	return errors.Is(err, ErrQueueItemNotFound)
}

// IsReconciliationGuard reports errors that signal a data-integrity mismatch rather than a transient fault
func IsReconciliationGuard(err error) bool {
	return errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrAlreadyPaid) ||
		errors.Is(err, ErrAmountMismatch) ||
		errors.Is(err, ErrPaymentStateConflict) ||
		errors.Is(err, ErrOrderCancelled) ||
		errors.Is(err, ErrIllegalTransition)
}
