package businessflow

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/amirphl/Mizuchi/app/dto"
	"github.com/amirphl/Mizuchi/models"
	"github.com/amirphl/Mizuchi/repository"
	"github.com/amirphl/Mizuchi/utils"
)

type GatewayEventType string

const (
	GatewayEventPaymentCaptured GatewayEventType = "payment.captured"
	GatewayEventPaymentFailed   GatewayEventType = "payment.failed"
	GatewayEventRefundProcessed GatewayEventType = "refund.processed"
)

// PaymentEntity is the payment part of a gateway notification
type PaymentEntity struct {
	GatewayPaymentRef string
	GatewayOrderRef   string
	Amount            int64
	Currency          string
	Status            string
	Method            string
	ErrorCode         string
	ErrorDescription  string
}

// RefundEntity is the refund part of a gateway notification
type RefundEntity struct {
	RefundID          string
	GatewayPaymentRef string
	Amount            int64
	Currency          string
}

// GatewayEvent is a decoded gateway notification; Payment is set for payment.* and Refund for refund.*
type GatewayEvent struct {
	ID        string
	Type      GatewayEventType
	CreatedAt time.Time
	Payment   *PaymentEntity
	Refund    *RefundEntity
}

// Known reports whether the event type is one the reconciler acts on
func (e *GatewayEvent) Known() bool {
	switch e.Type {
	case GatewayEventPaymentCaptured, GatewayEventPaymentFailed, GatewayEventRefundProcessed:
		return true
	}
	return false
}

type AdmissionStatus string

const (
	AdmissionAdmitted         AdmissionStatus = "admitted"
	AdmissionAlreadyProcessed AdmissionStatus = "already_processed"
)

type AdmissionResult struct {
	Status AdmissionStatus
	Event  *GatewayEvent
	Record *models.WebhookEvent
}

// WebhookIngestor authenticates and de-duplicates inbound gateway notifications
type WebhookIngestor interface {
	// Admit verifies, parses and records one delivery; ctx should carry the caller's transaction
	Admit(ctx context.Context, raw []byte, signatureHeader, eventIDHeader, secret string) (*AdmissionResult, error)
}

// WebhookIngestorImpl implements WebhookIngestor
type WebhookIngestorImpl struct {
	webhookRepo repository.WebhookEventRepository
	source      string
}

func NewWebhookIngestor(webhookRepo repository.WebhookEventRepository) WebhookIngestor {
	return &WebhookIngestorImpl{
		webhookRepo: webhookRepo,
		source:      utils.PaymentWebhookSource,
	}
}

func (w *WebhookIngestorImpl) Admit(ctx context.Context, raw []byte, signatureHeader, eventIDHeader, secret string) (*AdmissionResult, error) {
	if len(raw) == 0 {
		return nil, NewBusinessError("WEBHOOK_INVALID", "empty webhook body", ErrInvalidWebhookPayload)
	}
	if !VerifySignature(raw, signatureHeader, secret) {
		return nil, NewBusinessError("WEBHOOK_FORBIDDEN", "webhook signature mismatch", ErrInvalidSignature)
	}

	event, err := ParseGatewayEvent(raw)
	if err != nil {
		return nil, err
	}
	event.ID = resolveEventID(event.ID, eventIDHeader, raw)

	record := &models.WebhookEvent{
		Source:          w.source,
		EventID:         event.ID,
		EventType:       string(event.Type),
		Payload:         json.RawMessage(raw),
		SignatureHeader: utils.Truncate(signatureHeader, 255),
	}
	inserted, err := w.webhookRepo.Insert(ctx, record)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return &AdmissionResult{Status: AdmissionAlreadyProcessed, Event: event}, nil
	}

	return &AdmissionResult{Status: AdmissionAdmitted, Event: event, Record: record}, nil
}

// VerifySignature checks a hex HMAC-SHA256 of raw under secret; an optional "sha256=" prefix is accepted
func VerifySignature(raw []byte, header, secret string) bool {
	header = strings.TrimSpace(header)
	header = strings.TrimPrefix(header, "sha256=")
	if header == "" || secret == "" {
		return false
	}
	got, err := hex.DecodeString(strings.ToLower(header))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	return hmac.Equal(got, mac.Sum(nil))
}

// SignPayload returns the hex HMAC-SHA256 of raw under secret
func SignPayload(raw []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}

// resolveEventID prefers the body id, then the header, then a digest of the body
func resolveEventID(bodyID, headerID string, raw []byte) string {
	if id := strings.TrimSpace(bodyID); id != "" {
		return id
	}
	if id := strings.TrimSpace(headerID); id != "" {
		return id
	}
	sum := sha256.Sum256(raw)
	return utils.SynthesizedEventIDPrefix + hex.EncodeToString(sum[:])
}

// ParseGatewayEvent decodes the gateway envelope into a GatewayEvent.
// Unknown event types decode without entities and are left for the caller to ignore.
func ParseGatewayEvent(raw []byte) (*GatewayEvent, error) {
	var payload dto.GatewayWebhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, NewBusinessError("WEBHOOK_INVALID", "invalid webhook JSON", ErrInvalidWebhookPayload)
	}

	event := &GatewayEvent{
		ID:   payload.ID,
		Type: GatewayEventType(strings.ToLower(strings.TrimSpace(payload.Event))),
	}
	if event.Type == "" {
		return nil, NewBusinessError("WEBHOOK_INVALID", "missing event type", ErrInvalidWebhookPayload)
	}
	if payload.CreatedAt > 0 {
		event.CreatedAt = time.Unix(payload.CreatedAt, 0).UTC()
	}

	switch event.Type {
	case GatewayEventPaymentCaptured, GatewayEventPaymentFailed:
		p := payload.Payload.Payment
		if p == nil || strings.TrimSpace(p.OrderID) == "" {
			return nil, NewBusinessErrorf("WEBHOOK_INVALID", "%s without payment order id", ErrInvalidWebhookPayload, event.Type)
		}
		event.Payment = &PaymentEntity{
			GatewayPaymentRef: strings.TrimSpace(p.ID),
			GatewayOrderRef:   strings.TrimSpace(p.OrderID),
			Amount:            p.Amount,
			Currency:          strings.ToUpper(strings.TrimSpace(p.Currency)),
			Status:            strings.ToLower(p.Status),
			Method:            p.Method,
			ErrorCode:         p.ErrorCode,
			ErrorDescription:  p.ErrorDescription,
		}
	case GatewayEventRefundProcessed:
		r := payload.Payload.Refund
		if r == nil || strings.TrimSpace(r.PaymentID) == "" {
			return nil, NewBusinessError("WEBHOOK_INVALID", "refund.processed without payment id", ErrInvalidWebhookPayload)
		}
		event.Refund = &RefundEntity{
			RefundID:          strings.TrimSpace(r.ID),
			GatewayPaymentRef: strings.TrimSpace(r.PaymentID),
			Amount:            r.Amount,
			Currency:          strings.ToUpper(strings.TrimSpace(r.Currency)),
		}
	}

	return event, nil
}
