package models

import (
	"encoding/json"
	"time"
)

type AuditLog struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	TenantID     *uint           `gorm:"index:idx_audit_tenant_id" json:"tenant_id,omitempty"`
	EntityType   string          `gorm:"type:varchar(50);not null;index:idx_audit_entity,priority:1" json:"entity_type"`
	EntityID     *uint           `gorm:"index:idx_audit_entity,priority:2" json:"entity_id,omitempty"`
	Action       string          `gorm:"type:varchar(50);not null;index:idx_audit_action" json:"action"`
	Actor        string          `gorm:"type:varchar(100);not null" json:"actor"`
	Description  *string         `gorm:"type:text" json:"description,omitempty"`
	IPAddress    *string         `gorm:"type:varchar(64)" json:"ip_address,omitempty"`
	RequestID    *string         `gorm:"size:255;index:idx_audit_request_id" json:"request_id,omitempty"`
	Metadata     json.RawMessage `gorm:"type:jsonb" json:"metadata,omitempty"`
	Success      *bool           `gorm:"default:true;index:idx_audit_success" json:"success"`
	ErrorMessage *string         `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time       `gorm:"default:CURRENT_TIMESTAMP;index:idx_audit_created_at" json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_log"
}

const (
	AuditEntityOrder    = "order"
	AuditEntityPayment  = "payment"
	AuditEntityCampaign = "campaign"
	AuditEntityWebhook  = "webhook_event"
)

// Audit action constants
const (
	AuditActionOrderStatusChanged  = "order_status_changed"
	AuditActionPaymentConfirmed    = "payment_confirmed"
	AuditActionPaymentCaptured     = "payment_captured"
	AuditActionPaymentFailed       = "payment_failed"
	AuditActionPaymentRefunded     = "payment_refunded"
	AuditActionRefundFailed        = "refund_failed"
	AuditActionWebhookRejected     = "webhook_rejected"
	AuditActionReconcileFailed     = "reconcile_failed"
	AuditActionCampaignCreated     = "campaign_created"
	AuditActionCampaignSendQueued  = "campaign_send_queued"
	AuditActionCampaignCancelled   = "campaign_cancelled"
	AuditActionCampaignRecountDiff = "campaign_recount_diff"
)

func (a *AuditLog) IsFailed() bool {
	return a.Success != nil && !*a.Success
}
