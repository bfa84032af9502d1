package businessflow

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/amirphl/Mizuchi/models"
	"github.com/amirphl/Mizuchi/repository"
	"github.com/amirphl/Mizuchi/utils"
)

// ClientMetadata holds request information recorded on audit entries
type ClientMetadata struct {
	IPAddress  string            `json:"ip_address"`
	UserAgent  string            `json:"user_agent"`
	RequestID  string            `json:"request_id,omitempty"`
	Additional map[string]string `json:"additional,omitempty"`
}

// NewClientMetadata creates a new ClientMetadata instance with basic information
func NewClientMetadata(ipAddress, userAgent string) *ClientMetadata {
	return &ClientMetadata{
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
		Additional: make(map[string]string),
	}
}

// AddAdditional adds additional custom information to the metadata
func (cm *ClientMetadata) AddAdditional(key, value string) {
	if cm.Additional == nil {
		cm.Additional = make(map[string]string)
	}
	cm.Additional[key] = value
}

// SetRequestID sets the request ID
func (cm *ClientMetadata) SetRequestID(requestID string) {
	cm.RequestID = requestID
}

func actorOrSystem(actor string) string {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return utils.SystemActor
	}
	return actor
}

// auditEntry describes one audit row; Err marks it as a failure
type auditEntry struct {
	TenantID    *uint
	EntityType  string
	EntityID    *uint
	Action      string
	Actor       string
	Description string
	Metadata    any
	Err         error
}

// writeAudit saves an audit row, joining the transaction carried by ctx when there is one
func writeAudit(ctx context.Context, repo repository.AuditLogRepository, e auditEntry, meta *ClientMetadata) error {
	audit := &models.AuditLog{
		TenantID:    e.TenantID,
		EntityType:  e.EntityType,
		EntityID:    e.EntityID,
		Action:      e.Action,
		Actor:       actorOrSystem(e.Actor),
		Description: utils.ToPtr(e.Description),
		Success:     utils.ToPtr(e.Err == nil),
	}
	if e.Err != nil {
		audit.ErrorMessage = utils.ToPtr(utils.Truncate(e.Err.Error(), utils.MaxErrorMessageLength))
	}
	if e.Metadata != nil {
		if body, err := json.Marshal(e.Metadata); err == nil {
			audit.Metadata = body
		}
	}
	if meta != nil {
		if meta.IPAddress != "" {
			audit.IPAddress = utils.ToPtr(meta.IPAddress)
		}
		if meta.RequestID != "" {
			audit.RequestID = utils.ToPtr(meta.RequestID)
		}
	}

	// Extract request ID from context if available
	if audit.RequestID == nil {
		if requestID, ok := ctx.Value(utils.RequestIDKey).(string); ok && requestID != "" {
			audit.RequestID = &requestID
		}
	}

	return repo.Save(ctx, audit)
}

// writeOutbox records a domain event in the transaction carried by ctx
func writeOutbox(ctx context.Context, repo repository.OutboxEventRepository, aggregateType string, aggregateID uint, eventType string, payload any) error {
	event, err := models.NewOutboxEvent(aggregateType, aggregateID, eventType, payload)
	if err != nil {
		return err
	}
	return repo.Save(ctx, event)
}
