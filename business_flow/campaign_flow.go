package businessflow

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/amirphl/Mizuchi/app/dto"
	"github.com/amirphl/Mizuchi/models"
	"github.com/amirphl/Mizuchi/repository"
	"github.com/amirphl/Mizuchi/utils"
)

// CampaignFlow handles campaign creation, sends and queue reporting
type CampaignFlow interface {
	CreateCampaign(ctx context.Context, req *dto.CreateCampaignRequest, metadata *ClientMetadata) (*dto.CampaignResponse, error)
	SendCampaign(ctx context.Context, req *dto.SendCampaignRequest, metadata *ClientMetadata) (*dto.SendCampaignResponse, error)
	CancelCampaign(ctx context.Context, tenantID, campaignID uint, metadata *ClientMetadata) (*dto.CampaignResponse, error)
	GetQueueStatus(ctx context.Context, req *dto.QueueStatusRequest) (*dto.QueueStatusResponse, error)
	ListFailedItems(ctx context.Context, req *dto.ListFailedItemsRequest) (*dto.ListFailedItemsResponse, error)
}

// CampaignFlowImpl implements CampaignFlow
type CampaignFlowImpl struct {
	campaignRepo repository.CampaignRepository
	queueRepo    repository.MessageQueueRepository
	auditRepo    repository.AuditLogRepository
	tx           repository.Transactor
	maxAttempts  int
}

func NewCampaignFlow(
	campaignRepo repository.CampaignRepository,
	queueRepo repository.MessageQueueRepository,
	auditRepo repository.AuditLogRepository,
	tx repository.Transactor,
	maxAttempts int,
) CampaignFlow {
	if maxAttempts <= 0 {
		maxAttempts = utils.DefaultMaxAttempts
	}
	return &CampaignFlowImpl{
		campaignRepo: campaignRepo,
		queueRepo:    queueRepo,
		auditRepo:    auditRepo,
		tx:           tx,
		maxAttempts:  maxAttempts,
	}
}

func (f *CampaignFlowImpl) CreateCampaign(ctx context.Context, req *dto.CreateCampaignRequest, metadata *ClientMetadata) (*dto.CampaignResponse, error) {
	if req.TenantID == 0 {
		return nil, NewBusinessError("TENANT_REQUIRED", "tenant id is required", ErrTenantRequired)
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, NewBusinessError("CAMPAIGN_NAME_REQUIRED", "campaign name is required", ErrCampaignNameRequired)
	}

	campaign := &models.Campaign{
		TenantID: req.TenantID,
		Name:     name,
		Status:   models.CampaignStatusDraft,
	}
	err := f.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := f.campaignRepo.Save(txCtx, campaign); err != nil {
			return err
		}
		return writeAudit(txCtx, f.auditRepo, auditEntry{
			TenantID:    &campaign.TenantID,
			EntityType:  models.AuditEntityCampaign,
			EntityID:    &campaign.ID,
			Action:      models.AuditActionCampaignCreated,
			Actor:       actorFromMetadata(metadata),
			Description: fmt.Sprintf("campaign %q created", name),
		}, metadata)
	})
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_CREATE_FAILED", "failed to create campaign", err)
	}

	return ToCampaignResponse(campaign), nil
}

// SendCampaign enqueues one pending item per distinct recipient and grows the campaign target
func (f *CampaignFlowImpl) SendCampaign(ctx context.Context, req *dto.SendCampaignRequest, metadata *ClientMetadata) (*dto.SendCampaignResponse, error) {
	if req.TenantID == 0 {
		return nil, NewBusinessError("TENANT_REQUIRED", "tenant id is required", ErrTenantRequired)
	}
	recipients := dedupeRecipients(req.Recipients)
	if len(recipients) == 0 {
		return nil, NewBusinessError("NO_RECIPIENTS", "at least one recipient is required", ErrNoRecipients)
	}
	if len(recipients) > utils.MaxRecipientsPerSend {
		return nil, NewBusinessErrorf("TOO_MANY_RECIPIENTS", "at most %d recipients per request", ErrTooManyRecipients, utils.MaxRecipientsPerSend)
	}

	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	var campaign *models.Campaign
	err := f.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		c, err := f.campaignRepo.ByIDForUpdate(txCtx, req.CampaignID)
		if err != nil {
			return err
		}
		if c == nil || c.TenantID != req.TenantID {
			return NewBusinessErrorf("CAMPAIGN_NOT_FOUND", "campaign %d not found", ErrCampaignNotFound, req.CampaignID)
		}
		if c.IsCancelled() {
			return NewBusinessErrorf("CAMPAIGN_CANCELLED", "campaign %d is cancelled", ErrCampaignCancelled, req.CampaignID)
		}

		items := make([]*models.MessageQueueItem, 0, len(recipients))
		for _, to := range recipients {
			items = append(items, &models.MessageQueueItem{
				TenantID:    c.TenantID,
				CampaignID:  utils.ToPtr(c.ID),
				Recipient:   to,
				MessageType: req.MessageType,
				Payload:     payload,
				MaxAttempts: f.maxAttempts,
			})
		}
		if _, err := f.queueRepo.Enqueue(txCtx, items); err != nil {
			return err
		}

		c.TargetCount += int64(len(items))
		c.Status = models.CampaignStatusRunning
		c.CompletedAt = nil
		if c.StartedAt == nil {
			c.StartedAt = utils.UTCNowPtr()
		}
		if err := f.campaignRepo.Update(txCtx, c); err != nil {
			return err
		}

		campaign = c
		return writeAudit(txCtx, f.auditRepo, auditEntry{
			TenantID:    &c.TenantID,
			EntityType:  models.AuditEntityCampaign,
			EntityID:    &c.ID,
			Action:      models.AuditActionCampaignSendQueued,
			Actor:       actorFromMetadata(metadata),
			Description: fmt.Sprintf("queued %d messages", len(items)),
			Metadata:    map[string]any{"queued": len(items), "messageType": req.MessageType},
		}, metadata)
	})
	if err != nil {
		return nil, err
	}

	return &dto.SendCampaignResponse{
		CampaignID:  campaign.ID,
		Queued:      len(recipients),
		Duplicates:  len(req.Recipients) - len(recipients),
		TargetCount: campaign.TargetCount,
	}, nil
}

// CancelCampaign stops future claims; items already in flight finish normally
func (f *CampaignFlowImpl) CancelCampaign(ctx context.Context, tenantID, campaignID uint, metadata *ClientMetadata) (*dto.CampaignResponse, error) {
	var campaign *models.Campaign
	err := f.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		c, err := f.campaignRepo.ByIDForUpdate(txCtx, campaignID)
		if err != nil {
			return err
		}
		if c == nil || c.TenantID != tenantID {
			return NewBusinessErrorf("CAMPAIGN_NOT_FOUND", "campaign %d not found", ErrCampaignNotFound, campaignID)
		}
		campaign = c
		if c.IsCancelled() {
			return nil
		}

		previous := c.Status
		c.Status = models.CampaignStatusCancelled
		c.CancelledAt = utils.UTCNowPtr()
		if err := f.campaignRepo.Update(txCtx, c); err != nil {
			return err
		}
		return writeAudit(txCtx, f.auditRepo, auditEntry{
			TenantID:    &c.TenantID,
			EntityType:  models.AuditEntityCampaign,
			EntityID:    &c.ID,
			Action:      models.AuditActionCampaignCancelled,
			Actor:       actorFromMetadata(metadata),
			Description: fmt.Sprintf("campaign cancelled from %s", previous),
		}, metadata)
	})
	if err != nil {
		return nil, err
	}
	return ToCampaignResponse(campaign), nil
}

func (f *CampaignFlowImpl) GetQueueStatus(ctx context.Context, req *dto.QueueStatusRequest) (*dto.QueueStatusResponse, error) {
	if req.TenantID == 0 {
		return nil, NewBusinessError("TENANT_REQUIRED", "tenant id is required", ErrTenantRequired)
	}

	var campaign *models.Campaign
	if req.CampaignID != nil {
		c, err := f.campaignRepo.ByID(ctx, *req.CampaignID)
		if err != nil {
			return nil, err
		}
		if c == nil || c.TenantID != req.TenantID {
			return nil, NewBusinessErrorf("CAMPAIGN_NOT_FOUND", "campaign %d not found", ErrCampaignNotFound, *req.CampaignID)
		}
		campaign = c
	}

	counts, err := f.queueRepo.StatusCounts(ctx, req.TenantID, req.CampaignID)
	if err != nil {
		return nil, err
	}

	resp := &dto.QueueStatusResponse{
		CampaignID:  req.CampaignID,
		Pending:     counts.Pending,
		Processing:  counts.Processing,
		Sent:        counts.Sent,
		Failed:      counts.Failed,
		Delivered:   counts.Delivered,
		Read:        counts.Read,
		Clicked:     counts.Clicked,
		Total:       counts.Total,
		AvgSendRate: avgSendRate(counts.Sent, counts.FirstSent, counts.LastSent),
	}
	// receipt counters live on the campaign row
	if campaign != nil {
		resp.Delivered = campaign.DeliveredCount
		resp.Read = campaign.ReadCount
		resp.Clicked = campaign.ClickedCount
	}
	return resp, nil
}

func (f *CampaignFlowImpl) ListFailedItems(ctx context.Context, req *dto.ListFailedItemsRequest) (*dto.ListFailedItemsResponse, error) {
	if req.TenantID == 0 {
		return nil, NewBusinessError("TENANT_REQUIRED", "tenant id is required", ErrTenantRequired)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}

	status := models.QueueItemStatusFailed
	items, err := f.queueRepo.ByFilter(ctx, models.MessageQueueItemFilter{
		TenantID:   &req.TenantID,
		CampaignID: req.CampaignID,
		Status:     &status,
	}, "updated_at DESC", limit, req.Offset)
	if err != nil {
		return nil, err
	}

	resp := &dto.ListFailedItemsResponse{Items: make([]dto.FailedItemDTO, 0, len(items)), Limit: limit, Offset: req.Offset}
	for _, it := range items {
		resp.Items = append(resp.Items, dto.FailedItemDTO{
			ID:           it.ID,
			UUID:         it.UUID.String(),
			CampaignID:   it.CampaignID,
			Recipient:    it.Recipient,
			MessageType:  it.MessageType,
			Attempts:     it.Attempts,
			ErrorCode:    it.ErrorCode,
			ErrorMessage: it.ErrorMessage,
			UpdatedAt:    it.UpdatedAt,
		})
	}
	return resp, nil
}

// ToCampaignResponse converts a campaign model to its API representation
func ToCampaignResponse(c *models.Campaign) *dto.CampaignResponse {
	return &dto.CampaignResponse{
		ID:             c.ID,
		UUID:           c.UUID.String(),
		Name:           c.Name,
		Status:         string(c.Status),
		TargetCount:    c.TargetCount,
		SentCount:      c.SentCount,
		FailedCount:    c.FailedCount,
		DeliveredCount: c.DeliveredCount,
		ReadCount:      c.ReadCount,
		ClickedCount:   c.ClickedCount,
		StartedAt:      c.StartedAt,
		CompletedAt:    c.CompletedAt,
		CancelledAt:    c.CancelledAt,
		CreatedAt:      c.CreatedAt,
	}
}

// dedupeRecipients trims, drops blanks and keeps the first occurrence of each recipient
func dedupeRecipients(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// avgSendRate is messages per minute between the first and last send; windows under a minute count as one
func avgSendRate(sent int64, first, last *time.Time) float64 {
	if sent == 0 || first == nil || last == nil {
		return 0
	}
	minutes := last.Sub(*first).Minutes()
	if minutes < 1 {
		minutes = 1
	}
	return math.Round(float64(sent)/minutes*100) / 100
}

func actorFromMetadata(metadata *ClientMetadata) string {
	if metadata == nil || metadata.Additional == nil {
		return utils.SystemActor
	}
	return actorOrSystem(metadata.Additional["actor"])
}
