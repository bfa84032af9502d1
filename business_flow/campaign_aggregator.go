package businessflow

import (
	"context"
	"fmt"
	"log"

	"github.com/amirphl/Mizuchi/app/dto"
	"github.com/amirphl/Mizuchi/app/metrics"
	"github.com/amirphl/Mizuchi/models"
	"github.com/amirphl/Mizuchi/repository"
	"github.com/amirphl/Mizuchi/utils"
)

// CampaignAggregator keeps campaign counters in step with queue item outcomes
type CampaignAggregator interface {
	// OnItemOutcome counts one item that reached a terminal status
	OnItemOutcome(ctx context.Context, campaignID uint, outcome models.DeliveryOutcome) error
	OnDeliveryReceipt(ctx context.Context, campaignID uint, receipt models.ReceiptType) error
	// ApplyReceipt records a provider receipt once per item and type
	ApplyReceipt(ctx context.Context, req *dto.DeliveryReceiptRequest) (*dto.DeliveryReceiptResponse, error)
	// RebuildCounters recounts the campaign from its queue items
	RebuildCounters(ctx context.Context, campaignID uint) (*dto.RebuildCountersResponse, error)
	// CheckConsistency returns ErrCounterDrift when sent+failed differs from the terminal item count
	CheckConsistency(ctx context.Context, campaignID uint) error
}

// CampaignAggregatorImpl implements CampaignAggregator
type CampaignAggregatorImpl struct {
	campaignRepo repository.CampaignRepository
	queueRepo    repository.MessageQueueRepository
	auditRepo    repository.AuditLogRepository
	outboxRepo   repository.OutboxEventRepository
	tx           repository.Transactor
}

func NewCampaignAggregator(
	campaignRepo repository.CampaignRepository,
	queueRepo repository.MessageQueueRepository,
	auditRepo repository.AuditLogRepository,
	outboxRepo repository.OutboxEventRepository,
	tx repository.Transactor,
) CampaignAggregator {
	return &CampaignAggregatorImpl{
		campaignRepo: campaignRepo,
		queueRepo:    queueRepo,
		auditRepo:    auditRepo,
		outboxRepo:   outboxRepo,
		tx:           tx,
	}
}

func (a *CampaignAggregatorImpl) OnItemOutcome(ctx context.Context, campaignID uint, outcome models.DeliveryOutcome) error {
	counter := models.CampaignCounterFailed
	if outcome.Kind == models.OutcomeSent {
		counter = models.CampaignCounterSent
	}

	return a.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := a.campaignRepo.IncrementCounter(txCtx, campaignID, counter, 1); err != nil {
			return err
		}
		return a.completeIfDrained(txCtx, campaignID)
	})
}

func (a *CampaignAggregatorImpl) completeIfDrained(ctx context.Context, campaignID uint) error {
	completed, err := a.campaignRepo.MarkCompletedIfDrained(ctx, campaignID)
	if err != nil || !completed {
		return err
	}

	campaign, err := a.campaignRepo.ByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign == nil {
		return nil
	}
	log.Printf("campaign %d completed: sent=%d failed=%d target=%d", campaign.ID, campaign.SentCount, campaign.FailedCount, campaign.TargetCount)
	return writeOutbox(ctx, a.outboxRepo, models.AuditEntityCampaign, campaign.ID, models.EventCampaignCompleted, map[string]any{
		"campaignId": campaign.ID,
		"tenantId":   campaign.TenantID,
		"target":     campaign.TargetCount,
		"sent":       campaign.SentCount,
		"failed":     campaign.FailedCount,
	})
}

func (a *CampaignAggregatorImpl) OnDeliveryReceipt(ctx context.Context, campaignID uint, receipt models.ReceiptType) error {
	var counter models.CampaignCounter
	switch receipt {
	case models.ReceiptTypeDelivered:
		counter = models.CampaignCounterDelivered
	case models.ReceiptTypeRead:
		counter = models.CampaignCounterRead
	case models.ReceiptTypeClicked:
		counter = models.CampaignCounterClicked
	default:
		return fmt.Errorf("unknown receipt type %q", receipt)
	}
	return a.campaignRepo.IncrementCounter(ctx, campaignID, counter, 1)
}

func (a *CampaignAggregatorImpl) ApplyReceipt(ctx context.Context, req *dto.DeliveryReceiptRequest) (*dto.DeliveryReceiptResponse, error) {
	receipt := models.ReceiptType(req.Type)
	if !receipt.Valid() {
		return nil, NewBusinessErrorf("INVALID_RECEIPT", "unknown receipt type %q", ErrInvalidWebhookPayload, req.Type)
	}

	item, err := a.queueRepo.ByProviderMessageID(ctx, req.ProviderMessageID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, NewBusinessErrorf("QUEUE_ITEM_NOT_FOUND", "no queue item for provider message %s", ErrQueueItemNotFound, req.ProviderMessageID)
	}

	at := utils.UTCNow()
	if req.OccurredAt != nil {
		at = req.OccurredAt.UTC()
	}

	applied := false
	err = a.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		ok, err := a.queueRepo.MarkReceipt(txCtx, item.ID, receipt, at)
		if err != nil || !ok {
			return err
		}
		applied = true
		if item.CampaignID == nil {
			return nil
		}
		return a.OnDeliveryReceipt(txCtx, *item.CampaignID, receipt)
	})
	if err != nil {
		return nil, err
	}

	return &dto.DeliveryReceiptResponse{Applied: applied}, nil
}

func (a *CampaignAggregatorImpl) RebuildCounters(ctx context.Context, campaignID uint) (*dto.RebuildCountersResponse, error) {
	resp := &dto.RebuildCountersResponse{CampaignID: campaignID}
	err := a.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		campaign, err := a.campaignRepo.ByIDForUpdate(txCtx, campaignID)
		if err != nil {
			return err
		}
		if campaign == nil {
			return NewBusinessErrorf("CAMPAIGN_NOT_FOUND", "campaign %d not found", ErrCampaignNotFound, campaignID)
		}

		tally, err := a.queueRepo.CampaignTally(txCtx, campaignID)
		if err != nil {
			return err
		}
		resp.Sent, resp.Failed = tally.Sent, tally.Failed
		resp.Delivered, resp.Read, resp.Clicked = tally.Delivered, tally.Read, tally.Clicked

		current := models.CampaignCounters{
			Sent:      campaign.SentCount,
			Failed:    campaign.FailedCount,
			Delivered: campaign.DeliveredCount,
			Read:      campaign.ReadCount,
			Clicked:   campaign.ClickedCount,
		}
		if current == *tally {
			return nil
		}

		resp.Changed = true
		metrics.CounterDrift.Inc()
		log.Printf("campaign %d counters drifted: stored=%+v recounted=%+v", campaignID, current, *tally)

		if err := a.campaignRepo.SetCounters(txCtx, campaignID, *tally); err != nil {
			return err
		}
		if err := writeAudit(txCtx, a.auditRepo, auditEntry{
			TenantID:    &campaign.TenantID,
			EntityType:  models.AuditEntityCampaign,
			EntityID:    &campaign.ID,
			Action:      models.AuditActionCampaignRecountDiff,
			Actor:       utils.SystemActor,
			Description: "campaign counters rebuilt from queue items",
			Metadata:    map[string]any{"stored": current, "recounted": *tally},
		}, nil); err != nil {
			return err
		}
		return a.completeIfDrained(txCtx, campaignID)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (a *CampaignAggregatorImpl) CheckConsistency(ctx context.Context, campaignID uint) error {
	campaign, err := a.campaignRepo.ByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign == nil {
		return NewBusinessErrorf("CAMPAIGN_NOT_FOUND", "campaign %d not found", ErrCampaignNotFound, campaignID)
	}
	tally, err := a.queueRepo.CampaignTally(ctx, campaignID)
	if err != nil {
		return err
	}
	if tally.Sent != campaign.SentCount || tally.Failed != campaign.FailedCount {
		return NewBusinessErrorf("COUNTER_DRIFT", "campaign %d: counters sent=%d failed=%d, items sent=%d failed=%d", ErrCounterDrift,
			campaignID, campaign.SentCount, campaign.FailedCount, tally.Sent, tally.Failed)
	}
	return nil
}
