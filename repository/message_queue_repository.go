package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/Mizuchi/models"
	"github.com/amirphl/Mizuchi/utils"
	"gorm.io/gorm"
)

// MessageQueueRepositoryImpl implements MessageQueueRepository on Postgres
type MessageQueueRepositoryImpl struct {
	*BaseRepository[models.MessageQueueItem, models.MessageQueueItemFilter]
}

func NewMessageQueueRepository(db *gorm.DB) MessageQueueRepository {
	return &MessageQueueRepositoryImpl{BaseRepository: NewBaseRepository[models.MessageQueueItem, models.MessageQueueItemFilter](db)}
}

func (r *MessageQueueRepositoryImpl) Enqueue(ctx context.Context, items []*models.MessageQueueItem) ([]uint, error) {
	for _, it := range items {
		it.ID = 0
		it.Status = models.QueueItemStatusPending
		it.Attempts = 0
		it.LeaseReclaims = 0
		it.LeaseOwner = nil
		it.LeaseExpiresAt = nil
	}
	if err := r.SaveBatch(ctx, items); err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	return ids, nil
}

func (r *MessageQueueRepositoryImpl) ByProviderMessageID(ctx context.Context, providerMessageID string) (*models.MessageQueueItem, error) {
	var row models.MessageQueueItem
	err := r.getDB(ctx).Where("provider_message_id = ?", providerMessageID).Last(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *MessageQueueRepositoryImpl) applyFilter(db *gorm.DB, f models.MessageQueueItemFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.TenantID != nil {
		db = db.Where("tenant_id = ?", *f.TenantID)
	}
	if f.CampaignID != nil {
		db = db.Where("campaign_id = ?", *f.CampaignID)
	}
	if f.Status != nil {
		db = db.Where("status = ?", *f.Status)
	}
	if f.Recipient != nil {
		db = db.Where("recipient = ?", *f.Recipient)
	}
	if f.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		db = db.Where("created_at < ?", *f.CreatedBefore)
	}
	return db
}

func (r *MessageQueueRepositoryImpl) ByFilter(ctx context.Context, filter models.MessageQueueItemFilter, orderBy string, limit, offset int) ([]*models.MessageQueueItem, error) {
	query := r.applyFilter(r.getDB(ctx).Model(&models.MessageQueueItem{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.MessageQueueItem
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// claimSQL picks claimable rows with SKIP LOCKED so concurrent claimers never see the same row,
// and the outer WHERE repeats the status condition so the update itself stays conditional.
const claimSQL = `
UPDATE message_queue_items AS q
SET status = 'processing', lease_owner = @owner, lease_expires_at = @lease_until, updated_at = @now,
	lease_reclaims = q.lease_reclaims + CASE WHEN q.status = 'processing' THEN 1 ELSE 0 END
WHERE q.id IN (
	SELECT i.id FROM message_queue_items i
	LEFT JOIN campaigns c ON c.id = i.campaign_id
	WHERE (i.status = 'pending' OR (i.status = 'processing' AND i.lease_expires_at < @now))
	  AND (i.campaign_id IS NULL OR c.status <> 'cancelled')
	ORDER BY i.id
	LIMIT @limit
	FOR UPDATE OF i SKIP LOCKED
)
AND (q.status = 'pending' OR (q.status = 'processing' AND q.lease_expires_at < @now))
RETURNING q.*`

func (r *MessageQueueRepositoryImpl) ClaimBatch(ctx context.Context, limit int, workerID string, leaseTTL time.Duration) ([]*models.MessageQueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := utils.UTCNow()
	var rows []*models.MessageQueueItem
	err := r.getDB(ctx).Raw(claimSQL, map[string]any{
		"owner":       workerID,
		"lease_until": now.Add(leaseTTL),
		"now":         now,
		"limit":       limit,
	}).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to claim queue batch: %w", err)
	}
	return rows, nil
}

// completeSQL counts the attempt and settles the item; old column values are visible on the right-hand side
const completeSQL = `
UPDATE message_queue_items SET
	attempts = attempts + CASE WHEN CAST(@kind AS text) = 'lease_exhausted' THEN 0 ELSE 1 END,
	status = CASE
		WHEN CAST(@kind AS text) = 'sent' THEN 'sent'
		WHEN CAST(@kind AS text) = 'transient' AND attempts + 1 < max_attempts THEN 'pending'
		ELSE 'failed'
	END,
	lease_owner = NULL,
	lease_expires_at = NULL,
	provider_message_id = COALESCE(NULLIF(CAST(@provider_id AS text), ''), provider_message_id),
	error_code = NULLIF(CAST(@error_code AS text), ''),
	error_message = NULLIF(CAST(@error_message AS text), ''),
	sent_at = CASE WHEN CAST(@kind AS text) = 'sent' THEN @now ELSE sent_at END,
	updated_at = @now
WHERE id = @id AND status = 'processing' AND lease_owner = @owner
RETURNING *`

func (r *MessageQueueRepositoryImpl) Complete(ctx context.Context, id uint, workerID string, outcome models.DeliveryOutcome) (*models.MessageQueueItem, error) {
	var rows []*models.MessageQueueItem
	err := r.getDB(ctx).Raw(completeSQL, map[string]any{
		"kind":          string(outcome.Kind),
		"provider_id":   outcome.ProviderMessageID,
		"error_code":    outcome.ErrorCode,
		"error_message": utils.Truncate(outcome.ErrorMessage, utils.MaxErrorMessageLength),
		"now":           utils.UTCNow(),
		"id":            id,
		"owner":         workerID,
	}).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to complete queue item %d: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// RenewLease pushes the lease of an item workerID still owns; false means the lease was taken over or settled
func (r *MessageQueueRepositoryImpl) RenewLease(ctx context.Context, id uint, workerID string, leaseTTL time.Duration) (bool, error) {
	now := utils.UTCNow()
	res := r.getDB(ctx).Model(&models.MessageQueueItem{}).
		Where("id = ? AND status = ? AND lease_owner = ?", id, models.QueueItemStatusProcessing, workerID).
		Updates(map[string]any{
			"lease_expires_at": now.Add(leaseTTL),
			"updated_at":       now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to renew lease on queue item %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *MessageQueueRepositoryImpl) MarkReceipt(ctx context.Context, id uint, receipt models.ReceiptType, at time.Time) (bool, error) {
	var column string
	var status any
	switch receipt {
	case models.ReceiptTypeDelivered:
		column = "delivered_at"
		status = gorm.Expr("CASE WHEN delivery_status IN ('read', 'clicked') THEN delivery_status ELSE 'delivered' END")
	case models.ReceiptTypeRead:
		column = "read_at"
		status = gorm.Expr("CASE WHEN delivery_status = 'clicked' THEN delivery_status ELSE 'read' END")
	case models.ReceiptTypeClicked:
		column = "clicked_at"
		status = "clicked"
	default:
		return false, fmt.Errorf("unknown receipt type %q", receipt)
	}

	res := r.getDB(ctx).Model(&models.MessageQueueItem{}).
		Where("id = ? AND status = ?", id, models.QueueItemStatusSent).
		Where(column + " IS NULL").
		Updates(map[string]any{
			column:            at,
			"delivery_status": status,
			"updated_at":      utils.UTCNow(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to record %s receipt for item %d: %w", receipt, id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

type queueStatusRow struct {
	Pending    int64
	Processing int64
	Sent       int64
	Failed     int64
	Delivered  int64
	ReadCount  int64
	Clicked    int64
	Total      int64
	FirstSent  *time.Time
	LastSent   *time.Time
}

func (r *MessageQueueRepositoryImpl) StatusCounts(ctx context.Context, tenantID uint, campaignID *uint) (*models.QueueStatusCounts, error) {
	query := r.getDB(ctx).Model(&models.MessageQueueItem{}).
		Select(`
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'processing') AS processing,
			COUNT(*) FILTER (WHERE status = 'sent') AS sent,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(delivered_at) AS delivered,
			COUNT(read_at) AS read_count,
			COUNT(clicked_at) AS clicked,
			COUNT(*) AS total,
			MIN(sent_at) AS first_sent,
			MAX(sent_at) AS last_sent`).
		Where("tenant_id = ?", tenantID)
	if campaignID != nil {
		query = query.Where("campaign_id = ?", *campaignID)
	}

	var row queueStatusRow
	if err := query.Scan(&row).Error; err != nil {
		return nil, fmt.Errorf("failed to aggregate queue status: %w", err)
	}
	return &models.QueueStatusCounts{
		Pending:    row.Pending,
		Processing: row.Processing,
		Sent:       row.Sent,
		Failed:     row.Failed,
		Delivered:  row.Delivered,
		Read:       row.ReadCount,
		Clicked:    row.Clicked,
		Total:      row.Total,
		FirstSent:  utils.TimeToUTCPtr(row.FirstSent),
		LastSent:   utils.TimeToUTCPtr(row.LastSent),
	}, nil
}

type campaignTallyRow struct {
	Sent      int64
	Failed    int64
	Delivered int64
	ReadCount int64
	Clicked   int64
}

// CampaignTally re-scans a campaign's items; used only by the counter rebuild job
func (r *MessageQueueRepositoryImpl) CampaignTally(ctx context.Context, campaignID uint) (*models.CampaignCounters, error) {
	var row campaignTallyRow
	err := r.getDB(ctx).Model(&models.MessageQueueItem{}).
		Select(`
			COUNT(*) FILTER (WHERE status = 'sent') AS sent,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(delivered_at) AS delivered,
			COUNT(read_at) AS read_count,
			COUNT(clicked_at) AS clicked`).
		Where("campaign_id = ?", campaignID).
		Scan(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to tally campaign %d: %w", campaignID, err)
	}
	return &models.CampaignCounters{
		Sent:      row.Sent,
		Failed:    row.Failed,
		Delivered: row.Delivered,
		Read:      row.ReadCount,
		Clicked:   row.Clicked,
	}, nil
}
