package repository

import (
	"context"
	"fmt"

	"github.com/amirphl/Mizuchi/models"
	"github.com/amirphl/Mizuchi/utils"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// CampaignRepositoryImpl implements CampaignRepository
type CampaignRepositoryImpl struct {
	*BaseRepository[models.Campaign, models.CampaignFilter]
}

func NewCampaignRepository(db *gorm.DB) CampaignRepository {
	return &CampaignRepositoryImpl{BaseRepository: NewBaseRepository[models.Campaign, models.CampaignFilter](db)}
}

var allowedCounters = map[models.CampaignCounter]bool{
	models.CampaignCounterSent:      true,
	models.CampaignCounterFailed:    true,
	models.CampaignCounterDelivered: true,
	models.CampaignCounterRead:      true,
	models.CampaignCounterClicked:   true,
}

// IncrementCounter is a single-row atomic add, no read and no table lock
func (r *CampaignRepositoryImpl) IncrementCounter(ctx context.Context, id uint, counter models.CampaignCounter, delta int64) error {
	if !allowedCounters[counter] {
		return fmt.Errorf("unknown campaign counter %q", counter)
	}
	col := string(counter)
	err := r.getDB(ctx).Model(&models.Campaign{}).
		Where("id = ?", id).
		Updates(map[string]any{
			col:          gorm.Expr(col+" + ?", delta),
			"updated_at": utils.UTCNow(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to increment %s for campaign %d: %w", col, id, err)
	}
	return nil
}

func (r *CampaignRepositoryImpl) MarkCompletedIfDrained(ctx context.Context, id uint) (bool, error) {
	now := utils.UTCNow()
	res := r.getDB(ctx).Model(&models.Campaign{}).
		Where("id = ? AND status = ? AND sent_count + failed_count >= target_count", id, models.CampaignStatusRunning).
		Updates(map[string]any{
			"status":       models.CampaignStatusCompleted,
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to complete campaign %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *CampaignRepositoryImpl) SetCounters(ctx context.Context, id uint, c models.CampaignCounters) error {
	now := utils.UTCNow()
	err := r.getDB(ctx).Model(&models.Campaign{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"sent_count":          c.Sent,
			"failed_count":        c.Failed,
			"delivered_count":     c.Delivered,
			"read_count":          c.Read,
			"clicked_count":       c.Clicked,
			"counters_rebuilt_at": now,
			"updated_at":          now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to set counters for campaign %d: %w", id, err)
	}
	return nil
}

// ListActive returns campaigns whose counters may still move
func (r *CampaignRepositoryImpl) ListActive(ctx context.Context, limit int) ([]*models.Campaign, error) {
	statuses := []string{string(models.CampaignStatusRunning), string(models.CampaignStatusCompleted)}
	query := r.getDB(ctx).
		Where("status = ANY(?)", pq.Array(statuses)).
		Order("updated_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []*models.Campaign
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
