package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirphl/Mizuchi/models"
	"github.com/amirphl/Mizuchi/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WebhookEventRepositoryImpl struct {
	*BaseRepository[models.WebhookEvent, struct{}]
}

func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &WebhookEventRepositoryImpl{BaseRepository: NewBaseRepository[models.WebhookEvent, struct{}](db)}
}

// Insert relies on the (source, event_id) unique index. A concurrent insert of the same key
// waits for the first transaction and then conflicts, so duplicates are serialized by the index.
func (r *WebhookEventRepositoryImpl) Insert(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	res := r.getDB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source"}, {Name: "event_id"}},
		DoNothing: true,
	}).Create(event)
	if res.Error != nil {
		return false, fmt.Errorf("failed to insert webhook event %s/%s: %w", event.Source, event.EventID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *WebhookEventRepositoryImpl) MarkProcessed(ctx context.Context, id uint) error {
	now := utils.UTCNow()
	err := r.getDB(ctx).Model(&models.WebhookEvent{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(map[string]any{"processed": true, "processed_at": now, "updated_at": now}).Error
	if err != nil {
		return fmt.Errorf("failed to mark webhook event %d processed: %w", id, err)
	}
	return nil
}

func (r *WebhookEventRepositoryImpl) BySourceAndEventID(ctx context.Context, source, eventID string) (*models.WebhookEvent, error) {
	var row models.WebhookEvent
	err := r.getDB(ctx).Where("source = ? AND event_id = ?", source, eventID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}
