package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/Mizuchi/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OutboxEventRepositoryImpl struct {
	*BaseRepository[models.OutboxEvent, struct{}]
}

func NewOutboxEventRepository(db *gorm.DB) OutboxEventRepository {
	return &OutboxEventRepositoryImpl{BaseRepository: NewBaseRepository[models.OutboxEvent, struct{}](db)}
}

func (r *OutboxEventRepositoryImpl) ClaimPending(ctx context.Context, limit int) ([]*models.OutboxEvent, error) {
	var rows []*models.OutboxEvent
	err := r.getDB(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ?", models.OutboxStatusPending).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}
	return rows, nil
}

func (r *OutboxEventRepositoryImpl) MarkPublished(ctx context.Context, id uint, at time.Time) error {
	return r.getDB(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       models.OutboxStatusPublished,
			"published_at": at,
			"attempts":     gorm.Expr("attempts + 1"),
			"last_error":   nil,
		}).Error
}

// MarkAttemptFailed keeps the row pending until maxAttempts, then parks it as failed
func (r *OutboxEventRepositoryImpl) MarkAttemptFailed(ctx context.Context, id uint, errMsg string, maxAttempts int) error {
	return r.getDB(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": errMsg,
			"status": gorm.Expr("CASE WHEN attempts + 1 >= ? THEN ? ELSE status END",
				maxAttempts, models.OutboxStatusFailed),
		}).Error
}
