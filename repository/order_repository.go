package repository

import (
	"context"

	"github.com/amirphl/Mizuchi/models"
	"gorm.io/gorm"
)

// OrderRepositoryImpl implements OrderRepository
type OrderRepositoryImpl struct {
	*BaseRepository[models.Order, struct{}]
}

func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &OrderRepositoryImpl{BaseRepository: NewBaseRepository[models.Order, struct{}](db)}
}

// OrderTimelineRepositoryImpl implements OrderTimelineRepository
type OrderTimelineRepositoryImpl struct {
	*BaseRepository[models.OrderTimelineEntry, struct{}]
}

func NewOrderTimelineRepository(db *gorm.DB) OrderTimelineRepository {
	return &OrderTimelineRepositoryImpl{BaseRepository: NewBaseRepository[models.OrderTimelineEntry, struct{}](db)}
}

func (r *OrderTimelineRepositoryImpl) ListByOrder(ctx context.Context, orderID uint) ([]*models.OrderTimelineEntry, error) {
	var rows []*models.OrderTimelineEntry
	if err := r.getDB(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
