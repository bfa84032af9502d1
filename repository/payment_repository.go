package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirphl/Mizuchi/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PaymentRepositoryImpl implements PaymentRepository
type PaymentRepositoryImpl struct {
	*BaseRepository[models.Payment, struct{}]
}

func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &PaymentRepositoryImpl{BaseRepository: NewBaseRepository[models.Payment, struct{}](db)}
}

func (r *PaymentRepositoryImpl) lockedBy(ctx context.Context, column, value string) (*models.Payment, error) {
	var row models.Payment
	err := r.getDB(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(column+" = ?", value).
		Order("id DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lock payment by %s: %w", column, err)
	}
	return &row, nil
}

func (r *PaymentRepositoryImpl) ByGatewayOrderRefForUpdate(ctx context.Context, gatewayOrderRef string) (*models.Payment, error) {
	return r.lockedBy(ctx, "gateway_order_ref", gatewayOrderRef)
}

func (r *PaymentRepositoryImpl) ByGatewayPaymentRefForUpdate(ctx context.Context, gatewayPaymentRef string) (*models.Payment, error) {
	return r.lockedBy(ctx, "gateway_payment_ref", gatewayPaymentRef)
}

func (r *PaymentRepositoryImpl) ListByOrder(ctx context.Context, orderID uint) ([]*models.Payment, error) {
	var rows []*models.Payment
	if err := r.getDB(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
