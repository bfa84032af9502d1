package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirphl/Mizuchi/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SubscriptionRepositoryImpl struct {
	*BaseRepository[models.Subscription, struct{}]
}

func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &SubscriptionRepositoryImpl{BaseRepository: NewBaseRepository[models.Subscription, struct{}](db)}
}

func (r *SubscriptionRepositoryImpl) ActiveByTenantForUpdate(ctx context.Context, tenantID uint, planCode string) (*models.Subscription, error) {
	var row models.Subscription
	err := r.getDB(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND plan_code = ? AND status = ?", tenantID, planCode, models.SubscriptionStatusActive).
		Order("id DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lock subscription for tenant %d: %w", tenantID, err)
	}
	return &row, nil
}

type InvoiceRepositoryImpl struct {
	*BaseRepository[models.Invoice, struct{}]
}

func NewInvoiceRepository(db *gorm.DB) InvoiceRepository {
	return &InvoiceRepositoryImpl{BaseRepository: NewBaseRepository[models.Invoice, struct{}](db)}
}

func (r *InvoiceRepositoryImpl) ByOrderID(ctx context.Context, orderID uint) (*models.Invoice, error) {
	var row models.Invoice
	err := r.getDB(ctx).Where("order_id = ?", orderID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// TransactionRepositoryImpl implements TransactionRepository
type TransactionRepositoryImpl struct {
	*BaseRepository[models.Transaction, struct{}]
}

func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &TransactionRepositoryImpl{BaseRepository: NewBaseRepository[models.Transaction, struct{}](db)}
}

func (r *TransactionRepositoryImpl) ListByOrder(ctx context.Context, orderID uint) ([]*models.Transaction, error) {
	var rows []*models.Transaction
	if err := r.getDB(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
