package repository

import (
	"context"

	"github.com/amirphl/Mizuchi/models"
	"gorm.io/gorm"
)

type AuditLogRepositoryImpl struct {
	*BaseRepository[models.AuditLog, struct{}]
}

func NewAuditLogRepository(db *gorm.DB) AuditLogRepository {
	return &AuditLogRepositoryImpl{BaseRepository: NewBaseRepository[models.AuditLog, struct{}](db)}
}

func (r *AuditLogRepositoryImpl) ListByEntity(ctx context.Context, entityType string, entityID uint) ([]*models.AuditLog, error) {
	var rows []*models.AuditLog
	err := r.getDB(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
