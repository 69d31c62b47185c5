package refunds

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
	"github.com/angelmondragon/cardkey-backend/pkg/enums"
)

// Repository persists refund requests.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, req *models.RefundRequest) error
	FindByIDForUpdate(ctx context.Context, id uint64) (*models.RefundRequest, error)
	HasOpen(ctx context.Context, orderID string) (bool, error)
	Review(ctx context.Context, id uint64, fields map[string]any) (bool, error)
	ListForOrder(ctx context.Context, orderID string) ([]models.RefundRequest, error)
	ListByStatus(ctx context.Context, status enums.RefundRequestStatus, limit int) ([]models.RefundRequest, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, req *models.RefundRequest) error {
	return r.db.WithContext(ctx).Create(req).Error
}

func (r *repository) FindByIDForUpdate(ctx context.Context, id uint64) (*models.RefundRequest, error) {
	var req models.RefundRequest
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *repository) HasOpen(ctx context.Context, orderID string) (bool, error) {
	statuses := make([]string, 0, len(enums.OpenRefundRequestStatuses))
	for _, s := range enums.OpenRefundRequestStatuses {
		statuses = append(statuses, string(s))
	}
	var count int64
	err := r.db.WithContext(ctx).Model(&models.RefundRequest{}).
		Where("order_id = ? AND status IN ?", orderID, statuses).
		Count(&count).Error
	return count > 0, err
}

// Review moves a pending request; false means it was no longer pending.
func (r *repository) Review(ctx context.Context, id uint64, fields map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.RefundRequest{}).
		Where("id = ? AND status = ?", id, enums.RefundRequestPending).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) ListForOrder(ctx context.Context, orderID string) ([]models.RefundRequest, error) {
	var rows []models.RefundRequest
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at DESC").Order("id DESC").
		Find(&rows).Error
	return rows, err
}

func (r *repository) ListByStatus(ctx context.Context, status enums.RefundRequestStatus, limit int) ([]models.RefundRequest, error) {
	var rows []models.RefundRequest
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
