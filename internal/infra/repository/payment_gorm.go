package repository

import (
	"context"

	"storefront/internal/domain/model"
	repo "storefront/internal/repository"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PaymentGormRepository struct {
	db *gorm.DB
}

func NewPaymentGormRepository(db *gorm.DB) *PaymentGormRepository {
	return &PaymentGormRepository{db: db}
}

func (r *PaymentGormRepository) Create(ctx context.Context, p model.Payment) (model.Payment, error) {
	if err := r.db.WithContext(ctx).Create(&p).Error; err != nil {
		return model.Payment{}, translateError(err)
	}
	return p, nil
}

func (r *PaymentGormRepository) FindByID(ctx context.Context, id int64) (model.Payment, error) {
	var p model.Payment
	if err := r.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return model.Payment{}, translateError(err)
	}
	return p, nil
}

func (r *PaymentGormRepository) FindByIDForUpdate(ctx context.Context, id int64) (model.Payment, error) {
	var p model.Payment
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&p, id).Error
	if err != nil {
		return model.Payment{}, translateError(err)
	}
	return p, nil
}

func (r *PaymentGormRepository) FindByProviderRef(ctx context.Context, provider string, ref string) (model.Payment, error) {
	var p model.Payment
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_ref = ?", provider, ref).
		First(&p).Error
	if err != nil {
		return model.Payment{}, translateError(err)
	}
	return p, nil
}

func (r *PaymentGormRepository) FindByTransactionID(ctx context.Context, transactionID string) (model.Payment, error) {
	var p model.Payment
	if err := r.db.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&p).Error; err != nil {
		return model.Payment{}, translateError(err)
	}
	return p, nil
}

func (r *PaymentGormRepository) HasSuccessForOrder(ctx context.Context, orderID int64) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Payment{}).
		Where("order_id = ? AND status = ?", orderID, model.PaymentStatusSuccess).
		Count(&n).Error
	return n > 0, err
}

func (r *PaymentGormRepository) Save(ctx context.Context, p model.Payment) error {
	res := r.db.WithContext(ctx).Model(&model.Payment{}).Where("id = ?", p.ID).Updates(map[string]interface{}{
		"status":          p.Status,
		"transaction_id":  p.TransactionID,
		"refund_required": p.RefundRequired,
		"raw_response":    p.RawResponse,
	})
	if res.Error != nil {
		return translateError(res.Error)
	}
	if res.RowsAffected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (r *PaymentGormRepository) ListRefundRequired(ctx context.Context, page int, limit int) ([]model.Payment, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.Payment{}).Where("refund_required = ?", true)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return []model.Payment{}, 0, err
	}

	var items []model.Payment
	offset := (page - 1) * limit
	if err := q.Order("id desc").Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return []model.Payment{}, 0, err
	}
	return items, total, nil
}
