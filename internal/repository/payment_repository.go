package repository

import (
	"context"

	"storefront/internal/domain/model"
)

type PaymentRepository interface {
	Create(ctx context.Context, p model.Payment) (model.Payment, error)
	FindByID(ctx context.Context, id int64) (model.Payment, error)
	FindByIDForUpdate(ctx context.Context, id int64) (model.Payment, error)
	FindByProviderRef(ctx context.Context, provider string, ref string) (model.Payment, error)
	FindByTransactionID(ctx context.Context, transactionID string) (model.Payment, error)
	//注文に成功済みの決済があるか
	HasSuccessForOrder(ctx context.Context, orderID int64) (bool, error)
	//status / transaction_id / refund_required / raw_response を保存する
	Save(ctx context.Context, p model.Payment) error
	ListRefundRequired(ctx context.Context, page int, limit int) ([]model.Payment, int64, error)
}
