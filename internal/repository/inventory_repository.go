package repository

import (
	"context"

	"storefront/internal/domain/model"
)

type InventoryRepository interface {
	SetStock(ctx context.Context, productID int64, newStock int64) error
	//在庫が足りるときだけ減らす（足りないならfalse）
	DecreaseStockIfEnough(ctx context.Context, productID int64, qty int64) (bool, error)
	CreateAdjustment(ctx context.Context, adj model.InventoryAdjustment) error
}
