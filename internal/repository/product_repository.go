package repository

import (
	"context"
	"errors"

	"storefront/internal/domain/model"
)

var (
	ErrNotFound = errors.New("not found")
	//一意制約違反（冪等キー、取引IDなど）
	ErrDuplicate = errors.New("duplicate")
)

// 一覧検索
type ProductListQuery struct {
	Page       int
	Limit      int
	Q          string
	MinPrice   *int64
	MaxPrice   *int64
	CategoryID *int64
	Sort       string
}

type ProductRepository interface {
	ListPublic(ctx context.Context, q ProductListQuery) ([]model.Product, int64, error)
	FindByID(ctx context.Context, id int64) (model.Product, error)
	//行ロック付き（トランザクション内で使う）
	FindByIDForUpdate(ctx context.Context, id int64) (model.Product, error)
	ExistsBySKU(ctx context.Context, sku string, excludeID int64) (bool, error)
	CountByCategoryID(ctx context.Context, categoryID int64) (int64, error)

	Create(ctx context.Context, p model.Product) (model.Product, error)
	Update(ctx context.Context, p model.Product) error
	SoftDelete(ctx context.Context, id int64) error
}
