package main

import (
	"context"
	"net/http"

	"storefront/internal/usecase"

	"go.uber.org/zap"
)

type seedProduct struct {
	sku      string
	name     string
	price    int64
	stock    int64
	category string
}

var seedCategories = []struct {
	name   string
	parent string
}{
	{name: "Kitchen"},
	{name: "Mugs", parent: "Kitchen"},
	{name: "Apparel"},
	{name: "T-Shirts", parent: "Apparel"},
}

var seedProducts = []seedProduct{
	{sku: "MUG-001", name: "Stoneware Mug", price: 1800, stock: 40, category: "Mugs"},
	{sku: "MUG-002", name: "Enamel Camp Mug", price: 1500, stock: 25, category: "Mugs"},
	{sku: "TEE-001", name: "Logo Tee", price: 2500, stock: 60, category: "T-Shirts"},
}

// 既にあるもの（409）は飛ばす
func (a *app) seed(ctx context.Context, adminID int64) error {
	ids := map[string]int64{}
	existing, err := a.categories.ListCategories(ctx)
	if err != nil {
		return err
	}
	for _, c := range existing {
		ids[c.Name] = c.ID
	}

	for _, sc := range seedCategories {
		if _, ok := ids[sc.name]; ok {
			continue
		}
		in := usecase.CategoryInput{Name: sc.name}
		if sc.parent != "" {
			pid := ids[sc.parent]
			in.ParentID = &pid
		}
		c, err := a.categories.AdminCreateCategory(ctx, adminID, in)
		if err != nil {
			return err
		}
		ids[c.Name] = c.ID
		a.log.Info("seeded category", zap.String("name", c.Name), zap.String("slug", c.Slug))
	}

	for _, sp := range seedProducts {
		cid := ids[sp.category]
		p, err := a.products.AdminCreateProduct(ctx, adminID, usecase.AdminProductInput{
			SKU:        sp.sku,
			Name:       sp.name,
			Price:      sp.price,
			Stock:      sp.stock,
			CategoryID: &cid,
			IsActive:   true,
		})
		if he, ok := usecase.AsHTTPError(err); ok && he.Status == http.StatusConflict {
			continue
		}
		if err != nil {
			return err
		}
		a.log.Info("seeded product", zap.String("sku", p.SKU), zap.Int64("id", p.ID))
	}
	return nil
}
