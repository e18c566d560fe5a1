package model

import "time"

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusPaid      OrderStatus = "PAID"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// 支払いは成功したが在庫が足りなかった
	OrderStatusFailed OrderStatus = "FAILED"
)

// PENDINGからだけ遷移できる
func (s OrderStatus) IsTerminal() bool {
	return s != OrderStatusPending
}

type Order struct {
	ID             int64       `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID         int64       `gorm:"not null;index;uniqueIndex:idx_orders_user_idempotency" json:"user_id"`
	Status         OrderStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	TotalPrice     int64       `gorm:"not null" json:"total_price"`
	Currency       string      `gorm:"type:varchar(3);not null" json:"currency"`
	IdempotencyKey *string     `gorm:"type:varchar(255);uniqueIndex:idx_orders_user_idempotency" json:"-"`
	PaidAt         *time.Time  `json:"paid_at,omitempty"`
	CreatedAt      time.Time   `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time   `gorm:"not null;autoUpdateTime" json:"updated_at"`
}
