package model

import "time"

type PaymentStatus string

const (
	PaymentStatusCreated PaymentStatus = "CREATED"
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusSuccess PaymentStatus = "SUCCESS"
	PaymentStatusFailed  PaymentStatus = "FAILED"
)

// 1つの注文に対する決済の試行。
// TransactionIDはプロバイダが確定した取引IDで、一度付いたら一意。
type Payment struct {
	ID             int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID        int64         `gorm:"not null;index" json:"order_id"`
	Provider       string        `gorm:"type:varchar(20);not null;uniqueIndex:idx_payments_provider_ref" json:"provider"`
	ProviderRef    string        `gorm:"type:varchar(255);not null;uniqueIndex:idx_payments_provider_ref" json:"provider_ref"`
	TransactionID  *string       `gorm:"type:varchar(255);uniqueIndex" json:"transaction_id,omitempty"`
	Status         PaymentStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	Amount         int64         `gorm:"not null" json:"amount"`
	Currency       string        `gorm:"type:varchar(3);not null" json:"currency"`
	RefundRequired bool          `gorm:"not null;default:false;index" json:"refund_required"`
	//プロバイダの生レスポンス（監査用）
	RawResponse string    `gorm:"type:text" json:"-"`
	CreatedAt   time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}
