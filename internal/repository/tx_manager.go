package repository

import "context"

// トランザクション内で使うrepo一式
type TxRepos interface {
	Orders() OrderRepository
	OrderItems() OrderItemRepository
	Inventory() InventoryRepository
	Products() ProductRepository
	Payments() PaymentRepository
	AuditLogs() AuditLogRepository
}

// fnがエラーを返したらロールバック、nilならコミット
type TransactionManager interface {
	WithinTx(ctx context.Context, fn func(r TxRepos) error) error
}
