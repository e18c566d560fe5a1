package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"storefront/internal/domain/model"
	"storefront/internal/logger"
	"storefront/internal/metrics"
	repo "storefront/internal/repository"

	"go.uber.org/zap"
)

const maxOrderLines = 100

// 冪等キーの一意制約で負けた（並行リクエスト）
var errIdempotencyRace = errors.New("idempotency key race")

// 注文台帳。在庫を減らすのは支払い確定時だけ。
type OrderUsecase struct {
	tx       repo.TransactionManager
	currency string
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewOrderUsecase(tx repo.TransactionManager, currency string, m *metrics.Metrics) *OrderUsecase {
	return &OrderUsecase{
		tx:       tx,
		currency: strings.ToLower(currency),
		metrics:  m,
		now:      time.Now,
	}
}

type OrderLineInput struct {
	ProductID int64 `json:"product_id"`
	Quantity  int64 `json:"quantity"`
}

type CreateOrderInput struct {
	Lines          []OrderLineInput
	IdempotencyKey string
}

type OrderItemOutput struct {
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	Quantity  int64  `json:"quantity"`
	Subtotal  int64  `json:"subtotal"`
}

type OrderOutput struct {
	ID         int64             `json:"id"`
	UserID     int64             `json:"user_id"`
	Status     string            `json:"status"`
	TotalPrice int64             `json:"total_price"`
	Currency   string            `json:"currency"`
	CreatedAt  time.Time         `json:"created_at"`
	PaidAt     *time.Time        `json:"paid_at,omitempty"`
	Items      []OrderItemOutput `json:"items"`
}

// 在庫は確認するだけで減らさない。価格はここでスナップショットする。
func (u *OrderUsecase) CreateOrder(ctx context.Context, userID int64, in CreateOrderInput) (OrderOutput, error) {
	if userID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	lines, err := normalizeLines(in.Lines)
	if err != nil {
		return OrderOutput{}, err
	}
	key := strings.TrimSpace(in.IdempotencyKey)
	if len(key) > 255 {
		return OrderOutput{}, NewHTTPError(http.StatusBadRequest, "invalid idempotency key")
	}

	var out OrderOutput
	var replay bool

	err = u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		if key != "" {
			existing, found, err := r.Orders().FindByIdempotencyKey(ctx, userID, key)
			if err != nil {
				return dbError(err)
			}
			if found {
				items, err := r.OrderItems().ListByOrderID(ctx, existing.ID)
				if err != nil {
					return dbError(err)
				}
				out = toOrderOutput(existing, items)
				replay = true
				return nil
			}
		}

		items := make([]model.OrderItem, 0, len(lines))
		var total int64
		for _, l := range lines {
			p, err := r.Products().FindByID(ctx, l.ProductID)
			if errors.Is(err, repo.ErrNotFound) || (err == nil && !p.IsActive) {
				return notFound(fmt.Sprintf("product %d not found", l.ProductID))
			}
			if err != nil {
				return dbError(err)
			}
			if p.Stock < l.Quantity {
				return newDomainError(http.StatusConflict, ErrInsufficientStock,
					fmt.Sprintf("insufficient stock for product %d", p.ID))
			}

			subtotal, err := model.LineSubtotal(p.Price, l.Quantity)
			if err != nil {
				return NewHTTPError(http.StatusBadRequest, "order amount too large")
			}
			if total, err = model.AddAmount(total, subtotal); err != nil {
				return NewHTTPError(http.StatusBadRequest, "order amount too large")
			}

			items = append(items, model.OrderItem{
				ProductID:           p.ID,
				ProductNameSnapshot: p.Name,
				UnitPriceSnapshot:   p.Price,
				Quantity:            l.Quantity,
				Subtotal:            subtotal,
			})
		}

		now := u.now()
		order := model.Order{
			UserID:     userID,
			Status:     model.OrderStatusPending,
			TotalPrice: total,
			Currency:   u.currency,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if key != "" {
			order.IdempotencyKey = &key
		}

		orderID, err := r.Orders().Create(ctx, order)
		if err != nil {
			if errors.Is(err, repo.ErrDuplicate) && key != "" {
				return errIdempotencyRace
			}
			return dbError(err)
		}
		if err := r.OrderItems().CreateBulk(ctx, orderID, items); err != nil {
			return dbError(err)
		}

		order.ID = orderID
		out = toOrderOutput(order, items)
		return nil
	})
	if errors.Is(err, errIdempotencyRace) {
		//先に作られた注文を返す（失敗したtxの外で読み直す）
		return u.findByIdempotencyKey(ctx, userID, key)
	}
	if err != nil {
		return OrderOutput{}, err
	}

	if !replay {
		u.metrics.OrderCreated()
		logger.FromContext(ctx).Info("order created",
			zap.Int64("order_id", out.ID),
			zap.Int64("user_id", userID),
			zap.String("total", model.FormatAmount(out.TotalPrice)),
			zap.String("currency", out.Currency),
		)
	}
	return out, nil
}

func (u *OrderUsecase) findByIdempotencyKey(ctx context.Context, userID int64, key string) (OrderOutput, error) {
	var out OrderOutput
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, found, err := r.Orders().FindByIdempotencyKey(ctx, userID, key)
		if err != nil {
			return dbError(err)
		}
		if !found {
			return dbError(fmt.Errorf("order for idempotency key %q vanished", key))
		}
		items, err := r.OrderItems().ListByOrderID(ctx, o.ID)
		if err != nil {
			return dbError(err)
		}
		out = toOrderOutput(o, items)
		return nil
	})
	return out, err
}

// PENDINGの自分の注文だけキャンセルできる
func (u *OrderUsecase) CancelOrder(ctx context.Context, userID int64, orderID int64) (OrderOutput, error) {
	if userID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if orderID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var out OrderOutput
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByIDForUpdate(ctx, orderID)
		if errors.Is(err, repo.ErrNotFound) {
			return notFound("order not found")
		}
		if err != nil {
			return dbError(err)
		}
		if o.UserID != userID {
			return invalidState("order does not belong to user")
		}
		if o.Status != model.OrderStatusPending {
			return invalidState(fmt.Sprintf("order is %s", o.Status))
		}

		if err := r.Orders().UpdateStatus(ctx, o.ID, model.OrderStatusCancelled); err != nil {
			return dbError(err)
		}
		if err := writeOrderAudit(ctx, r, userID, o.ID, o.Status, model.OrderStatusCancelled, u.now()); err != nil {
			return err
		}

		items, err := r.OrderItems().ListByOrderID(ctx, o.ID)
		if err != nil {
			return dbError(err)
		}
		o.Status = model.OrderStatusCancelled
		out = toOrderOutput(o, items)
		return nil
	})
	if err != nil {
		return OrderOutput{}, err
	}

	logger.FromContext(ctx).Info("order cancelled", zap.Int64("order_id", orderID), zap.Int64("user_id", userID))
	return out, nil
}

// 決済照合のトランザクションの中からだけ呼ぶ。
// 注文行をロックし、商品行をid昇順でロックしてから全行を確認する。
// 1行でも足りなければ何も減らさず注文をFAILEDにしてErrStockExhaustedを返す
// （この場合も呼び出し側はコミットする）。
func (u *OrderUsecase) MarkPaidAndReduceStock(ctx context.Context, r repo.TxRepos, orderID int64) error {
	o, err := r.Orders().FindByIDForUpdate(ctx, orderID)
	if errors.Is(err, repo.ErrNotFound) {
		return notFound("order not found")
	}
	if err != nil {
		return dbError(err)
	}
	if o.Status != model.OrderStatusPending {
		return invalidState(fmt.Sprintf("order %d is %s", o.ID, o.Status))
	}

	items, err := r.OrderItems().ListByOrderID(ctx, o.ID)
	if err != nil {
		return dbError(err)
	}

	need := make(map[int64]int64, len(items))
	for _, it := range items {
		need[it.ProductID] += it.Quantity
	}
	ids := make([]int64, 0, len(need))
	for id := range need {
		ids = append(ids, id)
	}
	//ロック順を固定してデッドロックを避ける
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var short []int64
	for _, id := range ids {
		p, err := r.Products().FindByIDForUpdate(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			short = append(short, id)
			continue
		}
		if err != nil {
			return dbError(err)
		}
		if p.Stock < need[id] {
			short = append(short, id)
		}
	}

	now := u.now()
	if len(short) > 0 {
		if err := r.Orders().UpdateStatus(ctx, o.ID, model.OrderStatusFailed); err != nil {
			return dbError(err)
		}
		if err := writeOrderAudit(ctx, r, model.SystemActorID, o.ID, o.Status, model.OrderStatusFailed, now); err != nil {
			return err
		}
		u.metrics.StockExhausted()
		logger.FromContext(ctx).Warn("stock exhausted at payment",
			zap.Int64("order_id", o.ID),
			zap.Int64s("product_ids", short),
		)
		return newDomainError(http.StatusConflict, ErrStockExhausted,
			fmt.Sprintf("stock exhausted for products %v", short))
	}

	for _, id := range ids {
		ok, err := r.Inventory().DecreaseStockIfEnough(ctx, id, need[id])
		if err != nil {
			return dbError(err)
		}
		if !ok {
			//ロック中なので起きないはず。部分的な減算を残さないようロールバックさせる
			return dbError(fmt.Errorf("stock of product %d changed under lock", id))
		}
	}

	if err := r.Orders().MarkPaid(ctx, o.ID, now); err != nil {
		return dbError(err)
	}
	if err := writeOrderAudit(ctx, r, model.SystemActorID, o.ID, o.Status, model.OrderStatusPaid, now); err != nil {
		return err
	}
	return nil
}

func (u *OrderUsecase) ListMyOrders(ctx context.Context, userID int64, page int, limit int) ([]OrderOutput, int64, error) {
	if userID <= 0 {
		return []OrderOutput{}, 0, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if page < 1 {
		return []OrderOutput{}, 0, NewHTTPError(http.StatusBadRequest, "invalid page")
	}
	if limit < 1 || limit > 100 {
		return []OrderOutput{}, 0, NewHTTPError(http.StatusBadRequest, "invalid limit")
	}

	var outs []OrderOutput
	var total int64
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		orders, n, err := r.Orders().ListByUserID(ctx, userID, page, limit)
		if err != nil {
			return dbError(err)
		}
		total = n

		outs = make([]OrderOutput, 0, len(orders))
		for _, o := range orders {
			items, err := r.OrderItems().ListByOrderID(ctx, o.ID)
			if err != nil {
				return dbError(err)
			}
			outs = append(outs, toOrderOutput(o, items))
		}
		return nil
	})
	if err != nil {
		return []OrderOutput{}, 0, err
	}
	return outs, total, nil
}

func (u *OrderUsecase) GetMyOrderDetail(ctx context.Context, userID int64, orderID int64) (OrderOutput, error) {
	if userID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if orderID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var out OrderOutput
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByID(ctx, orderID)
		if errors.Is(err, repo.ErrNotFound) {
			return notFound("order not found")
		}
		if err != nil {
			return dbError(err)
		}
		if o.UserID != userID {
			//他人の注文は「存在しない扱い」にする
			return notFound("order not found")
		}

		items, err := r.OrderItems().ListByOrderID(ctx, orderID)
		if err != nil {
			return dbError(err)
		}
		out = toOrderOutput(o, items)
		return nil
	})
	if err != nil {
		return OrderOutput{}, err
	}
	return out, nil
}

// 同じ商品の行はまとめる（最初に出てきた順）
func normalizeLines(lines []OrderLineInput) ([]OrderLineInput, error) {
	if len(lines) == 0 {
		return nil, NewHTTPError(http.StatusBadRequest, "order has no items")
	}
	if len(lines) > maxOrderLines {
		return nil, NewHTTPError(http.StatusBadRequest, "too many items")
	}

	out := make([]OrderLineInput, 0, len(lines))
	pos := make(map[int64]int, len(lines))
	for _, l := range lines {
		if l.ProductID <= 0 {
			return nil, NewHTTPError(http.StatusBadRequest, "invalid product_id")
		}
		if l.Quantity < 1 {
			return nil, NewHTTPError(http.StatusBadRequest, "quantity must be >= 1")
		}
		if i, ok := pos[l.ProductID]; ok {
			q, err := model.AddAmount(out[i].Quantity, l.Quantity)
			if err != nil {
				return nil, NewHTTPError(http.StatusBadRequest, "quantity too large")
			}
			out[i].Quantity = q
			continue
		}
		pos[l.ProductID] = len(out)
		out = append(out, l)
	}
	return out, nil
}

func writeOrderAudit(ctx context.Context, r repo.TxRepos, actor int64, orderID int64, before, after model.OrderStatus, at time.Time) error {
	err := r.AuditLogs().Create(ctx, model.AuditLog{
		ActorUserID:  actor,
		Action:       model.AuditActionUpdateOrderStatus,
		ResourceType: model.AuditResourceOrder,
		ResourceID:   orderID,
		BeforeJSON:   fmt.Sprintf(`{"status":%q}`, before),
		AfterJSON:    fmt.Sprintf(`{"status":%q}`, after),
		CreatedAt:    at,
	})
	if err != nil {
		return dbError(err)
	}
	return nil
}

func toOrderOutput(o model.Order, items []model.OrderItem) OrderOutput {
	outItems := make([]OrderItemOutput, 0, len(items))
	for _, it := range items {
		outItems = append(outItems, OrderItemOutput{
			ProductID: it.ProductID,
			Name:      it.ProductNameSnapshot,
			Price:     it.UnitPriceSnapshot,
			Quantity:  it.Quantity,
			Subtotal:  it.Subtotal,
		})
	}

	return OrderOutput{
		ID:         o.ID,
		UserID:     o.UserID,
		Status:     string(o.Status),
		TotalPrice: o.TotalPrice,
		Currency:   o.Currency,
		CreatedAt:  o.CreatedAt,
		PaidAt:     o.PaidAt,
		Items:      outItems,
	}
}
