package usecase

import (
	"context"
	"net/http"
	"strings"
	"time"

	"storefront/internal/domain/model"
	repo "storefront/internal/repository"
)

// 管理者向けの参照系（注文一覧、返金待ち決済、監査ログ）
type AdminOrderUsecase struct {
	tx        repo.TransactionManager
	auditRepo repo.AuditLogRepository
}

func NewAdminOrderUsecase(tx repo.TransactionManager, auditRepo repo.AuditLogRepository) *AdminOrderUsecase {
	return &AdminOrderUsecase{tx: tx, auditRepo: auditRepo}
}

type AdminOrderListOutput struct {
	Items []OrderOutput `json:"items"`
	Total int64         `json:"total"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
}

func (u *AdminOrderUsecase) List(ctx context.Context, f repo.AdminOrderListFilter) (AdminOrderListOutput, error) {
	if f.Page < 1 {
		return AdminOrderListOutput{}, NewHTTPError(http.StatusBadRequest, "invalid page")
	}
	if f.Limit < 1 || f.Limit > 100 {
		return AdminOrderListOutput{}, NewHTTPError(http.StatusBadRequest, "invalid limit")
	}
	f.Status = strings.ToUpper(strings.TrimSpace(f.Status))
	switch model.OrderStatus(f.Status) {
	case "", model.OrderStatusPending, model.OrderStatusPaid, model.OrderStatusCancelled, model.OrderStatusFailed:
	default:
		return AdminOrderListOutput{}, NewHTTPError(http.StatusBadRequest, "invalid status")
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return AdminOrderListOutput{}, NewHTTPError(http.StatusBadRequest, "from must be <= to")
	}

	out := AdminOrderListOutput{Page: f.Page, Limit: f.Limit}
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		orders, total, err := r.Orders().ListAdmin(ctx, f)
		if err != nil {
			return dbError(err)
		}
		out.Total = total
		out.Items = make([]OrderOutput, 0, len(orders))
		for _, o := range orders {
			items, err := r.OrderItems().ListByOrderID(ctx, o.ID)
			if err != nil {
				return dbError(err)
			}
			out.Items = append(out.Items, toOrderOutput(o, items))
		}
		return nil
	})
	if err != nil {
		return AdminOrderListOutput{}, err
	}
	return out, nil
}

type RefundListOutput struct {
	Items []PaymentOutput `json:"items"`
	Total int64           `json:"total"`
	Page  int             `json:"page"`
	Limit int             `json:"limit"`
}

// お金は受け取ったが注文を確定できなかった決済（運用で返金する）
func (u *AdminOrderUsecase) ListRefundRequired(ctx context.Context, page, limit int) (RefundListOutput, error) {
	if page < 1 {
		return RefundListOutput{}, NewHTTPError(http.StatusBadRequest, "invalid page")
	}
	if limit < 1 || limit > 100 {
		return RefundListOutput{}, NewHTTPError(http.StatusBadRequest, "invalid limit")
	}

	out := RefundListOutput{Page: page, Limit: limit}
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		ps, total, err := r.Payments().ListRefundRequired(ctx, page, limit)
		if err != nil {
			return dbError(err)
		}
		out.Total = total
		out.Items = make([]PaymentOutput, 0, len(ps))
		for _, p := range ps {
			out.Items = append(out.Items, toPaymentOutput(p))
		}
		return nil
	})
	if err != nil {
		return RefundListOutput{}, err
	}
	return out, nil
}

type AuditLogQuery struct {
	ActorUserID  *int64
	Action       string
	ResourceType string
	ResourceID   *int64
	From         *time.Time
	To           *time.Time
	Page         int
	Limit        int
}

func (u *AdminOrderUsecase) ListAuditLogs(ctx context.Context, q AuditLogQuery) ([]model.AuditLog, error) {
	if q.Page < 1 {
		return nil, NewHTTPError(http.StatusBadRequest, "invalid page")
	}
	if q.Limit < 1 || q.Limit > 200 {
		return nil, NewHTTPError(http.StatusBadRequest, "invalid limit")
	}

	f := repo.AuditLogFilter{
		ActorUserID: q.ActorUserID,
		ResourceID:  q.ResourceID,
		CreatedFrom: q.From,
		CreatedTo:   q.To,
		Limit:       q.Limit,
		Offset:      (q.Page - 1) * q.Limit,
	}
	if a := strings.ToUpper(strings.TrimSpace(q.Action)); a != "" {
		action := model.AuditAction(a)
		f.Action = &action
	}
	if rt := strings.ToLower(strings.TrimSpace(q.ResourceType)); rt != "" {
		switch model.AuditResourceType(rt) {
		case model.AuditResourceProduct, model.AuditResourceOrder, model.AuditResourcePayment, model.AuditResourceCategory:
		default:
			return nil, NewHTTPError(http.StatusBadRequest, "invalid resource_type")
		}
		resource := model.AuditResourceType(rt)
		f.ResourceType = &resource
	}

	logs, err := u.auditRepo.List(ctx, f)
	if err != nil {
		return nil, dbError(err)
	}
	if logs == nil {
		logs = []model.AuditLog{}
	}
	return logs, nil
}
