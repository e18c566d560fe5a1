package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"storefront/internal/domain/model"
	"storefront/internal/infra/payment"
	"storefront/internal/logger"
	"storefront/internal/metrics"
	repo "storefront/internal/repository"

	"go.uber.org/zap"
)

type WebhookOutcome string

const (
	WebhookAcceptedSuccess WebhookOutcome = "accepted-success"
	WebhookAcceptedFailure WebhookOutcome = "accepted-failure"
	//不明な決済や対象外のイベント。プロバイダの再送を止めるため受理する
	WebhookAcceptedIgnored WebhookOutcome = "accepted-ignored"
	WebhookRejectedInvalid WebhookOutcome = "rejected-invalid"
)

// 決済の作成・確定・Webhookを照合して注文台帳に反映する。
// 同じ決済の成功が何度届いても在庫は一度しか減らない。
type PaymentUsecase struct {
	tx        repo.TransactionManager
	providers *payment.Factory
	ledger    *OrderUsecase
	metrics   *metrics.Metrics
	timeout   time.Duration
	now       func() time.Time
}

func NewPaymentUsecase(tx repo.TransactionManager, providers *payment.Factory, ledger *OrderUsecase, m *metrics.Metrics, timeout time.Duration) *PaymentUsecase {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PaymentUsecase{
		tx:        tx,
		providers: providers,
		ledger:    ledger,
		metrics:   m,
		timeout:   timeout,
		now:       time.Now,
	}
}

type CreatePaymentInput struct {
	OrderID  int64
	Provider string
}

type PaymentOutput struct {
	ID             int64     `json:"id"`
	OrderID        int64     `json:"order_id"`
	Provider       string    `json:"provider"`
	Status         string    `json:"status"`
	TransactionID  string    `json:"transaction_id,omitempty"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	RefundRequired bool      `json:"refund_required"`
	ClientSecret   string    `json:"client_secret,omitempty"`
	RedirectURL    string    `json:"redirect_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type WebhookResult struct {
	Outcome        WebhookOutcome `json:"result"`
	PaymentID      int64          `json:"payment_id,omitempty"`
	RefundRequired bool           `json:"refund_required,omitempty"`
}

// PENDINGの注文に対してプロバイダ側の決済を作る
func (u *PaymentUsecase) CreatePayment(ctx context.Context, userID int64, in CreatePaymentInput) (PaymentOutput, error) {
	if userID <= 0 {
		return PaymentOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if in.OrderID <= 0 {
		return PaymentOutput{}, NewHTTPError(http.StatusBadRequest, "invalid order_id")
	}

	var order model.Order
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByID(ctx, in.OrderID)
		if errors.Is(err, repo.ErrNotFound) {
			return notFound("order not found")
		}
		if err != nil {
			return dbError(err)
		}
		if o.UserID != userID {
			return notFound("order not found")
		}
		if o.Status != model.OrderStatusPending {
			return invalidState(fmt.Sprintf("order is %s", o.Status))
		}
		paid, err := r.Payments().HasSuccessForOrder(ctx, o.ID)
		if err != nil {
			return dbError(err)
		}
		if paid {
			return invalidState("order already has a successful payment")
		}
		order = o
		return nil
	})
	if err != nil {
		return PaymentOutput{}, err
	}

	provider, err := u.providers.Resolve(in.Provider)
	if err != nil {
		return PaymentOutput{}, providerError(err)
	}

	pctx, cancel := context.WithTimeout(ctx, u.timeout)
	handle, err := provider.CreatePayment(pctx, payment.Request{
		OrderID:   order.ID,
		Amount:    order.TotalPrice,
		Currency:  order.Currency,
		Reference: fmt.Sprintf("INV_%d", order.ID),
	})
	cancel()
	if err != nil {
		logger.FromContext(ctx).Warn("create payment failed",
			zap.Int64("order_id", order.ID),
			zap.String("provider", string(provider.Tag())),
			zap.Error(err),
		)
		return PaymentOutput{}, providerError(err)
	}

	var created model.Payment
	err = u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		now := u.now()
		p, err := r.Payments().Create(ctx, model.Payment{
			OrderID:     order.ID,
			Provider:    string(provider.Tag()),
			ProviderRef: handle.Ref,
			Status:      model.PaymentStatusCreated,
			Amount:      order.TotalPrice,
			Currency:    order.Currency,
			RawResponse: string(handle.Raw),
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			return dbError(err)
		}
		created = p
		return nil
	})
	if err != nil {
		return PaymentOutput{}, err
	}

	u.metrics.Payment(created.Provider, "created")
	logger.FromContext(ctx).Info("payment created",
		zap.Int64("payment_id", created.ID),
		zap.Int64("order_id", order.ID),
		zap.String("provider", created.Provider),
		zap.String("amount", model.FormatAmount(created.Amount)),
	)

	out := toPaymentOutput(created)
	out.ClientSecret = handle.ClientSecret
	out.RedirectURL = handle.RedirectURL
	return out, nil
}

// プロバイダに確定を依頼して結果を反映する。
// 通信エラーのときは何も変えない。
func (u *PaymentUsecase) Confirm(ctx context.Context, userID int64, paymentID int64) (PaymentOutput, error) {
	p, err := u.loadOwned(ctx, userID, false, paymentID)
	if err != nil {
		return PaymentOutput{}, err
	}
	switch p.Status {
	case model.PaymentStatusSuccess:
		return toPaymentOutput(p), nil
	case model.PaymentStatusFailed:
		return PaymentOutput{}, invalidState("payment already failed")
	}

	provider, err := u.providers.Resolve(p.Provider)
	if err != nil {
		return PaymentOutput{}, providerError(err)
	}

	pctx, cancel := context.WithTimeout(ctx, u.timeout)
	res, err := provider.ConfirmPayment(pctx, p.ProviderRef)
	cancel()
	if err != nil {
		logger.FromContext(ctx).Warn("confirm payment failed",
			zap.Int64("payment_id", p.ID),
			zap.String("provider", p.Provider),
			zap.Error(err),
		)
		return PaymentOutput{}, providerError(err)
	}
	return u.reconcile(ctx, p.ID, res)
}

// プロバイダからの通知。署名や内容が検証できないものは何も変えずに拒否する。
func (u *PaymentUsecase) HandleWebhook(ctx context.Context, tag string, payload []byte, header http.Header) (WebhookResult, error) {
	provider, err := u.providers.Resolve(tag)
	if err != nil {
		return WebhookResult{Outcome: WebhookRejectedInvalid}, providerError(err)
	}
	ptag := string(provider.Tag())
	log := logger.FromContext(ctx).With(zap.String("provider", ptag))

	pctx, cancel := context.WithTimeout(ctx, u.timeout)
	res, err := provider.HandleWebhook(pctx, payload, header)
	cancel()
	if err != nil {
		if errors.Is(err, payment.ErrInvalidSignature) || errors.Is(err, payment.ErrUnverifiedCallback) {
			log.Warn("webhook rejected", zap.Error(err))
			u.metrics.Webhook(ptag, string(WebhookRejectedInvalid))
			return WebhookResult{Outcome: WebhookRejectedInvalid}, newDomainError(http.StatusBadRequest, err, "webhook could not be verified")
		}
		//プロバイダ照会の失敗は5xxで返して再送してもらう
		return WebhookResult{}, providerError(err)
	}

	if res.Outcome == payment.OutcomeIgnored || res.Ref == "" {
		u.metrics.Webhook(ptag, string(WebhookAcceptedIgnored))
		return WebhookResult{Outcome: WebhookAcceptedIgnored}, nil
	}

	var p model.Payment
	err = u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		found, err := r.Payments().FindByProviderRef(ctx, ptag, res.Ref)
		if err != nil {
			return err
		}
		p = found
		return nil
	})
	if errors.Is(err, repo.ErrNotFound) {
		log.Warn("webhook for unknown payment", zap.String("provider_ref", res.Ref))
		u.metrics.Webhook(ptag, string(WebhookAcceptedIgnored))
		return WebhookResult{Outcome: WebhookAcceptedIgnored}, nil
	}
	if err != nil {
		return WebhookResult{}, dbError(err)
	}

	out, err := u.reconcile(ctx, p.ID, res)
	result := WebhookResult{PaymentID: p.ID}
	switch {
	case errors.Is(err, ErrRefundRequired):
		//受理はする（再送されても結果は同じ）。返金は運用側で対応
		result.Outcome = WebhookAcceptedSuccess
		result.RefundRequired = true
	case err != nil:
		return WebhookResult{}, err
	case res.Outcome == payment.OutcomeSuccess:
		result.Outcome = WebhookAcceptedSuccess
		result.RefundRequired = out.RefundRequired
	case res.Outcome == payment.OutcomeFailed:
		result.Outcome = WebhookAcceptedFailure
	default:
		result.Outcome = WebhookAcceptedIgnored
	}

	u.metrics.Webhook(ptag, string(result.Outcome))
	return result, nil
}

// 成功の反映。何度呼ばれても在庫は一度だけ減る。
// 注文を確定できない場合は決済にrefund_requiredを付けてErrRefundRequiredを返す。
func (u *PaymentUsecase) ApplySuccess(ctx context.Context, paymentID int64, transactionID string, raw json.RawMessage) (PaymentOutput, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return PaymentOutput{}, NewHTTPError(http.StatusBadRequest, "transaction id required")
	}

	var out PaymentOutput
	var escalate error
	var applied, flagged bool

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		escalate, applied, flagged = nil, false, false

		p, err := r.Payments().FindByID(ctx, paymentID)
		if errors.Is(err, repo.ErrNotFound) {
			return notFound("payment not found")
		}
		if err != nil {
			return dbError(err)
		}

		//注文→決済の順にロックする（同じ注文への確定はここで直列化）
		o, err := r.Orders().FindByIDForUpdate(ctx, p.OrderID)
		if err != nil {
			return dbError(err)
		}
		p, err = r.Payments().FindByIDForUpdate(ctx, paymentID)
		if err != nil {
			return dbError(err)
		}

		//重複配信
		if p.Status == model.PaymentStatusSuccess {
			out = toPaymentOutput(p)
			return nil
		}
		if p.TransactionID != nil && *p.TransactionID == transactionID && p.RefundRequired {
			out = toPaymentOutput(p)
			escalate = refundRequiredError(p, o, nil)
			return nil
		}

		other, err := r.Payments().FindByTransactionID(ctx, transactionID)
		if err == nil && other.ID != p.ID {
			return invalidState("transaction id already bound to another payment")
		}
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return dbError(err)
		}

		p.TransactionID = &transactionID
		if len(raw) > 0 {
			p.RawResponse = string(raw)
		}

		paid, err := r.Payments().HasSuccessForOrder(ctx, o.ID)
		if err != nil {
			return dbError(err)
		}
		if o.Status != model.OrderStatusPending || paid {
			//キャンセル済みや他の決済で支払い済みの注文への入金
			p.RefundRequired = true
			if err := r.Payments().Save(ctx, p); err != nil {
				return dbError(err)
			}
			if err := u.writeRefundAudit(ctx, r, p); err != nil {
				return err
			}
			out = toPaymentOutput(p)
			escalate = refundRequiredError(p, o, nil)
			flagged = true
			return nil
		}

		before := p.Status
		p.Status = model.PaymentStatusSuccess
		if err := r.Payments().Save(ctx, p); err != nil {
			return dbError(err)
		}
		if err := u.writePaymentAudit(ctx, r, p, before); err != nil {
			return err
		}

		if err := u.ledger.MarkPaidAndReduceStock(ctx, r, o.ID); err != nil {
			if !errors.Is(err, ErrStockExhausted) {
				return err
			}
			//注文はFAILEDになっている。お金は受け取ったので返金対象にしてコミット
			p.RefundRequired = true
			if err := r.Payments().Save(ctx, p); err != nil {
				return dbError(err)
			}
			if err := u.writeRefundAudit(ctx, r, p); err != nil {
				return err
			}
			out = toPaymentOutput(p)
			escalate = refundRequiredError(p, o, ErrStockExhausted)
			flagged = true
			return nil
		}

		applied = true
		out = toPaymentOutput(p)
		return nil
	})
	if errors.Is(err, repo.ErrDuplicate) {
		//同じ取引IDを並行して保存しようとして負けた
		return u.reload(ctx, paymentID)
	}
	if err != nil {
		return PaymentOutput{}, err
	}

	log := logger.FromContext(ctx).With(
		zap.Int64("payment_id", out.ID),
		zap.Int64("order_id", out.OrderID),
		zap.String("provider", out.Provider),
		zap.String("transaction_id", transactionID),
	)
	if escalate != nil {
		if flagged {
			u.metrics.RefundRequired()
			log.Error("captured payment requires refund", zap.Error(escalate))
		} else {
			log.Warn("duplicate success for payment already flagged for refund")
		}
		return out, escalate
	}
	if applied {
		u.metrics.Payment(out.Provider, "success")
		log.Info("payment succeeded, order paid")
	}
	return out, nil
}

// 状態を返す。refreshならプロバイダに照会して反映する。
func (u *PaymentUsecase) GetPaymentStatus(ctx context.Context, userID int64, isAdmin bool, paymentID int64, refresh bool) (PaymentOutput, error) {
	p, err := u.loadOwned(ctx, userID, isAdmin, paymentID)
	if err != nil {
		return PaymentOutput{}, err
	}
	if !refresh || p.Status == model.PaymentStatusSuccess || p.Status == model.PaymentStatusFailed {
		return toPaymentOutput(p), nil
	}

	provider, err := u.providers.Resolve(p.Provider)
	if err != nil {
		return PaymentOutput{}, providerError(err)
	}
	pctx, cancel := context.WithTimeout(ctx, u.timeout)
	res, err := provider.QueryPayment(pctx, p.ProviderRef)
	cancel()
	if err != nil {
		return PaymentOutput{}, providerError(err)
	}
	return u.reconcile(ctx, p.ID, res)
}

func (u *PaymentUsecase) ListProviders() []string {
	return u.providers.Tags()
}

func (u *PaymentUsecase) reconcile(ctx context.Context, paymentID int64, res payment.Result) (PaymentOutput, error) {
	switch res.Outcome {
	case payment.OutcomeSuccess:
		return u.ApplySuccess(ctx, paymentID, res.TransactionID, res.Raw)
	case payment.OutcomeFailed:
		return u.markFailed(ctx, paymentID, res.Raw)
	case payment.OutcomePending:
		return u.markPending(ctx, paymentID, res.Raw)
	default:
		return u.reload(ctx, paymentID)
	}
}

// 決済だけFAILEDにする。注文はPENDINGのまま（別の決済で払える）
func (u *PaymentUsecase) markFailed(ctx context.Context, paymentID int64, raw json.RawMessage) (PaymentOutput, error) {
	var out PaymentOutput
	var changed bool
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		p, err := r.Payments().FindByIDForUpdate(ctx, paymentID)
		if errors.Is(err, repo.ErrNotFound) {
			return notFound("payment not found")
		}
		if err != nil {
			return dbError(err)
		}
		//成功済みと返金待ちを失敗で上書きしない
		if p.Status == model.PaymentStatusSuccess || p.Status == model.PaymentStatusFailed || p.RefundRequired {
			out = toPaymentOutput(p)
			return nil
		}

		before := p.Status
		p.Status = model.PaymentStatusFailed
		if len(raw) > 0 {
			p.RawResponse = string(raw)
		}
		if err := r.Payments().Save(ctx, p); err != nil {
			return dbError(err)
		}
		if err := u.writePaymentAudit(ctx, r, p, before); err != nil {
			return err
		}
		changed = true
		out = toPaymentOutput(p)
		return nil
	})
	if err != nil {
		return PaymentOutput{}, err
	}
	if changed {
		u.metrics.Payment(out.Provider, "failed")
		logger.FromContext(ctx).Info("payment failed",
			zap.Int64("payment_id", out.ID),
			zap.Int64("order_id", out.OrderID),
		)
	}
	return out, nil
}

func (u *PaymentUsecase) markPending(ctx context.Context, paymentID int64, raw json.RawMessage) (PaymentOutput, error) {
	var out PaymentOutput
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		p, err := r.Payments().FindByIDForUpdate(ctx, paymentID)
		if errors.Is(err, repo.ErrNotFound) {
			return notFound("payment not found")
		}
		if err != nil {
			return dbError(err)
		}
		if p.Status == model.PaymentStatusCreated {
			p.Status = model.PaymentStatusPending
			if len(raw) > 0 {
				p.RawResponse = string(raw)
			}
			if err := r.Payments().Save(ctx, p); err != nil {
				return dbError(err)
			}
		}
		out = toPaymentOutput(p)
		return nil
	})
	return out, err
}

func (u *PaymentUsecase) reload(ctx context.Context, paymentID int64) (PaymentOutput, error) {
	var out PaymentOutput
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		p, err := r.Payments().FindByID(ctx, paymentID)
		if errors.Is(err, repo.ErrNotFound) {
			return notFound("payment not found")
		}
		if err != nil {
			return dbError(err)
		}
		out = toPaymentOutput(p)
		return nil
	})
	return out, err
}

// 注文の持ち主（または管理者）だけが見られる。他人の決済は存在しない扱い
func (u *PaymentUsecase) loadOwned(ctx context.Context, userID int64, isAdmin bool, paymentID int64) (model.Payment, error) {
	if userID <= 0 {
		return model.Payment{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if paymentID <= 0 {
		return model.Payment{}, NewHTTPError(http.StatusBadRequest, "invalid payment id")
	}

	var p model.Payment
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		found, err := r.Payments().FindByID(ctx, paymentID)
		if errors.Is(err, repo.ErrNotFound) {
			return notFound("payment not found")
		}
		if err != nil {
			return dbError(err)
		}
		if !isAdmin {
			o, err := r.Orders().FindByID(ctx, found.OrderID)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return dbError(err)
			}
			if err != nil || o.UserID != userID {
				return notFound("payment not found")
			}
		}
		p = found
		return nil
	})
	return p, err
}

func (u *PaymentUsecase) writePaymentAudit(ctx context.Context, r repo.TxRepos, p model.Payment, before model.PaymentStatus) error {
	err := r.AuditLogs().Create(ctx, model.AuditLog{
		ActorUserID:  model.SystemActorID,
		Action:       model.AuditActionUpdatePayment,
		ResourceType: model.AuditResourcePayment,
		ResourceID:   p.ID,
		BeforeJSON:   fmt.Sprintf(`{"status":%q}`, before),
		AfterJSON:    fmt.Sprintf(`{"status":%q}`, p.Status),
		CreatedAt:    u.now(),
	})
	if err != nil {
		return dbError(err)
	}
	return nil
}

func (u *PaymentUsecase) writeRefundAudit(ctx context.Context, r repo.TxRepos, p model.Payment) error {
	txn := ""
	if p.TransactionID != nil {
		txn = *p.TransactionID
	}
	err := r.AuditLogs().Create(ctx, model.AuditLog{
		ActorUserID:  model.SystemActorID,
		Action:       model.AuditActionRefundRequired,
		ResourceType: model.AuditResourcePayment,
		ResourceID:   p.ID,
		BeforeJSON:   `{"refund_required":false}`,
		AfterJSON:    fmt.Sprintf(`{"refund_required":true,"transaction_id":%q,"amount":%d}`, txn, p.Amount),
		CreatedAt:    u.now(),
	})
	if err != nil {
		return dbError(err)
	}
	return nil
}

func refundRequiredError(p model.Payment, o model.Order, cause error) error {
	err := ErrRefundRequired
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrRefundRequired, cause)
	}
	return newDomainError(http.StatusConflict, err,
		fmt.Sprintf("payment %d was captured but order %d cannot be fulfilled; refund required", p.ID, o.ID))
}

func toPaymentOutput(p model.Payment) PaymentOutput {
	out := PaymentOutput{
		ID:             p.ID,
		OrderID:        p.OrderID,
		Provider:       p.Provider,
		Status:         string(p.Status),
		Amount:         p.Amount,
		Currency:       p.Currency,
		RefundRequired: p.RefundRequired,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
	if p.TransactionID != nil {
		out.TransactionID = *p.TransactionID
	}
	return out
}
