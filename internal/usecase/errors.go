package usecase

import (
	"errors"
	"fmt"
	"net/http"

	"storefront/internal/infra/payment"
	repo "storefront/internal/repository"
)

var (
	//注文作成時点で在庫が足りない
	ErrInsufficientStock = errors.New("insufficient stock")
	//支払い確定時点で在庫が足りない
	ErrStockExhausted = errors.New("stock exhausted")
	ErrInvalidState   = errors.New("invalid state")
	ErrCycleDetected  = errors.New("category cycle detected")
	ErrDanglingParent = errors.New("category parent missing")
	//お金は受け取ったが注文を確定できなかった（運用で返金する）
	ErrRefundRequired = errors.New("refund required")
)

type HTTPError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d: %s: %v", e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func (e *HTTPError) Unwrap() error { return e.Err }

func NewHTTPError(status int, message string) error {
	return &HTTPError{
		Status:  status,
		Code:    statusCode(status),
		Message: message,
	}
}

// causeの番兵エラーからcodeを決める
func newDomainError(status int, cause error, message string) error {
	return &HTTPError{
		Status:  status,
		Code:    domainCode(cause, status),
		Message: message,
		Err:     cause,
	}
}

func AsHTTPError(err error) (*HTTPError, bool) {
	var he *HTTPError
	ok := errors.As(err, &he)
	return he, ok
}

func notFound(message string) error {
	return newDomainError(http.StatusNotFound, repo.ErrNotFound, message)
}

func invalidState(message string) error {
	return newDomainError(http.StatusConflict, ErrInvalidState, message)
}

// 500。元のエラーは保持してログに出す
func dbError(err error) error {
	return &HTTPError{
		Status:  http.StatusInternalServerError,
		Code:    "internal",
		Message: "db error",
		Err:     err,
	}
}

// プロバイダ呼び出しの失敗。状態は変えない
func providerError(err error) error {
	switch {
	case errors.Is(err, payment.ErrUnknownProvider):
		return newDomainError(http.StatusBadRequest, err, "unknown payment provider")
	case payment.IsTimeout(err):
		return newDomainError(http.StatusGatewayTimeout, err, "payment provider timeout")
	case errors.Is(err, payment.ErrProviderRejected):
		return newDomainError(http.StatusBadGateway, err, "payment provider rejected request")
	default:
		return newDomainError(http.StatusBadGateway, err, "payment provider unavailable")
	}
}

func domainCode(cause error, status int) string {
	switch {
	//在庫切れで返金が必要な場合は両方を含むので先に見る
	case errors.Is(cause, ErrRefundRequired):
		return "refund_required"
	case errors.Is(cause, repo.ErrNotFound):
		return "not_found"
	case errors.Is(cause, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(cause, ErrStockExhausted):
		return "stock_exhausted"
	case errors.Is(cause, ErrInvalidState):
		return "invalid_state"
	case errors.Is(cause, ErrCycleDetected):
		return "cycle_detected"
	case errors.Is(cause, ErrDanglingParent):
		return "dangling_parent"
	case errors.Is(cause, payment.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(cause, payment.ErrUnverifiedCallback):
		return "unverified_callback"
	case errors.Is(cause, payment.ErrUnknownProvider):
		return "unknown_provider"
	case errors.Is(cause, payment.ErrProviderRejected):
		return "provider_rejected"
	case errors.Is(cause, payment.ErrProviderUnavailable):
		return "provider_unavailable"
	}
	return statusCode(status)
}

func statusCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	}
	if status >= 500 {
		return "internal"
	}
	return "error"
}
