package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

var (
	ErrUnknownProvider = errors.New("unknown payment provider")
	//Webhookの署名が検証できない
	ErrInvalidSignature = errors.New("invalid webhook signature")
	//コールバックの内容をプロバイダ側で確認できない
	ErrUnverifiedCallback = errors.New("unverified payment callback")
	//プロバイダがリクエストを拒否した（4xx、業務エラーコード）
	ErrProviderRejected = errors.New("payment provider rejected request")
	//通信エラー、5xx、タイムアウト
	ErrProviderUnavailable = errors.New("payment provider unavailable")
)

type Tag string

const (
	TagCard   Tag = "card"
	TagWallet Tag = "wallet"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomePending Outcome = "pending"
	//対象外のイベント
	OutcomeIgnored Outcome = "ignored"
)

// 金額は最小通貨単位
type Request struct {
	OrderID   int64
	Amount    int64
	Currency  string
	Reference string
}

// CreatePaymentの戻り値。Refは以後の照会に使うプロバイダ側のID。
type Handle struct {
	Ref          string
	ClientSecret string
	RedirectURL  string
	Raw          json.RawMessage
}

type Result struct {
	Ref           string
	TransactionID string
	Outcome       Outcome
	Raw           json.RawMessage
}

type Provider interface {
	Tag() Tag
	CreatePayment(ctx context.Context, req Request) (Handle, error)
	ConfirmPayment(ctx context.Context, ref string) (Result, error)
	QueryPayment(ctx context.Context, ref string) (Result, error)
	//署名・内容を検証してから結果を返す
	HandleWebhook(ctx context.Context, payload []byte, header http.Header) (Result, error)
}
