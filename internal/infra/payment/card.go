package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type CardConfig struct {
	BaseURL            string
	SecretKey          string
	WebhookSecret      string
	SignatureTolerance time.Duration
	Timeout            time.Duration
}

// payment intent API を使うカード決済
type CardProvider struct {
	cfg  CardConfig
	http *http.Client
	now  func() time.Time
}

func NewCardProvider(cfg CardConfig, client *http.Client) *CardProvider {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &CardProvider{
		cfg:  cfg,
		http: newHTTPClient(client, cfg.Timeout),
		now:  time.Now,
	}
}

func (p *CardProvider) WithClock(now func() time.Time) *CardProvider {
	p.now = now
	return p
}

func (p *CardProvider) Tag() Tag { return TagCard }

type cardIntent struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Status           string            `json:"status"`
	ClientSecret     string            `json:"client_secret"`
	LatestCharge     string            `json:"latest_charge"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type cardEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object cardIntent `json:"object"`
	} `json:"data"`
}

func (p *CardProvider) CreatePayment(ctx context.Context, req Request) (Handle, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("automatic_payment_methods[enabled]", "true")
	form.Set("metadata[order_id]", strconv.FormatInt(req.OrderID, 10))
	if req.Reference != "" {
		form.Set("metadata[reference]", req.Reference)
	}

	var pi cardIntent
	raw, err := p.call(ctx, http.MethodPost, "/v1/payment_intents", form, &pi)
	if err != nil {
		return Handle{}, err
	}
	if pi.ID == "" || pi.ClientSecret == "" {
		return Handle{}, fmt.Errorf("%w: payment intent without id or client secret", ErrProviderRejected)
	}
	return Handle{Ref: pi.ID, ClientSecret: pi.ClientSecret, Raw: raw}, nil
}

// カードはクライアント側で確定するので、サーバーからは何もしない。
// 結果はWebhookかQueryPaymentで受け取る。
func (p *CardProvider) ConfirmPayment(_ context.Context, ref string) (Result, error) {
	return Result{Ref: ref, Outcome: OutcomePending}, nil
}

func (p *CardProvider) QueryPayment(ctx context.Context, ref string) (Result, error) {
	var pi cardIntent
	raw, err := p.call(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(ref), nil, &pi)
	if err != nil {
		return Result{}, err
	}
	if pi.ID == "" {
		pi.ID = ref
	}
	return intentResult(pi, raw), nil
}

func (p *CardProvider) HandleWebhook(_ context.Context, payload []byte, header http.Header) (Result, error) {
	if err := VerifyCardSignature(payload, header.Get(CardSignatureHeader), p.cfg.WebhookSecret, p.cfg.SignatureTolerance, p.now()); err != nil {
		return Result{}, err
	}

	var ev cardEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Result{}, fmt.Errorf("%w: malformed event: %v", ErrUnverifiedCallback, err)
	}
	obj := ev.Data.Object

	switch ev.Type {
	case "payment_intent.succeeded":
		return Result{Ref: obj.ID, TransactionID: chargeID(obj), Outcome: OutcomeSuccess, Raw: payload}, nil
	case "payment_intent.payment_failed", "payment_intent.canceled":
		return Result{Ref: obj.ID, Outcome: OutcomeFailed, Raw: payload}, nil
	case "payment_intent.processing":
		return Result{Ref: obj.ID, Outcome: OutcomePending, Raw: payload}, nil
	default:
		return Result{Ref: obj.ID, Outcome: OutcomeIgnored, Raw: payload}, nil
	}
}

func (p *CardProvider) call(ctx context.Context, method, path string, form url.Values, out interface{}) (json.RawMessage, error) {
	var body *strings.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	} else {
		body = strings.NewReader("")
	}
	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.SecretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	raw, err := doRequest(ctx, p.http, req, TagCard)
	if err != nil {
		return raw, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return raw, fmt.Errorf("%w: decode response: %v", ErrProviderRejected, err)
	}
	return raw, nil
}

func intentResult(pi cardIntent, raw json.RawMessage) Result {
	r := Result{Ref: pi.ID, Raw: raw}
	switch pi.Status {
	case "succeeded":
		r.Outcome = OutcomeSuccess
		r.TransactionID = chargeID(pi)
	case "canceled":
		r.Outcome = OutcomeFailed
	case "requires_payment_method":
		//一度失敗して再入力待ち
		if pi.LastPaymentError != nil {
			r.Outcome = OutcomeFailed
		} else {
			r.Outcome = OutcomePending
		}
	default:
		r.Outcome = OutcomePending
	}
	return r
}

// 取引IDはcharge、なければintent自身のID
func chargeID(pi cardIntent) string {
	if pi.LatestCharge != "" {
		return pi.LatestCharge
	}
	return pi.ID
}
