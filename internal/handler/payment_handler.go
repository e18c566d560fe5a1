package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"storefront/internal/config"
	"storefront/internal/middleware"
	"storefront/internal/usecase"

	"github.com/labstack/echo/v4"
)

// Webhookの本文の上限
const maxWebhookBody = 1 << 20

type PaymentHandler struct {
	uc *usecase.PaymentUsecase
}

func NewPaymentHandler(uc *usecase.PaymentUsecase) *PaymentHandler {
	return &PaymentHandler{uc: uc}
}

type PaymentCreateRequest struct {
	OrderID  int64  `json:"order_id"`
	Provider string `json:"provider"`
}

type ProvidersResponse struct {
	Providers []string `json:"providers"`
}

type WebhookErrorResponse struct {
	Error  string                 `json:"error"`
	Code   string                 `json:"code"`
	Result usecase.WebhookOutcome `json:"result,omitempty"`
}

func (h *PaymentHandler) RegisterRoutes(e *echo.Echo, cfg config.Config) {
	e.GET("/payments/providers", h.providers)

	g := e.Group("/payments")
	g.Use(middleware.AuthJWT(cfg))
	g.POST("", h.create)
	g.POST("/:id/confirm", h.confirm)
	g.GET("/:id", h.status)

	//プロバイダからの通知（認証なし、署名で検証する）
	e.POST("/webhooks/:provider", h.webhook)
	e.GET("/webhooks/:provider", h.webhook)
}

func (h *PaymentHandler) providers(c echo.Context) error {
	return c.JSON(http.StatusOK, ProvidersResponse{Providers: h.uc.ListProviders()})
}

func (h *PaymentHandler) create(c echo.Context) error {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return unauthorized(c)
	}

	var req PaymentCreateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}

	out, err := h.uc.CreatePayment(c.Request().Context(), userID, usecase.CreatePaymentInput{
		OrderID:  req.OrderID,
		Provider: req.Provider,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *PaymentHandler) confirm(c echo.Context) error {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return unauthorized(c)
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return badRequest(c, "invalid id")
	}

	out, err := h.uc.Confirm(c.Request().Context(), userID, id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *PaymentHandler) status(c echo.Context) error {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return unauthorized(c)
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return badRequest(c, "invalid id")
	}
	refresh, _ := strconv.ParseBool(c.QueryParam("refresh"))

	out, err := h.uc.GetPaymentStatus(c.Request().Context(), userID, isAdmin(c), id, refresh)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// 署名検証のため本文は生のまま渡す。
// GETのコールバック（リダイレクト）はクエリをJSONにして渡す。
func (h *PaymentHandler) webhook(c echo.Context) error {
	var payload []byte
	if c.Request().Method == http.MethodGet {
		q := map[string]string{}
		for k, v := range c.QueryParams() {
			if len(v) > 0 {
				q[k] = v[0]
			}
		}
		b, err := json.Marshal(q)
		if err != nil {
			return badRequest(c, "invalid query")
		}
		payload = b
	} else {
		b, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody+1))
		if err != nil {
			return badRequest(c, "invalid body")
		}
		if len(b) > maxWebhookBody {
			return c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "body too large", Code: "bad_request"})
		}
		payload = b
	}

	res, err := h.uc.HandleWebhook(c.Request().Context(), c.Param("provider"), payload, c.Request().Header)
	if err != nil {
		he, ok := usecase.AsHTTPError(err)
		if !ok {
			return writeError(c, err)
		}
		if he.Status >= 500 {
			return writeError(c, err)
		}
		return c.JSON(he.Status, WebhookErrorResponse{Error: he.Message, Code: he.Code, Result: res.Outcome})
	}
	return c.JSON(http.StatusOK, res)
}
