package handler

import (
	"net/http"
	"strconv"
	"time"

	"storefront/internal/config"
	"storefront/internal/domain/model"
	"storefront/internal/middleware"
	"storefront/internal/repository"
	"storefront/internal/usecase"

	"github.com/labstack/echo/v4"
)

type AdminOrderHandler struct {
	uc       *usecase.AdminOrderUsecase
	payments *usecase.PaymentUsecase
}

func NewAdminOrderHandler(uc *usecase.AdminOrderUsecase, payments *usecase.PaymentUsecase) *AdminOrderHandler {
	return &AdminOrderHandler{uc: uc, payments: payments}
}

type AuditLogListResponse struct {
	Items []model.AuditLog `json:"items"`
	Page  int              `json:"page"`
	Limit int              `json:"limit"`
}

func (h *AdminOrderHandler) RegisterRoutes(e *echo.Echo, cfg config.Config) {
	admin := e.Group("/admin")
	admin.Use(middleware.AuthJWT(cfg))
	admin.Use(middleware.AdminRoleGuard())

	admin.GET("/orders", h.list)
	admin.GET("/payments/refund-required", h.refunds)
	admin.GET("/payments/:id", h.payment)
	admin.GET("/audit-logs", h.auditLogs)
}

// RFC3339。空ならnil
func optionalTime(c echo.Context, name string) (*time.Time, bool) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, true
	}
	tm, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, false
	}
	return &tm, true
}

func (h *AdminOrderHandler) list(c echo.Context) error {
	page, limit, msg := pageParams(c, 50)
	if msg != "" {
		return badRequest(c, msg)
	}

	userID, ok := optionalInt64(c, "user_id")
	if !ok {
		return badRequest(c, "invalid user_id")
	}
	fromPtr, ok := optionalTime(c, "from")
	if !ok {
		return badRequest(c, "invalid from")
	}
	toPtr, ok := optionalTime(c, "to")
	if !ok {
		return badRequest(c, "invalid to")
	}

	out, err := h.uc.List(c.Request().Context(), repository.AdminOrderListFilter{
		Page:   page,
		Limit:  limit,
		Status: c.QueryParam("status"),
		UserID: userID,
		From:   fromPtr,
		To:     toPtr,
	})
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, out)
}

// 返金が必要な決済（手動対応用）
func (h *AdminOrderHandler) refunds(c echo.Context) error {
	page, limit, msg := pageParams(c, 50)
	if msg != "" {
		return badRequest(c, msg)
	}

	out, err := h.uc.ListRefundRequired(c.Request().Context(), page, limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *AdminOrderHandler) payment(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return badRequest(c, "invalid id")
	}
	adminID, ok := getUserIDFromContext(c)
	if !ok {
		return unauthorized(c)
	}
	refresh, _ := strconv.ParseBool(c.QueryParam("refresh"))

	out, err := h.payments.GetPaymentStatus(c.Request().Context(), adminID, true, id, refresh)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *AdminOrderHandler) auditLogs(c echo.Context) error {
	page, limit, msg := pageParams(c, 50)
	if msg != "" {
		return badRequest(c, msg)
	}

	actor, ok := optionalInt64(c, "actor_user_id")
	if !ok {
		return badRequest(c, "invalid actor_user_id")
	}
	resourceID, ok := optionalInt64(c, "resource_id")
	if !ok {
		return badRequest(c, "invalid resource_id")
	}
	fromPtr, ok := optionalTime(c, "from")
	if !ok {
		return badRequest(c, "invalid from")
	}
	toPtr, ok := optionalTime(c, "to")
	if !ok {
		return badRequest(c, "invalid to")
	}

	logs, err := h.uc.ListAuditLogs(c.Request().Context(), usecase.AuditLogQuery{
		ActorUserID:  actor,
		Action:       c.QueryParam("action"),
		ResourceType: c.QueryParam("resource_type"),
		ResourceID:   resourceID,
		From:         fromPtr,
		To:           toPtr,
		Page:         page,
		Limit:        limit,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, AuditLogListResponse{Items: logs, Page: page, Limit: limit})
}
