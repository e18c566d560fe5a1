package handler

import (
	"net/http"
	"strconv"

	"storefront/internal/usecase"

	"github.com/labstack/echo/v4"
)

// /categories の公開API
type CategoryHandler struct {
	uc *usecase.CategoryUsecase
}

func NewCategoryHandler(uc *usecase.CategoryUsecase) *CategoryHandler {
	return &CategoryHandler{uc: uc}
}

func (h *CategoryHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/categories", h.list)
	e.GET("/categories/tree", h.tree)
	e.GET("/categories/:id", h.detail)
	e.GET("/categories/:id/path", h.path)
}

func (h *CategoryHandler) list(c echo.Context) error {
	items, err := h.uc.ListCategories(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, items)
}

// キャッシュ済みのJSONはそのまま返す
func (h *CategoryHandler) tree(c echo.Context) error {
	rootID, ok := optionalInt64(c, "root_id")
	if !ok {
		return badRequest(c, "invalid root_id")
	}

	b, err := h.uc.GetTreeJSON(c.Request().Context(), rootID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSONBlob(http.StatusOK, b)
}

func (h *CategoryHandler) detail(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return badRequest(c, "invalid id")
	}

	cat, err := h.uc.GetCategory(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, cat)
}

// パンくず（ルート→自分）
func (h *CategoryHandler) path(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return badRequest(c, "invalid id")
	}

	refs, err := h.uc.GetPath(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, refs)
}
