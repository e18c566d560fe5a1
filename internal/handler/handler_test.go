package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"storefront/internal/config"
	"storefront/internal/domain/model"
	"storefront/internal/handler"
	"storefront/internal/infra/cache"
	"storefront/internal/infra/payment"
	repo "storefront/internal/repository"
	"storefront/internal/usecase"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

// =====================
// ProductRepository モック（handler専用）
// =====================

type HandlerProductRepoMock struct{ mock.Mock }

func (m *HandlerProductRepoMock) ListPublic(ctx context.Context, q repo.ProductListQuery) ([]model.Product, int64, error) {
	args := m.Called(ctx, q)
	items, _ := args.Get(0).([]model.Product)
	return items, args.Get(1).(int64), args.Error(2)
}

func (m *HandlerProductRepoMock) FindByID(ctx context.Context, id int64) (model.Product, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.Product), args.Error(1)
}

func (m *HandlerProductRepoMock) FindByIDForUpdate(ctx context.Context, id int64) (model.Product, error) {
	panic("not used in handler tests")
}

func (m *HandlerProductRepoMock) ExistsBySKU(ctx context.Context, sku string, excludeID int64) (bool, error) {
	panic("not used in handler tests")
}

func (m *HandlerProductRepoMock) CountByCategoryID(ctx context.Context, categoryID int64) (int64, error) {
	panic("not used in handler tests")
}

func (m *HandlerProductRepoMock) Create(ctx context.Context, p model.Product) (model.Product, error) {
	panic("not used in handler tests")
}

func (m *HandlerProductRepoMock) Update(ctx context.Context, p model.Product) error {
	panic("not used in handler tests")
}

func (m *HandlerProductRepoMock) SoftDelete(ctx context.Context, id int64) error {
	panic("not used in handler tests")
}

var _ repo.ProductRepository = (*HandlerProductRepoMock)(nil)

// =====================
// CategoryRepository（読み取りだけの固定データ）
// =====================

type fixedCategories struct {
	items []model.Category
	calls int32
}

func (r *fixedCategories) ListAll(ctx context.Context) ([]model.Category, error) {
	atomic.AddInt32(&r.calls, 1)
	return append([]model.Category(nil), r.items...), nil
}

func (r *fixedCategories) FindByID(ctx context.Context, id int64) (model.Category, error) {
	for _, c := range r.items {
		if c.ID == id {
			return c, nil
		}
	}
	return model.Category{}, repo.ErrNotFound
}

func (r *fixedCategories) ExistsByName(ctx context.Context, name string, excludeID int64) (bool, error) {
	panic("not used in handler tests")
}

func (r *fixedCategories) ExistsBySlug(ctx context.Context, slug string, excludeID int64) (bool, error) {
	panic("not used in handler tests")
}

func (r *fixedCategories) CountChildren(ctx context.Context, id int64) (int64, error) {
	panic("not used in handler tests")
}

func (r *fixedCategories) Create(ctx context.Context, c model.Category) (model.Category, error) {
	panic("not used in handler tests")
}

func (r *fixedCategories) Update(ctx context.Context, c model.Category) error {
	panic("not used in handler tests")
}

func (r *fixedCategories) Delete(ctx context.Context, id int64) error {
	panic("not used in handler tests")
}

// =====================
// helper
// =====================

type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Result string `json:"result"`
}

func ptr(v int64) *int64 { return &v }

func mustMakeJWT(t *testing.T, sub int64, role string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  sub,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func do(t *testing.T, e *echo.Echo, method, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range header {
		for _, x := range v {
			req.Header.Add(k, x)
		}
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var b errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	return b
}

// =====================
// /products
// =====================

func TestProductHandler_List(t *testing.T) {
	products := new(HandlerProductRepoMock)
	products.On("ListPublic", mock.Anything, repo.ProductListQuery{
		Page:       2,
		Limit:      5,
		Q:          "mug",
		MinPrice:   ptr(100),
		CategoryID: ptr(3),
		Sort:       "price_asc",
	}).Return([]model.Product{{ID: 1, SKU: "MUG-1", Name: "Mug", Price: 500, IsActive: true}}, int64(6), nil)

	e := echo.New()
	handler.NewProductHandler(usecase.NewProductUsecase(products, nil, nil)).RegisterRoutes(e)

	rec := do(t, e, http.MethodGet, "/products?page=2&limit=5&q=mug&min_price=100&category_id=3&sort=price_asc", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out usecase.ProductListOutput
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, int64(6), out.Total)
	require.Len(t, out.Items, 1)
	assert.Equal(t, "MUG-1", out.Items[0].SKU)
	products.AssertExpectations(t)
}

func TestProductHandler_List_BadQuery(t *testing.T) {
	e := echo.New()
	handler.NewProductHandler(usecase.NewProductUsecase(new(HandlerProductRepoMock), nil, nil)).RegisterRoutes(e)

	for path, msg := range map[string]string{
		"/products?page=x":                      "invalid page",
		"/products?min_price=abc":               "invalid min_price",
		"/products?min_price=500&max_price=100": "min_price must be <= max_price",
	} {
		rec := do(t, e, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		b := decodeError(t, rec)
		assert.Equal(t, msg, b.Error, path)
		assert.Equal(t, "bad_request", b.Code, path)
	}
}

func TestProductHandler_Detail_InactiveIsNotFound(t *testing.T) {
	products := new(HandlerProductRepoMock)
	products.On("FindByID", mock.Anything, int64(7)).Return(model.Product{ID: 7, IsActive: false}, nil)

	e := echo.New()
	handler.NewProductHandler(usecase.NewProductUsecase(products, nil, nil)).RegisterRoutes(e)

	rec := do(t, e, http.MethodGet, "/products/7", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Code)
}

// =====================
// /categories
// =====================

func newCategoryServer(t *testing.T) (*echo.Echo, *fixedCategories) {
	t.Helper()
	cats := &fixedCategories{items: []model.Category{
		{ID: 1, Name: "Kitchen", Slug: "kitchen"},
		{ID: 2, Name: "Mugs", Slug: "mugs", ParentID: ptr(1)},
		{ID: 3, Name: "Apparel", Slug: "apparel"},
	}}
	uc := usecase.NewCategoryUsecase(cats, nil, nil, cache.NewMemoryStore(), time.Hour, nil)

	e := echo.New()
	handler.NewCategoryHandler(uc).RegisterRoutes(e)
	return e, cats
}

// 2回目はキャッシュから返る
func TestCategoryHandler_Tree_Cached(t *testing.T) {
	e, cats := newCategoryServer(t)

	first := do(t, e, http.MethodGet, "/categories/tree", nil, nil)
	require.Equal(t, http.StatusOK, first.Code)

	var tree []usecase.CategoryNode
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &tree))
	require.Len(t, tree, 2)
	assert.Equal(t, "kitchen", tree[0].Slug)
	require.Len(t, tree[0].Children, 1)
	assert.Equal(t, "mugs", tree[0].Children[0].Slug)

	second := do(t, e, http.MethodGet, "/categories/tree", nil, nil)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, int32(1), atomic.LoadInt32(&cats.calls))
}

func TestCategoryHandler_Tree_Subtree(t *testing.T) {
	e, _ := newCategoryServer(t)

	rec := do(t, e, http.MethodGet, "/categories/tree?root_id=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tree []usecase.CategoryNode
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tree))
	require.Len(t, tree, 1)
	assert.Equal(t, int64(1), tree[0].ID)

	rec = do(t, e, http.MethodGet, "/categories/tree?root_id=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, e, http.MethodGet, "/categories/tree?root_id=99", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCategoryHandler_Path(t *testing.T) {
	e, _ := newCategoryServer(t)

	rec := do(t, e, http.MethodGet, "/categories/2/path", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var refs []usecase.CategoryRef
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refs))
	require.Len(t, refs, 2)
	assert.Equal(t, "kitchen", refs[0].Slug)
	assert.Equal(t, "mugs", refs[1].Slug)

	rec = do(t, e, http.MethodGet, "/categories/99/path", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =====================
// /payments, /webhooks
// =====================

func newPaymentServer(t *testing.T) *echo.Echo {
	t.Helper()
	card := payment.NewCardProvider(payment.CardConfig{
		BaseURL:            "http://127.0.0.1:0",
		WebhookSecret:      "whsec_test",
		SignatureTolerance: 5 * time.Minute,
	}, nil)
	wallet := payment.NewWalletProvider(payment.WalletConfig{BaseURL: "http://127.0.0.1:0"}, nil)
	uc := usecase.NewPaymentUsecase(nil, payment.NewFactory(card, wallet), nil, nil, time.Second)

	e := echo.New()
	handler.NewPaymentHandler(uc).RegisterRoutes(e, config.Config{JWTSecret: testSecret})
	return e
}

func TestPaymentHandler_Providers(t *testing.T) {
	e := newPaymentServer(t)

	rec := do(t, e, http.MethodGet, "/payments/providers", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out handler.ProvidersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, []string{"card", "wallet"}, out.Providers)
}

func TestPaymentHandler_RequiresAuth(t *testing.T) {
	e := newPaymentServer(t)

	rec := do(t, e, http.MethodPost, "/payments", []byte(`{"order_id":1,"provider":"card"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, e, http.MethodPost, "/payments", []byte(`{`), bearer(mustMakeJWT(t, 1, "USER")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPaymentHandler_Webhook_Rejections(t *testing.T) {
	e := newPaymentServer(t)

	rec := do(t, e, http.MethodPost, "/webhooks/paypal", []byte(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	b := decodeError(t, rec)
	assert.Equal(t, "unknown_provider", b.Code)
	assert.Equal(t, string(usecase.WebhookRejectedInvalid), b.Result)

	payload := []byte(`{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`)
	rec = do(t, e, http.MethodPost, "/webhooks/card", payload, http.Header{
		payment.CardSignatureHeader: []string{payment.SignCardPayload("wrong", payload, time.Now())},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	b = decodeError(t, rec)
	assert.Equal(t, "invalid_signature", b.Code)
	assert.Equal(t, string(usecase.WebhookRejectedInvalid), b.Result)
}

// 対象外のイベントは受理だけする
func TestPaymentHandler_Webhook_IgnoredEvent(t *testing.T) {
	e := newPaymentServer(t)

	payload := []byte(`{"type":"customer.created","data":{"object":{}}}`)
	rec := do(t, e, http.MethodPost, "/webhooks/card", payload, http.Header{
		payment.CardSignatureHeader: []string{payment.SignCardPayload("whsec_test", payload, time.Now())},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var out usecase.WebhookResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, usecase.WebhookAcceptedIgnored, out.Outcome)
}

// =====================
// /orders, /admin
// =====================

func TestOrderHandler_AuthAndBody(t *testing.T) {
	e := echo.New()
	handler.NewOrderHandler(usecase.NewOrderUsecase(nil, "usd", nil)).RegisterRoutes(e, config.Config{JWTSecret: testSecret})

	rec := do(t, e, http.MethodPost, "/orders", []byte(`{"items":[{"product_id":1,"quantity":1}]}`), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := mustMakeJWT(t, 10, "USER")
	rec = do(t, e, http.MethodPost, "/orders", []byte(`{"items":`), bearer(token))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, e, http.MethodGet, "/orders/abc", nil, bearer(token))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid id", decodeError(t, rec).Error)
}

func TestAdminCategoryHandler_ForbiddenForUser(t *testing.T) {
	cats := &fixedCategories{}
	uc := usecase.NewCategoryUsecase(cats, nil, nil, cache.NewMemoryStore(), time.Hour, nil)

	e := echo.New()
	handler.NewAdminCategoryHandler(uc).RegisterRoutes(e, config.Config{JWTSecret: testSecret})

	rec := do(t, e, http.MethodPost, "/admin/categories/cache/invalidate", nil, bearer(mustMakeJWT(t, 1, "USER")))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, e, http.MethodPost, "/admin/categories/cache/invalidate?root_id=1", nil, bearer(mustMakeJWT(t, 2, "ADMIN")))
	assert.Equal(t, http.StatusOK, rec.Code)
}
