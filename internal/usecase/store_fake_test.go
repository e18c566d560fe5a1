package usecase_test

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"storefront/internal/domain/model"
	repo "storefront/internal/repository"
)

// =====================
// インメモリのストア（txはミューテックスで直列化、エラーなら巻き戻す）
// =====================

type memState struct {
	nextID      int64
	products    map[int64]model.Product
	orders      map[int64]model.Order
	items       map[int64][]model.OrderItem
	payments    map[int64]model.Payment
	categories  map[int64]model.Category
	audits      []model.AuditLog
	adjustments []model.InventoryAdjustment
}

func (s memState) clone() memState {
	c := memState{
		nextID:      s.nextID,
		products:    make(map[int64]model.Product, len(s.products)),
		orders:      make(map[int64]model.Order, len(s.orders)),
		items:       make(map[int64][]model.OrderItem, len(s.items)),
		payments:    make(map[int64]model.Payment, len(s.payments)),
		categories:  make(map[int64]model.Category, len(s.categories)),
		audits:      append([]model.AuditLog(nil), s.audits...),
		adjustments: append([]model.InventoryAdjustment(nil), s.adjustments...),
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.items {
		c.items[k] = append([]model.OrderItem(nil), v...)
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.categories {
		c.categories[k] = v
	}
	return c
}

type memStore struct {
	mu sync.Mutex
	st memState
}

func newMemStore() *memStore {
	return &memStore{st: memState{
		nextID:     1000,
		products:   map[int64]model.Product{},
		orders:     map[int64]model.Order{},
		items:      map[int64][]model.OrderItem{},
		payments:   map[int64]model.Payment{},
		categories: map[int64]model.Category{},
	}}
}

func (s *memStore) WithinTx(ctx context.Context, fn func(r repo.TxRepos) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.st.clone()
	if err := fn(memTx{s}); err != nil {
		s.st = snap
		return err
	}
	return nil
}

func (s *memStore) id() int64 {
	s.st.nextID++
	return s.st.nextID
}

// テストの準備と確認用（ロックを取る）
func (s *memStore) putProduct(p model.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.products[p.ID] = p
}

func (s *memStore) product(id int64) model.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.products[id]
}

func (s *memStore) order(id int64) model.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.orders[id]
}

func (s *memStore) payment(id int64) model.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.payments[id]
}

func (s *memStore) auditActions() []model.AuditAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AuditAction, 0, len(s.st.audits))
	for _, a := range s.st.audits {
		out = append(out, a.Action)
	}
	return out
}

func (s *memStore) putCategory(id int64, name string, parent *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.categories[id] = model.Category{ID: id, Name: name, Slug: strings.ToLower(name), ParentID: parent}
}

type memTx struct{ s *memStore }

func (t memTx) Orders() repo.OrderRepository         { return memOrders(t) }
func (t memTx) OrderItems() repo.OrderItemRepository { return memItems(t) }
func (t memTx) Inventory() repo.InventoryRepository  { return memInventory(t) }
func (t memTx) Products() repo.ProductRepository     { return memProducts(t) }
func (t memTx) Payments() repo.PaymentRepository     { return memPayments(t) }
func (t memTx) AuditLogs() repo.AuditLogRepository   { return memAudits(t) }

// =====================
// orders
// =====================

type memOrders memTx

func (r memOrders) FindByID(_ context.Context, id int64) (model.Order, error) {
	o, ok := r.s.st.orders[id]
	if !ok {
		return model.Order{}, repo.ErrNotFound
	}
	return o, nil
}

func (r memOrders) FindByIDForUpdate(ctx context.Context, id int64) (model.Order, error) {
	return r.FindByID(ctx, id)
}

func (r memOrders) ListByUserID(_ context.Context, userID int64, page int, limit int) ([]model.Order, int64, error) {
	var all []model.Order
	for _, o := range r.s.st.orders {
		if o.UserID == userID {
			all = append(all, o)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	return paginate(all, page, limit), int64(len(all)), nil
}

func (r memOrders) Create(_ context.Context, o model.Order) (int64, error) {
	if o.IdempotencyKey != nil {
		for _, ex := range r.s.st.orders {
			if ex.UserID == o.UserID && ex.IdempotencyKey != nil && *ex.IdempotencyKey == *o.IdempotencyKey {
				return 0, repo.ErrDuplicate
			}
		}
	}
	o.ID = r.s.id()
	r.s.st.orders[o.ID] = o
	return o.ID, nil
}

func (r memOrders) UpdateStatus(_ context.Context, id int64, status model.OrderStatus) error {
	o, ok := r.s.st.orders[id]
	if !ok {
		return repo.ErrNotFound
	}
	o.Status = status
	r.s.st.orders[id] = o
	return nil
}

func (r memOrders) MarkPaid(_ context.Context, id int64, paidAt time.Time) error {
	o, ok := r.s.st.orders[id]
	if !ok {
		return repo.ErrNotFound
	}
	o.Status = model.OrderStatusPaid
	o.PaidAt = &paidAt
	r.s.st.orders[id] = o
	return nil
}

func (r memOrders) FindByIdempotencyKey(_ context.Context, userID int64, key string) (model.Order, bool, error) {
	for _, o := range r.s.st.orders {
		if o.UserID == userID && o.IdempotencyKey != nil && *o.IdempotencyKey == key {
			return o, true, nil
		}
	}
	return model.Order{}, false, nil
}

func (r memOrders) ListAdmin(_ context.Context, f repo.AdminOrderListFilter) ([]model.Order, int64, error) {
	var all []model.Order
	for _, o := range r.s.st.orders {
		if f.Status != "" && string(o.Status) != f.Status {
			continue
		}
		if f.UserID != nil && o.UserID != *f.UserID {
			continue
		}
		all = append(all, o)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	return paginate(all, f.Page, f.Limit), int64(len(all)), nil
}

type memItems memTx

func (r memItems) CreateBulk(_ context.Context, orderID int64, items []model.OrderItem) error {
	for _, it := range items {
		it.ID = r.s.id()
		it.OrderID = orderID
		r.s.st.items[orderID] = append(r.s.st.items[orderID], it)
	}
	return nil
}

func (r memItems) ListByOrderID(_ context.Context, orderID int64) ([]model.OrderItem, error) {
	return append([]model.OrderItem(nil), r.s.st.items[orderID]...), nil
}

// =====================
// products / inventory
// =====================

type memProducts memTx

func (r memProducts) ListPublic(_ context.Context, q repo.ProductListQuery) ([]model.Product, int64, error) {
	var all []model.Product
	for _, p := range r.s.st.products {
		if p.IsActive && !p.DeletedAt.Valid {
			all = append(all, p)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return paginate(all, q.Page, q.Limit), int64(len(all)), nil
}

func (r memProducts) FindByID(_ context.Context, id int64) (model.Product, error) {
	p, ok := r.s.st.products[id]
	if !ok || p.DeletedAt.Valid {
		return model.Product{}, repo.ErrNotFound
	}
	return p, nil
}

func (r memProducts) FindByIDForUpdate(ctx context.Context, id int64) (model.Product, error) {
	return r.FindByID(ctx, id)
}

func (r memProducts) ExistsBySKU(_ context.Context, sku string, excludeID int64) (bool, error) {
	for _, p := range r.s.st.products {
		if p.SKU == sku && p.ID != excludeID && !p.DeletedAt.Valid {
			return true, nil
		}
	}
	return false, nil
}

func (r memProducts) CountByCategoryID(_ context.Context, categoryID int64) (int64, error) {
	var n int64
	for _, p := range r.s.st.products {
		if p.CategoryID != nil && *p.CategoryID == categoryID && !p.DeletedAt.Valid {
			n++
		}
	}
	return n, nil
}

func (r memProducts) Create(_ context.Context, p model.Product) (model.Product, error) {
	p.ID = r.s.id()
	r.s.st.products[p.ID] = p
	return p, nil
}

func (r memProducts) Update(_ context.Context, p model.Product) error {
	cur, ok := r.s.st.products[p.ID]
	if !ok || cur.DeletedAt.Valid {
		return repo.ErrNotFound
	}
	p.Stock = cur.Stock
	r.s.st.products[p.ID] = p
	return nil
}

func (r memProducts) SoftDelete(_ context.Context, id int64) error {
	p, ok := r.s.st.products[id]
	if !ok || p.DeletedAt.Valid {
		return repo.ErrNotFound
	}
	p.DeletedAt.Time = time.Now()
	p.DeletedAt.Valid = true
	r.s.st.products[id] = p
	return nil
}

type memInventory memTx

func (r memInventory) SetStock(_ context.Context, productID int64, newStock int64) error {
	p, ok := r.s.st.products[productID]
	if !ok {
		return repo.ErrNotFound
	}
	p.Stock = newStock
	r.s.st.products[productID] = p
	return nil
}

func (r memInventory) DecreaseStockIfEnough(_ context.Context, productID int64, qty int64) (bool, error) {
	p, ok := r.s.st.products[productID]
	if !ok || p.Stock < qty {
		return false, nil
	}
	p.Stock -= qty
	r.s.st.products[productID] = p
	return true, nil
}

func (r memInventory) CreateAdjustment(_ context.Context, adj model.InventoryAdjustment) error {
	adj.ID = r.s.id()
	r.s.st.adjustments = append(r.s.st.adjustments, adj)
	return nil
}

// =====================
// payments / audit
// =====================

type memPayments memTx

func (r memPayments) txnTaken(id int64, txn *string) bool {
	if txn == nil {
		return false
	}
	for _, p := range r.s.st.payments {
		if p.ID != id && p.TransactionID != nil && *p.TransactionID == *txn {
			return true
		}
	}
	return false
}

func (r memPayments) Create(_ context.Context, p model.Payment) (model.Payment, error) {
	for _, ex := range r.s.st.payments {
		if ex.Provider == p.Provider && ex.ProviderRef == p.ProviderRef {
			return model.Payment{}, repo.ErrDuplicate
		}
	}
	if r.txnTaken(0, p.TransactionID) {
		return model.Payment{}, repo.ErrDuplicate
	}
	p.ID = r.s.id()
	r.s.st.payments[p.ID] = p
	return p, nil
}

func (r memPayments) FindByID(_ context.Context, id int64) (model.Payment, error) {
	p, ok := r.s.st.payments[id]
	if !ok {
		return model.Payment{}, repo.ErrNotFound
	}
	return p, nil
}

func (r memPayments) FindByIDForUpdate(ctx context.Context, id int64) (model.Payment, error) {
	return r.FindByID(ctx, id)
}

func (r memPayments) FindByProviderRef(_ context.Context, provider string, ref string) (model.Payment, error) {
	for _, p := range r.s.st.payments {
		if p.Provider == provider && p.ProviderRef == ref {
			return p, nil
		}
	}
	return model.Payment{}, repo.ErrNotFound
}

func (r memPayments) FindByTransactionID(_ context.Context, txn string) (model.Payment, error) {
	for _, p := range r.s.st.payments {
		if p.TransactionID != nil && *p.TransactionID == txn {
			return p, nil
		}
	}
	return model.Payment{}, repo.ErrNotFound
}

func (r memPayments) HasSuccessForOrder(_ context.Context, orderID int64) (bool, error) {
	for _, p := range r.s.st.payments {
		if p.OrderID == orderID && p.Status == model.PaymentStatusSuccess {
			return true, nil
		}
	}
	return false, nil
}

func (r memPayments) Save(_ context.Context, p model.Payment) error {
	cur, ok := r.s.st.payments[p.ID]
	if !ok {
		return repo.ErrNotFound
	}
	if r.txnTaken(p.ID, p.TransactionID) {
		return repo.ErrDuplicate
	}
	cur.Status = p.Status
	cur.TransactionID = p.TransactionID
	cur.RefundRequired = p.RefundRequired
	cur.RawResponse = p.RawResponse
	r.s.st.payments[p.ID] = cur
	return nil
}

func (r memPayments) ListRefundRequired(_ context.Context, page int, limit int) ([]model.Payment, int64, error) {
	var all []model.Payment
	for _, p := range r.s.st.payments {
		if p.RefundRequired {
			all = append(all, p)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return paginate(all, page, limit), int64(len(all)), nil
}

type memAudits memTx

func (r memAudits) Create(_ context.Context, log model.AuditLog) error {
	log.ID = r.s.id()
	r.s.st.audits = append(r.s.st.audits, log)
	return nil
}

func (r memAudits) List(_ context.Context, f repo.AuditLogFilter) ([]model.AuditLog, error) {
	var out []model.AuditLog
	for _, a := range r.s.st.audits {
		if f.Action != nil && a.Action != *f.Action {
			continue
		}
		if f.ResourceType != nil && a.ResourceType != *f.ResourceType {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// =====================
// categories（tx外で使う）
// =====================

type memCategories struct{ s *memStore }

func (r memCategories) ListAll(_ context.Context) ([]model.Category, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]model.Category, 0, len(r.s.st.categories))
	for _, c := range r.s.st.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memCategories) FindByID(_ context.Context, id int64) (model.Category, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.st.categories[id]
	if !ok {
		return model.Category{}, repo.ErrNotFound
	}
	return c, nil
}

func (r memCategories) ExistsByName(_ context.Context, name string, excludeID int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.st.categories {
		if strings.EqualFold(c.Name, name) && c.ID != excludeID {
			return true, nil
		}
	}
	return false, nil
}

func (r memCategories) ExistsBySlug(_ context.Context, slug string, excludeID int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.st.categories {
		if c.Slug == slug && c.ID != excludeID {
			return true, nil
		}
	}
	return false, nil
}

func (r memCategories) CountChildren(_ context.Context, id int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, c := range r.s.st.categories {
		if c.ParentID != nil && *c.ParentID == id {
			n++
		}
	}
	return n, nil
}

func (r memCategories) Create(_ context.Context, c model.Category) (model.Category, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c.ID = r.s.id()
	r.s.st.categories[c.ID] = c
	return c, nil
}

func (r memCategories) Update(_ context.Context, c model.Category) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.st.categories[c.ID]; !ok {
		return repo.ErrNotFound
	}
	r.s.st.categories[c.ID] = c
	return nil
}

func (r memCategories) Delete(_ context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.st.categories[id]; !ok {
		return repo.ErrNotFound
	}
	delete(r.s.st.categories, id)
	return nil
}

// tx外から商品を見る（カテゴリ削除の確認用）
type memProductsDirect struct{ s *memStore }

func (r memProductsDirect) view() memProducts { return memProducts{r.s} }

func (r memProductsDirect) ListPublic(ctx context.Context, q repo.ProductListQuery) ([]model.Product, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.view().ListPublic(ctx, q)
}

func (r memProductsDirect) FindByID(ctx context.Context, id int64) (model.Product, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.view().FindByID(ctx, id)
}

func (r memProductsDirect) FindByIDForUpdate(ctx context.Context, id int64) (model.Product, error) {
	return r.FindByID(ctx, id)
}

func (r memProductsDirect) ExistsBySKU(ctx context.Context, sku string, excludeID int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.view().ExistsBySKU(ctx, sku, excludeID)
}

func (r memProductsDirect) CountByCategoryID(ctx context.Context, categoryID int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.view().CountByCategoryID(ctx, categoryID)
}

func (r memProductsDirect) Create(ctx context.Context, p model.Product) (model.Product, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.view().Create(ctx, p)
}

func (r memProductsDirect) Update(ctx context.Context, p model.Product) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.view().Update(ctx, p)
}

func (r memProductsDirect) SoftDelete(ctx context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.view().SoftDelete(ctx, id)
}

func paginate[T any](all []T, page, limit int) []T {
	if page < 1 || limit < 1 {
		return all
	}
	start := (page - 1) * limit
	if start >= len(all) {
		return []T{}
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end]
}

var (
	_ repo.TransactionManager = (*memStore)(nil)
	_ repo.CategoryRepository = memCategories{}
	_ repo.ProductRepository  = memProductsDirect{}
)
