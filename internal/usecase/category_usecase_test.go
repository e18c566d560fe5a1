package usecase_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"storefront/internal/domain/model"
	"storefront/internal/infra/cache"
	"storefront/internal/metrics"
	repo "storefront/internal/repository"
	"storefront/internal/usecase"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ListAllの呼び出し回数を数える
type countingCategories struct {
	memCategories
	listAll atomic.Int64
}

func (c *countingCategories) ListAll(ctx context.Context) ([]model.Category, error) {
	c.listAll.Add(1)
	return c.memCategories.ListAll(ctx)
}

func ptr(v int64) *int64 { return &v }

type categoryFixture struct {
	store *memStore
	cats  *countingCategories
	cache *cache.MemoryStore
	now   time.Time
	uc    *usecase.CategoryUsecase
	reg   *prometheus.Registry
}

// A(1) の子に B(2) と D(4)、B の子に C(3)。E(5) は別のルート
func newCategoryFixture(t *testing.T) *categoryFixture {
	t.Helper()
	s := newMemStore()
	s.putCategory(1, "A", nil)
	s.putCategory(2, "B", ptr(1))
	s.putCategory(3, "C", ptr(2))
	s.putCategory(4, "D", ptr(1))
	s.putCategory(5, "E", nil)

	f := &categoryFixture{
		store: s,
		cats:  &countingCategories{memCategories: memCategories{s}},
		now:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		reg:   prometheus.NewRegistry(),
	}
	f.cache = cache.NewMemoryStore().WithClock(func() time.Time { return f.now })
	f.uc = usecase.NewCategoryUsecase(f.cats, memProductsDirect{s}, nil, f.cache, time.Hour, metrics.New("test", f.reg))
	return f
}

func (f *categoryFixture) lookups(t *testing.T, result string) float64 {
	t.Helper()
	mfs, err := f.reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != "test_category_tree_cache_lookups_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "result" && l.GetValue() == result {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

// =====================
// BuildTree / GetTree
// =====================

func TestCategoryUsecase_BuildTree(t *testing.T) {
	f := newCategoryFixture(t)

	tree, err := f.uc.BuildTree(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, tree, 2)
	assert.Equal(t, int64(1), tree[0].ID)
	assert.Equal(t, int64(5), tree[1].ID)
	require.Len(t, tree[0].Children, 2)
	assert.Equal(t, int64(2), tree[0].Children[0].ID)
	assert.Equal(t, int64(4), tree[0].Children[1].ID)
	assert.Equal(t, int64(3), tree[0].Children[0].Children[0].ID)
	assert.NotNil(t, tree[1].Children)
	assert.Empty(t, tree[1].Children)

	sub, err := f.uc.BuildTree(context.Background(), ptr(2))
	require.NoError(t, err)
	require.Len(t, sub, 1)
	assert.Equal(t, "B", sub[0].Name)
	require.Len(t, sub[0].Children, 1)
}

func TestCategoryUsecase_BuildTree_DeterministicJSON(t *testing.T) {
	f := newCategoryFixture(t)

	a, err := f.uc.BuildTree(context.Background(), nil)
	require.NoError(t, err)
	b, err := f.uc.BuildTree(context.Background(), nil)
	require.NoError(t, err)

	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	assert.Equal(t, string(ja), string(jb))
	assert.Contains(t, string(ja), `"children":[]`)
}

func TestCategoryUsecase_BuildTree_Cycle(t *testing.T) {
	f := newCategoryFixture(t)
	//X(6) -> Y(7) -> X(6)
	f.store.putCategory(6, "X", ptr(7))
	f.store.putCategory(7, "Y", ptr(6))

	_, err := f.uc.BuildTree(context.Background(), nil)
	assertCode(t, err, http.StatusInternalServerError, "cycle_detected")
	assert.True(t, errors.Is(err, usecase.ErrCycleDetected))

	_, err = f.uc.GetPath(context.Background(), 6)
	assert.True(t, errors.Is(err, usecase.ErrCycleDetected))
}

func TestCategoryUsecase_BuildTree_UnknownRoot(t *testing.T) {
	f := newCategoryFixture(t)
	_, err := f.uc.BuildTree(context.Background(), ptr(99))
	assertCode(t, err, http.StatusNotFound, "not_found")
}

func TestCategoryUsecase_GetTree_CachesUntilTTL(t *testing.T) {
	f := newCategoryFixture(t)
	ctx := context.Background()

	first, err := f.uc.GetTree(ctx, nil)
	require.NoError(t, err)
	second, err := f.uc.GetTree(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), f.cats.listAll.Load())

	//キャッシュ中は永続層の変更が見えない
	f.store.putCategory(8, "F", nil)
	cached, err := f.uc.GetTree(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, cached, 2)

	f.now = f.now.Add(time.Hour)
	fresh, err := f.uc.GetTree(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, fresh, 3)
	assert.Equal(t, int64(2), f.cats.listAll.Load())
}

func TestCategoryUsecase_GetTreeJSON_RecordsHitsAndMisses(t *testing.T) {
	f := newCategoryFixture(t)
	ctx := context.Background()

	_, err := f.uc.GetTreeJSON(ctx, nil)
	require.NoError(t, err)
	_, err = f.uc.GetTreeJSON(ctx, nil)
	require.NoError(t, err)
	_, err = f.uc.GetTreeJSON(ctx, ptr(1))
	require.NoError(t, err)

	assert.Equal(t, float64(1), f.lookups(t, "hit"))
	assert.Equal(t, float64(2), f.lookups(t, "miss"))
}

func TestCategoryUsecase_InvalidateCache(t *testing.T) {
	f := newCategoryFixture(t)
	ctx := context.Background()

	_, err := f.uc.GetTree(ctx, nil)
	require.NoError(t, err)
	_, err = f.uc.GetTree(ctx, ptr(1))
	require.NoError(t, err)
	require.Equal(t, int64(2), f.cats.listAll.Load())

	//1つだけ消す
	require.NoError(t, f.uc.InvalidateCache(ctx, ptr(1)))
	_, err = f.uc.GetTree(ctx, nil)
	require.NoError(t, err)
	_, err = f.uc.GetTree(ctx, ptr(1))
	require.NoError(t, err)
	assert.Equal(t, int64(3), f.cats.listAll.Load())

	//全部消す
	require.NoError(t, f.uc.InvalidateCache(ctx, nil))
	_, err = f.uc.GetTree(ctx, nil)
	require.NoError(t, err)
	_, err = f.uc.GetTree(ctx, ptr(1))
	require.NoError(t, err)
	assert.Equal(t, int64(5), f.cats.listAll.Load())
}

func TestCategoryUsecase_GetTree_ConcurrentReaders(t *testing.T) {
	f := newCategoryFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tree, err := f.uc.GetTree(ctx, nil)
			assert.NoError(t, err)
			assert.Len(t, tree, 2)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, f.cats.listAll.Load(), int64(20))
}

// 最初のListAllだけ、読んだ後にreleaseまで止まる
type gatedCategories struct {
	memCategories
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func newGatedCategories(s *memStore) *gatedCategories {
	return &gatedCategories{
		memCategories: memCategories{s},
		read:          make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (g *gatedCategories) ListAll(ctx context.Context) ([]model.Category, error) {
	out, err := g.memCategories.ListAll(ctx)
	first := false
	g.once.Do(func() { first = true })
	if !first {
		return out, err
	}
	close(g.read)
	select {
	case <-g.release:
		return out, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func decodeTree(t *testing.T, b []byte) []usecase.CategoryNode {
	t.Helper()
	var tree []usecase.CategoryNode
	require.NoError(t, json.Unmarshal(b, &tree))
	return tree
}

// 先に組み立てを始めたリクエストが切断されても、待っている他のリクエストは成功する
func TestCategoryUsecase_GetTreeJSON_CancelledCallerDoesNotFailOthers(t *testing.T) {
	s := newMemStore()
	s.putCategory(1, "A", nil)
	g := newGatedCategories(s)
	uc := usecase.NewCategoryUsecase(g, memProductsDirect{s}, nil, cache.NewMemoryStore(), time.Hour, nil)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := uc.GetTreeJSON(firstCtx, nil)
		firstErr <- err
	}()
	<-g.read

	type result struct {
		b   []byte
		err error
	}
	second := make(chan result, 1)
	go func() {
		b, err := uc.GetTreeJSON(context.Background(), nil)
		second <- result{b, err}
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(g.release)
	res := <-second
	require.NoError(t, res.err)
	tree := decodeTree(t, res.b)
	require.Len(t, tree, 1)
	assert.Equal(t, int64(1), tree[0].ID)

	//組み立て結果はキャッシュにも入っている
	cached, err := uc.GetTreeJSON(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, string(res.b), string(cached))
}

// 無効化より前に読んだツリーは保存しない
func TestCategoryUsecase_GetTreeJSON_InvalidateDuringRebuild(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	s.putCategory(1, "A", nil)
	g := newGatedCategories(s)
	uc := usecase.NewCategoryUsecase(g, memProductsDirect{s}, nil, cache.NewMemoryStore(), time.Hour, nil)

	stale := make(chan []byte, 1)
	go func() {
		b, err := uc.GetTreeJSON(ctx, nil)
		assert.NoError(t, err)
		stale <- b
	}()
	<-g.read

	s.putCategory(2, "B", nil)
	require.NoError(t, uc.InvalidateCache(ctx, nil))
	close(g.release)
	assert.Len(t, decodeTree(t, <-stale), 1)

	fresh, err := uc.GetTreeJSON(ctx, nil)
	require.NoError(t, err)
	tree := decodeTree(t, fresh)
	require.Len(t, tree, 2)
	assert.Equal(t, "B", tree[1].Name)
}

// =====================
// GetPath
// =====================

func TestCategoryUsecase_GetPath(t *testing.T) {
	f := newCategoryFixture(t)

	path, err := f.uc.GetPath(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, path, 3)
	assert.Equal(t, "A", path[0].Name)
	assert.Equal(t, "B", path[1].Name)
	assert.Equal(t, "C", path[2].Name)

	root, err := f.uc.GetPath(context.Background(), 5)
	require.NoError(t, err)
	assert.Len(t, root, 1)

	_, err = f.uc.GetPath(context.Background(), 99)
	assertCode(t, err, http.StatusNotFound, "not_found")
}

func TestCategoryUsecase_GetPath_DanglingParent(t *testing.T) {
	f := newCategoryFixture(t)
	f.store.putCategory(9, "Orphan", ptr(404))

	_, err := f.uc.GetPath(context.Background(), 9)
	assertCode(t, err, http.StatusInternalServerError, "dangling_parent")
}

// =====================
// 管理者CRUD
// =====================

func TestCategoryUsecase_AdminCreateCategory(t *testing.T) {
	f := newCategoryFixture(t)
	ctx := context.Background()

	_, err := f.uc.GetTree(ctx, nil)
	require.NoError(t, err)

	c, err := f.uc.AdminCreateCategory(ctx, 1, usecase.CategoryInput{Name: "Café & Bar", ParentID: ptr(5)})
	require.NoError(t, err)
	assert.Equal(t, "cafe-bar", c.Slug)

	//作成でキャッシュが捨てられ、新しいノードが見える
	tree, err := f.uc.GetTree(ctx, nil)
	require.NoError(t, err)
	require.Len(t, tree[1].Children, 1)
	assert.Equal(t, "Café & Bar", tree[1].Children[0].Name)

	_, err = f.uc.AdminCreateCategory(ctx, 1, usecase.CategoryInput{Name: "a"})
	assertCode(t, err, http.StatusConflict, "conflict")

	_, err = f.uc.AdminCreateCategory(ctx, 1, usecase.CategoryInput{Name: "Z", ParentID: ptr(99)})
	assertCode(t, err, http.StatusNotFound, "not_found")

	_, err = f.uc.AdminCreateCategory(ctx, 1, usecase.CategoryInput{Name: "  "})
	assertCode(t, err, http.StatusBadRequest, "bad_request")
}

func TestCategoryUsecase_AdminUpdateCategory_RejectsCycle(t *testing.T) {
	f := newCategoryFixture(t)
	ctx := context.Background()

	//AをCの子にするとA->B->C->Aになる
	_, err := f.uc.AdminUpdateCategory(ctx, 1, 1, usecase.CategoryInput{Name: "A", Slug: "a", ParentID: ptr(3)})
	assertCode(t, err, http.StatusConflict, "invalid_state")

	_, err = f.uc.AdminUpdateCategory(ctx, 1, 1, usecase.CategoryInput{Name: "A", Slug: "a", ParentID: ptr(1)})
	assertCode(t, err, http.StatusConflict, "invalid_state")

	//EをAの下に移すのは問題ない
	moved, err := f.uc.AdminUpdateCategory(ctx, 1, 5, usecase.CategoryInput{Name: "E", Slug: "e", ParentID: ptr(1)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), *moved.ParentID)

	path, err := f.uc.GetPath(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, path, 2)
}

func TestCategoryUsecase_AdminDeleteCategory(t *testing.T) {
	f := newCategoryFixture(t)
	ctx := context.Background()

	err := f.uc.AdminDeleteCategory(ctx, 1, 1)
	assertCode(t, err, http.StatusConflict, "invalid_state")

	f.store.putProduct(model.Product{ID: 50, SKU: "P-50", Name: "P", CategoryID: ptr(5), IsActive: true})
	err = f.uc.AdminDeleteCategory(ctx, 1, 5)
	assertCode(t, err, http.StatusConflict, "invalid_state")

	require.NoError(t, f.uc.AdminDeleteCategory(ctx, 1, 3))
	_, err = f.cats.FindByID(ctx, 3)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	err = f.uc.AdminDeleteCategory(ctx, 1, 3)
	assertCode(t, err, http.StatusNotFound, "not_found")
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Home & Garden":  "home-garden",
		"  Électronique": "electronique",
		"Books--2024":    "books-2024",
		"!!!":            "",
	}
	for in, want := range cases {
		assert.Equal(t, want, usecase.Slugify(in), in)
	}
}
