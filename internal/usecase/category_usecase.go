package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"storefront/internal/domain/model"
	"storefront/internal/logger"
	"storefront/internal/metrics"
	repo "storefront/internal/repository"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	categoryTreeKeyPrefix    = "category_tree:"
	DefaultCategoryTreeTTL   = time.Hour
	categoryTreeBuildTimeout = 10 * time.Second
)

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// カテゴリツリーの構築とキャッシュ。
// 同じキーの同時ミスはsingleflightで1回にまとめる。
// genは無効化のたびに進み、それより前に読んだツリーは保存しない（プロセス内のみ）。
type CategoryUsecase struct {
	categories repo.CategoryRepository
	products   repo.ProductRepository
	audit      repo.AuditLogRepository
	cache      repo.CacheStore
	ttl        time.Duration
	metrics    *metrics.Metrics
	group      singleflight.Group
	gen        atomic.Uint64
}

func NewCategoryUsecase(
	categories repo.CategoryRepository,
	products repo.ProductRepository,
	audit repo.AuditLogRepository,
	cache repo.CacheStore,
	ttl time.Duration,
	m *metrics.Metrics,
) *CategoryUsecase {
	if ttl <= 0 {
		ttl = DefaultCategoryTreeTTL
	}
	return &CategoryUsecase{
		categories: categories,
		products:   products,
		audit:      audit,
		cache:      cache,
		ttl:        ttl,
		metrics:    m,
	}
}

type CategoryInput struct {
	Name        string
	Slug        string
	Description string
	ParentID    *int64
}

func treeCacheKey(rootID *int64) string {
	if rootID == nil {
		return categoryTreeKeyPrefix + "all"
	}
	return categoryTreeKeyPrefix + strconv.FormatInt(*rootID, 10)
}

// 永続層から毎回組み立てる（キャッシュは見ない）
func (u *CategoryUsecase) BuildTree(ctx context.Context, rootID *int64) ([]CategoryNode, error) {
	cats, err := u.categories.ListAll(ctx)
	if err != nil {
		return nil, dbError(err)
	}
	tree, err := BuildCategoryTree(cats, rootID)
	if err != nil {
		return nil, u.treeError(ctx, err, rootID)
	}
	return tree, nil
}

// キャッシュ済みのJSONをそのまま返す。ヒットしなければ組み立てて保存する。
// 組み立ては呼び出し元のキャンセルから切り離し、各呼び出し元は自分のctxだけを待つ。
func (u *CategoryUsecase) GetTreeJSON(ctx context.Context, rootID *int64) ([]byte, error) {
	key := treeCacheKey(rootID)
	log := logger.FromContext(ctx)

	data, ok, err := u.cache.Get(ctx, key)
	if err != nil {
		//キャッシュが落ちていても組み立てて返す
		log.Warn("category cache get failed", zap.String("key", key), zap.Error(err))
	}
	if ok && json.Valid(data) {
		u.metrics.CacheHit()
		return data, nil
	}
	u.metrics.CacheMiss()

	gen := u.gen.Load()
	ch := u.group.DoChan(fmt.Sprintf("%s#%d", key, gen), func() (interface{}, error) {
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), categoryTreeBuildTimeout)
		defer cancel()
		return u.buildAndStore(bctx, key, rootID, gen)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// 組み立て中に無効化されたら保存しない（保存と無効化が入れ違ったら消す）
func (u *CategoryUsecase) buildAndStore(ctx context.Context, key string, rootID *int64, gen uint64) ([]byte, error) {
	log := logger.FromContext(ctx)

	tree, err := u.BuildTree(ctx, rootID)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(tree)
	if err != nil {
		return nil, err
	}
	if u.gen.Load() != gen {
		return b, nil
	}
	if err := u.cache.Set(ctx, key, b, u.ttl); err != nil {
		log.Warn("category cache set failed", zap.String("key", key), zap.Error(err))
		return b, nil
	}
	if u.gen.Load() != gen {
		if err := u.cache.Delete(ctx, key); err != nil {
			log.Warn("stale category tree not removed", zap.String("key", key), zap.Error(err))
		}
	}
	return b, nil
}

func (u *CategoryUsecase) GetTree(ctx context.Context, rootID *int64) ([]CategoryNode, error) {
	data, err := u.GetTreeJSON(ctx, rootID)
	if err != nil {
		return nil, err
	}
	var tree []CategoryNode
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("decode category tree: %w", err)
	}
	return tree, nil
}

// rootIDがnilならツリーのキャッシュを全部消す
func (u *CategoryUsecase) InvalidateCache(ctx context.Context, rootID *int64) error {
	u.gen.Add(1)
	var err error
	if rootID == nil {
		err = u.cache.DeletePrefix(ctx, categoryTreeKeyPrefix)
	} else {
		err = u.cache.Delete(ctx, treeCacheKey(rootID))
	}
	if err != nil {
		logger.FromContext(ctx).Error("category cache invalidation failed", zap.Error(err))
		return NewHTTPError(http.StatusInternalServerError, "cache error")
	}
	return nil
}

func (u *CategoryUsecase) GetPath(ctx context.Context, categoryID int64) ([]CategoryRef, error) {
	if categoryID <= 0 {
		return nil, NewHTTPError(http.StatusBadRequest, "invalid category id")
	}
	cats, err := u.categories.ListAll(ctx)
	if err != nil {
		return nil, dbError(err)
	}
	path, err := CategoryPath(cats, categoryID)
	if err != nil {
		return nil, u.treeError(ctx, err, &categoryID)
	}
	return path, nil
}

func (u *CategoryUsecase) ListCategories(ctx context.Context) ([]model.Category, error) {
	cats, err := u.categories.ListAll(ctx)
	if err != nil {
		return nil, dbError(err)
	}
	return cats, nil
}

func (u *CategoryUsecase) GetCategory(ctx context.Context, id int64) (model.Category, error) {
	if id <= 0 {
		return model.Category{}, NewHTTPError(http.StatusBadRequest, "invalid category id")
	}
	c, err := u.categories.FindByID(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return model.Category{}, notFound("category not found")
	}
	if err != nil {
		return model.Category{}, dbError(err)
	}
	return c, nil
}

func (u *CategoryUsecase) AdminCreateCategory(ctx context.Context, adminUserID int64, in CategoryInput) (model.Category, error) {
	if adminUserID <= 0 {
		return model.Category{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	c, err := u.prepare(ctx, 0, in)
	if err != nil {
		return model.Category{}, err
	}

	created, err := u.categories.Create(ctx, c)
	if errors.Is(err, repo.ErrDuplicate) {
		return model.Category{}, NewHTTPError(http.StatusConflict, "category already exists")
	}
	if err != nil {
		return model.Category{}, dbError(err)
	}

	u.afterMutation(ctx, adminUserID, "create", created.ID)
	return created, nil
}

func (u *CategoryUsecase) AdminUpdateCategory(ctx context.Context, adminUserID int64, id int64, in CategoryInput) (model.Category, error) {
	if adminUserID <= 0 {
		return model.Category{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if id <= 0 {
		return model.Category{}, NewHTTPError(http.StatusBadRequest, "invalid category id")
	}
	if _, err := u.categories.FindByID(ctx, id); errors.Is(err, repo.ErrNotFound) {
		return model.Category{}, notFound("category not found")
	} else if err != nil {
		return model.Category{}, dbError(err)
	}

	c, err := u.prepare(ctx, id, in)
	if err != nil {
		return model.Category{}, err
	}
	c.ID = id

	//付け替え後に循環しないか全体で確認する
	if c.ParentID != nil {
		cats, err := u.categories.ListAll(ctx)
		if err != nil {
			return model.Category{}, dbError(err)
		}
		for i := range cats {
			if cats[i].ID == id {
				cats[i].ParentID = c.ParentID
			}
		}
		ix, err := newCategoryIndex(cats)
		if err == nil {
			err = ix.checkAcyclic()
		}
		if errors.Is(err, ErrCycleDetected) {
			return model.Category{}, invalidState("parent would create a cycle")
		}
		if err != nil {
			return model.Category{}, u.treeError(ctx, err, nil)
		}
	}

	err = u.categories.Update(ctx, c)
	if errors.Is(err, repo.ErrNotFound) {
		return model.Category{}, notFound("category not found")
	}
	if errors.Is(err, repo.ErrDuplicate) {
		return model.Category{}, NewHTTPError(http.StatusConflict, "category already exists")
	}
	if err != nil {
		return model.Category{}, dbError(err)
	}

	u.afterMutation(ctx, adminUserID, "update", id)
	return u.GetCategory(ctx, id)
}

// 子カテゴリや商品が残っていると消せない
func (u *CategoryUsecase) AdminDeleteCategory(ctx context.Context, adminUserID int64, id int64) error {
	if adminUserID <= 0 {
		return NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if id <= 0 {
		return NewHTTPError(http.StatusBadRequest, "invalid category id")
	}

	n, err := u.categories.CountChildren(ctx, id)
	if err != nil {
		return dbError(err)
	}
	if n > 0 {
		return invalidState("category has children")
	}
	n, err = u.products.CountByCategoryID(ctx, id)
	if err != nil {
		return dbError(err)
	}
	if n > 0 {
		return invalidState("category has products")
	}

	err = u.categories.Delete(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return notFound("category not found")
	}
	if err != nil {
		return dbError(err)
	}

	u.afterMutation(ctx, adminUserID, "delete", id)
	return nil
}

// 入力チェックとslug決定
func (u *CategoryUsecase) prepare(ctx context.Context, selfID int64, in CategoryInput) (model.Category, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return model.Category{}, NewHTTPError(http.StatusBadRequest, "name required")
	}
	if len(name) > 100 {
		return model.Category{}, NewHTTPError(http.StatusBadRequest, "name too long")
	}

	exists, err := u.categories.ExistsByName(ctx, name, selfID)
	if err != nil {
		return model.Category{}, dbError(err)
	}
	if exists {
		return model.Category{}, NewHTTPError(http.StatusConflict, "category name already exists")
	}

	if in.ParentID != nil {
		if *in.ParentID <= 0 {
			return model.Category{}, NewHTTPError(http.StatusBadRequest, "invalid parent_id")
		}
		if selfID != 0 && *in.ParentID == selfID {
			return model.Category{}, invalidState("category cannot be its own parent")
		}
		if _, err := u.categories.FindByID(ctx, *in.ParentID); errors.Is(err, repo.ErrNotFound) {
			return model.Category{}, notFound("parent category not found")
		} else if err != nil {
			return model.Category{}, dbError(err)
		}
	}

	slug := strings.TrimSpace(in.Slug)
	if slug != "" {
		if slug != Slugify(slug) {
			return model.Category{}, NewHTTPError(http.StatusBadRequest, "invalid slug")
		}
		exists, err := u.categories.ExistsBySlug(ctx, slug, selfID)
		if err != nil {
			return model.Category{}, dbError(err)
		}
		if exists {
			return model.Category{}, NewHTTPError(http.StatusConflict, "slug already exists")
		}
	} else {
		slug, err = u.uniqueSlug(ctx, Slugify(name), selfID)
		if err != nil {
			return model.Category{}, err
		}
	}

	return model.Category{
		Name:        name,
		Slug:        slug,
		Description: strings.TrimSpace(in.Description),
		ParentID:    in.ParentID,
	}, nil
}

func (u *CategoryUsecase) uniqueSlug(ctx context.Context, base string, selfID int64) (string, error) {
	if base == "" {
		base = "category"
	}
	slug := base
	for i := 1; i <= 100; i++ {
		exists, err := u.categories.ExistsBySlug(ctx, slug, selfID)
		if err != nil {
			return "", dbError(err)
		}
		if !exists {
			return slug, nil
		}
		slug = fmt.Sprintf("%s-%d", base, i)
	}
	return "", NewHTTPError(http.StatusConflict, "could not generate unique slug")
}

// 変更のたびにツリーのキャッシュを全部捨てる
func (u *CategoryUsecase) afterMutation(ctx context.Context, adminUserID int64, op string, id int64) {
	log := logger.FromContext(ctx)
	if err := u.InvalidateCache(ctx, nil); err != nil {
		log.Warn("category cache not invalidated after mutation", zap.Int64("category_id", id))
	}
	if u.audit != nil {
		err := u.audit.Create(ctx, model.AuditLog{
			ActorUserID:  adminUserID,
			Action:       model.AuditActionUpdateCategory,
			ResourceType: model.AuditResourceCategory,
			ResourceID:   id,
			AfterJSON:    fmt.Sprintf(`{"op":%q}`, op),
			CreatedAt:    time.Now(),
		})
		if err != nil {
			log.Warn("category audit log not written", zap.Int64("category_id", id), zap.Error(err))
		}
	}
	log.Info("category "+op,
		zap.Int64("category_id", id),
		zap.Int64("admin_user_id", adminUserID),
	)
}

func (u *CategoryUsecase) treeError(ctx context.Context, err error, rootID *int64) error {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return notFound("category not found")
	case errors.Is(err, ErrCycleDetected), errors.Is(err, ErrDanglingParent):
		fields := []zap.Field{zap.Error(err)}
		if rootID != nil {
			fields = append(fields, zap.Int64("root_id", *rootID))
		}
		logger.FromContext(ctx).Error("category hierarchy is corrupt", fields...)
		return newDomainError(http.StatusInternalServerError, err, "category hierarchy is corrupt")
	}
	return dbError(err)
}

// "Café & Bar" -> "cafe-bar"
func Slugify(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)
	folded = slugInvalid.ReplaceAllString(folded, "-")
	return strings.Trim(folded, "-")
}
