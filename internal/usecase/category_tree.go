package usecase

import (
	"fmt"
	"sort"

	"storefront/internal/domain/model"
	repo "storefront/internal/repository"
)

// JSONのバイト列が毎回同じになるよう、childrenはid昇順・nilにしない
type CategoryNode struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	Slug        string         `json:"slug"`
	Description string         `json:"description"`
	ParentID    *int64         `json:"parent_id"`
	Children    []CategoryNode `json:"children"`
}

type CategoryRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// id -> 位置 の索引と親子の隣接リスト
type categoryIndex struct {
	nodes    []model.Category
	pos      map[int64]int
	children map[int64][]int
	roots    []int
}

func newCategoryIndex(cats []model.Category) (*categoryIndex, error) {
	nodes := make([]model.Category, len(cats))
	copy(nodes, cats)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	ix := &categoryIndex{
		nodes:    nodes,
		pos:      make(map[int64]int, len(nodes)),
		children: make(map[int64][]int),
	}
	for i, c := range nodes {
		ix.pos[c.ID] = i
	}
	//id昇順で回すので隣接リストも昇順になる
	for i, c := range nodes {
		if c.ParentID == nil {
			ix.roots = append(ix.roots, i)
			continue
		}
		if _, ok := ix.pos[*c.ParentID]; !ok {
			return nil, fmt.Errorf("%w: category %d references parent %d", ErrDanglingParent, c.ID, *c.ParentID)
		}
		ix.children[*c.ParentID] = append(ix.children[*c.ParentID], i)
	}
	return ix, nil
}

// 親をたどって同じノードに戻ってきたら循環
func (ix *categoryIndex) checkAcyclic() error {
	const (
		unseen = iota
		onPath
		done
	)
	state := make([]uint8, len(ix.nodes))

	for i := range ix.nodes {
		var path []int
		j := i
		for {
			if state[j] == done {
				break
			}
			if state[j] == onPath {
				return fmt.Errorf("%w: category %d is its own ancestor", ErrCycleDetected, ix.nodes[j].ID)
			}
			state[j] = onPath
			path = append(path, j)
			pid := ix.nodes[j].ParentID
			if pid == nil {
				break
			}
			j = ix.pos[*pid]
		}
		for _, k := range path {
			state[k] = done
		}
	}
	return nil
}

func (ix *categoryIndex) build(i int, visited []bool) (CategoryNode, error) {
	if visited[i] {
		return CategoryNode{}, fmt.Errorf("%w: category %d reached twice", ErrCycleDetected, ix.nodes[i].ID)
	}
	visited[i] = true

	c := ix.nodes[i]
	kids := ix.children[c.ID]
	node := CategoryNode{
		ID:          c.ID,
		Name:        c.Name,
		Slug:        c.Slug,
		Description: c.Description,
		ParentID:    c.ParentID,
		Children:    make([]CategoryNode, 0, len(kids)),
	}
	for _, k := range kids {
		child, err := ix.build(k, visited)
		if err != nil {
			return CategoryNode{}, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

// rootIDがnilなら全ルート、指定ならその部分木（要素1つ）を返す
func BuildCategoryTree(cats []model.Category, rootID *int64) ([]CategoryNode, error) {
	ix, err := newCategoryIndex(cats)
	if err != nil {
		return nil, err
	}
	if err := ix.checkAcyclic(); err != nil {
		return nil, err
	}

	starts := ix.roots
	if rootID != nil {
		p, ok := ix.pos[*rootID]
		if !ok {
			return nil, fmt.Errorf("%w: category %d", repo.ErrNotFound, *rootID)
		}
		starts = []int{p}
	}

	visited := make([]bool, len(ix.nodes))
	tree := make([]CategoryNode, 0, len(starts))
	for _, s := range starts {
		n, err := ix.build(s, visited)
		if err != nil {
			return nil, err
		}
		tree = append(tree, n)
	}
	return tree, nil
}

// ルートから対象までの並び
func CategoryPath(cats []model.Category, id int64) ([]CategoryRef, error) {
	byID := make(map[int64]model.Category, len(cats))
	for _, c := range cats {
		byID[c.ID] = c
	}
	c, ok := byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: category %d", repo.ErrNotFound, id)
	}

	seen := make(map[int64]bool)
	var rev []CategoryRef
	for {
		if seen[c.ID] {
			return nil, fmt.Errorf("%w: category %d is its own ancestor", ErrCycleDetected, c.ID)
		}
		seen[c.ID] = true
		rev = append(rev, CategoryRef{ID: c.ID, Name: c.Name, Slug: c.Slug})
		if c.ParentID == nil {
			break
		}
		parent, ok := byID[*c.ParentID]
		if !ok {
			return nil, fmt.Errorf("%w: category %d references parent %d", ErrDanglingParent, c.ID, *c.ParentID)
		}
		c = parent
	}

	path := make([]CategoryRef, len(rev))
	for i, ref := range rev {
		path[len(rev)-1-i] = ref
	}
	return path, nil
}
