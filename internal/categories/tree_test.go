package categories

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kosarica/marketplace-service/internal/database"
	"github.com/kosarica/marketplace-service/internal/database/dbtest"
	"github.com/kosarica/marketplace-service/internal/errx"
)

// memCache is an in-process SubtreeCache for tests
type memCache struct {
	mu          sync.Mutex
	entries     map[int64][]int64
	gen         int64
	invalidated int
}

func newMemCache() *memCache {
	return &memCache{entries: map[int64][]int64{}}
}

func (c *memCache) GetDescendants(_ context.Context, id int64) ([]int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids, ok := c.entries[id]
	return ids, ok, nil
}

func (c *memCache) Generation(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen, nil
}

func (c *memCache) SetDescendants(_ context.Context, gen, id int64, ids []int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false, nil
	}
	c.entries[id] = ids
	return true, nil
}

func (c *memCache) Invalidate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[int64][]int64{}
	c.gen++
	c.invalidated++
	return nil
}

func newTestTree(t *testing.T, opts ...Option) (*Tree, *pgxpool.Pool) {
	pool := dbtest.New(t)
	return NewTree(pool, zerolog.Nop(), opts...), pool
}

func mustCreate(t *testing.T, tree *Tree, name string, parent *int64) *database.Category {
	t.Helper()
	c, err := tree.Create(context.Background(), CreateCategoryInput{Name: name, ParentID: parent})
	require.NoError(t, err)
	return c
}

// assertLevelsConsistent checks level == parent.level + 1 (or 1) for every row
func assertLevelsConsistent(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	var bad int
	require.NoError(t, pool.QueryRow(context.Background(), `
		SELECT COUNT(*) FROM categories c
		LEFT JOIN categories p ON p.id = c.parent_id
		WHERE c.level <> COALESCE(p.level + 1, 1)
	`).Scan(&bad))
	assert.Zero(t, bad, "every level must equal parent level + 1")
}

func levelOf(t *testing.T, tree *Tree, id int64) int {
	t.Helper()
	c, err := tree.Get(context.Background(), id)
	require.NoError(t, err)
	return c.Level
}

func TestTree_CreateLevels(t *testing.T) {
	tree, pool := newTestTree(t)

	phones := mustCreate(t, tree, "Phones", nil)
	smart := mustCreate(t, tree, "Smartphones", &phones.ID)
	android := mustCreate(t, tree, "Android", &smart.ID)

	assert.Equal(t, 1, phones.Level)
	assert.Equal(t, 2, smart.Level)
	assert.Equal(t, 3, android.Level)
	assert.Equal(t, "smartphones", smart.Slug)
	assert.True(t, smart.IsActive)
	assertLevelsConsistent(t, pool)

	missing := int64(9999)
	_, err := tree.Create(context.Background(), CreateCategoryInput{Name: "Orphan", ParentID: &missing})
	assert.True(t, errors.Is(err, ErrInvalidParent))
	assert.Equal(t, errx.KindInvalidParent, errx.KindOf(err))

	_, err = tree.Create(context.Background(), CreateCategoryInput{Name: "  "})
	assert.Equal(t, errx.KindInvalid, errx.KindOf(err))
}

func TestTree_SlugCollisions(t *testing.T) {
	tree, _ := newTestTree(t)

	a := mustCreate(t, tree, "Audio", nil)
	b := mustCreate(t, tree, "audio", nil)
	c := mustCreate(t, tree, "AUDIO!", nil)
	assert.Equal(t, "audio", a.Slug)
	assert.Equal(t, "audio-2", b.Slug)
	assert.Equal(t, "audio-3", c.Slug)

	// renaming keeps its own slug free
	renamed, err := tree.Update(context.Background(), b.ID, CategoryPatch{Name: ptr("Audio ")})
	require.NoError(t, err)
	assert.Equal(t, "audio-2", renamed.Slug)

	renamed, err = tree.Update(context.Background(), b.ID, CategoryPatch{Name: ptr("Hi-Fi")})
	require.NoError(t, err)
	assert.Equal(t, "hi-fi", renamed.Slug)

	d := mustCreate(t, tree, "Audio", nil)
	assert.Equal(t, "audio-2", d.Slug, "freed suffix is reused")
}

func ptr[T any](v T) *T { return &v }

func TestTree_ReparentUnderDeeperNode(t *testing.T) {
	tree, pool := newTestTree(t)
	ctx := context.Background()

	phones := mustCreate(t, tree, "Phones", nil)
	smart := mustCreate(t, tree, "Smartphones", &phones.ID)
	android := mustCreate(t, tree, "Android", &smart.ID)
	pixel := mustCreate(t, tree, "Pixel", &android.ID)

	electronics := mustCreate(t, tree, "Electronics", nil)
	_, err := tree.Update(ctx, smart.ID, CategoryPatch{ParentID: &electronics.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, levelOf(t, tree, smart.ID), "level 1 parent leaves level unchanged")
	assert.Equal(t, 3, levelOf(t, tree, android.ID))

	// now put Electronics itself at level 2: its subtree shifts by one
	home := mustCreate(t, tree, "Home", nil)
	moved, err := tree.Update(ctx, electronics.ID, CategoryPatch{ParentID: &home.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, moved.Level)
	assert.Equal(t, 3, levelOf(t, tree, smart.ID))
	assert.Equal(t, 4, levelOf(t, tree, android.ID))
	assert.Equal(t, 5, levelOf(t, tree, pixel.ID))
	assertLevelsConsistent(t, pool)

	// detach moves the subtree back up by one
	detached, err := tree.Update(ctx, electronics.ID, CategoryPatch{Detach: true})
	require.NoError(t, err)
	assert.Nil(t, detached.ParentID)
	assert.Equal(t, 1, detached.Level)
	assert.Equal(t, 4, levelOf(t, tree, pixel.ID))
	assertLevelsConsistent(t, pool)
}

func TestTree_ReparentRejectsCycles(t *testing.T) {
	tree, pool := newTestTree(t)
	ctx := context.Background()

	root := mustCreate(t, tree, "Root", nil)
	child := mustCreate(t, tree, "Child", &root.ID)
	grandchild := mustCreate(t, tree, "Grandchild", &child.ID)

	_, err := tree.Update(ctx, root.ID, CategoryPatch{ParentID: &root.ID})
	assert.True(t, errors.Is(err, ErrInvalidParent))

	_, err = tree.Update(ctx, root.ID, CategoryPatch{ParentID: &grandchild.ID})
	assert.True(t, errors.Is(err, ErrInvalidParent))

	missing := int64(424242)
	_, err = tree.Update(ctx, child.ID, CategoryPatch{ParentID: &missing, Name: ptr("Renamed")})
	assert.True(t, errors.Is(err, ErrInvalidParent))

	// the rejected update left nothing behind
	c, err := tree.Get(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, "Child", c.Name)
	assertLevelsConsistent(t, pool)

	_, err = tree.Update(ctx, 777, CategoryPatch{Name: ptr("x")})
	assert.True(t, errors.Is(err, ErrCategoryNotFound))
}

func TestTree_FieldUpdateAndMoveAreAtomic(t *testing.T) {
	tree, pool := newTestTree(t)
	ctx := context.Background()

	a := mustCreate(t, tree, "A", nil)
	b := mustCreate(t, tree, "B", nil)
	leaf := mustCreate(t, tree, "Leaf", &a.ID)
	mustCreate(t, tree, "Taken", nil)

	// an invalid name after the move rolls the move back
	_, err := tree.Update(ctx, leaf.ID, CategoryPatch{ParentID: &b.ID, Name: ptr(" ")})
	assert.Equal(t, errx.KindInvalid, errx.KindOf(err))

	c, err := tree.Get(ctx, leaf.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, *c.ParentID)
	assertLevelsConsistent(t, pool)

	updated, err := tree.Update(ctx, leaf.ID, CategoryPatch{ParentID: &b.ID, Name: ptr("Taken"), SortOrder: ptr(3)})
	require.NoError(t, err)
	assert.Equal(t, b.ID, *updated.ParentID)
	assert.Equal(t, "taken-2", updated.Slug)
	assert.Equal(t, 3, updated.SortOrder)
}

func TestTree_ConcurrentReparentKeepsLevels(t *testing.T) {
	tree, pool := newTestTree(t)
	ctx := context.Background()

	var ids []int64
	var parent *int64
	for _, name := range []string{"L1", "L2", "L3", "L4", "L5", "L6"} {
		c := mustCreate(t, tree, name, parent)
		ids = append(ids, c.ID)
		parent = &c.ID
	}
	other := mustCreate(t, tree, "Other", nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var patch CategoryPatch
			switch i % 3 {
			case 0:
				patch.ParentID = &other.ID
			case 1:
				patch.Detach = true
			default:
				patch.ParentID = &ids[0]
			}
			// moving L3 under L1 and L2 under Other interleave
			target := ids[1+i%2]
			if _, err := tree.Update(ctx, target, patch); err != nil {
				assert.True(t, errors.Is(err, ErrInvalidParent), "unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assertLevelsConsistent(t, pool)
}

func TestTree_Delete(t *testing.T) {
	tree, pool := newTestTree(t)
	ctx := context.Background()

	parent := mustCreate(t, tree, "Parent", nil)
	child := mustCreate(t, tree, "Child", &parent.ID)

	err := tree.Delete(ctx, parent.ID)
	assert.True(t, errors.Is(err, ErrHasChildren))
	assert.Equal(t, errx.KindForbidden, errx.KindOf(err))

	_, err = pool.Exec(ctx, `INSERT INTO products (name, slug, category_id) VALUES ('Thing', 'thing', $1)`, child.ID)
	require.NoError(t, err)
	err = tree.Delete(ctx, child.ID)
	assert.True(t, errors.Is(err, ErrHasProducts))

	_, err = pool.Exec(ctx, `DELETE FROM products`)
	require.NoError(t, err)
	require.NoError(t, tree.Delete(ctx, child.ID))
	require.NoError(t, tree.Delete(ctx, parent.ID))

	err = tree.Delete(ctx, parent.ID)
	assert.True(t, errors.Is(err, ErrCategoryNotFound))
}

func TestTree_DescendantsAndAncestors(t *testing.T) {
	cache := newMemCache()
	tree, _ := newTestTree(t, WithCache(cache))
	ctx := context.Background()

	root := mustCreate(t, tree, "Electronics", nil)
	phones := mustCreate(t, tree, "Phones", &root.ID)
	android := mustCreate(t, tree, "Android", &phones.ID)
	tv := mustCreate(t, tree, "TV", &root.ID)

	ids, err := tree.DescendantIDs(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{phones.ID, android.ID, tv.ID}, ids)

	cached, ok, _ := cache.GetDescendants(ctx, root.ID)
	assert.True(t, ok)
	assert.Equal(t, ids, cached)

	leaf, err := tree.DescendantIDs(ctx, android.ID)
	require.NoError(t, err)
	assert.Empty(t, leaf)

	chain, err := tree.AncestorChain(ctx, android.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, []Crumb{
		{ID: root.ID, Name: "Electronics", Slug: "electronics"},
		{ID: phones.ID, Name: "Phones", Slug: "phones"},
		{ID: android.ID, Name: "Android", Slug: "android"},
	}, chain)

	// a move invalidates cached subtrees
	before := cache.invalidated
	_, err = tree.Update(ctx, android.ID, CategoryPatch{ParentID: &tv.ID})
	require.NoError(t, err)
	assert.Greater(t, cache.invalidated, before)

	ids, err = tree.DescendantIDs(ctx, tv.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{android.ID}, ids)

	_, err = tree.DescendantIDs(ctx, 5555)
	assert.True(t, errors.Is(err, ErrCategoryNotFound))
	_, err = tree.AncestorChain(ctx, 5555)
	assert.True(t, errors.Is(err, ErrCategoryNotFound))
}

func TestTree_AncestorChainStopsOnCycle(t *testing.T) {
	tree, pool := newTestTree(t)
	ctx := context.Background()

	a := mustCreate(t, tree, "A", nil)
	b := mustCreate(t, tree, "B", &a.ID)

	// corrupt the tree behind the engine's back
	_, err := pool.Exec(ctx, `UPDATE categories SET parent_id = $1 WHERE id = $2`, b.ID, a.ID)
	require.NoError(t, err)

	chain, err := tree.AncestorChain(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, chain, 2)

	ids, err := tree.DescendantIDs(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{b.ID}, ids)
}

func TestTree_RepairLevels(t *testing.T) {
	tree, pool := newTestTree(t)
	ctx := context.Background()

	root := mustCreate(t, tree, "Root", nil)
	child := mustCreate(t, tree, "Child", &root.ID)
	mustCreate(t, tree, "Grandchild", &child.ID)

	_, err := pool.Exec(ctx, `UPDATE categories SET level = 7 WHERE id = $1`, child.ID)
	require.NoError(t, err)

	fixed, err := tree.RepairLevels(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)
	assertLevelsConsistent(t, pool)

	fixed, err = tree.RepairLevels(ctx)
	require.NoError(t, err)
	assert.Zero(t, fixed)
}

func TestTree_QueriesAndProducts(t *testing.T) {
	tree, pool := newTestTree(t)
	ctx := context.Background()

	root := mustCreate(t, tree, "Electronics", nil)
	phones := mustCreate(t, tree, "Phones", &root.ID)
	hidden, err := tree.Create(ctx, CreateCategoryInput{Name: "Hidden", ParentID: &root.ID, IsActive: ptr(false)})
	require.NoError(t, err)

	var merchant, p1, p2 int64
	require.NoError(t, pool.QueryRow(ctx, `INSERT INTO merchants (name, slug) VALUES ('Shop', 'shop') RETURNING id`).Scan(&merchant))
	require.NoError(t, pool.QueryRow(ctx, `INSERT INTO products (name, slug, brand, category_id) VALUES ('Pixel 9', 'pixel-9', 'Google', $1) RETURNING id`, phones.ID).Scan(&p1))
	require.NoError(t, pool.QueryRow(ctx, `INSERT INTO products (name, slug, category_id) VALUES ('Cable', 'cable', $1) RETURNING id`, root.ID).Scan(&p2))
	_, err = pool.Exec(ctx, `INSERT INTO offers (product_id, merchant_id, price) VALUES ($1, $3, 699), ($2, $3, 9.99)`, p1, p2, merchant)
	require.NoError(t, err)

	page, err := tree.Products(ctx, root.ID, ProductQuery{Sort: SortPriceDesc})
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	assert.Equal(t, p1, page.Products[0].ID)
	assert.True(t, decimal.NewFromInt(699).Equal(page.Products[0].MinPrice.Decimal))
	assert.Equal(t, 1, page.Products[0].OfferCount)

	page, err = tree.Products(ctx, root.ID, ProductQuery{OnlyDirect: true})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	page, err = tree.Products(ctx, root.ID, ProductQuery{MinPrice: decimal.NewNullDecimal(decimal.NewFromInt(100)), Brand: "Google"})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "Pixel 9", page.Products[0].Name)

	nodes, err := tree.Tree(ctx, true)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Len(t, nodes[0].Children, 1)

	children, err := tree.Children(ctx, root.ID)
	require.NoError(t, err)
	assert.Len(t, children, 2)

	stats, err := tree.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2, "inactive categories are skipped")
	assert.Equal(t, root.ID, stats[0].ID)
	assert.Equal(t, 1, stats[0].ProductCount)
	assert.True(t, decimal.RequireFromString("9.99").Equal(stats[0].MinPrice.Decimal))
	for _, s := range stats {
		assert.NotEqual(t, hidden.ID, s.ID)
	}

	changed, err := tree.RecountProducts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, changed, "raw inserts bypassed the counters")
}
