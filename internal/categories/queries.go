package categories

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kosarica/marketplace-service/internal/database"
	"github.com/kosarica/marketplace-service/internal/filter"
	"github.com/kosarica/marketplace-service/internal/telemetry"
)

const categoryColumns = `c.id, c.name, c.slug, c.description, c.parent_id, c.level, c.is_active,
	c.meta_title, c.meta_description, c.image_url, c.sort_order, c.product_count, c.created_at, c.updated_at`

func scanCategory(row pgx.Row, c *database.Category) error {
	return row.Scan(
		&c.ID, &c.Name, &c.Slug, &c.Description, &c.ParentID, &c.Level, &c.IsActive,
		&c.MetaTitle, &c.MetaDescription, &c.ImageURL, &c.SortOrder, &c.ProductCount, &c.CreatedAt, &c.UpdatedAt,
	)
}

func getCategory(ctx context.Context, q database.Querier, id int64) (*database.Category, error) {
	var c database.Category
	err := scanCategory(q.QueryRow(ctx, `SELECT `+categoryColumns+` FROM categories c WHERE c.id = $1`, id), &c)
	if database.IsNoRows(err) {
		return nil, ErrCategoryNotFound.Withf("category %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load category: %w", err)
	}
	return &c, nil
}

func collectCategories(rows pgx.Rows) ([]database.Category, error) {
	defer rows.Close()
	out := []database.Category{}
	for rows.Next() {
		var c database.Category
		if err := scanCategory(rows, &c); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating categories: %w", err)
	}
	return out, nil
}

// Get returns one category
func (t *Tree) Get(ctx context.Context, id int64) (*database.Category, error) {
	return getCategory(ctx, t.db, id)
}

// Children returns the direct subcategories of id in display order
func (t *Tree) Children(ctx context.Context, id int64) ([]database.Category, error) {
	rows, err := t.db.Query(ctx, `
		SELECT `+categoryColumns+` FROM categories c
		WHERE c.parent_id = $1
		ORDER BY c.sort_order, c.name, c.id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query subcategories: %w", err)
	}
	return collectCategories(rows)
}

// Node is a category with its nested subcategories
type Node struct {
	database.Category
	Children []*Node `json:"children"`
}

// Tree returns every category nested under its parent, roots first, each
// level ordered by sort order then name. With activeOnly, inactive
// categories and everything below them are left out.
func (t *Tree) Tree(ctx context.Context, activeOnly bool) (roots []*Node, err error) {
	ctx, span := telemetry.StartSpan(ctx, "categories.Tree")
	defer func() { telemetry.EndSpan(span, err) }()

	rows, err := t.db.Query(ctx, `
		SELECT `+categoryColumns+` FROM categories c ORDER BY c.sort_order, c.name, c.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	all, err := collectCategories(rows)
	if err != nil {
		return nil, err
	}
	return buildTree(all, activeOnly), nil
}

// buildTree nests cats, which must be in display order. Nodes that are not
// reachable from a root are dropped.
func buildTree(cats []database.Category, activeOnly bool) []*Node {
	nodes := make(map[int64]*Node, len(cats))
	for _, c := range cats {
		nodes[c.ID] = &Node{Category: c, Children: []*Node{}}
	}

	children := map[int64][]*Node{}
	roots := []*Node{}
	for _, c := range cats {
		n := nodes[c.ID]
		if c.ParentID == nil {
			roots = append(roots, n)
			continue
		}
		children[*c.ParentID] = append(children[*c.ParentID], n)
	}

	visited := map[int64]bool{}
	var attach func(n *Node) bool
	attach = func(n *Node) bool {
		if visited[n.ID] || (activeOnly && !n.IsActive) {
			return false
		}
		visited[n.ID] = true
		for _, child := range children[n.ID] {
			if attach(child) {
				n.Children = append(n.Children, child)
			}
		}
		return true
	}

	out := []*Node{}
	for _, r := range roots {
		if attach(r) {
			out = append(out, r)
		}
	}
	return out
}

// Stats summarizes one category's catalog
type Stats struct {
	ID           int64               `json:"id"`
	Name         string              `json:"name"`
	Slug         string              `json:"slug"`
	Level        int                 `json:"level"`
	ProductCount int                 `json:"product_count"`
	OfferCount   int                 `json:"offer_count"`
	MinPrice     decimal.NullDecimal `json:"min_price"`
	MaxPrice     decimal.NullDecimal `json:"max_price"`
	AveragePrice decimal.NullDecimal `json:"average_price"`
}

// Stats returns per-category product and offer price statistics over the
// products directly in each active category.
func (t *Tree) Stats(ctx context.Context) (stats []Stats, err error) {
	ctx, span := telemetry.StartSpan(ctx, "categories.Stats")
	defer func() { telemetry.EndSpan(span, err) }()

	rows, err := t.db.Query(ctx, `
		SELECT c.id, c.name, c.slug, c.level,
			COUNT(DISTINCT p.id)::int,
			COUNT(o.id)::int,
			MIN(o.price), MAX(o.price), ROUND(AVG(o.price), 2)
		FROM categories c
		LEFT JOIN products p ON p.category_id = c.id AND p.is_active
		LEFT JOIN offers o ON o.product_id = p.id AND o.in_stock AND o.is_active
		WHERE c.is_active
		GROUP BY c.id
		ORDER BY c.level, c.sort_order, c.name, c.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query category stats: %w", err)
	}
	defer rows.Close()

	stats = []Stats{}
	for rows.Next() {
		var s Stats
		if err := rows.Scan(&s.ID, &s.Name, &s.Slug, &s.Level, &s.ProductCount, &s.OfferCount,
			&s.MinPrice, &s.MaxPrice, &s.AveragePrice); err != nil {
			return nil, fmt.Errorf("failed to scan category stats: %w", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating category stats: %w", err)
	}
	return stats, nil
}

// Product sort orders
const (
	SortName      = "name"
	SortNewest    = "newest"
	SortPriceAsc  = "price_asc"
	SortPriceDesc = "price_desc"
)

var productOrderBy = map[string]string{
	SortName:      "p.name ASC, p.id ASC",
	SortNewest:    "p.created_at DESC, p.id DESC",
	SortPriceAsc:  "s.min_price ASC NULLS LAST, p.id ASC",
	SortPriceDesc: "s.min_price DESC NULLS LAST, p.id ASC",
}

// ProductQuery filters the products of a category
type ProductQuery struct {
	OnlyDirect bool // skip subcategories
	MinPrice   decimal.NullDecimal
	MaxPrice   decimal.NullDecimal
	Brand      string
	Search     string
	Sort       string
	Limit      int
	Offset     int
}

// ProductSummary is a product with its best current offer price
type ProductSummary struct {
	database.Product
	MinPrice   decimal.NullDecimal `json:"min_price"`
	OfferCount int                 `json:"offer_count"`
}

// ProductPage is one page of category products
type ProductPage struct {
	Category database.Category `json:"category"`
	Products []ProductSummary  `json:"products"`
	Total    int               `json:"total"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

func nullArg(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal
}

// Products lists the active products in a category and, unless OnlyDirect,
// in all of its descendants.
func (t *Tree) Products(ctx context.Context, id int64, q ProductQuery) (page *ProductPage, err error) {
	ctx, span := telemetry.StartSpan(ctx, "categories.Products", attribute.Int64("category.id", id))
	defer func() { telemetry.EndSpan(span, err) }()

	cat, err := getCategory(ctx, t.db, id)
	if err != nil {
		return nil, err
	}

	ids := []int64{id}
	if !q.OnlyDirect {
		below, err := t.DescendantIDs(ctx, id)
		if err != nil {
			return nil, err
		}
		ids = append(ids, below...)
	}

	limit, offset := clampPage(q.Limit, q.Offset)
	orderBy, ok := productOrderBy[q.Sort]
	if !ok {
		orderBy = productOrderBy[SortName]
	}

	var b filter.Builder
	b.Add(
		filter.In("p.category_id", ids),
		filter.Raw("p.is_active"),
		filter.Range("s.min_price", nullArg(q.MinPrice), nullArg(q.MaxPrice)),
		filter.Like(q.Search, "p.name", "p.brand", "p.model"),
	)
	if q.Brand != "" {
		b.Add(filter.Equals("p.brand", q.Brand))
	}
	where, args := b.Build(1)

	from := `
		FROM products p
		LEFT JOIN LATERAL (
			SELECT MIN(o.price) AS min_price, COUNT(o.id)::int AS offer_count
			FROM offers o
			WHERE o.product_id = p.id AND o.in_stock AND o.is_active
		) s ON TRUE
		` + where

	var total int
	if err := t.db.QueryRow(ctx, `SELECT COUNT(*) `+from, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count category products: %w", err)
	}

	n := len(args)
	rows, err := t.db.Query(ctx, fmt.Sprintf(`
		SELECT p.id, p.name, p.slug, p.description, p.brand, p.model, p.image_url,
			p.category_id, p.is_active, p.created_at, p.updated_at, s.min_price, s.offer_count
		%s
		ORDER BY %s
		LIMIT $%d OFFSET $%d
	`, from, orderBy, n+1, n+2), append(args, limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query category products: %w", err)
	}
	defer rows.Close()

	products := []ProductSummary{}
	for rows.Next() {
		var ps ProductSummary
		p := &ps.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Slug, &p.Description, &p.Brand, &p.Model, &p.ImageURL,
			&p.CategoryID, &p.IsActive, &p.CreatedAt, &p.UpdatedAt, &ps.MinPrice, &ps.OfferCount); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating products: %w", err)
	}

	return &ProductPage{Category: *cat, Products: products, Total: total, Limit: limit, Offset: offset}, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
