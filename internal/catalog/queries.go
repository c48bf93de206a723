package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/kosarica/marketplace-service/internal/database"
	"github.com/kosarica/marketplace-service/internal/filter"
	"github.com/kosarica/marketplace-service/internal/offers"
	"github.com/kosarica/marketplace-service/internal/telemetry"
)

// Product listing sort orders
const (
	ProductSortNewest    = "newest"
	ProductSortName      = "name"
	ProductSortPriceAsc  = "price_asc"
	ProductSortPriceDesc = "price_desc"
)

var productOrderBy = map[string]string{
	ProductSortNewest:    "p.created_at DESC, p.id DESC",
	ProductSortName:      "p.name ASC, p.id ASC",
	ProductSortPriceAsc:  "agg.best_price ASC NULLS LAST, p.id ASC",
	ProductSortPriceDesc: "agg.best_price DESC NULLS LAST, p.id ASC",
}

// ProductQuery filters a product listing. Zero values do not filter.
type ProductQuery struct {
	CategoryIDs     []int64
	Brand           string
	Search          string
	MinPrice        decimal.NullDecimal // on the best in-stock price
	MaxPrice        decimal.NullDecimal
	InStock         bool // only products with an in-stock offer
	IncludeInactive bool
	Sort            string
	Limit           int
	Offset          int
}

// ProductSummary is a product with its offer aggregates
type ProductSummary struct {
	database.Product
	BestPrice       decimal.NullDecimal `json:"best_price"`
	AverageDiscount decimal.NullDecimal `json:"average_discount"`
	OfferCount      int                 `json:"offer_count"`
	MerchantCount   int                 `json:"merchant_count"`
}

// ProductList is one page of products
type ProductList struct {
	Products []ProductSummary `json:"products"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

func nullArg(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal
}

// offerAggregate summarizes the active in-stock offers of p
const offerAggregate = `
	LEFT JOIN LATERAL (
		SELECT MIN(o.price) AS best_price,
			ROUND(AVG(CASE WHEN o.original_price > o.price
				THEN (o.original_price - o.price) / o.original_price * 100 END), 2) AS average_discount,
			COUNT(*) AS offer_count,
			COUNT(DISTINCT o.merchant_id) AS merchant_count
		FROM offers o
		WHERE o.product_id = p.id AND o.in_stock AND o.is_active
	) agg ON TRUE`

func (q ProductQuery) where(start int) (string, []any) {
	var b filter.Builder
	if q.CategoryIDs != nil {
		b.Add(filter.In("p.category_id", q.CategoryIDs))
	}
	if q.Brand != "" {
		b.Add(filter.Equals("p.brand", q.Brand))
	}
	if !q.IncludeInactive {
		b.Add(filter.Raw("p.is_active"))
	}
	if q.InStock {
		b.Add(filter.Raw("agg.offer_count > 0"))
	}
	b.Add(filter.Range("agg.best_price", nullArg(q.MinPrice), nullArg(q.MaxPrice)))
	b.Add(filter.Like(q.Search, "p.name", "p.description", "p.brand"))
	return b.Build(start)
}

// ListProducts returns a filtered, sorted page of products with their best
// price.
func (c *Catalog) ListProducts(ctx context.Context, q ProductQuery) (list *ProductList, err error) {
	ctx, span := telemetry.StartSpan(ctx, "catalog.ListProducts")
	defer func() { telemetry.EndSpan(span, err) }()

	limit, offset := offers.ClampPage(q.Limit, q.Offset)
	orderBy, ok := productOrderBy[q.Sort]
	if !ok {
		orderBy = productOrderBy[ProductSortNewest]
	}
	where, args := q.where(1)
	from := `FROM products p` + offerAggregate + ` ` + where

	var total int
	if err := c.db.QueryRow(ctx, `SELECT COUNT(*) `+from, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count products: %w", err)
	}

	n := len(args)
	rows, err := c.db.Query(ctx, fmt.Sprintf(`
		SELECT %s, agg.best_price, agg.average_discount, agg.offer_count, agg.merchant_count %s
		ORDER BY %s
		LIMIT $%d OFFSET $%d
	`, productColumns, from, orderBy, n+1, n+2), append(args, limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	out := []ProductSummary{}
	for rows.Next() {
		var s ProductSummary
		if err := rows.Scan(append(productScanArgs(&s.Product),
			&s.BestPrice, &s.AverageDiscount, &s.OfferCount, &s.MerchantCount)...); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating products: %w", err)
	}
	return &ProductList{Products: out, Total: total, Limit: limit, Offset: offset}, nil
}

// Merchant listing sort orders
const (
	MerchantSortNameAsc      = "name_asc"
	MerchantSortNameDesc     = "name_desc"
	MerchantSortRatingHigh   = "rating_high"
	MerchantSortProductsHigh = "products_high"
	MerchantSortNewest       = "newest"
)

var merchantOrderBy = map[string]string{
	MerchantSortNameAsc:      "m.name ASC, m.id ASC",
	MerchantSortNameDesc:     "m.name DESC, m.id ASC",
	MerchantSortRatingHigh:   "m.rating DESC, m.review_count DESC, m.id ASC",
	MerchantSortProductsHigh: "active_products DESC, m.id ASC",
	MerchantSortNewest:       "m.created_at DESC, m.id DESC",
}

// MerchantQuery filters a merchant listing
type MerchantQuery struct {
	Search          string
	IncludeInactive bool
	Sort            string
	Limit           int
	Offset          int
}

// MerchantSummary is a merchant with its count of active in-stock offers
type MerchantSummary struct {
	database.Merchant
	ActiveProducts int `json:"active_products"`
}

// MerchantList is one page of merchants
type MerchantList struct {
	Merchants []MerchantSummary `json:"merchants"`
	Total     int               `json:"total"`
	Limit     int               `json:"limit"`
	Offset    int               `json:"offset"`
}

// ListMerchants returns a filtered, sorted page of merchants
func (c *Catalog) ListMerchants(ctx context.Context, q MerchantQuery) (list *MerchantList, err error) {
	ctx, span := telemetry.StartSpan(ctx, "catalog.ListMerchants")
	defer func() { telemetry.EndSpan(span, err) }()

	limit, offset := offers.ClampPage(q.Limit, q.Offset)
	orderBy, ok := merchantOrderBy[q.Sort]
	if !ok {
		orderBy = merchantOrderBy[MerchantSortNameAsc]
	}

	var b filter.Builder
	if !q.IncludeInactive {
		b.Add(filter.Raw("m.is_active"))
	}
	b.Add(filter.Like(q.Search, "m.name", "m.description", "m.website_url"))
	where, args := b.Build(1)

	var total int
	if err := c.db.QueryRow(ctx, `SELECT COUNT(*) FROM merchants m `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count merchants: %w", err)
	}

	n := len(args)
	rows, err := c.db.Query(ctx, fmt.Sprintf(`
		SELECT %s, (
			SELECT COUNT(*) FROM offers o
			WHERE o.merchant_id = m.id AND o.in_stock AND o.is_active
		) AS active_products
		FROM merchants m %s
		ORDER BY %s
		LIMIT $%d OFFSET $%d
	`, merchantColumns, where, orderBy, n+1, n+2), append(args, limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list merchants: %w", err)
	}
	defer rows.Close()

	out := []MerchantSummary{}
	for rows.Next() {
		var s MerchantSummary
		if err := rows.Scan(append(merchantScanArgs(&s.Merchant), &s.ActiveProducts)...); err != nil {
			return nil, fmt.Errorf("failed to scan merchant: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating merchants: %w", err)
	}
	return &MerchantList{Merchants: out, Total: total, Limit: limit, Offset: offset}, nil
}

const (
	newProductWindow = 30 * 24 * time.Hour
	topCategoryLimit = 5
)

// CategoryStats aggregates the active products of one category
type CategoryStats struct {
	ID           int64               `json:"id"`
	Name         string              `json:"name"`
	ProductCount int                 `json:"product_count"`
	MinPrice     decimal.NullDecimal `json:"min_price"`
	MaxPrice     decimal.NullDecimal `json:"max_price"`
	AveragePrice decimal.NullDecimal `json:"average_price"`
}

// ProductStats summarizes the active catalog
type ProductStats struct {
	TotalProducts   int             `json:"total_products"`
	NewProducts     int             `json:"new_products"`
	TotalBrands     int             `json:"total_brands"`
	InStockProducts int             `json:"in_stock_products"`
	TopCategories   []CategoryStats `json:"top_categories"`
}

// ProductStats returns catalog totals and the largest categories with their
// price ranges. New products are those created in the last 30 days.
func (c *Catalog) ProductStats(ctx context.Context) (stats *ProductStats, err error) {
	ctx, span := telemetry.StartSpan(ctx, "catalog.ProductStats")
	defer func() { telemetry.EndSpan(span, err) }()

	var s ProductStats
	if err := c.db.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE p.created_at >= $1),
			COUNT(DISTINCT p.brand),
			COUNT(*) FILTER (WHERE EXISTS (
				SELECT 1 FROM offers o WHERE o.product_id = p.id AND o.in_stock AND o.is_active
			))
		FROM products p
		WHERE p.is_active
	`, c.now().Add(-newProductWindow)).Scan(&s.TotalProducts, &s.NewProducts, &s.TotalBrands, &s.InStockProducts); err != nil {
		return nil, fmt.Errorf("failed to aggregate products: %w", err)
	}

	rows, err := c.db.Query(ctx, `
		SELECT c.id, c.name, COUNT(DISTINCT p.id), MIN(o.price), MAX(o.price), ROUND(AVG(o.price), 2)
		FROM categories c
		JOIN products p ON p.category_id = c.id AND p.is_active
		LEFT JOIN offers o ON o.product_id = p.id AND o.in_stock AND o.is_active
		GROUP BY c.id, c.name
		ORDER BY COUNT(DISTINCT p.id) DESC, c.id ASC
		LIMIT $1
	`, topCategoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate categories: %w", err)
	}
	s.TopCategories, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (CategoryStats, error) {
		var cs CategoryStats
		err := row.Scan(&cs.ID, &cs.Name, &cs.ProductCount, &cs.MinPrice, &cs.MaxPrice, &cs.AveragePrice)
		return cs, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan category stats: %w", err)
	}
	return &s, nil
}
