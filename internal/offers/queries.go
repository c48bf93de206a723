package offers

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

const offerColumns = `o.id, o.product_id, o.merchant_id, o.price, o.original_price, o.currency,
	o.in_stock, o.stock_quantity, o.shipping_cost, o.free_shipping, o.delivery_time,
	o.condition, o.url, o.is_lowest_price, o.is_active, o.last_updated, o.created_at, o.updated_at`

func offerScanArgs(o *database.Offer) []any {
	return []any{
		&o.ID, &o.ProductID, &o.MerchantID, &o.Price, &o.OriginalPrice, &o.Currency,
		&o.InStock, &o.StockQuantity, &o.ShippingCost, &o.FreeShipping, &o.DeliveryTime,
		&o.Condition, &o.URL, &o.IsLowestPrice, &o.IsActive, &o.LastUpdated, &o.CreatedAt, &o.UpdatedAt,
	}
}

func getOffer(ctx context.Context, q database.Querier, id int64) (*database.Offer, error) {
	var o database.Offer
	err := q.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers o WHERE o.id = $1`, id).Scan(offerScanArgs(&o)...)
	if database.IsNoRows(err) {
		return nil, ErrOfferNotFound.Withf("offer %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load offer: %w", err)
	}
	return &o, nil
}

// Get returns one offer
func (l *Ledger) Get(ctx context.Context, id int64) (*database.Offer, error) {
	return getOffer(ctx, l.db, id)
}

// Sort orders for offer listings
const (
	SortNewest       = "newest"
	SortPriceAsc     = "price_asc"
	SortPriceDesc    = "price_desc"
	SortDiscountHigh = "discount_high"
)

var offerOrderBy = map[string]string{
	SortNewest:       "o.created_at DESC, o.id DESC",
	SortPriceAsc:     "o.price ASC, o.id ASC",
	SortPriceDesc:    "o.price DESC, o.id ASC",
	SortDiscountHigh: "CASE WHEN o.original_price > o.price THEN (o.original_price - o.price) / o.original_price END DESC NULLS LAST, o.id ASC",
}

// Pagination bounds
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// ClampPage applies the default and maximum page size
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// OfferQuery filters an offer listing. Zero values do not filter.
type OfferQuery struct {
	ProductID       *int64
	MerchantID      *int64
	CategoryIDs     []int64 // products in any of these categories; nil does not filter
	MinPrice        decimal.NullDecimal
	MaxPrice        decimal.NullDecimal
	InStock         *bool
	HasDiscount     bool
	IncludeInactive bool
	Search          string
	Sort            string
	Limit           int
	Offset          int
}

// OfferList is one page of offers
type OfferList struct {
	Offers []View `json:"offers"`
	Total  int    `json:"total"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

func nullArg(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal
}

// where renders the listing filters
func (q OfferQuery) where(start int) (string, []any) {
	var b filter.Builder
	if q.ProductID != nil {
		b.Add(filter.Equals("o.product_id", *q.ProductID))
	}
	if q.MerchantID != nil {
		b.Add(filter.Equals("o.merchant_id", *q.MerchantID))
	}
	if q.CategoryIDs != nil {
		b.Add(filter.In("p.category_id", q.CategoryIDs))
	}
	b.Add(filter.Range("o.price", nullArg(q.MinPrice), nullArg(q.MaxPrice)))
	if q.InStock != nil {
		b.Add(filter.Equals("o.in_stock", *q.InStock))
	}
	if q.HasDiscount {
		b.Add(filter.Raw("o.original_price > o.price"))
	}
	if !q.IncludeInactive {
		b.Add(filter.Raw("o.is_active"))
	}
	b.Add(filter.Like(q.Search, "p.name", "p.brand", "p.model"))
	return b.Build(start)
}

// List returns a filtered, sorted page of offers with product and merchant
// names.
func (l *Ledger) List(ctx context.Context, q OfferQuery) (list *OfferList, err error) {
	ctx, span := telemetry.StartSpan(ctx, "offers.List")
	defer func() { telemetry.EndSpan(span, err) }()

	limit, offset := ClampPage(q.Limit, q.Offset)
	orderBy, ok := offerOrderBy[q.Sort]
	if !ok {
		orderBy = offerOrderBy[SortNewest]
	}
	where, args := q.where(1)

	from := `
		FROM offers o
		JOIN products p ON p.id = o.product_id
		JOIN merchants m ON m.id = o.merchant_id
		` + where

	var total int
	if err := l.db.QueryRow(ctx, `SELECT COUNT(*) `+from, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count offers: %w", err)
	}

	n := len(args)
	rows, err := l.db.Query(ctx, fmt.Sprintf(`
		SELECT %s, p.name, m.name %s
		ORDER BY %s
		LIMIT $%d OFFSET $%d
	`, offerColumns, from, orderBy, n+1, n+2), append(args, limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list offers: %w", err)
	}

	views, err := scanViews(rows)
	if err != nil {
		return nil, err
	}
	return &OfferList{Offers: views, Total: total, Limit: limit, Offset: offset}, nil
}

func scanViews(rows pgx.Rows) ([]View, error) {
	defer rows.Close()
	views := []View{}
	for rows.Next() {
		var o database.Offer
		var productName, merchantName string
		if err := rows.Scan(append(offerScanArgs(&o), &productName, &merchantName)...); err != nil {
			return nil, fmt.Errorf("failed to scan offer: %w", err)
		}
		v := NewView(o)
		v.ProductName = productName
		v.MerchantName = merchantName
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating offers: %w", err)
	}
	return views, nil
}

// ProductOffers returns the active in-stock offers of a product, cheapest
// first, optionally leaving out one merchant.
func (l *Ledger) ProductOffers(ctx context.Context, productID int64, excludeMerchantID *int64, limit int) (views []View, err error) {
	ctx, span := telemetry.StartSpan(ctx, "offers.ProductOffers", attribute.Int64("product.id", productID))
	defer func() { telemetry.EndSpan(span, err) }()

	limit, _ = ClampPage(limit, 0)
	rows, err := l.db.Query(ctx, `
		SELECT `+offerColumns+`, p.name, m.name
		FROM offers o
		JOIN products p ON p.id = o.product_id
		JOIN merchants m ON m.id = o.merchant_id
		WHERE o.product_id = $1 AND o.in_stock AND o.is_active
		  AND ($2::bigint IS NULL OR o.merchant_id <> $2)
		ORDER BY o.price ASC, o.id ASC
		LIMIT $3
	`, productID, excludeMerchantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query product offers: %w", err)
	}
	return scanViews(rows)
}

// PriceStats aggregates the active in-stock offers of a product
type PriceStats struct {
	OfferCount      int                 `json:"offer_count"`
	MerchantCount   int                 `json:"merchant_count"`
	MinPrice        decimal.NullDecimal `json:"min_price"`
	MaxPrice        decimal.NullDecimal `json:"max_price"`
	AveragePrice    decimal.NullDecimal `json:"average_price"`
	PriceRange      decimal.NullDecimal `json:"price_range"`
	RangePercentage decimal.NullDecimal `json:"price_range_percentage"`
}

// PriceStats returns price statistics across a product's offers, optionally
// leaving out one merchant.
func (l *Ledger) PriceStats(ctx context.Context, productID int64, excludeMerchantID *int64) (stats *PriceStats, err error) {
	ctx, span := telemetry.StartSpan(ctx, "offers.PriceStats", attribute.Int64("product.id", productID))
	defer func() { telemetry.EndSpan(span, err) }()

	var s PriceStats
	if err := l.db.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT merchant_id), MIN(price), MAX(price), ROUND(AVG(price), 2)
		FROM offers
		WHERE product_id = $1 AND in_stock AND is_active
		  AND ($2::bigint IS NULL OR merchant_id <> $2)
	`, productID, excludeMerchantID).Scan(
		&s.OfferCount, &s.MerchantCount, &s.MinPrice, &s.MaxPrice, &s.AveragePrice,
	); err != nil {
		return nil, fmt.Errorf("failed to aggregate offer prices: %w", err)
	}

	if s.MinPrice.Valid && s.MaxPrice.Valid {
		r := s.MaxPrice.Decimal.Sub(s.MinPrice.Decimal)
		s.PriceRange = decimal.NewNullDecimal(r)
		if s.MinPrice.Decimal.IsPositive() {
			s.RangePercentage = decimal.NewNullDecimal(r.Div(s.MinPrice.Decimal).Mul(hundred).Round(2))
		}
	}
	return &s, nil
}

// ProductIDs returns the products that have at least one offer
func (l *Ledger) ProductIDs(ctx context.Context) ([]int64, error) {
	rows, err := l.db.Query(ctx, `SELECT DISTINCT product_id FROM offers ORDER BY product_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query offer products: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}
