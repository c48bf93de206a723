// Package offers maintains merchant offers, their append-only price history
// and the per-product lowest-price marker.
package offers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kosarica/marketplace-service/internal/database"
	"github.com/kosarica/marketplace-service/internal/errx"
	"github.com/kosarica/marketplace-service/internal/metrics"
	"github.com/kosarica/marketplace-service/internal/telemetry"
)

var (
	ErrOfferNotFound    = errx.WithCode(errx.KindNotFound, "offer_not_found", "offer not found")
	ErrProductNotFound  = errx.WithCode(errx.KindNotFound, "product_not_found", "product not found")
	ErrMerchantNotFound = errx.WithCode(errx.KindNotFound, "merchant_not_found", "merchant not found")
	ErrDuplicateOffer   = errx.WithCode(errx.KindConflict, "duplicate_offer", "merchant already has an offer for this product")
)

const uniquePairConstraint = "offers_product_merchant_unique"

// Ledger is the offer engine. Every write runs in one transaction that first
// locks the product row, so the offer mutation, its history record and the
// lowest-price marker commit together and writers on one product serialize.
type Ledger struct {
	db      database.DB
	log     zerolog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

// Option configures a Ledger
type Option func(*Ledger)

// WithClock overrides the clock used for history timestamps
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *metrics.Recorder) Option {
	return func(l *Ledger) { l.metrics = m }
}

// NewLedger creates an offer ledger on db
func NewLedger(db database.DB, logger zerolog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		db:  db,
		log: logger.With().Str("component", "offers").Logger(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateOfferInput carries the fields of a new offer
type CreateOfferInput struct {
	ProductID     int64               `json:"product_id" binding:"required"`
	MerchantID    int64               `json:"merchant_id" binding:"required"`
	Price         *decimal.Decimal    `json:"price" binding:"required"`
	OriginalPrice decimal.NullDecimal `json:"original_price"`
	Currency      string              `json:"currency,omitempty"`
	InStock       *bool               `json:"in_stock,omitempty"` // defaults to true
	StockQuantity *int                `json:"stock_quantity,omitempty"`
	ShippingCost  decimal.Decimal     `json:"shipping_cost"`
	FreeShipping  bool                `json:"free_shipping"`
	DeliveryTime  *string             `json:"delivery_time,omitempty"`
	Condition     string              `json:"condition,omitempty"` // defaults to "new"
	URL           string              `json:"url"`
	IsActive      *bool               `json:"is_active,omitempty"` // defaults to true
}

// OfferPatch is a partial update. Nil fields are left unchanged.
type OfferPatch struct {
	Price              *decimal.Decimal `json:"price,omitempty"`
	OriginalPrice      *decimal.Decimal `json:"original_price,omitempty"`
	ClearOriginalPrice bool             `json:"clear_original_price,omitempty"`
	Currency           *string          `json:"currency,omitempty"`
	InStock            *bool            `json:"in_stock,omitempty"`
	StockQuantity      *int             `json:"stock_quantity,omitempty"`
	ClearStockQuantity bool             `json:"clear_stock_quantity,omitempty"`
	ShippingCost       *decimal.Decimal `json:"shipping_cost,omitempty"`
	FreeShipping       *bool            `json:"free_shipping,omitempty"`
	DeliveryTime       *string          `json:"delivery_time,omitempty"`
	Condition          *string          `json:"condition,omitempty"`
	URL                *string          `json:"url,omitempty"`
	IsActive           *bool            `json:"is_active,omitempty"`
}

// Apply returns a copy of o with the patch applied
func (p OfferPatch) Apply(o database.Offer) database.Offer {
	if p.Price != nil {
		o.Price = *p.Price
	}
	if p.ClearOriginalPrice {
		o.OriginalPrice = decimal.NullDecimal{}
	} else if p.OriginalPrice != nil {
		o.OriginalPrice = decimal.NewNullDecimal(*p.OriginalPrice)
	}
	if p.Currency != nil {
		o.Currency = strings.ToUpper(*p.Currency)
	}
	if p.InStock != nil {
		o.InStock = *p.InStock
	}
	if p.ClearStockQuantity {
		o.StockQuantity = nil
	} else if p.StockQuantity != nil {
		q := *p.StockQuantity
		o.StockQuantity = &q
	}
	if p.ShippingCost != nil {
		o.ShippingCost = *p.ShippingCost
	}
	if p.FreeShipping != nil {
		o.FreeShipping = *p.FreeShipping
	}
	if p.DeliveryTime != nil {
		d := *p.DeliveryTime
		o.DeliveryTime = &d
	}
	if p.Condition != nil {
		o.Condition = *p.Condition
	}
	if p.URL != nil {
		o.URL = *p.URL
	}
	if p.IsActive != nil {
		o.IsActive = *p.IsActive
	}
	return o
}

// Change describes which parts of an offer differ between two states
type Change struct {
	Price         bool
	OriginalPrice bool
	Stock         bool // in_stock or stock_quantity
	InStock       bool
	Active        bool
	Other         bool // fields that are not snapshotted
}

// Material reports whether the change warrants a history record
func (c Change) Material() bool {
	return c.Price || c.OriginalPrice || c.Stock
}

// Any reports whether anything changed at all
func (c Change) Any() bool {
	return c.Material() || c.Active || c.Other
}

// AffectsMarker reports whether the lowest-price marker may move
func (c Change) AffectsMarker() bool {
	return c.Price || c.InStock || c.Active
}

// Diff compares two offer states using decimal equality for money
func Diff(cur, next database.Offer) Change {
	var c Change
	c.Price = !cur.Price.Equal(next.Price)
	c.OriginalPrice = !nullDecimalEqual(cur.OriginalPrice, next.OriginalPrice)
	c.InStock = cur.InStock != next.InStock
	c.Stock = c.InStock || !intPtrEqual(cur.StockQuantity, next.StockQuantity)
	c.Active = cur.IsActive != next.IsActive
	c.Other = cur.Currency != next.Currency ||
		!cur.ShippingCost.Equal(next.ShippingCost) ||
		cur.FreeShipping != next.FreeShipping ||
		!strPtrEqual(cur.DeliveryTime, next.DeliveryTime) ||
		cur.Condition != next.Condition ||
		cur.URL != next.URL
	return c
}

func nullDecimalEqual(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func validate(o database.Offer) error {
	switch {
	case o.Price.IsNegative():
		return errx.Invalid("price must not be negative")
	case o.OriginalPrice.Valid && o.OriginalPrice.Decimal.IsNegative():
		return errx.Invalid("original_price must not be negative")
	case o.ShippingCost.IsNegative():
		return errx.Invalid("shipping_cost must not be negative")
	case o.StockQuantity != nil && *o.StockQuantity < 0:
		return errx.Invalid("stock_quantity must not be negative")
	case len(o.Currency) != 3:
		return errx.Invalid("currency must be a 3-letter code")
	}
	switch o.Condition {
	case database.ConditionNew, database.ConditionRefurbished, database.ConditionUsed:
	default:
		return errx.Invalid("condition must be one of new, refurbished, used")
	}
	return nil
}

// Create inserts an offer with its first history record and recomputes the
// product's lowest-price marker.
func (l *Ledger) Create(ctx context.Context, in CreateOfferInput) (offer *database.Offer, err error) {
	ctx, span := telemetry.StartSpan(ctx, "offers.Create",
		attribute.Int64("product.id", in.ProductID),
		attribute.Int64("merchant.id", in.MerchantID))
	defer func() {
		telemetry.EndSpan(span, err)
		l.metrics.RecordOfferWrite("create", false, err)
	}()

	if in.Price == nil {
		return nil, errx.Invalid("price is required")
	}

	o := database.Offer{
		ProductID:     in.ProductID,
		MerchantID:    in.MerchantID,
		Price:         *in.Price,
		OriginalPrice: in.OriginalPrice,
		Currency:      strings.ToUpper(in.Currency),
		InStock:       true,
		StockQuantity: in.StockQuantity,
		ShippingCost:  in.ShippingCost,
		FreeShipping:  in.FreeShipping,
		DeliveryTime:  in.DeliveryTime,
		Condition:     in.Condition,
		URL:           in.URL,
		IsActive:      true,
	}
	if o.Currency == "" {
		o.Currency = "EUR"
	}
	if o.Condition == "" {
		o.Condition = database.ConditionNew
	}
	if in.InStock != nil {
		o.InStock = *in.InStock
	}
	if in.IsActive != nil {
		o.IsActive = *in.IsActive
	}
	if err := validate(o); err != nil {
		return nil, err
	}

	now := l.now()
	err = database.InTx(ctx, l.db, func(tx pgx.Tx) error {
		if err := lockProduct(ctx, tx, o.ProductID); err != nil {
			return err
		}

		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM merchants WHERE id = $1)`, o.MerchantID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check merchant: %w", err)
		}
		if !exists {
			return ErrMerchantNotFound.Withf("merchant %d not found", o.MerchantID)
		}

		if err := tx.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM offers WHERE product_id = $1 AND merchant_id = $2)
		`, o.ProductID, o.MerchantID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check existing offer: %w", err)
		}
		if exists {
			return ErrDuplicateOffer
		}

		if err := tx.QueryRow(ctx, `
			INSERT INTO offers (
				product_id, merchant_id, price, original_price, currency, in_stock,
				stock_quantity, shipping_cost, free_shipping, delivery_time, condition,
				url, is_lowest_price, is_active, last_updated, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, FALSE, $13, $14, $14, $14)
			RETURNING id
		`, o.ProductID, o.MerchantID, o.Price, o.OriginalPrice, o.Currency, o.InStock,
			o.StockQuantity, o.ShippingCost, o.FreeShipping, o.DeliveryTime, o.Condition,
			o.URL, o.IsActive, now).Scan(&o.ID); err != nil {
			return mapWriteError(err)
		}

		if err := appendHistory(ctx, tx, o, historyDelta{first: true}, now); err != nil {
			return err
		}
		l.metrics.RecordHistoryRecord()

		if _, err := tx.Exec(ctx, `
			UPDATE merchants SET product_count = product_count + 1, updated_at = $2 WHERE id = $1
		`, o.MerchantID, now); err != nil {
			return fmt.Errorf("failed to bump merchant product count: %w", err)
		}

		if _, _, err := RecomputeIn(ctx, tx, o.ProductID); err != nil {
			return err
		}
		l.metrics.RecordLowestRecompute("write")

		offer, err = getOffer(ctx, tx, o.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.log.Info().
		Int64("offer_id", offer.ID).
		Int64("product_id", offer.ProductID).
		Int64("merchant_id", offer.MerchantID).
		Str("price", offer.Price.String()).
		Msg("Offer created")
	return offer, nil
}

// Update applies patch to an offer. It returns the resulting offer and
// whether anything changed; a patch identical to the current state is a
// no-op that writes nothing.
func (l *Ledger) Update(ctx context.Context, id int64, patch OfferPatch) (offer *database.Offer, changed bool, err error) {
	ctx, span := telemetry.StartSpan(ctx, "offers.Update", attribute.Int64("offer.id", id))
	defer func() {
		span.SetAttributes(attribute.Bool("offer.changed", changed))
		telemetry.EndSpan(span, err)
		l.metrics.RecordOfferWrite("update", !changed, err)
	}()

	now := l.now()
	var change Change
	err = database.InTx(ctx, l.db, func(tx pgx.Tx) error {
		productID, err := offerProductID(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := lockProduct(ctx, tx, productID); err != nil {
			return err
		}

		cur, err := getOffer(ctx, tx, id)
		if err != nil {
			return err
		}
		next := patch.Apply(*cur)
		change = Diff(*cur, next)
		if !change.Any() {
			offer = cur
			return nil
		}
		if err := validate(next); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE offers SET
				price = $2, original_price = $3, currency = $4, in_stock = $5,
				stock_quantity = $6, shipping_cost = $7, free_shipping = $8,
				delivery_time = $9, condition = $10, url = $11, is_active = $12,
				last_updated = $13, updated_at = $13
			WHERE id = $1
		`, id, next.Price, next.OriginalPrice, next.Currency, next.InStock,
			next.StockQuantity, next.ShippingCost, next.FreeShipping,
			next.DeliveryTime, next.Condition, next.URL, next.IsActive, now); err != nil {
			return mapWriteError(err)
		}

		if change.Material() {
			delta := historyDelta{oldPrice: cur.Price, priceChanged: change.Price}
			if err := appendHistory(ctx, tx, next, delta, now); err != nil {
				return err
			}
			l.metrics.RecordHistoryRecord()
		}

		if change.AffectsMarker() {
			if _, _, err := RecomputeIn(ctx, tx, productID); err != nil {
				return err
			}
			l.metrics.RecordLowestRecompute("write")
		}

		offer, err = getOffer(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	changed = change.Any()
	if changed {
		l.log.Info().
			Int64("offer_id", id).
			Bool("price_changed", change.Price).
			Bool("stock_changed", change.Stock).
			Bool("history_recorded", change.Material()).
			Msg("Offer updated")
	}
	return offer, changed, nil
}

// Delete removes an offer and its history and recomputes the product's
// lowest-price marker.
func (l *Ledger) Delete(ctx context.Context, id int64) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "offers.Delete", attribute.Int64("offer.id", id))
	defer func() {
		telemetry.EndSpan(span, err)
		l.metrics.RecordOfferWrite("delete", false, err)
	}()

	now := l.now()
	err = database.InTx(ctx, l.db, func(tx pgx.Tx) error {
		productID, err := offerProductID(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := lockProduct(ctx, tx, productID); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `DELETE FROM offer_histories WHERE offer_id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete offer history: %w", err)
		}

		var merchantID int64
		if err := tx.QueryRow(ctx, `DELETE FROM offers WHERE id = $1 RETURNING merchant_id`, id).Scan(&merchantID); err != nil {
			if database.IsNoRows(err) {
				return ErrOfferNotFound.Withf("offer %d not found", id)
			}
			return fmt.Errorf("failed to delete offer: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE merchants SET product_count = GREATEST(product_count - 1, 0), updated_at = $2 WHERE id = $1
		`, merchantID, now); err != nil {
			return fmt.Errorf("failed to decrement merchant product count: %w", err)
		}

		if _, _, err := RecomputeIn(ctx, tx, productID); err != nil {
			return err
		}
		l.metrics.RecordLowestRecompute("write")
		return nil
	})
	if err != nil {
		return err
	}

	l.log.Info().Int64("offer_id", id).Msg("Offer deleted")
	return nil
}

// RecomputeLowest re-derives the lowest-price marker of a product in its
// own transaction. It returns the marked offer (nil when no offer qualifies)
// and how many markers flipped.
func (l *Ledger) RecomputeLowest(ctx context.Context, productID int64) (winner *int64, flipped int64, err error) {
	ctx, span := telemetry.StartSpan(ctx, "offers.RecomputeLowest", attribute.Int64("product.id", productID))
	defer func() { telemetry.EndSpan(span, err) }()

	err = database.InTx(ctx, l.db, func(tx pgx.Tx) error {
		if err := lockProduct(ctx, tx, productID); err != nil {
			return err
		}
		winner, flipped, err = RecomputeIn(ctx, tx, productID)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	l.metrics.RecordLowestRecompute("reconcile")
	return winner, flipped, nil
}

// RecomputeIn re-derives the lowest-price marker of a product using q. The
// winner is the active, in-stock offer with the lowest price, ties going to
// the lowest offer id. Every marker of the product is rewritten by a single
// statement, so no reader sees zero or two marked offers. Callers writing
// offers should hold the product row lock.
func RecomputeIn(ctx context.Context, q database.Querier, productID int64) (*int64, int64, error) {
	var winner *int64
	err := q.QueryRow(ctx, `
		SELECT id FROM offers
		WHERE product_id = $1 AND in_stock AND is_active
		ORDER BY price ASC, id ASC
		LIMIT 1
	`, productID).Scan(&winner)
	if err != nil && !database.IsNoRows(err) {
		return nil, 0, fmt.Errorf("failed to select lowest offer: %w", err)
	}

	tag, err := q.Exec(ctx, `
		UPDATE offers
		SET is_lowest_price = COALESCE(id = $2::bigint, FALSE)
		WHERE product_id = $1 AND is_lowest_price <> COALESCE(id = $2::bigint, FALSE)
	`, productID, winner)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to update lowest price markers: %w", err)
	}
	return winner, tag.RowsAffected(), nil
}

// lockProduct takes the row lock that serializes offer writes per product
func lockProduct(ctx context.Context, tx pgx.Tx, productID int64) error {
	var id int64
	err := tx.QueryRow(ctx, `SELECT id FROM products WHERE id = $1 FOR UPDATE`, productID).Scan(&id)
	if database.IsNoRows(err) {
		return ErrProductNotFound.Withf("product %d not found", productID)
	}
	if err != nil {
		return fmt.Errorf("failed to lock product: %w", err)
	}
	return nil
}

func offerProductID(ctx context.Context, q database.Querier, id int64) (int64, error) {
	var productID int64
	err := q.QueryRow(ctx, `SELECT product_id FROM offers WHERE id = $1`, id).Scan(&productID)
	if database.IsNoRows(err) {
		return 0, ErrOfferNotFound.Withf("offer %d not found", id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load offer: %w", err)
	}
	return productID, nil
}

func mapWriteError(err error) error {
	if database.ConstraintName(err) == uniquePairConstraint {
		return ErrDuplicateOffer.Wrap(err)
	}
	mapped := database.MapError(err)
	var e *errx.Error
	if errors.As(mapped, &e) {
		return mapped
	}
	return fmt.Errorf("failed to write offer: %w", err)
}
