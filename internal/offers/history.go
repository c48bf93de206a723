package offers

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kosarica/marketplace-service/internal/database"
	"github.com/kosarica/marketplace-service/internal/errx"
	"github.com/kosarica/marketplace-service/internal/telemetry"
)

// History window bounds in days
const (
	DefaultHistoryDays = 30
	MaxHistoryDays     = 365
)

type historyDelta struct {
	first        bool
	oldPrice     decimal.Decimal
	priceChanged bool
}

// appendHistory snapshots o. is_lowest_price compares against the offer's own
// prior history rows only.
func appendHistory(ctx context.Context, q database.Querier, o database.Offer, d historyDelta, now time.Time) error {
	var priorMin decimal.NullDecimal
	if err := q.QueryRow(ctx, `SELECT MIN(price) FROM offer_histories WHERE offer_id = $1`, o.ID).Scan(&priorMin); err != nil {
		return fmt.Errorf("failed to read history minimum: %w", err)
	}
	lowest := !priorMin.Valid || o.Price.LessThanOrEqual(priorMin.Decimal)

	var previous, change, changePct decimal.NullDecimal
	if d.first {
		change = decimal.NewNullDecimal(decimal.Zero)
	} else {
		change = decimal.NewNullDecimal(o.Price.Sub(d.oldPrice))
		if d.priceChanged {
			previous = decimal.NewNullDecimal(d.oldPrice)
		}
		if d.oldPrice.IsPositive() {
			changePct = decimal.NewNullDecimal(change.Decimal.Div(d.oldPrice).Mul(hundred).Round(2))
		}
	}

	if _, err := q.Exec(ctx, `
		INSERT INTO offer_histories (
			offer_id, price, original_price, previous_price, in_stock, stock_quantity,
			shipping_cost, free_shipping, price_change, price_change_percentage,
			is_lowest_price, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, o.ID, o.Price, o.OriginalPrice, previous, o.InStock, o.StockQuantity,
		o.ShippingCost, o.FreeShipping, change, changePct, lowest, now); err != nil {
		return fmt.Errorf("failed to append offer history: %w", err)
	}
	return nil
}

const historyColumns = `id, offer_id, price, original_price, previous_price, in_stock, stock_quantity,
	shipping_cost, free_shipping, price_change, price_change_percentage, is_lowest_price, created_at`

// HistoryStats summarizes a window of history points
type HistoryStats struct {
	Days                  int             `json:"days"`
	DataPoints            int             `json:"data_points"`
	CurrentPrice          decimal.Decimal `json:"current_price"`
	PriceChange           decimal.Decimal `json:"price_change"`
	PriceChangePercentage decimal.Decimal `json:"price_change_percentage"`
	MinPrice              decimal.Decimal `json:"min_price"`
	MaxPrice              decimal.Decimal `json:"max_price"`
	AveragePrice          decimal.Decimal `json:"average_price"`
}

// PriceHistory is an offer's history window with its summary
type PriceHistory struct {
	OfferID int64                   `json:"offer_id"`
	Stats   HistoryStats            `json:"stats"`
	Points  []database.OfferHistory `json:"points"`
}

// Summarize derives window statistics from points ordered oldest first.
// current is used when the window is empty.
func Summarize(points []database.OfferHistory, days int, current decimal.Decimal) HistoryStats {
	s := HistoryStats{Days: days, DataPoints: len(points), CurrentPrice: current}
	if len(points) == 0 {
		s.MinPrice, s.MaxPrice, s.AveragePrice = current, current, current
		return s
	}

	first, last := points[0].Price, points[len(points)-1].Price
	s.CurrentPrice = last
	s.PriceChange = last.Sub(first)
	if first.IsPositive() {
		s.PriceChangePercentage = s.PriceChange.Div(first).Mul(hundred).Round(2)
	}

	s.MinPrice, s.MaxPrice = first, first
	sum := decimal.Zero
	for _, p := range points {
		if p.Price.LessThan(s.MinPrice) {
			s.MinPrice = p.Price
		}
		if p.Price.GreaterThan(s.MaxPrice) {
			s.MaxPrice = p.Price
		}
		sum = sum.Add(p.Price)
	}
	s.AveragePrice = sum.Div(decimal.NewFromInt(int64(len(points)))).Round(2)
	return s
}

// NormalizeDays rejects windows outside 1..MaxHistoryDays. Callers apply
// DefaultHistoryDays when no window was asked for.
func NormalizeDays(days int) (int, error) {
	if days < 1 || days > MaxHistoryDays {
		return 0, errx.Invalid("days must be between 1 and %d", MaxHistoryDays)
	}
	return days, nil
}

// PriceHistory returns the history rows of an offer within the last days
// (oldest first) and their summary.
func (l *Ledger) PriceHistory(ctx context.Context, id int64, days int) (ph *PriceHistory, err error) {
	ctx, span := telemetry.StartSpan(ctx, "offers.PriceHistory",
		attribute.Int64("offer.id", id), attribute.Int("days", days))
	defer func() { telemetry.EndSpan(span, err) }()

	days, err = NormalizeDays(days)
	if err != nil {
		return nil, err
	}

	offer, err := getOffer(ctx, l.db, id)
	if err != nil {
		return nil, err
	}

	now := l.now()
	since := now.Add(-time.Duration(days) * 24 * time.Hour)
	rows, err := l.db.Query(ctx, `
		SELECT `+historyColumns+`
		FROM offer_histories
		WHERE offer_id = $1 AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at ASC, id ASC
	`, id, since, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	defer rows.Close()

	points := []database.OfferHistory{}
	for rows.Next() {
		var h database.OfferHistory
		if err := rows.Scan(
			&h.ID, &h.OfferID, &h.Price, &h.OriginalPrice, &h.PreviousPrice, &h.InStock,
			&h.StockQuantity, &h.ShippingCost, &h.FreeShipping, &h.PriceChange,
			&h.PriceChangePercentage, &h.IsLowestPrice, &h.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		points = append(points, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}

	return &PriceHistory{
		OfferID: id,
		Stats:   Summarize(points, days, offer.Price),
		Points:  points,
	}, nil
}
