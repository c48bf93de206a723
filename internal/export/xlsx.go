// Package export renders price history as spreadsheets.
package export

import (
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/kosarica/marketplace-service/internal/offers"
)

// Sheet names of the price history workbook
const (
	HistorySheet = "History"
	SummarySheet = "Summary"
)

// ContentType is the MIME type of the workbook
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var historyHeader = []any{
	"Recorded at", "Price", "Original price", "Previous price", "Price change",
	"Change %", "In stock", "Stock quantity", "Shipping", "Free shipping", "Lowest so far",
}

func nullable(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.InexactFloat64()
}

// PriceHistoryXLSX writes ph as a workbook with one row per history point
// and a summary sheet.
func PriceHistoryXLSX(w io.Writer, ph *offers.PriceHistory) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", HistorySheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	if err := f.SetSheetRow(HistorySheet, "A1", &historyHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create style: %w", err)
	}
	if err := f.SetRowStyle(HistorySheet, 1, 1, bold); err != nil {
		return fmt.Errorf("failed to style header: %w", err)
	}

	for i, p := range ph.Points {
		var qty any
		if p.StockQuantity != nil {
			qty = *p.StockQuantity
		}
		row := []any{
			p.CreatedAt.UTC().Format(time.RFC3339),
			p.Price.InexactFloat64(),
			nullable(p.OriginalPrice),
			nullable(p.PreviousPrice),
			nullable(p.PriceChange),
			nullable(p.PriceChangePercentage),
			p.InStock,
			qty,
			p.ShippingCost.InexactFloat64(),
			p.FreeShipping,
			p.IsLowestPrice,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(HistorySheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	if _, err := f.NewSheet(SummarySheet); err != nil {
		return fmt.Errorf("failed to add summary sheet: %w", err)
	}
	s := ph.Stats
	summary := [][]any{
		{"Offer", ph.OfferID},
		{"Days", s.Days},
		{"Data points", s.DataPoints},
		{"Current price", s.CurrentPrice.InexactFloat64()},
		{"Price change", s.PriceChange.InexactFloat64()},
		{"Change %", s.PriceChangePercentage.InexactFloat64()},
		{"Min price", s.MinPrice.InexactFloat64()},
		{"Max price", s.MaxPrice.InexactFloat64()},
		{"Average price", s.AveragePrice.InexactFloat64()},
	}
	for i, row := range summary {
		if err := f.SetSheetRow(SummarySheet, fmt.Sprintf("A%d", i+1), &row); err != nil {
			return fmt.Errorf("failed to write summary: %w", err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}
