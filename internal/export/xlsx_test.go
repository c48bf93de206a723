package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/kosarica/marketplace-service/internal/database"
	"github.com/kosarica/marketplace-service/internal/offers"
)

func TestPriceHistoryXLSX(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	qty := 4
	points := []database.OfferHistory{
		{Price: decimal.NewFromInt(100), PriceChange: decimal.NewNullDecimal(decimal.Zero), InStock: true, IsLowestPrice: true, CreatedAt: at},
		{
			Price:                 decimal.RequireFromString("89.99"),
			PreviousPrice:         decimal.NewNullDecimal(decimal.NewFromInt(100)),
			PriceChange:           decimal.NewNullDecimal(decimal.RequireFromString("-10.01")),
			PriceChangePercentage: decimal.NewNullDecimal(decimal.RequireFromString("-10.01")),
			InStock:               true,
			StockQuantity:         &qty,
			IsLowestPrice:         true,
			CreatedAt:             at.Add(24 * time.Hour),
		},
	}
	ph := &offers.PriceHistory{
		OfferID: 7,
		Stats:   offers.Summarize(points, 30, decimal.RequireFromString("89.99")),
		Points:  points,
	}

	var buf bytes.Buffer
	require.NoError(t, PriceHistoryXLSX(&buf, ph))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{HistorySheet, SummarySheet}, f.GetSheetList())

	rows, err := f.GetRows(HistorySheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Recorded at", rows[0][0])
	assert.Equal(t, "2026-03-01T12:00:00Z", rows[1][0])
	assert.Equal(t, "89.99", rows[2][1])
	assert.Equal(t, "100", rows[2][3])
	assert.Equal(t, "4", rows[2][7])

	summary, err := f.GetRows(SummarySheet)
	require.NoError(t, err)
	assert.Equal(t, []string{"Offer", "7"}, summary[0])
	assert.Equal(t, []string{"Data points", "2"}, summary[2])
	assert.Equal(t, []string{"Min price", "89.99"}, summary[6])
}
