package offers

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kosarica/marketplace-service/internal/database"
	"github.com/kosarica/marketplace-service/internal/errx"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestDerivedValues(t *testing.T) {
	o := database.Offer{
		Price:         d("799.00"),
		OriginalPrice: decimal.NewNullDecimal(d("999.00")),
		ShippingCost:  d("4.99"),
	}

	assert.Equal(t, 20, DiscountPercentage(o))
	assert.True(t, d("200").Equal(DiscountAmount(o)))
	assert.True(t, d("803.99").Equal(TotalPrice(o)))

	o.FreeShipping = true
	assert.True(t, d("799").Equal(TotalPrice(o)))
}

func TestDerivedValues_NoDiscount(t *testing.T) {
	// original price at or below price is not a "was" price
	o := database.Offer{Price: d("50"), OriginalPrice: decimal.NewNullDecimal(d("40"))}
	assert.Equal(t, 0, DiscountPercentage(o))
	assert.True(t, DiscountAmount(o).IsZero())

	o.OriginalPrice = decimal.NullDecimal{}
	assert.Equal(t, 0, DiscountPercentage(o))

	v := NewView(o)
	assert.Equal(t, 0, v.DiscountPercentage)
	assert.True(t, d("50").Equal(v.TotalPrice))
}

func TestDiff(t *testing.T) {
	qty := 5
	base := database.Offer{
		Price:         d("10.00"),
		Currency:      "EUR",
		InStock:       true,
		StockQuantity: &qty,
		Condition:     database.ConditionNew,
		IsActive:      true,
	}

	t.Run("same value different scale", func(t *testing.T) {
		next := base
		next.Price = d("10")
		assert.False(t, Diff(base, next).Any())
	})

	t.Run("price", func(t *testing.T) {
		next := base
		next.Price = d("9.99")
		c := Diff(base, next)
		assert.True(t, c.Price)
		assert.True(t, c.Material())
		assert.True(t, c.AffectsMarker())
	})

	t.Run("stock quantity only", func(t *testing.T) {
		next := base
		other := 6
		next.StockQuantity = &other
		c := Diff(base, next)
		assert.True(t, c.Stock)
		assert.False(t, c.InStock)
		assert.True(t, c.Material())
		assert.False(t, c.AffectsMarker())
	})

	t.Run("original price set", func(t *testing.T) {
		next := base
		next.OriginalPrice = decimal.NewNullDecimal(d("12"))
		c := Diff(base, next)
		assert.True(t, c.OriginalPrice)
		assert.True(t, c.Material())
	})

	t.Run("non material", func(t *testing.T) {
		next := base
		next.URL = "https://shop.example/p/1"
		next.ShippingCost = d("2")
		c := Diff(base, next)
		assert.False(t, c.Material())
		assert.True(t, c.Any())
		assert.False(t, c.AffectsMarker())
	})

	t.Run("deactivation moves marker without history", func(t *testing.T) {
		next := base
		next.IsActive = false
		c := Diff(base, next)
		assert.False(t, c.Material())
		assert.True(t, c.AffectsMarker())
	})
}

func TestOfferPatch_Apply(t *testing.T) {
	qty := 3
	o := database.Offer{
		Price:         d("10"),
		OriginalPrice: decimal.NewNullDecimal(d("15")),
		Currency:      "EUR",
		StockQuantity: &qty,
	}

	price := d("8")
	cur := "usd"
	got := OfferPatch{Price: &price, Currency: &cur, ClearOriginalPrice: true, ClearStockQuantity: true}.Apply(o)

	assert.True(t, price.Equal(got.Price))
	assert.Equal(t, "USD", got.Currency)
	assert.False(t, got.OriginalPrice.Valid)
	assert.Nil(t, got.StockQuantity)
	// original untouched
	assert.True(t, o.OriginalPrice.Valid)
	require.NotNil(t, o.StockQuantity)
}

func TestValidate(t *testing.T) {
	ok := database.Offer{Price: d("1"), Currency: "EUR", Condition: database.ConditionUsed}
	assert.NoError(t, validate(ok))

	bad := ok
	bad.Price = d("-1")
	assert.Equal(t, errx.KindInvalid, errx.KindOf(validate(bad)))

	bad = ok
	bad.Condition = "broken"
	assert.Equal(t, errx.KindInvalid, errx.KindOf(validate(bad)))

	bad = ok
	bad.Currency = "EURO"
	assert.Equal(t, errx.KindInvalid, errx.KindOf(validate(bad)))
}

func TestSummarize(t *testing.T) {
	now := time.Now()
	points := []database.OfferHistory{
		{Price: d("100"), CreatedAt: now.Add(-3 * time.Hour)},
		{Price: d("80"), CreatedAt: now.Add(-2 * time.Hour)},
		{Price: d("120"), CreatedAt: now.Add(-time.Hour)},
		{Price: d("90"), CreatedAt: now},
	}

	s := Summarize(points, 30, d("90"))
	assert.Equal(t, 30, s.Days)
	assert.Equal(t, 4, s.DataPoints)
	assert.True(t, d("90").Equal(s.CurrentPrice))
	assert.True(t, d("-10").Equal(s.PriceChange))
	assert.True(t, d("-10").Equal(s.PriceChangePercentage))
	assert.True(t, d("80").Equal(s.MinPrice))
	assert.True(t, d("120").Equal(s.MaxPrice))
	assert.True(t, d("97.5").Equal(s.AveragePrice))
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil, 7, d("42"))
	assert.Equal(t, 0, s.DataPoints)
	assert.True(t, d("42").Equal(s.CurrentPrice))
	assert.True(t, s.PriceChange.IsZero())
	assert.True(t, d("42").Equal(s.MinPrice))
}

func TestSummarize_FreeFirstPoint(t *testing.T) {
	s := Summarize([]database.OfferHistory{{Price: d("0")}, {Price: d("5")}}, 30, d("5"))
	assert.True(t, d("5").Equal(s.PriceChange))
	assert.True(t, s.PriceChangePercentage.IsZero())
}

func TestNormalizeDays(t *testing.T) {
	days, err := NormalizeDays(1)
	require.NoError(t, err)
	assert.Equal(t, 1, days)

	days, err = NormalizeDays(365)
	require.NoError(t, err)
	assert.Equal(t, 365, days)

	for _, bad := range []int{-1, 0, 366} {
		_, err := NormalizeDays(bad)
		assert.Equal(t, errx.KindInvalid, errx.KindOf(err), "days=%d", bad)
	}
}

func TestClampPage(t *testing.T) {
	l, o := ClampPage(0, -5)
	assert.Equal(t, DefaultLimit, l)
	assert.Equal(t, 0, o)

	l, _ = ClampPage(1000, 0)
	assert.Equal(t, MaxLimit, l)
}
