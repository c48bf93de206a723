package offers

import (
	"github.com/shopspring/decimal"

	"github.com/kosarica/marketplace-service/internal/database"
)

var hundred = decimal.NewFromInt(100)

// View is an offer together with its derived display values
type View struct {
	database.Offer
	DiscountPercentage int             `json:"discount_percentage"`
	DiscountAmount     decimal.Decimal `json:"discount_amount"`
	TotalPrice         decimal.Decimal `json:"total_price"`
	ProductName        string          `json:"product_name,omitempty"`
	MerchantName       string          `json:"merchant_name,omitempty"`
}

// NewView derives the display values of o
func NewView(o database.Offer) View {
	return View{
		Offer:              o,
		DiscountPercentage: DiscountPercentage(o),
		DiscountAmount:     DiscountAmount(o),
		TotalPrice:         TotalPrice(o),
	}
}

func hasDiscount(o database.Offer) bool {
	return o.OriginalPrice.Valid && o.OriginalPrice.Decimal.GreaterThan(o.Price)
}

// DiscountPercentage is the rounded percentage off the original price, or 0
// when the original price is absent or not above the current price.
func DiscountPercentage(o database.Offer) int {
	if !hasDiscount(o) {
		return 0
	}
	orig := o.OriginalPrice.Decimal
	return int(orig.Sub(o.Price).Div(orig).Mul(hundred).Round(0).IntPart())
}

// DiscountAmount is original price minus price under the same condition.
func DiscountAmount(o database.Offer) decimal.Decimal {
	if !hasDiscount(o) {
		return decimal.Zero
	}
	return o.OriginalPrice.Decimal.Sub(o.Price)
}

// TotalPrice is price plus shipping unless shipping is free.
func TotalPrice(o database.Offer) decimal.Decimal {
	if o.FreeShipping {
		return o.Price
	}
	return o.Price.Add(o.ShippingCost)
}
