package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category is a node of the product category tree
type Category struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Slug            string    `json:"slug"`             // globally unique
	Description     *string   `json:"description"`
	ParentID        *int64    `json:"parent_id"`        // nil for roots
	Level           int       `json:"level"`            // materialized depth, root = 1
	IsActive        bool      `json:"is_active"`
	MetaTitle       *string   `json:"meta_title"`
	MetaDescription *string   `json:"meta_description"`
	ImageURL        *string   `json:"image_url"`
	SortOrder       int       `json:"sort_order"`
	ProductCount    int       `json:"product_count"`    // denormalized
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Merchant is a shop that lists offers
type Merchant struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	Slug         string          `json:"slug"`
	WebsiteURL   *string         `json:"website_url"`
	LogoURL      *string         `json:"logo_url"`
	Description  *string         `json:"description"`
	IsActive     bool            `json:"is_active"`
	Rating       decimal.Decimal `json:"rating"`
	ReviewCount  int             `json:"review_count"`
	ProductCount int             `json:"product_count"` // number of offers, denormalized
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Product is a catalog entry that merchants make offers for
type Product struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description *string   `json:"description"`
	Brand       *string   `json:"brand"`
	Model       *string   `json:"model"`
	ImageURL    *string   `json:"image_url"`
	CategoryID  *int64    `json:"category_id"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Offer conditions
const (
	ConditionNew         = "new"
	ConditionRefurbished = "refurbished"
	ConditionUsed        = "used"
)

// Offer is one merchant's current listing for one product
type Offer struct {
	ID            int64               `json:"id"`
	ProductID     int64               `json:"product_id"`
	MerchantID    int64               `json:"merchant_id"`
	Price         decimal.Decimal     `json:"price"`
	OriginalPrice decimal.NullDecimal `json:"original_price"` // "was" price when greater than Price
	Currency      string              `json:"currency"`
	InStock       bool                `json:"in_stock"`
	StockQuantity *int                `json:"stock_quantity"`
	ShippingCost  decimal.Decimal     `json:"shipping_cost"`
	FreeShipping  bool                `json:"free_shipping"`
	DeliveryTime  *string             `json:"delivery_time"`
	Condition     string              `json:"condition"`
	URL           string              `json:"url"`
	IsLowestPrice bool                `json:"is_lowest_price"` // derived, one per product at most
	IsActive      bool                `json:"is_active"`
	LastUpdated   time.Time           `json:"last_updated"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// OfferHistory is an immutable snapshot of an offer after a material change
type OfferHistory struct {
	ID                    int64               `json:"id"`
	OfferID               int64               `json:"offer_id"`
	Price                 decimal.Decimal     `json:"price"`
	OriginalPrice         decimal.NullDecimal `json:"original_price"`
	PreviousPrice         decimal.NullDecimal `json:"previous_price"` // null when the price did not move
	InStock               bool                `json:"in_stock"`
	StockQuantity         *int                `json:"stock_quantity"`
	ShippingCost          decimal.Decimal     `json:"shipping_cost"`
	FreeShipping          bool                `json:"free_shipping"`
	PriceChange           decimal.NullDecimal `json:"price_change"`
	PriceChangePercentage decimal.NullDecimal `json:"price_change_percentage"`
	IsLowestPrice         bool                `json:"is_lowest_price"` // vs this offer's own history
	CreatedAt             time.Time           `json:"created_at"`
}
