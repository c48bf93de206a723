package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kosarica/marketplace-service/internal/catalog"
	"github.com/kosarica/marketplace-service/internal/categories"
	"github.com/kosarica/marketplace-service/internal/database"
	"github.com/kosarica/marketplace-service/internal/errx"
	"github.com/kosarica/marketplace-service/internal/offers"
)

// OfferService is the offer ledger as seen by the HTTP layer
type OfferService interface {
	Get(ctx context.Context, id int64) (*database.Offer, error)
	List(ctx context.Context, q offers.OfferQuery) (*offers.OfferList, error)
	Create(ctx context.Context, in offers.CreateOfferInput) (*database.Offer, error)
	Update(ctx context.Context, id int64, patch offers.OfferPatch) (*database.Offer, bool, error)
	Delete(ctx context.Context, id int64) error
	PriceHistory(ctx context.Context, id int64, days int) (*offers.PriceHistory, error)
	ProductOffers(ctx context.Context, productID int64, excludeMerchantID *int64, limit int) ([]offers.View, error)
	PriceStats(ctx context.Context, productID int64, excludeMerchantID *int64) (*offers.PriceStats, error)
}

// CategoryService is the category tree as seen by the HTTP layer
type CategoryService interface {
	Get(ctx context.Context, id int64) (*database.Category, error)
	Children(ctx context.Context, id int64) ([]database.Category, error)
	Tree(ctx context.Context, activeOnly bool) ([]*categories.Node, error)
	Stats(ctx context.Context) ([]categories.Stats, error)
	AncestorChain(ctx context.Context, id int64) ([]categories.Crumb, error)
	DescendantIDs(ctx context.Context, id int64) ([]int64, error)
	Products(ctx context.Context, id int64, q categories.ProductQuery) (*categories.ProductPage, error)
	Create(ctx context.Context, in categories.CreateCategoryInput) (*database.Category, error)
	Update(ctx context.Context, id int64, patch categories.CategoryPatch) (*database.Category, error)
	Delete(ctx context.Context, id int64) error
}

// CatalogService manages products and merchants
type CatalogService interface {
	GetProduct(ctx context.Context, id int64) (*database.Product, error)
	CreateProduct(ctx context.Context, in catalog.CreateProductInput) (*database.Product, error)
	UpdateProduct(ctx context.Context, id int64, patch catalog.ProductPatch) (*database.Product, error)
	DeleteProduct(ctx context.Context, id int64) error
	ListProducts(ctx context.Context, q catalog.ProductQuery) (*catalog.ProductList, error)
	ProductStats(ctx context.Context) (*catalog.ProductStats, error)
	GetMerchant(ctx context.Context, id int64) (*database.Merchant, error)
	CreateMerchant(ctx context.Context, in catalog.CreateMerchantInput) (*database.Merchant, error)
	UpdateMerchant(ctx context.Context, id int64, patch catalog.MerchantPatch) (*database.Merchant, error)
	DeleteMerchant(ctx context.Context, id int64) error
	ListMerchants(ctx context.Context, q catalog.MerchantQuery) (*catalog.MerchantList, error)
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// API serves the public marketplace routes
type API struct {
	offers     OfferService
	categories CategoryService
	catalog    CatalogService
	logger     zerolog.Logger
}

// New creates the API
func New(o OfferService, c CategoryService, cat CatalogService, logger zerolog.Logger) *API {
	return &API{
		offers:     o,
		categories: c,
		catalog:    cat,
		logger:     logger.With().Str("component", "api").Logger(),
	}
}

// Register mounts every route on rg. auth guards the mutating routes.
func (a *API) Register(rg *gin.RouterGroup, auth gin.HandlerFunc) {
	o := rg.Group("/offers")
	{
		o.GET("", a.ListOffers)
		o.GET("/:id", a.GetOffer)
		o.GET("/:id/price-history", a.GetPriceHistory)
		o.GET("/:id/price-history.xlsx", a.ExportPriceHistory)
		o.POST("", auth, a.CreateOffer)
		o.PATCH("/:id", auth, a.UpdateOffer)
		o.DELETE("/:id", auth, a.DeleteOffer)
	}

	c := rg.Group("/categories")
	{
		c.GET("", a.GetCategoryTree)
		c.GET("/stats", a.GetCategoryStats)
		c.GET("/:id", a.GetCategory)
		c.GET("/:id/descendants", a.GetCategoryDescendants)
		c.GET("/:id/products", a.ListCategoryProducts)
		c.POST("", auth, a.CreateCategory)
		c.PATCH("/:id", auth, a.UpdateCategory)
		c.DELETE("/:id", auth, a.DeleteCategory)
	}

	p := rg.Group("/products")
	{
		p.GET("", a.ListProducts)
		p.GET("/stats", a.GetProductStats)
		p.GET("/:id", a.GetProduct)
		p.GET("/:id/offers", a.ListProductOffers)
		p.POST("", auth, a.CreateProduct)
		p.PATCH("/:id", auth, a.UpdateProduct)
		p.DELETE("/:id", auth, a.DeleteProduct)
	}

	m := rg.Group("/merchants")
	{
		m.GET("", a.ListMerchants)
		m.GET("/:id", a.GetMerchant)
		m.POST("", auth, a.CreateMerchant)
		m.PATCH("/:id", auth, a.UpdateMerchant)
		m.DELETE("/:id", auth, a.DeleteMerchant)
	}
}

// respondError maps err onto the error taxonomy. Unclassified errors are
// logged and hidden behind a generic 500.
func (a *API) respondError(c *gin.Context, err error) {
	if e, ok := errx.As(err); ok {
		c.JSON(e.Status(), ErrorResponse{Error: e.Message, Code: e.Code})
		return
	}
	_ = c.Error(err)
	a.logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Request failed")
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: errx.SystemErrorMessage, Code: "internal"})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: string(errx.KindInvalid)})
}

// pathID parses the :id parameter, answering 400 when it is not a
// positive integer.
func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

// decimalParam parses an optional decimal query parameter
func decimalParam(c *gin.Context, name string) (decimal.NullDecimal, bool) {
	raw := c.Query(name)
	if raw == "" {
		return decimal.NullDecimal{}, true
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		badRequest(c, name+" must be a decimal number")
		return decimal.NullDecimal{}, false
	}
	return decimal.NewNullDecimal(d), true
}

// categorySubtree resolves an optional category filter to the category and
// all of its descendants. A nil id does not filter.
func (a *API) categorySubtree(c *gin.Context, id *int64) ([]int64, bool) {
	if id == nil {
		return nil, true
	}
	ids, err := a.categories.DescendantIDs(c.Request.Context(), *id)
	if err != nil {
		a.respondError(c, err)
		return nil, false
	}
	return append([]int64{*id}, ids...), true
}
