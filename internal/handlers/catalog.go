package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kosarica/marketplace-service/internal/catalog"
	"github.com/kosarica/marketplace-service/internal/database"
	"github.com/kosarica/marketplace-service/internal/offers"
)

// listProductsQuery holds the query parameters of ListProducts
type listProductsQuery struct {
	CategoryID      *int64 `form:"category_id" binding:"omitempty,min=1"`
	Brand           string `form:"brand"`
	Search          string `form:"search"`
	InStock         bool   `form:"in_stock"`
	IncludeInactive bool   `form:"include_inactive"`
	Sort            string `form:"sort" binding:"omitempty,oneof=newest name price_asc price_desc"`
	Limit           int    `form:"limit" binding:"omitempty,min=1,max=100"`
	Offset          int    `form:"offset" binding:"omitempty,min=0"`
}

// listMerchantsQuery holds the query parameters of ListMerchants
type listMerchantsQuery struct {
	Search          string `form:"search"`
	IncludeInactive bool   `form:"include_inactive"`
	Sort            string `form:"sort" binding:"omitempty,oneof=name_asc name_desc rating_high products_high newest"`
	Limit           int    `form:"limit" binding:"omitempty,min=1,max=100"`
	Offset          int    `form:"offset" binding:"omitempty,min=0"`
}

// ProductDetail is a product with price statistics across its offers
type ProductDetail struct {
	database.Product
	PriceStats *offers.PriceStats `json:"price_stats"`
}

// ListProducts returns a filtered page of products with their best price
// @Summary List products
// @Description Returns active products with their best in-stock price. A category filter includes its subcategories.
// @Tags products
// @Produce json
// @Param category_id query int false "Filter by category, including its subcategories"
// @Param brand query string false "Filter by brand"
// @Param min_price query number false "Minimum best price"
// @Param max_price query number false "Maximum best price"
// @Param in_stock query bool false "Only products with an in-stock offer"
// @Param search query string false "Search name, description and brand"
// @Param sort query string false "Sort order" Enums(newest, name, price_asc, price_desc)
// @Param limit query int false "Number of items to return" default(20) minimum(1) maximum(100)
// @Param offset query int false "Number of items to skip" default(0) minimum(0)
// @Success 200 {object} catalog.ProductList
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse "Category not found"
// @Router /api/v1/products [get]
func (a *API) ListProducts(c *gin.Context) {
	var req listProductsQuery
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	minPrice, ok := decimalParam(c, "min_price")
	if !ok {
		return
	}
	maxPrice, ok := decimalParam(c, "max_price")
	if !ok {
		return
	}
	categoryIDs, ok := a.categorySubtree(c, req.CategoryID)
	if !ok {
		return
	}

	list, err := a.catalog.ListProducts(c.Request.Context(), catalog.ProductQuery{
		CategoryIDs:     categoryIDs,
		Brand:           req.Brand,
		Search:          req.Search,
		MinPrice:        minPrice,
		MaxPrice:        maxPrice,
		InStock:         req.InStock,
		IncludeInactive: req.IncludeInactive,
		Sort:            req.Sort,
		Limit:           req.Limit,
		Offset:          req.Offset,
	})
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// GetProductStats returns catalog totals
// @Summary Product statistics
// @Tags products
// @Produce json
// @Success 200 {object} catalog.ProductStats
// @Router /api/v1/products/stats [get]
func (a *API) GetProductStats(c *gin.Context) {
	stats, err := a.catalog.ProductStats(c.Request.Context())
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetProduct returns one product with its offer price statistics
// @Summary Get product
// @Tags products
// @Produce json
// @Param id path int true "Product ID"
// @Success 200 {object} ProductDetail
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/products/{id} [get]
func (a *API) GetProduct(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	p, err := a.catalog.GetProduct(ctx, id)
	if err != nil {
		a.respondError(c, err)
		return
	}
	stats, err := a.offers.PriceStats(ctx, id, nil)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ProductDetail{Product: *p, PriceStats: stats})
}

// ListProductOffers lists a product's in-stock offers, cheapest first
// @Summary Product offers
// @Tags products
// @Produce json
// @Param id path int true "Product ID"
// @Param exclude_merchant_id query int false "Leave out one merchant"
// @Param limit query int false "Number of offers" default(20) minimum(1) maximum(100)
// @Success 200 {array} offers.View
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/products/{id}/offers [get]
func (a *API) ListProductOffers(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var exclude *int64
	if raw := c.Query("exclude_merchant_id"); raw != "" {
		m, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			badRequest(c, "exclude_merchant_id must be an integer")
			return
		}
		exclude = &m
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	ctx := c.Request.Context()
	if _, err := a.catalog.GetProduct(ctx, id); err != nil {
		a.respondError(c, err)
		return
	}
	views, err := a.offers.ProductOffers(ctx, id, exclude, limit)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

// CreateProduct adds a product
// @Summary Create product
// @Tags products
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param product body catalog.CreateProductInput true "Product"
// @Success 201 {object} database.Product
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse "Category not found"
// @Router /api/v1/products [post]
func (a *API) CreateProduct(c *gin.Context) {
	var in catalog.CreateProductInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err.Error())
		return
	}
	p, err := a.catalog.CreateProduct(c.Request.Context(), in)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// UpdateProduct applies a partial update
// @Summary Update product
// @Description Moving a product to another category moves it between the categories' product counts
// @Tags products
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "Product ID"
// @Param patch body catalog.ProductPatch true "Fields to change"
// @Success 200 {object} database.Product
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/products/{id} [patch]
func (a *API) UpdateProduct(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var patch catalog.ProductPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err.Error())
		return
	}
	p, err := a.catalog.UpdateProduct(c.Request.Context(), id, patch)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// DeleteProduct removes a product with its offers
// @Summary Delete product
// @Tags products
// @Security ApiKeyAuth
// @Param id path int true "Product ID"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/products/{id} [delete]
func (a *API) DeleteProduct(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := a.catalog.DeleteProduct(c.Request.Context(), id); err != nil {
		a.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListMerchants returns a filtered page of merchants
// @Summary List merchants
// @Tags merchants
// @Produce json
// @Param search query string false "Search name, description and website"
// @Param sort query string false "Sort order" Enums(name_asc, name_desc, rating_high, products_high, newest)
// @Param limit query int false "Number of items to return" default(20) minimum(1) maximum(100)
// @Param offset query int false "Number of items to skip" default(0) minimum(0)
// @Success 200 {object} catalog.MerchantList
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/merchants [get]
func (a *API) ListMerchants(c *gin.Context) {
	var req listMerchantsQuery
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	list, err := a.catalog.ListMerchants(c.Request.Context(), catalog.MerchantQuery{
		Search:          req.Search,
		IncludeInactive: req.IncludeInactive,
		Sort:            req.Sort,
		Limit:           req.Limit,
		Offset:          req.Offset,
	})
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// GetMerchant returns one merchant
// @Summary Get merchant
// @Tags merchants
// @Produce json
// @Param id path int true "Merchant ID"
// @Success 200 {object} database.Merchant
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/merchants/{id} [get]
func (a *API) GetMerchant(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	m, err := a.catalog.GetMerchant(c.Request.Context(), id)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// CreateMerchant adds a merchant
// @Summary Create merchant
// @Tags merchants
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param merchant body catalog.CreateMerchantInput true "Merchant"
// @Success 201 {object} database.Merchant
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/merchants [post]
func (a *API) CreateMerchant(c *gin.Context) {
	var in catalog.CreateMerchantInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err.Error())
		return
	}
	m, err := a.catalog.CreateMerchant(c.Request.Context(), in)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

// UpdateMerchant applies a partial update
// @Summary Update merchant
// @Tags merchants
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "Merchant ID"
// @Param patch body catalog.MerchantPatch true "Fields to change"
// @Success 200 {object} database.Merchant
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/merchants/{id} [patch]
func (a *API) UpdateMerchant(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var patch catalog.MerchantPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err.Error())
		return
	}
	m, err := a.catalog.UpdateMerchant(c.Request.Context(), id, patch)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// DeleteMerchant removes a merchant with its offers
// @Summary Delete merchant
// @Description Deletes the merchant and its offers, then recomputes the lowest price of every affected product
// @Tags merchants
// @Security ApiKeyAuth
// @Param id path int true "Merchant ID"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/merchants/{id} [delete]
func (a *API) DeleteMerchant(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := a.catalog.DeleteMerchant(c.Request.Context(), id); err != nil {
		a.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
