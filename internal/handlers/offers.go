package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kosarica/marketplace-service/internal/export"
	"github.com/kosarica/marketplace-service/internal/offers"
)

const otherOffersLimit = 5

// listOffersQuery holds the query parameters of ListOffers
type listOffersQuery struct {
	ProductID       *int64 `form:"product_id" binding:"omitempty,min=1"`
	MerchantID      *int64 `form:"merchant_id" binding:"omitempty,min=1"`
	CategoryID      *int64 `form:"category_id" binding:"omitempty,min=1"`
	InStock         *bool  `form:"in_stock"`
	HasDiscount     bool   `form:"has_discount"`
	IncludeInactive bool   `form:"include_inactive"`
	Search          string `form:"search"`
	Sort            string `form:"sort" binding:"omitempty,oneof=newest price_asc price_desc discount_high"`
	Limit           int    `form:"limit" binding:"omitempty,min=1,max=100"`
	Offset          int    `form:"offset" binding:"omitempty,min=0"`
}

// OfferDetail is an offer with its product's price statistics and the
// cheapest offers from other merchants
type OfferDetail struct {
	Offer       offers.View        `json:"offer"`
	PriceStats  *offers.PriceStats `json:"price_stats"`
	OtherOffers []offers.View      `json:"other_offers"`
}

// UpdateOfferResponse reports whether the patch changed anything
type UpdateOfferResponse struct {
	Offer   offers.View `json:"offer"`
	Changed bool        `json:"changed"`
}

// ListOffers returns a filtered page of offers
// @Summary List offers
// @Description Returns active offers with optional price, stock, discount and search filters
// @Tags offers
// @Produce json
// @Param product_id query int false "Filter by product"
// @Param merchant_id query int false "Filter by merchant"
// @Param category_id query int false "Filter by category, including its subcategories"
// @Param min_price query number false "Minimum price"
// @Param max_price query number false "Maximum price"
// @Param in_stock query bool false "Filter by stock state"
// @Param has_discount query bool false "Only discounted offers"
// @Param search query string false "Search product name and brand"
// @Param sort query string false "Sort order" Enums(newest, price_asc, price_desc, discount_high)
// @Param limit query int false "Number of items to return" default(20) minimum(1) maximum(100)
// @Param offset query int false "Number of items to skip" default(0) minimum(0)
// @Success 200 {object} offers.OfferList
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse "Category not found"
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/offers [get]
func (a *API) ListOffers(c *gin.Context) {
	var req listOffersQuery
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

	list, err := a.offers.List(c.Request.Context(), offers.OfferQuery{
		ProductID:       req.ProductID,
		MerchantID:      req.MerchantID,
		CategoryIDs:     categoryIDs,
		MinPrice:        minPrice,
		MaxPrice:        maxPrice,
		InStock:         req.InStock,
		HasDiscount:     req.HasDiscount,
		IncludeInactive: req.IncludeInactive,
		Search:          req.Search,
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

// GetOffer returns one offer with price comparison context
// @Summary Get offer
// @Description Returns an offer, its product's price statistics and the cheapest other merchants
// @Tags offers
// @Produce json
// @Param id path int true "Offer ID"
// @Success 200 {object} OfferDetail
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/offers/{id} [get]
func (a *API) GetOffer(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	o, err := a.offers.Get(ctx, id)
	if err != nil {
		a.respondError(c, err)
		return
	}
	stats, err := a.offers.PriceStats(ctx, o.ProductID, nil)
	if err != nil {
		a.respondError(c, err)
		return
	}
	others, err := a.offers.ProductOffers(ctx, o.ProductID, &o.MerchantID, otherOffersLimit)
	if err != nil {
		a.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, OfferDetail{Offer: offers.NewView(*o), PriceStats: stats, OtherOffers: others})
}

// historyDays parses ?days=, leaving range checks to the ledger. Only an
// absent parameter takes the default window.
func historyDays(c *gin.Context) (int, bool) {
	raw, present := c.GetQuery("days")
	if !present {
		return offers.DefaultHistoryDays, true
	}
	days, err := strconv.Atoi(raw)
	if err != nil {
		badRequest(c, "days must be an integer")
		return 0, false
	}
	return days, true
}

// GetPriceHistory returns an offer's price history window
// @Summary Get offer price history
// @Description Returns history points oldest first with window statistics
// @Tags offers
// @Produce json
// @Param id path int true "Offer ID"
// @Param days query int false "Window in days" default(30) minimum(1) maximum(365)
// @Success 200 {object} offers.PriceHistory
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/offers/{id}/price-history [get]
func (a *API) GetPriceHistory(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	days, ok := historyDays(c)
	if !ok {
		return
	}

	ph, err := a.offers.PriceHistory(c.Request.Context(), id, days)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ph)
}

// ExportPriceHistory streams an offer's price history as a workbook
// @Summary Export offer price history
// @Description Returns the price history window as an XLSX workbook
// @Tags offers
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Param id path int true "Offer ID"
// @Param days query int false "Window in days" default(30) minimum(1) maximum(365)
// @Success 200 {file} file
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/offers/{id}/price-history.xlsx [get]
func (a *API) ExportPriceHistory(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	days, ok := historyDays(c)
	if !ok {
		return
	}

	ph, err := a.offers.PriceHistory(c.Request.Context(), id, days)
	if err != nil {
		a.respondError(c, err)
		return
	}

	c.Header("Content-Type", export.ContentType)
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="offer-%d-price-history.xlsx"`, id))
	c.Status(http.StatusOK)
	if err := export.PriceHistoryXLSX(c.Writer, ph); err != nil {
		// headers are already sent
		a.logger.Error().Err(err).Int64("offer_id", id).Msg("Failed to write price history workbook")
	}
}

// CreateOffer adds a merchant's offer for a product
// @Summary Create offer
// @Description Creates an offer, records its first history point and recomputes the product's lowest price
// @Tags offers
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param offer body offers.CreateOfferInput true "Offer"
// @Success 201 {object} offers.View
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/offers [post]
func (a *API) CreateOffer(c *gin.Context) {
	var in offers.CreateOfferInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err.Error())
		return
	}

	o, err := a.offers.Create(c.Request.Context(), in)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, offers.NewView(*o))
}

// UpdateOffer applies a partial update to an offer
// @Summary Update offer
// @Description Updates an offer; price and stock changes append a history point
// @Tags offers
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "Offer ID"
// @Param patch body offers.OfferPatch true "Fields to change"
// @Success 200 {object} UpdateOfferResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/offers/{id} [patch]
func (a *API) UpdateOffer(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var patch offers.OfferPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err.Error())
		return
	}

	o, changed, err := a.offers.Update(c.Request.Context(), id, patch)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, UpdateOfferResponse{Offer: offers.NewView(*o), Changed: changed})
}

// DeleteOffer removes an offer and its history
// @Summary Delete offer
// @Tags offers
// @Security ApiKeyAuth
// @Param id path int true "Offer ID"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/offers/{id} [delete]
func (a *API) DeleteOffer(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := a.offers.Delete(c.Request.Context(), id); err != nil {
		a.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
