package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kosarica/marketplace-service/internal/categories"
	"github.com/kosarica/marketplace-service/internal/database"
)

// CategoryDetail is a category with its direct children and breadcrumb
type CategoryDetail struct {
	database.Category
	Children   []database.Category `json:"children"`
	Breadcrumb []categories.Crumb  `json:"breadcrumb"`
}

// DescendantsResponse lists every category below a category
type DescendantsResponse struct {
	CategoryID    int64   `json:"category_id"`
	DescendantIDs []int64 `json:"descendant_ids"`
	Count         int     `json:"count"`
}

// categoryProductsQuery holds the query parameters of ListCategoryProducts
type categoryProductsQuery struct {
	OnlyDirect bool   `form:"only_direct"`
	Brand      string `form:"brand"`
	Search     string `form:"search"`
	Sort       string `form:"sort" binding:"omitempty,oneof=name newest price_asc price_desc"`
	Limit      int    `form:"limit" binding:"omitempty,min=1,max=100"`
	Offset     int    `form:"offset" binding:"omitempty,min=0"`
}

// GetCategoryTree returns the nested category tree
// @Summary Category tree
// @Description Returns every category nested under its parent. Inactive branches are hidden unless all=true
// @Tags categories
// @Produce json
// @Param all query bool false "Include inactive categories"
// @Success 200 {array} categories.Node
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/categories [get]
func (a *API) GetCategoryTree(c *gin.Context) {
	all := c.Query("all") == "true"
	roots, err := a.categories.Tree(c.Request.Context(), !all)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, roots)
}

// GetCategoryStats returns per-category catalog statistics
// @Summary Category statistics
// @Tags categories
// @Produce json
// @Success 200 {array} categories.Stats
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/categories/stats [get]
func (a *API) GetCategoryStats(c *gin.Context) {
	stats, err := a.categories.Stats(c.Request.Context())
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetCategory returns one category with children and breadcrumb
// @Summary Get category
// @Tags categories
// @Produce json
// @Param id path int true "Category ID"
// @Success 200 {object} CategoryDetail
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/categories/{id} [get]
func (a *API) GetCategory(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	cat, err := a.categories.Get(ctx, id)
	if err != nil {
		a.respondError(c, err)
		return
	}
	children, err := a.categories.Children(ctx, id)
	if err != nil {
		a.respondError(c, err)
		return
	}
	crumbs, err := a.categories.AncestorChain(ctx, id)
	if err != nil {
		a.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, CategoryDetail{Category: *cat, Children: children, Breadcrumb: crumbs})
}

// GetCategoryDescendants lists the ids below a category
// @Summary Category descendants
// @Description Returns the ids of every category below the given one, depth first
// @Tags categories
// @Produce json
// @Param id path int true "Category ID"
// @Success 200 {object} DescendantsResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/categories/{id}/descendants [get]
func (a *API) GetCategoryDescendants(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ids, err := a.categories.DescendantIDs(c.Request.Context(), id)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, DescendantsResponse{CategoryID: id, DescendantIDs: ids, Count: len(ids)})
}

// ListCategoryProducts lists the products of a category subtree
// @Summary Category products
// @Tags categories
// @Produce json
// @Param id path int true "Category ID"
// @Param only_direct query bool false "Skip subcategories"
// @Param min_price query number false "Minimum best price"
// @Param max_price query number false "Maximum best price"
// @Param brand query string false "Filter by brand"
// @Param search query string false "Search name, brand and model"
// @Param sort query string false "Sort order" Enums(name, newest, price_asc, price_desc)
// @Param limit query int false "Number of items to return" default(20) minimum(1) maximum(100)
// @Param offset query int false "Number of items to skip" default(0) minimum(0)
// @Success 200 {object} categories.ProductPage
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/categories/{id}/products [get]
func (a *API) ListCategoryProducts(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req categoryProductsQuery
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

	page, err := a.categories.Products(c.Request.Context(), id, categories.ProductQuery{
		OnlyDirect: req.OnlyDirect,
		MinPrice:   minPrice,
		MaxPrice:   maxPrice,
		Brand:      req.Brand,
		Search:     req.Search,
		Sort:       req.Sort,
		Limit:      req.Limit,
		Offset:     req.Offset,
	})
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// CreateCategory adds a category
// @Summary Create category
// @Tags categories
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param category body categories.CreateCategoryInput true "Category"
// @Success 201 {object} database.Category
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/categories [post]
func (a *API) CreateCategory(c *gin.Context) {
	var in categories.CreateCategoryInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err.Error())
		return
	}
	cat, err := a.categories.Create(c.Request.Context(), in)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cat)
}

// UpdateCategory changes a category, re-parenting it when asked
// @Summary Update category
// @Description Updates fields and optionally moves the category; the subtree's levels follow
// @Tags categories
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "Category ID"
// @Param patch body categories.CategoryPatch true "Fields to change"
// @Success 200 {object} database.Category
// @Failure 400 {object} ErrorResponse "Invalid input or invalid parent"
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/categories/{id} [patch]
func (a *API) UpdateCategory(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var patch categories.CategoryPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err.Error())
		return
	}
	cat, err := a.categories.Update(c.Request.Context(), id, patch)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cat)
}

// DeleteCategory removes an empty leaf category
// @Summary Delete category
// @Tags categories
// @Security ApiKeyAuth
// @Param id path int true "Category ID"
// @Success 204
// @Failure 403 {object} ErrorResponse "Category has children or products"
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/categories/{id} [delete]
func (a *API) DeleteCategory(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := a.categories.Delete(c.Request.Context(), id); err != nil {
		a.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
