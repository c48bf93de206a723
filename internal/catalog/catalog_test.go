package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kosarica/marketplace-service/internal/categories"
	"github.com/kosarica/marketplace-service/internal/database/dbtest"
	"github.com/kosarica/marketplace-service/internal/errx"
	"github.com/kosarica/marketplace-service/internal/offers"
)

func ptr[T any](v T) *T { return &v }

func TestCatalog_ProductsAndCategoryCounts(t *testing.T) {
	pool := dbtest.New(t)
	ctx := context.Background()
	cat := New(pool, zerolog.Nop())
	tree := categories.NewTree(pool, zerolog.Nop())

	phones, err := tree.Create(ctx, categories.CreateCategoryInput{Name: "Phones"})
	require.NoError(t, err)

	p1, err := cat.CreateProduct(ctx, CreateProductInput{Name: "Pixel 9", Brand: ptr("Google"), CategoryID: &phones.ID})
	require.NoError(t, err)
	p2, err := cat.CreateProduct(ctx, CreateProductInput{Name: "Pixel 9"})
	require.NoError(t, err)
	assert.Equal(t, "pixel-9", p1.Slug)
	assert.Equal(t, "pixel-9-2", p2.Slug)
	assert.True(t, p1.IsActive)

	c, err := tree.Get(ctx, phones.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, c.ProductCount)

	_, err = cat.CreateProduct(ctx, CreateProductInput{Name: "Nowhere", CategoryID: ptr(int64(9999))})
	assert.True(t, errors.Is(err, categories.ErrCategoryNotFound))

	require.NoError(t, cat.DeleteProduct(ctx, p1.ID))
	c, err = tree.Get(ctx, phones.ID)
	require.NoError(t, err)
	assert.Zero(t, c.ProductCount)

	_, err = cat.GetProduct(ctx, p1.ID)
	assert.True(t, errors.Is(err, offers.ErrProductNotFound))
	assert.True(t, errors.Is(cat.DeleteProduct(ctx, p1.ID), offers.ErrProductNotFound))

	// the category is deletable again once its product is gone
	require.NoError(t, tree.Delete(ctx, phones.ID))
}

func TestCatalog_Merchants(t *testing.T) {
	pool := dbtest.New(t)
	ctx := context.Background()
	cat := New(pool, zerolog.Nop())

	m, err := cat.CreateMerchant(ctx, CreateMerchantInput{Name: "Big Shop", Rating: decimal.RequireFromString("4.5")})
	require.NoError(t, err)
	assert.Equal(t, "big-shop", m.Slug)
	assert.True(t, decimal.RequireFromString("4.5").Equal(m.Rating))

	got, err := cat.GetMerchant(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Name, got.Name)

	_, err = cat.CreateMerchant(ctx, CreateMerchantInput{Name: "Bad", Rating: decimal.NewFromInt(6)})
	assert.Equal(t, errx.KindInvalid, errx.KindOf(err))

	_, err = cat.CreateMerchant(ctx, CreateMerchantInput{Name: ""})
	assert.Equal(t, errx.KindInvalid, errx.KindOf(err))
}

func TestCatalog_DeleteMerchantMovesMarker(t *testing.T) {
	pool := dbtest.New(t)
	ctx := context.Background()
	cat := New(pool, zerolog.Nop())
	ledger := offers.NewLedger(pool, zerolog.Nop())

	product, err := cat.CreateProduct(ctx, CreateProductInput{Name: "Blender"})
	require.NoError(t, err)
	cheap, err := cat.CreateMerchant(ctx, CreateMerchantInput{Name: "Cheap"})
	require.NoError(t, err)
	dear, err := cat.CreateMerchant(ctx, CreateMerchantInput{Name: "Dear"})
	require.NoError(t, err)

	cheapOffer, err := ledger.Create(ctx, offers.CreateOfferInput{ProductID: product.ID, MerchantID: cheap.ID, Price: ptr(decimal.NewFromInt(40))})
	require.NoError(t, err)
	dearOffer, err := ledger.Create(ctx, offers.CreateOfferInput{ProductID: product.ID, MerchantID: dear.ID, Price: ptr(decimal.NewFromInt(55))})
	require.NoError(t, err)

	m, err := cat.GetMerchant(ctx, cheap.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, m.ProductCount)

	require.NoError(t, cat.DeleteMerchant(ctx, cheap.ID))

	_, err = ledger.Get(ctx, cheapOffer.ID)
	assert.True(t, errors.Is(err, offers.ErrOfferNotFound), "offers cascade with the merchant")

	o, err := ledger.Get(ctx, dearOffer.ID)
	require.NoError(t, err)
	assert.True(t, o.IsLowestPrice)

	assert.True(t, errors.Is(cat.DeleteMerchant(ctx, cheap.ID), offers.ErrMerchantNotFound))

	require.NoError(t, cat.DeleteProduct(ctx, product.ID))
	m, err = cat.GetMerchant(ctx, dear.ID)
	require.NoError(t, err)
	assert.Zero(t, m.ProductCount)
}

func TestCatalog_RecountMerchants(t *testing.T) {
	pool := dbtest.New(t)
	ctx := context.Background()
	cat := New(pool, zerolog.Nop())
	ledger := offers.NewLedger(pool, zerolog.Nop())

	product, err := cat.CreateProduct(ctx, CreateProductInput{Name: "Kettle"})
	require.NoError(t, err)
	shop, err := cat.CreateMerchant(ctx, CreateMerchantInput{Name: "Shop"})
	require.NoError(t, err)
	_, err = ledger.Create(ctx, offers.CreateOfferInput{ProductID: product.ID, MerchantID: shop.ID, Price: ptr(decimal.NewFromInt(30))})
	require.NoError(t, err)

	changed, err := cat.RecountMerchants(ctx)
	require.NoError(t, err)
	assert.Zero(t, changed, "counters already agree")

	_, err = pool.Exec(ctx, `UPDATE merchants SET product_count = 9 WHERE id = $1`, shop.ID)
	require.NoError(t, err)

	changed, err = cat.RecountMerchants(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	m, err := cat.GetMerchant(ctx, shop.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, m.ProductCount)
}

func TestCatalog_UpdateProductMovesCategoryCount(t *testing.T) {
	pool := dbtest.New(t)
	ctx := context.Background()
	cat := New(pool, zerolog.Nop())
	tree := categories.NewTree(pool, zerolog.Nop())

	phones, err := tree.Create(ctx, categories.CreateCategoryInput{Name: "Phones"})
	require.NoError(t, err)
	tablets, err := tree.Create(ctx, categories.CreateCategoryInput{Name: "Tablets"})
	require.NoError(t, err)

	p, err := cat.CreateProduct(ctx, CreateProductInput{Name: "Pixel Tab", CategoryID: &phones.ID})
	require.NoError(t, err)

	p, err = cat.UpdateProduct(ctx, p.ID, ProductPatch{CategoryID: &tablets.ID, Name: ptr("Pixel Tablet")})
	require.NoError(t, err)
	assert.Equal(t, tablets.ID, *p.CategoryID)
	assert.Equal(t, "pixel-tablet", p.Slug)

	c, err := tree.Get(ctx, phones.ID)
	require.NoError(t, err)
	assert.Zero(t, c.ProductCount)
	c, err = tree.Get(ctx, tablets.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, c.ProductCount)

	require.NoError(t, tree.Delete(ctx, phones.ID))
	assert.True(t, errors.Is(tree.Delete(ctx, tablets.ID), categories.ErrHasProducts))

	_, err = cat.UpdateProduct(ctx, p.ID, ProductPatch{CategoryID: ptr(int64(9999))})
	assert.True(t, errors.Is(err, categories.ErrCategoryNotFound))
	c, err = tree.Get(ctx, tablets.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, c.ProductCount, "failed move leaves the count alone")

	p, err = cat.UpdateProduct(ctx, p.ID, ProductPatch{ClearCategory: true, IsActive: ptr(false)})
	require.NoError(t, err)
	assert.Nil(t, p.CategoryID)
	assert.False(t, p.IsActive)
	c, err = tree.Get(ctx, tablets.ID)
	require.NoError(t, err)
	assert.Zero(t, c.ProductCount)

	_, err = cat.UpdateProduct(ctx, 9999, ProductPatch{Name: ptr("x")})
	assert.True(t, errors.Is(err, offers.ErrProductNotFound))
	_, err = cat.UpdateProduct(ctx, p.ID, ProductPatch{Name: ptr(" ")})
	assert.Equal(t, errx.KindInvalid, errx.KindOf(err))
}

func TestCatalog_UpdateMerchant(t *testing.T) {
	pool := dbtest.New(t)
	ctx := context.Background()
	cat := New(pool, zerolog.Nop())

	m, err := cat.CreateMerchant(ctx, CreateMerchantInput{Name: "Shop"})
	require.NoError(t, err)

	m, err = cat.UpdateMerchant(ctx, m.ID, MerchantPatch{
		Name:        ptr("Better Shop"),
		Rating:      ptr(decimal.RequireFromString("4.2")),
		ReviewCount: ptr(12),
	})
	require.NoError(t, err)
	assert.Equal(t, "better-shop", m.Slug)
	assert.True(t, decimal.RequireFromString("4.2").Equal(m.Rating))
	assert.Equal(t, 12, m.ReviewCount)

	_, err = cat.UpdateMerchant(ctx, m.ID, MerchantPatch{Rating: ptr(decimal.NewFromInt(6))})
	assert.Equal(t, errx.KindInvalid, errx.KindOf(err))
	_, err = cat.UpdateMerchant(ctx, m.ID, MerchantPatch{ReviewCount: ptr(-1)})
	assert.Equal(t, errx.KindInvalid, errx.KindOf(err))
	_, err = cat.UpdateMerchant(ctx, 9999, MerchantPatch{IsActive: ptr(false)})
	assert.True(t, errors.Is(err, offers.ErrMerchantNotFound))
}

func TestCatalog_Listings(t *testing.T) {
	pool := dbtest.New(t)
	ctx := context.Background()
	cat := New(pool, zerolog.Nop())
	tree := categories.NewTree(pool, zerolog.Nop())
	ledger := offers.NewLedger(pool, zerolog.Nop())

	audio, err := tree.Create(ctx, categories.CreateCategoryInput{Name: "Audio"})
	require.NoError(t, err)

	speaker, err := cat.CreateProduct(ctx, CreateProductInput{Name: "Speaker", Brand: ptr("Sono"), CategoryID: &audio.ID})
	require.NoError(t, err)
	headset, err := cat.CreateProduct(ctx, CreateProductInput{Name: "Headset", Brand: ptr("Sono"), CategoryID: &audio.ID})
	require.NoError(t, err)
	_, err = cat.CreateProduct(ctx, CreateProductInput{Name: "Toaster", Brand: ptr("Hot")})
	require.NoError(t, err)
	_, err = cat.CreateProduct(ctx, CreateProductInput{Name: "Hidden", IsActive: ptr(false)})
	require.NoError(t, err)

	shopA, err := cat.CreateMerchant(ctx, CreateMerchantInput{Name: "Alpha", Rating: decimal.RequireFromString("3.5")})
	require.NoError(t, err)
	shopB, err := cat.CreateMerchant(ctx, CreateMerchantInput{Name: "Beta", Rating: decimal.RequireFromString("4.8")})
	require.NoError(t, err)

	_, err = ledger.Create(ctx, offers.CreateOfferInput{ProductID: speaker.ID, MerchantID: shopA.ID, Price: ptr(decimal.NewFromInt(80))})
	require.NoError(t, err)
	_, err = ledger.Create(ctx, offers.CreateOfferInput{ProductID: speaker.ID, MerchantID: shopB.ID, Price: ptr(decimal.NewFromInt(60)), OriginalPrice: decimal.NewNullDecimal(decimal.NewFromInt(75))})
	require.NoError(t, err)
	_, err = ledger.Create(ctx, offers.CreateOfferInput{ProductID: headset.ID, MerchantID: shopA.ID, Price: ptr(decimal.NewFromInt(20))})
	require.NoError(t, err)

	list, err := cat.ListProducts(ctx, ProductQuery{})
	require.NoError(t, err)
	assert.Equal(t, 3, list.Total, "inactive products are left out")

	list, err = cat.ListProducts(ctx, ProductQuery{CategoryIDs: []int64{audio.ID}, Sort: ProductSortPriceAsc})
	require.NoError(t, err)
	require.Equal(t, 2, list.Total)
	assert.Equal(t, headset.ID, list.Products[0].ID)
	assert.Equal(t, speaker.ID, list.Products[1].ID)
	assert.True(t, decimal.NewFromInt(60).Equal(list.Products[1].BestPrice.Decimal))
	assert.Equal(t, 2, list.Products[1].MerchantCount)
	assert.True(t, decimal.NewFromInt(20).Equal(list.Products[1].AverageDiscount.Decimal))

	list, err = cat.ListProducts(ctx, ProductQuery{InStock: true, MinPrice: decimal.NewNullDecimal(decimal.NewFromInt(50))})
	require.NoError(t, err)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, speaker.ID, list.Products[0].ID)

	list, err = cat.ListProducts(ctx, ProductQuery{Search: "toast"})
	require.NoError(t, err)
	require.Equal(t, 1, list.Total)
	assert.False(t, list.Products[0].BestPrice.Valid)

	list, err = cat.ListProducts(ctx, ProductQuery{Brand: "Sono", Sort: ProductSortName})
	require.NoError(t, err)
	require.Equal(t, 2, list.Total)
	assert.Equal(t, "Headset", list.Products[0].Name)

	merchants, err := cat.ListMerchants(ctx, MerchantQuery{Sort: MerchantSortRatingHigh})
	require.NoError(t, err)
	require.Equal(t, 2, merchants.Total)
	assert.Equal(t, shopB.ID, merchants.Merchants[0].ID)

	merchants, err = cat.ListMerchants(ctx, MerchantQuery{Sort: MerchantSortProductsHigh})
	require.NoError(t, err)
	assert.Equal(t, shopA.ID, merchants.Merchants[0].ID)
	assert.Equal(t, 2, merchants.Merchants[0].ActiveProducts)

	merchants, err = cat.ListMerchants(ctx, MerchantQuery{Search: "bet"})
	require.NoError(t, err)
	require.Equal(t, 1, merchants.Total)
	assert.Equal(t, "Beta", merchants.Merchants[0].Name)

	stats, err := cat.ProductStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalProducts)
	assert.Equal(t, 3, stats.NewProducts)
	assert.Equal(t, 2, stats.TotalBrands)
	assert.Equal(t, 2, stats.InStockProducts)
	require.Len(t, stats.TopCategories, 1)
	assert.Equal(t, audio.ID, stats.TopCategories[0].ID)
	assert.Equal(t, 2, stats.TopCategories[0].ProductCount)
	assert.True(t, decimal.NewFromInt(20).Equal(stats.TopCategories[0].MinPrice.Decimal))
	assert.True(t, decimal.NewFromInt(80).Equal(stats.TopCategories[0].MaxPrice.Decimal))
}
