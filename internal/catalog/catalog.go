// Package catalog manages the products and merchants that offers and
// categories refer to.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kosarica/marketplace-service/internal/categories"
	"github.com/kosarica/marketplace-service/internal/database"
	"github.com/kosarica/marketplace-service/internal/errx"
	"github.com/kosarica/marketplace-service/internal/offers"
	"github.com/kosarica/marketplace-service/internal/slug"
	"github.com/kosarica/marketplace-service/internal/telemetry"
)

var maxRating = decimal.NewFromInt(5)

// Catalog owns products and merchants
type Catalog struct {
	db  database.DB
	log zerolog.Logger
	now func() time.Time
}

// New creates a catalog on db
func New(db database.DB, logger zerolog.Logger) *Catalog {
	return &Catalog{
		db:  db,
		log: logger.With().Str("component", "catalog").Logger(),
		now: time.Now,
	}
}

// CreateMerchantInput carries the fields of a new merchant
type CreateMerchantInput struct {
	Name        string          `json:"name" binding:"required"`
	WebsiteURL  *string         `json:"website_url,omitempty"`
	LogoURL     *string         `json:"logo_url,omitempty"`
	Description *string         `json:"description,omitempty"`
	IsActive    *bool           `json:"is_active,omitempty"`
	Rating      decimal.Decimal `json:"rating"`
	ReviewCount int             `json:"review_count"`
}

// CreateProductInput carries the fields of a new product
type CreateProductInput struct {
	Name        string  `json:"name" binding:"required"`
	Description *string `json:"description,omitempty"`
	Brand       *string `json:"brand,omitempty"`
	Model       *string `json:"model,omitempty"`
	ImageURL    *string `json:"image_url,omitempty"`
	CategoryID  *int64  `json:"category_id,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

const merchantColumns = `m.id, m.name, m.slug, m.website_url, m.logo_url, m.description, m.is_active,
	m.rating, m.review_count, m.product_count, m.created_at, m.updated_at`

const productColumns = `p.id, p.name, p.slug, p.description, p.brand, p.model, p.image_url,
	p.category_id, p.is_active, p.created_at, p.updated_at`

func merchantScanArgs(m *database.Merchant) []any {
	return []any{
		&m.ID, &m.Name, &m.Slug, &m.WebsiteURL, &m.LogoURL, &m.Description, &m.IsActive, &m.Rating,
		&m.ReviewCount, &m.ProductCount, &m.CreatedAt, &m.UpdatedAt,
	}
}

func productScanArgs(p *database.Product) []any {
	return []any{
		&p.ID, &p.Name, &p.Slug, &p.Description, &p.Brand, &p.Model, &p.ImageURL, &p.CategoryID,
		&p.IsActive, &p.CreatedAt, &p.UpdatedAt,
	}
}

func getMerchant(ctx context.Context, q database.Querier, id int64) (*database.Merchant, error) {
	var m database.Merchant
	err := q.QueryRow(ctx, `SELECT `+merchantColumns+` FROM merchants m WHERE m.id = $1`, id).Scan(merchantScanArgs(&m)...)
	if database.IsNoRows(err) {
		return nil, offers.ErrMerchantNotFound.Withf("merchant %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load merchant: %w", err)
	}
	return &m, nil
}

func getProduct(ctx context.Context, q database.Querier, id int64) (*database.Product, error) {
	var p database.Product
	err := q.QueryRow(ctx, `SELECT `+productColumns+` FROM products p WHERE p.id = $1`, id).Scan(productScanArgs(&p)...)
	if database.IsNoRows(err) {
		return nil, offers.ErrProductNotFound.Withf("product %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load product: %w", err)
	}
	return &p, nil
}

func orTrue(b *bool) bool {
	return b == nil || *b
}

// CreateMerchant inserts a merchant with a unique slug
func (c *Catalog) CreateMerchant(ctx context.Context, in CreateMerchantInput) (m *database.Merchant, err error) {
	ctx, span := telemetry.StartSpan(ctx, "catalog.CreateMerchant")
	defer func() { telemetry.EndSpan(span, err) }()

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, errx.Invalid("name is required")
	}
	if in.Rating.IsNegative() || in.Rating.GreaterThan(maxRating) {
		return nil, errx.Invalid("rating must be between 0 and 5")
	}
	if in.ReviewCount < 0 {
		return nil, errx.Invalid("review_count must not be negative")
	}

	now := c.now()
	err = database.InTx(ctx, c.db, func(tx pgx.Tx) error {
		s, err := slug.Unique(ctx, tx, slug.TableMerchants, name, 0)
		if err != nil {
			return err
		}
		var id int64
		if err := tx.QueryRow(ctx, `
			INSERT INTO merchants (name, slug, website_url, logo_url, description, is_active, rating, review_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
			RETURNING id
		`, name, s, in.WebsiteURL, in.LogoURL, in.Description, orTrue(in.IsActive), in.Rating, in.ReviewCount, now).Scan(&id); err != nil {
			return database.MapError(err)
		}
		m, err = getMerchant(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.log.Info().Int64("merchant_id", m.ID).Str("slug", m.Slug).Msg("Merchant created")
	return m, nil
}

// GetMerchant returns one merchant
func (c *Catalog) GetMerchant(ctx context.Context, id int64) (*database.Merchant, error) {
	return getMerchant(ctx, c.db, id)
}

// DeleteMerchant removes a merchant with all of its offers and recomputes the
// lowest-price marker of every product that lost an offer.
func (c *Catalog) DeleteMerchant(ctx context.Context, id int64) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "catalog.DeleteMerchant", attribute.Int64("merchant.id", id))
	defer func() { telemetry.EndSpan(span, err) }()

	var affected []int64
	err = database.InTx(ctx, c.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id FROM products
			WHERE id IN (SELECT product_id FROM offers WHERE merchant_id = $1)
			ORDER BY id
			FOR UPDATE
		`, id)
		if err != nil {
			return fmt.Errorf("failed to lock merchant products: %w", err)
		}
		affected, err = pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return fmt.Errorf("failed to read merchant products: %w", err)
		}

		tag, err := tx.Exec(ctx, `DELETE FROM merchants WHERE id = $1`, id)
		if err != nil {
			return database.MapError(err)
		}
		if tag.RowsAffected() == 0 {
			return offers.ErrMerchantNotFound.Withf("merchant %d not found", id)
		}

		for _, productID := range affected {
			if _, _, err := offers.RecomputeIn(ctx, tx, productID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.log.Info().Int64("merchant_id", id).Int("products_recomputed", len(affected)).Msg("Merchant deleted")
	return nil
}

// CreateProduct inserts a product and bumps its category's product count
func (c *Catalog) CreateProduct(ctx context.Context, in CreateProductInput) (p *database.Product, err error) {
	ctx, span := telemetry.StartSpan(ctx, "catalog.CreateProduct")
	defer func() { telemetry.EndSpan(span, err) }()

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, errx.Invalid("name is required")
	}

	now := c.now()
	err = database.InTx(ctx, c.db, func(tx pgx.Tx) error {
		if in.CategoryID != nil {
			tag, err := tx.Exec(ctx, `
				UPDATE categories SET product_count = product_count + 1 WHERE id = $1
			`, *in.CategoryID)
			if err != nil {
				return fmt.Errorf("failed to bump category product count: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return categories.ErrCategoryNotFound.Withf("category %d not found", *in.CategoryID)
			}
		}

		s, err := slug.Unique(ctx, tx, slug.TableProducts, name, 0)
		if err != nil {
			return err
		}
		var id int64
		if err := tx.QueryRow(ctx, `
			INSERT INTO products (name, slug, description, brand, model, image_url, category_id, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
			RETURNING id
		`, name, s, in.Description, in.Brand, in.Model, in.ImageURL, in.CategoryID, orTrue(in.IsActive), now).Scan(&id); err != nil {
			return database.MapError(err)
		}
		p, err = getProduct(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.log.Info().Int64("product_id", p.ID).Str("slug", p.Slug).Msg("Product created")
	return p, nil
}

// GetProduct returns one product
func (c *Catalog) GetProduct(ctx context.Context, id int64) (*database.Product, error) {
	return getProduct(ctx, c.db, id)
}

// DeleteProduct removes a product together with its offers and history and
// decrements the merchant and category counters.
func (c *Catalog) DeleteProduct(ctx context.Context, id int64) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "catalog.DeleteProduct", attribute.Int64("product.id", id))
	defer func() { telemetry.EndSpan(span, err) }()

	err = database.InTx(ctx, c.db, func(tx pgx.Tx) error {
		var categoryID *int64
		err := tx.QueryRow(ctx, `SELECT category_id FROM products WHERE id = $1 FOR UPDATE`, id).Scan(&categoryID)
		if database.IsNoRows(err) {
			return offers.ErrProductNotFound.Withf("product %d not found", id)
		}
		if err != nil {
			return fmt.Errorf("failed to lock product: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE merchants m SET product_count = GREATEST(m.product_count - 1, 0)
			FROM offers o
			WHERE o.merchant_id = m.id AND o.product_id = $1
		`, id); err != nil {
			return fmt.Errorf("failed to decrement merchant product counts: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM products WHERE id = $1`, id); err != nil {
			return database.MapError(err)
		}

		if categoryID != nil {
			if _, err := tx.Exec(ctx, `
				UPDATE categories SET product_count = GREATEST(product_count - 1, 0) WHERE id = $1
			`, *categoryID); err != nil {
				return fmt.Errorf("failed to decrement category product count: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.log.Info().Int64("product_id", id).Msg("Product deleted")
	return nil
}

// RecountMerchants rewrites the denormalized product_count of every
// merchant from its offers. It returns how many rows changed.
func (c *Catalog) RecountMerchants(ctx context.Context) (int, error) {
	tag, err := c.db.Exec(ctx, `
		UPDATE merchants m SET product_count = s.n
		FROM (
			SELECT m2.id, COUNT(o.id)::int AS n
			FROM merchants m2
			LEFT JOIN offers o ON o.merchant_id = m2.id
			GROUP BY m2.id
		) s
		WHERE m.id = s.id AND m.product_count <> s.n
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to recount merchant offers: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ProductPatch is a partial product update. ClearCategory detaches the
// product from its category; otherwise a non-nil CategoryID moves it.
type ProductPatch struct {
	Name          *string `json:"name,omitempty"`
	Description   *string `json:"description,omitempty"`
	Brand         *string `json:"brand,omitempty"`
	Model         *string `json:"model,omitempty"`
	ImageURL      *string `json:"image_url,omitempty"`
	CategoryID    *int64  `json:"category_id,omitempty"`
	ClearCategory bool    `json:"clear_category,omitempty"`
	IsActive      *bool   `json:"is_active,omitempty"`
}

// UpdateProduct applies patch. Moving a product between categories moves
// one unit of product_count from the old category to the new one in the same
// transaction.
func (c *Catalog) UpdateProduct(ctx context.Context, id int64, patch ProductPatch) (p *database.Product, err error) {
	ctx, span := telemetry.StartSpan(ctx, "catalog.UpdateProduct", attribute.Int64("product.id", id))
	defer func() { telemetry.EndSpan(span, err) }()

	now := c.now()
	var moved bool
	err = database.InTx(ctx, c.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT 1 FROM products WHERE id = $1 FOR UPDATE`, id); err != nil {
			return fmt.Errorf("failed to lock product: %w", err)
		}
		cur, err := getProduct(ctx, tx, id)
		if err != nil {
			return err
		}
		next := *cur

		newCategory := cur.CategoryID
		if patch.ClearCategory {
			newCategory = nil
		} else if patch.CategoryID != nil {
			newCategory = patch.CategoryID
		}
		if !sameID(cur.CategoryID, newCategory) {
			if newCategory != nil {
				tag, err := tx.Exec(ctx, `
					UPDATE categories SET product_count = product_count + 1 WHERE id = $1
				`, *newCategory)
				if err != nil {
					return fmt.Errorf("failed to bump category product count: %w", err)
				}
				if tag.RowsAffected() == 0 {
					return categories.ErrCategoryNotFound.Withf("category %d not found", *newCategory)
				}
			}
			if cur.CategoryID != nil {
				if _, err := tx.Exec(ctx, `
					UPDATE categories SET product_count = GREATEST(product_count - 1, 0) WHERE id = $1
				`, *cur.CategoryID); err != nil {
					return fmt.Errorf("failed to decrement category product count: %w", err)
				}
			}
			next.CategoryID = newCategory
			moved = true
		}

		if patch.Name != nil {
			name := strings.TrimSpace(*patch.Name)
			if name == "" {
				return errx.Invalid("name must not be empty")
			}
			if name != cur.Name {
				s, err := slug.Unique(ctx, tx, slug.TableProducts, name, id)
				if err != nil {
					return err
				}
				next.Name, next.Slug = name, s
			}
		}
		if patch.Description != nil {
			next.Description = patch.Description
		}
		if patch.Brand != nil {
			next.Brand = patch.Brand
		}
		if patch.Model != nil {
			next.Model = patch.Model
		}
		if patch.ImageURL != nil {
			next.ImageURL = patch.ImageURL
		}
		if patch.IsActive != nil {
			next.IsActive = *patch.IsActive
		}

		if _, err := tx.Exec(ctx, `
			UPDATE products SET
				name = $2, slug = $3, description = $4, brand = $5, model = $6,
				image_url = $7, category_id = $8, is_active = $9, updated_at = $10
			WHERE id = $1
		`, id, next.Name, next.Slug, next.Description, next.Brand, next.Model,
			next.ImageURL, next.CategoryID, next.IsActive, now); err != nil {
			return database.MapError(err)
		}
		p, err = getProduct(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.log.Info().Int64("product_id", id).Bool("category_moved", moved).Msg("Product updated")
	return p, nil
}

// MerchantPatch is a partial merchant update
type MerchantPatch struct {
	Name        *string          `json:"name,omitempty"`
	WebsiteURL  *string          `json:"website_url,omitempty"`
	LogoURL     *string          `json:"logo_url,omitempty"`
	Description *string          `json:"description,omitempty"`
	IsActive    *bool            `json:"is_active,omitempty"`
	Rating      *decimal.Decimal `json:"rating,omitempty"`
	ReviewCount *int             `json:"review_count,omitempty"`
}

// UpdateMerchant applies patch
func (c *Catalog) UpdateMerchant(ctx context.Context, id int64, patch MerchantPatch) (m *database.Merchant, err error) {
	ctx, span := telemetry.StartSpan(ctx, "catalog.UpdateMerchant", attribute.Int64("merchant.id", id))
	defer func() { telemetry.EndSpan(span, err) }()

	if patch.Rating != nil && (patch.Rating.IsNegative() || patch.Rating.GreaterThan(maxRating)) {
		return nil, errx.Invalid("rating must be between 0 and 5")
	}
	if patch.ReviewCount != nil && *patch.ReviewCount < 0 {
		return nil, errx.Invalid("review_count must not be negative")
	}

	now := c.now()
	err = database.InTx(ctx, c.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT 1 FROM merchants WHERE id = $1 FOR UPDATE`, id); err != nil {
			return fmt.Errorf("failed to lock merchant: %w", err)
		}
		cur, err := getMerchant(ctx, tx, id)
		if err != nil {
			return err
		}
		next := *cur

		if patch.Name != nil {
			name := strings.TrimSpace(*patch.Name)
			if name == "" {
				return errx.Invalid("name must not be empty")
			}
			if name != cur.Name {
				s, err := slug.Unique(ctx, tx, slug.TableMerchants, name, id)
				if err != nil {
					return err
				}
				next.Name, next.Slug = name, s
			}
		}
		if patch.WebsiteURL != nil {
			next.WebsiteURL = patch.WebsiteURL
		}
		if patch.LogoURL != nil {
			next.LogoURL = patch.LogoURL
		}
		if patch.Description != nil {
			next.Description = patch.Description
		}
		if patch.IsActive != nil {
			next.IsActive = *patch.IsActive
		}
		if patch.Rating != nil {
			next.Rating = *patch.Rating
		}
		if patch.ReviewCount != nil {
			next.ReviewCount = *patch.ReviewCount
		}

		if _, err := tx.Exec(ctx, `
			UPDATE merchants SET
				name = $2, slug = $3, website_url = $4, logo_url = $5, description = $6,
				is_active = $7, rating = $8, review_count = $9, updated_at = $10
			WHERE id = $1
		`, id, next.Name, next.Slug, next.WebsiteURL, next.LogoURL, next.Description,
			next.IsActive, next.Rating, next.ReviewCount, now); err != nil {
			return database.MapError(err)
		}
		m, err = getMerchant(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.log.Info().Int64("merchant_id", id).Msg("Merchant updated")
	return m, nil
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
