// Package categories maintains the category tree: materialized levels,
// cycle-safe re-parenting and subtree queries.
package categories

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kosarica/marketplace-service/internal/database"
	"github.com/kosarica/marketplace-service/internal/errx"
	"github.com/kosarica/marketplace-service/internal/metrics"
	"github.com/kosarica/marketplace-service/internal/slug"
	"github.com/kosarica/marketplace-service/internal/telemetry"
)

var (
	ErrCategoryNotFound = errx.WithCode(errx.KindNotFound, "category_not_found", "category not found")
	ErrInvalidParent    = errx.WithCode(errx.KindInvalidParent, "invalid_parent", "parent category is invalid")
	ErrHasChildren      = errx.WithCode(errx.KindForbidden, "has_children", "category has subcategories")
	ErrHasProducts      = errx.WithCode(errx.KindForbidden, "has_products", "category has products")
)

// treeLockKey is the advisory lock serializing tree-shape mutations
const treeLockKey int64 = 0x6d6b7463 // "mktc"

// SubtreeCache stores descendant id lists. Any tree mutation invalidates it.
type SubtreeCache interface {
	GetDescendants(ctx context.Context, id int64) ([]int64, bool, error)
	// Generation must be read before loading the data later passed to
	// SetDescendants, which drops the write once an invalidation bumped it.
	Generation(ctx context.Context) (int64, error)
	SetDescendants(ctx context.Context, gen, id int64, ids []int64) (bool, error)
	Invalidate(ctx context.Context) error
}

// Tree is the category engine
type Tree struct {
	db      database.DB
	log     zerolog.Logger
	metrics *metrics.Recorder
	cache   SubtreeCache
	now     func() time.Time
}

// Option configures a Tree
type Option func(*Tree)

// WithCache enables the descendant cache
func WithCache(c SubtreeCache) Option {
	return func(t *Tree) { t.cache = c }
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *metrics.Recorder) Option {
	return func(t *Tree) { t.metrics = m }
}

// WithClock overrides the clock used for timestamps
func WithClock(now func() time.Time) Option {
	return func(t *Tree) { t.now = now }
}

// NewTree creates a category engine on db
func NewTree(db database.DB, logger zerolog.Logger, opts ...Option) *Tree {
	t := &Tree{
		db:  db,
		log: logger.With().Str("component", "categories").Logger(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CreateCategoryInput carries the fields of a new category
type CreateCategoryInput struct {
	Name            string  `json:"name" binding:"required"`
	ParentID        *int64  `json:"parent_id,omitempty"`
	Description     *string `json:"description,omitempty"`
	IsActive        *bool   `json:"is_active,omitempty"` // defaults to true
	MetaTitle       *string `json:"meta_title,omitempty"`
	MetaDescription *string `json:"meta_description,omitempty"`
	ImageURL        *string `json:"image_url,omitempty"`
	SortOrder       int     `json:"sort_order"`
}

// CategoryPatch is a partial update. Detach makes the category a root;
// otherwise a non-nil ParentID re-parents it.
type CategoryPatch struct {
	Name            *string `json:"name,omitempty"`
	ParentID        *int64  `json:"parent_id,omitempty"`
	Detach          bool    `json:"detach,omitempty"`
	Description     *string `json:"description,omitempty"`
	IsActive        *bool   `json:"is_active,omitempty"`
	MetaTitle       *string `json:"meta_title,omitempty"`
	MetaDescription *string `json:"meta_description,omitempty"`
	ImageURL        *string `json:"image_url,omitempty"`
	SortOrder       *int    `json:"sort_order,omitempty"`
}

func lockTree(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, treeLockKey); err != nil {
		return fmt.Errorf("failed to lock category tree: %w", err)
	}
	return nil
}

func parentLevel(ctx context.Context, q database.Querier, parentID int64) (int, error) {
	var level int
	err := q.QueryRow(ctx, `SELECT level FROM categories WHERE id = $1`, parentID).Scan(&level)
	if database.IsNoRows(err) {
		return 0, ErrInvalidParent.Withf("parent category %d does not exist", parentID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load parent category: %w", err)
	}
	return level, nil
}

// Create inserts a category one level below its parent (or as a root) with
// a unique slug derived from its name.
func (t *Tree) Create(ctx context.Context, in CreateCategoryInput) (cat *database.Category, err error) {
	ctx, span := telemetry.StartSpan(ctx, "categories.Create")
	defer func() {
		telemetry.EndSpan(span, err)
		t.metrics.RecordCategoryMutation("create", err)
	}()

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, errx.Invalid("name is required")
	}
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}

	now := t.now()
	err = database.InTx(ctx, t.db, func(tx pgx.Tx) error {
		if err := lockTree(ctx, tx); err != nil {
			return err
		}

		level := 1
		if in.ParentID != nil {
			pl, err := parentLevel(ctx, tx, *in.ParentID)
			if err != nil {
				return err
			}
			level = pl + 1
		}

		s, err := slug.Unique(ctx, tx, slug.TableCategories, name, 0)
		if err != nil {
			return err
		}

		var id int64
		if err := tx.QueryRow(ctx, `
			INSERT INTO categories (
				name, slug, description, parent_id, level, is_active, meta_title,
				meta_description, image_url, sort_order, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
			RETURNING id
		`, name, s, in.Description, in.ParentID, level, active, in.MetaTitle,
			in.MetaDescription, in.ImageURL, in.SortOrder, now).Scan(&id); err != nil {
			return database.MapError(err)
		}

		cat, err = getCategory(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	t.invalidate(ctx)
	t.log.Info().Int64("category_id", cat.ID).Str("slug", cat.Slug).Int("level", cat.Level).Msg("Category created")
	return cat, nil
}

// Update applies patch. A parent change validates the new parent (it must
// exist and must not be the category or one of its descendants) and shifts
// the level of the whole subtree by the same delta, in the same transaction
// as the field update.
func (t *Tree) Update(ctx context.Context, id int64, patch CategoryPatch) (cat *database.Category, err error) {
	ctx, span := telemetry.StartSpan(ctx, "categories.Update", attribute.Int64("category.id", id))
	defer func() {
		telemetry.EndSpan(span, err)
		t.metrics.RecordCategoryMutation("update", err)
	}()

	now := t.now()
	var moved bool
	err = database.InTx(ctx, t.db, func(tx pgx.Tx) error {
		if err := lockTree(ctx, tx); err != nil {
			return err
		}

		cur, err := getCategory(ctx, tx, id)
		if err != nil {
			return err
		}
		next := *cur

		newParent := cur.ParentID
		if patch.Detach {
			newParent = nil
		} else if patch.ParentID != nil {
			newParent = patch.ParentID
		}

		if !sameParent(cur.ParentID, newParent) {
			level := 1
			if newParent != nil {
				if *newParent == id {
					return ErrInvalidParent.Withf("category %d cannot be its own parent", id)
				}
				pl, err := parentLevel(ctx, tx, *newParent)
				if err != nil {
					return err
				}
				level = pl + 1
			}

			index, err := loadChildIndex(ctx, tx)
			if err != nil {
				return err
			}
			subtree := descendants(index, id)
			if newParent != nil && slices.Contains(subtree, *newParent) {
				return ErrInvalidParent.Withf("category %d is a descendant of %d", *newParent, id)
			}

			if diff := level - cur.Level; diff != 0 {
				ids := append([]int64{id}, subtree...)
				if _, err := tx.Exec(ctx, `
					UPDATE categories SET level = level + $1, updated_at = $3 WHERE id = ANY($2)
				`, diff, ids, now); err != nil {
					return database.MapError(err)
				}
				t.metrics.RecordCascade(len(ids))
				t.log.Debug().Int64("category_id", id).Int("level_diff", diff).Int("nodes", len(ids)).Msg("Shifted subtree levels")
			}
			next.ParentID = newParent
			next.Level = level
			moved = true
		}

		if patch.Name != nil {
			name := strings.TrimSpace(*patch.Name)
			if name == "" {
				return errx.Invalid("name must not be empty")
			}
			if name != cur.Name {
				s, err := slug.Unique(ctx, tx, slug.TableCategories, name, id)
				if err != nil {
					return err
				}
				next.Name, next.Slug = name, s
			}
		}
		if patch.Description != nil {
			next.Description = patch.Description
		}
		if patch.IsActive != nil {
			next.IsActive = *patch.IsActive
		}
		if patch.MetaTitle != nil {
			next.MetaTitle = patch.MetaTitle
		}
		if patch.MetaDescription != nil {
			next.MetaDescription = patch.MetaDescription
		}
		if patch.ImageURL != nil {
			next.ImageURL = patch.ImageURL
		}
		if patch.SortOrder != nil {
			next.SortOrder = *patch.SortOrder
		}

		if _, err := tx.Exec(ctx, `
			UPDATE categories SET
				name = $2, slug = $3, description = $4, parent_id = $5, is_active = $6,
				meta_title = $7, meta_description = $8, image_url = $9, sort_order = $10,
				updated_at = $11
			WHERE id = $1
		`, id, next.Name, next.Slug, next.Description, next.ParentID, next.IsActive,
			next.MetaTitle, next.MetaDescription, next.ImageURL, next.SortOrder, now); err != nil {
			return database.MapError(err)
		}

		cat, err = getCategory(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	if moved {
		t.invalidate(ctx)
	}
	t.log.Info().Int64("category_id", id).Bool("moved", moved).Int("level", cat.Level).Msg("Category updated")
	return cat, nil
}

// Delete removes a category that has neither subcategories nor products.
func (t *Tree) Delete(ctx context.Context, id int64) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "categories.Delete", attribute.Int64("category.id", id))
	defer func() {
		telemetry.EndSpan(span, err)
		t.metrics.RecordCategoryMutation("delete", err)
	}()

	err = database.InTx(ctx, t.db, func(tx pgx.Tx) error {
		if err := lockTree(ctx, tx); err != nil {
			return err
		}

		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM categories WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to load category: %w", err)
		}
		if !exists {
			return ErrCategoryNotFound.Withf("category %d not found", id)
		}

		var children, products int
		if err := tx.QueryRow(ctx, `
			SELECT
				(SELECT COUNT(*) FROM categories WHERE parent_id = $1),
				(SELECT COUNT(*) FROM products WHERE category_id = $1)
		`, id).Scan(&children, &products); err != nil {
			return fmt.Errorf("failed to count category dependents: %w", err)
		}
		if children > 0 {
			return ErrHasChildren.Withf("category %d has %d subcategories", id, children)
		}
		if products > 0 {
			return ErrHasProducts.Withf("category %d has %d products", id, products)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM categories WHERE id = $1`, id); err != nil {
			return database.MapError(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	t.invalidate(ctx)
	t.log.Info().Int64("category_id", id).Msg("Category deleted")
	return nil
}

func (t *Tree) invalidate(ctx context.Context) {
	if t.cache == nil {
		return
	}
	if err := t.cache.Invalidate(ctx); err != nil {
		t.log.Warn().Err(err).Msg("Failed to invalidate subtree cache")
	}
}

func sameParent(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
