package categories

import (
	"context"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kosarica/marketplace-service/internal/database"
	"github.com/kosarica/marketplace-service/internal/telemetry"
)

// childIndex maps a parent id to its children in display order. Roots are
// under key 0.
type childIndex map[int64][]int64

func loadChildIndex(ctx context.Context, q database.Querier) (childIndex, error) {
	rows, err := q.Query(ctx, `
		SELECT id, COALESCE(parent_id, 0) FROM categories ORDER BY sort_order, name, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load category edges: %w", err)
	}
	defer rows.Close()

	index := childIndex{}
	for rows.Next() {
		var id, parent int64
		if err := rows.Scan(&id, &parent); err != nil {
			return nil, fmt.Errorf("failed to scan category edge: %w", err)
		}
		index[parent] = append(index[parent], id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating category edges: %w", err)
	}
	return index, nil
}

// descendants walks the subtree below root depth-first (preorder) with an
// explicit stack. Nodes already visited are skipped, so a corrupted parent
// chain cannot loop. root itself is not included.
func descendants(index childIndex, root int64) []int64 {
	visited := map[int64]bool{root: true}
	out := []int64{}

	stack := slices.Clone(index[root])
	slices.Reverse(stack)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		out = append(out, id)

		children := index[id]
		for i := len(children) - 1; i >= 0; i-- {
			if !visited[children[i]] {
				stack = append(stack, children[i])
			}
		}
	}
	return out
}

// DescendantIDs returns the ids of every category below id, depth-first.
func (t *Tree) DescendantIDs(ctx context.Context, id int64) (ids []int64, err error) {
	ctx, span := telemetry.StartSpan(ctx, "categories.DescendantIDs", attribute.Int64("category.id", id))
	defer func() { telemetry.EndSpan(span, err) }()

	if _, err := getCategory(ctx, t.db, id); err != nil {
		return nil, err
	}

	var gen int64
	cacheable := false
	if t.cache != nil {
		cached, ok, err := t.cache.GetDescendants(ctx, id)
		t.metrics.RecordSubtreeCache(ok, err)
		if err != nil {
			t.log.Warn().Err(err).Int64("category_id", id).Msg("Subtree cache read failed")
		} else if ok {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return cached, nil
		}
		if gen, err = t.cache.Generation(ctx); err == nil {
			cacheable = true
		} else {
			t.log.Debug().Err(err).Int64("category_id", id).Msg("Skipping subtree cache write")
		}
	}

	index, err := loadChildIndex(ctx, t.db)
	if err != nil {
		return nil, err
	}
	ids = descendants(index, id)

	if cacheable {
		if _, err := t.cache.SetDescendants(ctx, gen, id, ids); err != nil {
			t.log.Warn().Err(err).Int64("category_id", id).Msg("Subtree cache write failed")
		}
	}
	return ids, nil
}

// Crumb is one breadcrumb entry
type Crumb struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// AncestorChain returns the path from the root down to id, inclusive. The
// walk stops at the first repeated node.
func (t *Tree) AncestorChain(ctx context.Context, id int64) (chain []Crumb, err error) {
	ctx, span := telemetry.StartSpan(ctx, "categories.AncestorChain", attribute.Int64("category.id", id))
	defer func() { telemetry.EndSpan(span, err) }()

	visited := map[int64]bool{}
	next := &id
	for next != nil && !visited[*next] {
		visited[*next] = true

		var c Crumb
		var parent *int64
		err := t.db.QueryRow(ctx, `SELECT id, name, slug, parent_id FROM categories WHERE id = $1`, *next).
			Scan(&c.ID, &c.Name, &c.Slug, &parent)
		if database.IsNoRows(err) {
			if len(chain) == 0 {
				return nil, ErrCategoryNotFound.Withf("category %d not found", id)
			}
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load ancestor: %w", err)
		}
		chain = append(chain, c)
		next = parent
	}

	slices.Reverse(chain)
	return chain, nil
}

type levelRow struct {
	parent int64
	level  int
}

// expectedLevels walks the tree from its roots and returns the level every
// reachable node should have. Nodes on a parent cycle are unreachable and
// left out.
func expectedLevels(rows map[int64]levelRow) map[int64]int {
	index := childIndex{}
	for id, r := range rows {
		index[r.parent] = append(index[r.parent], id)
	}

	want := make(map[int64]int, len(rows))
	type item struct {
		id    int64
		level int
	}
	queue := []item{}
	for _, id := range index[0] {
		queue = append(queue, item{id: id, level: 1})
	}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		if _, seen := want[it.id]; seen {
			continue
		}
		want[it.id] = it.level
		for _, child := range index[it.id] {
			queue = append(queue, item{id: child, level: it.level + 1})
		}
	}
	return want
}

// RepairLevels recomputes every level from the roots and rewrites the rows
// that drifted. It returns how many rows were corrected.
func (t *Tree) RepairLevels(ctx context.Context) (fixed int, err error) {
	ctx, span := telemetry.StartSpan(ctx, "categories.RepairLevels")
	defer func() { telemetry.EndSpan(span, err) }()

	err = database.InTx(ctx, t.db, func(tx pgx.Tx) error {
		if err := lockTree(ctx, tx); err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `SELECT id, COALESCE(parent_id, 0), level FROM categories`)
		if err != nil {
			return fmt.Errorf("failed to load category levels: %w", err)
		}
		current := map[int64]levelRow{}
		for rows.Next() {
			var id int64
			var r levelRow
			if err := rows.Scan(&id, &r.parent, &r.level); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan category level: %w", err)
			}
			current[id] = r
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating category levels: %w", err)
		}

		want := expectedLevels(current)
		if len(want) < len(current) {
			t.log.Warn().Int("unreachable", len(current)-len(want)).Msg("Categories not reachable from any root")
		}

		var ids []int64
		var levels []int32
		for id, level := range want {
			if current[id].level != level {
				ids = append(ids, id)
				levels = append(levels, int32(level))
			}
		}
		if len(ids) == 0 {
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE categories c SET level = v.level, updated_at = $3
			FROM unnest($1::bigint[], $2::int[]) AS v(id, level)
			WHERE c.id = v.id
		`, ids, levels, t.now()); err != nil {
			return fmt.Errorf("failed to repair category levels: %w", err)
		}
		fixed = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}

	if fixed > 0 {
		t.log.Info().Int("fixed", fixed).Msg("Repaired category levels")
	}
	return fixed, nil
}

// RecountProducts rewrites the denormalized product_count of every
// category. It returns how many rows changed.
func (t *Tree) RecountProducts(ctx context.Context) (int, error) {
	tag, err := t.db.Exec(ctx, `
		UPDATE categories c SET product_count = s.n
		FROM (
			SELECT c2.id, COUNT(p.id)::int AS n
			FROM categories c2
			LEFT JOIN products p ON p.category_id = c2.id
			GROUP BY c2.id
		) s
		WHERE c.id = s.id AND c.product_count <> s.n
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to recount category products: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
