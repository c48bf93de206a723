// Package jobs holds the reconciliation passes that re-derive denormalized
// state from the source rows.
package jobs

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kosarica/marketplace-service/internal/errx"
	"github.com/kosarica/marketplace-service/internal/metrics"
)

// Job names used in logs and metrics
const (
	JobLowestPrice    = "lowest_price"
	JobCategoryLevels = "category_levels"
	JobCategoryCounts = "category_counts"
	JobMerchantCounts = "merchant_counts"
)

// MarkerStore recomputes lowest-price markers
type MarkerStore interface {
	ProductIDs(ctx context.Context) ([]int64, error)
	RecomputeLowest(ctx context.Context, productID int64) (*int64, int64, error)
}

// TreeRepairer re-derives category levels and product counts
type TreeRepairer interface {
	RepairLevels(ctx context.Context) (int, error)
	RecountProducts(ctx context.Context) (int, error)
}

// MerchantCounter re-derives merchant offer counts
type MerchantCounter interface {
	RecountMerchants(ctx context.Context) (int, error)
}

// Config tunes the reconciler
type Config struct {
	Concurrency int // parallel marker recomputations
}

// DefaultConfig returns the default reconciler settings
func DefaultConfig() Config {
	return Config{Concurrency: 4}
}

// Report counts the rows each job corrected
type Report struct {
	LowestPriceFixed    int `json:"lowest_price_fixed"`
	CategoryLevelsFixed int `json:"category_levels_fixed"`
	CategoryCountsFixed int `json:"category_counts_fixed"`
	MerchantCountsFixed int `json:"merchant_counts_fixed"`
}

// Reconciler runs every reconciliation job
type Reconciler struct {
	markers   MarkerStore
	tree      TreeRepairer
	merchants MerchantCounter
	logger    zerolog.Logger
	metrics   *metrics.Recorder
	config    Config
}

// NewReconciler creates a reconciler
func NewReconciler(markers MarkerStore, tree TreeRepairer, merchants MerchantCounter, logger zerolog.Logger, m *metrics.Recorder, cfg Config) *Reconciler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	return &Reconciler{
		markers:   markers,
		tree:      tree,
		merchants: merchants,
		logger:    logger.With().Str("component", "reconciler").Logger(),
		metrics:   m,
		config:    cfg,
	}
}

func (r *Reconciler) run(ctx context.Context, job string, fn func(context.Context) (int, error)) (int, error) {
	start := time.Now()
	fixed, err := fn(ctx)
	r.metrics.RecordReconcile(job, time.Since(start), fixed, err)

	if err != nil {
		r.logger.Error().Err(err).Str("job", job).Msg("Reconcile job failed")
		return fixed, fmt.Errorf("%s: %w", job, err)
	}
	if fixed > 0 {
		r.logger.Info().Str("job", job).Int("fixed", fixed).Dur("duration", time.Since(start)).Msg("Reconcile job corrected rows")
	} else {
		r.logger.Debug().Str("job", job).Dur("duration", time.Since(start)).Msg("Reconcile job found nothing to fix")
	}
	return fixed, nil
}

// LowestPrices recomputes the marker of every product with offers, running
// up to Concurrency products at once. It returns how many markers flipped.
func (r *Reconciler) LowestPrices(ctx context.Context) (int, error) {
	return r.run(ctx, JobLowestPrice, func(ctx context.Context) (int, error) {
		ids, err := r.markers.ProductIDs(ctx)
		if err != nil {
			return 0, err
		}

		var flipped atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.config.Concurrency)
		for _, id := range ids {
			g.Go(func() error {
				_, n, err := r.markers.RecomputeLowest(gctx, id)
				if errx.KindOf(err) == errx.KindNotFound {
					// deleted since the id scan
					r.logger.Debug().Int64("product_id", id).Msg("Skipping vanished product")
					return nil
				}
				if err != nil {
					return fmt.Errorf("product %d: %w", id, err)
				}
				flipped.Add(n)
				return nil
			})
		}
		err = g.Wait()
		return int(flipped.Load()), err
	})
}

// CategoryLevels repairs drifted category levels
func (r *Reconciler) CategoryLevels(ctx context.Context) (int, error) {
	return r.run(ctx, JobCategoryLevels, r.tree.RepairLevels)
}

// CategoryCounts repairs category product counts
func (r *Reconciler) CategoryCounts(ctx context.Context) (int, error) {
	return r.run(ctx, JobCategoryCounts, r.tree.RecountProducts)
}

// MerchantCounts repairs merchant offer counts
func (r *Reconciler) MerchantCounts(ctx context.Context) (int, error) {
	return r.run(ctx, JobMerchantCounts, r.merchants.RecountMerchants)
}

// RunAll runs every job in sequence. A failing job does not stop the
// others; the first error is returned with the partial report.
func (r *Reconciler) RunAll(ctx context.Context) (Report, error) {
	var report Report
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	var err error
	report.CategoryLevelsFixed, err = r.CategoryLevels(ctx)
	keep(err)
	report.CategoryCountsFixed, err = r.CategoryCounts(ctx)
	keep(err)
	report.MerchantCountsFixed, err = r.MerchantCounts(ctx)
	keep(err)
	report.LowestPriceFixed, err = r.LowestPrices(ctx)
	keep(err)

	return report, firstErr
}
