package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kosarica/marketplace-service/internal/catalog"
	"github.com/kosarica/marketplace-service/internal/categories"
	"github.com/kosarica/marketplace-service/internal/database"
	"github.com/kosarica/marketplace-service/internal/jobs"
	"github.com/kosarica/marketplace-service/internal/metrics"
	"github.com/kosarica/marketplace-service/internal/offers"
)

var (
	reconcileJob         string
	reconcileConcurrency int
)

// reconcileCmd runs one reconciliation pass
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Re-derive lowest-price markers and category counters",
	Long: `Run one reconciliation pass. Each job rebuilds denormalized state from
the source rows and reports how many rows it corrected. Without --job every
job runs.`,
	Example: `  marketplace reconcile
  marketplace reconcile --job lowest_price --concurrency 8`,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().StringVar(&reconcileJob, "job", "", "Run a single job: lowest_price, category_levels, category_counts, merchant_counts")
	reconcileCmd.Flags().IntVar(&reconcileConcurrency, "concurrency", 0, "Parallel marker recomputations (defaults to reconcile.concurrency)")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	pool := database.Pool()
	recorder := metrics.NewRecorder()

	concurrency := cfg.Reconcile.Concurrency
	if reconcileConcurrency > 0 {
		concurrency = reconcileConcurrency
	}

	r := jobs.NewReconciler(
		offers.NewLedger(pool, logger, offers.WithMetrics(recorder)),
		categories.NewTree(pool, logger, categories.WithMetrics(recorder)),
		catalog.New(pool, logger),
		logger,
		recorder,
		jobs.Config{Concurrency: concurrency},
	)

	var single func() (int, error)
	switch reconcileJob {
	case "":
		report, err := r.RunAll(ctx)
		if encErr := printJSON(cmd, report); encErr != nil {
			return encErr
		}
		return err
	case jobs.JobLowestPrice:
		single = func() (int, error) { return r.LowestPrices(ctx) }
	case jobs.JobCategoryLevels:
		single = func() (int, error) { return r.CategoryLevels(ctx) }
	case jobs.JobCategoryCounts:
		single = func() (int, error) { return r.CategoryCounts(ctx) }
	case jobs.JobMerchantCounts:
		single = func() (int, error) { return r.MerchantCounts(ctx) }
	default:
		return fmt.Errorf("unknown job %q", reconcileJob)
	}

	fixed, err := single()
	if err != nil {
		return err
	}
	return printJSON(cmd, map[string]int{reconcileJob + "_fixed": fixed})
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
