package sweepers

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kosarica/marketplace-service/internal/jobs"
)

// Runner runs one reconciliation pass
type Runner interface {
	RunAll(ctx context.Context) (jobs.Report, error)
}

// ReconcileSweeper periodically re-derives denormalized marketplace state
type ReconcileSweeper struct {
	runner   Runner
	logger   zerolog.Logger
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewReconcileSweeper creates a sweeper that calls runner every interval
func NewReconcileSweeper(runner Runner, logger zerolog.Logger, interval time.Duration) *ReconcileSweeper {
	return &ReconcileSweeper{
		runner:   runner,
		logger:   logger.With().Str("component", "reconcile_sweeper").Logger(),
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx ends or Stop is called
func (s *ReconcileSweeper) Start(ctx context.Context) {
	s.logger.Info().
		Dur("interval", s.interval).
		Msg("Starting reconcile sweeper")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Reconcile sweeper stopping (context cancelled)")
			return
		case <-s.stopChan:
			s.logger.Info().Msg("Reconcile sweeper stopping (stop signal)")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Stop signals the sweeper to stop. It is safe to call more than once.
func (s *ReconcileSweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// RunOnce runs a single pass and logs its outcome
func (s *ReconcileSweeper) RunOnce(ctx context.Context) jobs.Report {
	s.logger.Debug().Msg("Running reconcile pass")

	report, err := s.runner.RunAll(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Reconcile pass failed")
		return report
	}

	total := report.LowestPriceFixed + report.CategoryLevelsFixed + report.CategoryCountsFixed + report.MerchantCountsFixed
	if total > 0 {
		s.logger.Info().
			Int("lowest_price", report.LowestPriceFixed).
			Int("category_levels", report.CategoryLevelsFixed).
			Int("category_counts", report.CategoryCountsFixed).
			Int("merchant_counts", report.MerchantCountsFixed).
			Msg("Reconcile pass corrected drift")
	}
	return report
}
