package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/kosarica/marketplace-service/config"
	_ "github.com/kosarica/marketplace-service/docs"
	"github.com/kosarica/marketplace-service/internal/cache"
	"github.com/kosarica/marketplace-service/internal/catalog"
	"github.com/kosarica/marketplace-service/internal/categories"
	"github.com/kosarica/marketplace-service/internal/database"
	"github.com/kosarica/marketplace-service/internal/handlers"
	"github.com/kosarica/marketplace-service/internal/jobs"
	"github.com/kosarica/marketplace-service/internal/metrics"
	"github.com/kosarica/marketplace-service/internal/middleware"
	"github.com/kosarica/marketplace-service/internal/offers"
	"github.com/kosarica/marketplace-service/internal/sweepers"
	"github.com/kosarica/marketplace-service/internal/telemetry"
)

// @title Marketplace Service API
// @version 1.0
// @description Price comparison API: merchant offers with price history and lowest-price tracking, and the product category hierarchy.
// @BasePath /
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.Logging.NewLogger(os.Stdout, "marketplace-service")

	logger.Info().Msg("Starting marketplace service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize telemetry")
	}

	if cfg.Database.URL == "" {
		logger.Fatal().Msg("DATABASE_URL not set")
	}
	if err := database.Connect(
		ctx,
		cfg.Database.URL,
		cfg.Database.MaxConnections,
		cfg.Database.MinConnections,
		cfg.Database.MaxConnLifetime,
		cfg.Database.MaxConnIdleTime,
	); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()
	pool := database.Pool()

	logger.Info().Msg("Database connected")

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, pool); err != nil {
			logger.Fatal().Err(err).Msg("Failed to apply schema")
		}
	}

	recorder := metrics.NewRecorder()
	treeOpts := []categories.Option{categories.WithMetrics(recorder)}
	if cfg.Cache.RedisURL != "" {
		rdb, err := cache.Connect(ctx, cache.Config{URL: cfg.Cache.RedisURL})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to redis")
		}
		defer rdb.Close()
		breaker := cache.NewBreaker("subtree_cache", cfg.Cache.Breaker, logger, recorder)
		treeOpts = append(treeOpts, categories.WithCache(cache.NewGuardedSubtree(cache.NewSubtree(rdb, cfg.Cache.TTL), breaker)))
		logger.Info().Dur("ttl", cfg.Cache.TTL).Msg("Subtree cache enabled")
	}

	ledger := offers.NewLedger(pool, logger, offers.WithMetrics(recorder))
	tree := categories.NewTree(pool, logger, treeOpts...)
	cat := catalog.New(pool, logger)

	var sweeper *sweepers.ReconcileSweeper
	if cfg.Reconcile.Enabled {
		reconciler := jobs.NewReconciler(ledger, tree, cat, logger, recorder, jobs.Config{Concurrency: cfg.Reconcile.Concurrency})
		sweeper = sweepers.NewReconcileSweeper(reconciler, logger, cfg.Reconcile.Interval)
		go sweeper.Start(ctx)
	}

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	limiter := middleware.NewIPRateLimiter(cfg.RateLimit)
	go limiter.RunCleanup(ctx)

	router := newRouter(pool, handlers.New(ledger, tree, cat, logger), limiter, cfg.Auth.APIKey, logger, recorder)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("Shutting down server...")
	if sweeper != nil {
		sweeper.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Telemetry shutdown failed")
	}

	logger.Info().Msg("Server exited")
}

func newRouter(db handlers.Pinger, api *handlers.API, limiter *middleware.IPRateLimiter, apiKey string, logger zerolog.Logger, recorder *metrics.Recorder) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID(), middleware.AccessLog(logger, recorder))

	router.GET("/health", handlers.HealthCheck(db))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := router.Group("/api/v1")
	v1.Use(middleware.RateLimit(limiter))
	api.Register(v1, middleware.APIKeyAuth(apiKey))

	return router
}
