package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/creatorbackoffice/splittest/internal/cache"
	"github.com/creatorbackoffice/splittest/internal/collector"
	"github.com/creatorbackoffice/splittest/internal/config"
	"github.com/creatorbackoffice/splittest/internal/database"
	"github.com/creatorbackoffice/splittest/internal/lifecycle"
	"github.com/creatorbackoffice/splittest/internal/logging"
	"github.com/creatorbackoffice/splittest/internal/metrics"
	"github.com/creatorbackoffice/splittest/internal/middleware"
	"github.com/creatorbackoffice/splittest/internal/rotation"
	"github.com/creatorbackoffice/splittest/internal/storage"
	"github.com/creatorbackoffice/splittest/internal/tracing"
	"github.com/creatorbackoffice/splittest/internal/winner"
	"github.com/creatorbackoffice/splittest/internal/youtube"
)

// API bundles the dependencies the HTTP handlers need
type API struct {
	repo      *database.Repository
	cache     *cache.Cache
	storage   *storage.Storage
	lifecycle *lifecycle.Engine
	rotator   *rotation.Rotator
	collector *collector.Collector
	selector  *winner.Selector
	logger    *logging.Logger
}

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	middleware.SetJWTSecret(cfg.Auth.JWTSecret)

	if cfg.Tracing.Enabled {
		_, closer, err := tracing.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.JaegerEndpoint)
		if err != nil {
			logger.Fatalf("Failed to initialize tracing: %v", err)
		}
		defer closer.Close()
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	repo := database.NewRepository(db)

	redisCache, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisCache.Close()

	stor, err := storage.New(cfg.Storage)
	if err != nil {
		logger.Fatalf("Failed to initialize storage: %v", err)
	}

	ctx := context.Background()
	tokens := youtube.TokenSource(ctx, cfg.YouTube)

	ytClient, err := youtube.NewClient(ctx, cfg.YouTube, tokens, logger)
	if err != nil {
		logger.Fatalf("Failed to create YouTube client: %v", err)
	}

	analytics, err := youtube.NewAnalyticsClient(ctx, tokens, logger)
	if err != nil {
		logger.Fatalf("Failed to create analytics client: %v", err)
	}

	rotator := rotation.NewRotator(repo, ytClient, redisCache, cfg.ABTest.LockTTL, logger)
	engine := lifecycle.NewEngine(repo, rotator, redisCache, cfg.ABTest.LockTTL, logger)
	coll := collector.NewCollector(repo, analytics, nil, logger)
	selector := winner.NewSelector(repo, ytClient, redisCache, cfg.ABTest, logger)

	api := &API{
		repo:      repo,
		cache:     redisCache,
		storage:   stor,
		lifecycle: engine,
		rotator:   rotator,
		collector: coll,
		selector:  selector,
		logger:    logger,
	}

	// Standalone metrics server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.ErrorWithErr("Metrics server failed", err)
			}
		}()
	}

	router := setupRouter(api)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Infof("Starting API server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatalf("Server forced to shutdown: %v", err)
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	logger.Info("Server stopped")
}

func setupRouter(api *API) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger())

	// Health check
	router.GET("/health", api.healthCheck)

	limiter := middleware.NewRateLimiter(20, 40)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.JWTAuth())
	v1.Use(middleware.RateLimit(limiter))
	{
		// Tests
		v1.POST("/tests", api.createTest)
		v1.GET("/tests", api.listTests)
		v1.GET("/tests/:id/status", api.testStatus)
		v1.DELETE("/tests/:id", api.deleteTest)

		// Lifecycle
		v1.POST("/tests/:id/start", api.startTest)
		v1.POST("/tests/:id/pause", api.pauseTest)
		v1.POST("/tests/:id/resume", api.resumeTest)
		v1.POST("/tests/:id/stop", api.stopTest)

		// Rotation
		v1.GET("/tests/:id/current", api.currentVariant)
		v1.POST("/tests/:id/rotate", api.rotateVariant)
		v1.POST("/tests/:id/apply/:variant", api.applyVariant)

		// Metrics
		v1.POST("/tests/:id/collect", api.collectMetrics)
		v1.GET("/tests/:id/variants/:variant/snapshots", api.variantSnapshots)

		// Winner
		v1.GET("/tests/:id/winner", api.checkWinner)
		v1.POST("/tests/:id/winner", api.selectWinner)
		v1.POST("/tests/:id/winner/apply", api.applyWinner)

		// Audit log
		v1.GET("/tests/:id/logs", api.testLogs)

		// Thumbnail upload
		v1.POST("/tests/:id/thumbnails", api.uploadThumbnail)
	}

	return router
}
