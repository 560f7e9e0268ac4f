package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"oddspipe/internal/confidence"
	"oddspipe/internal/config"
	cronrunner "oddspipe/internal/cron"
	"oddspipe/internal/db"
	"oddspipe/internal/edge"
	"oddspipe/internal/feed"
	"oddspipe/internal/fetch"
	"oddspipe/internal/handler"
	"oddspipe/internal/logger"
	"oddspipe/internal/matcher"
	"oddspipe/internal/odds"
	"oddspipe/internal/pipeline"
	"oddspipe/internal/portfolio"
	"oddspipe/internal/repository"
	gormrepository "oddspipe/internal/repository/gorm"
	memoryrepository "oddspipe/internal/repository/memory"
	"oddspipe/internal/sizing"
)

func main() {
	cfgPath := os.Getenv("OP_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("OP_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	var store repository.Repository
	var gormDB *gorm.DB
	if cfg.DB.DSN != "" {
		dbConn, err := db.Open(cfg.DB)
		if err != nil {
			logger.Fatal("db open failed", zap.Error(err))
		}
		defer db.Close(dbConn)
		if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
			logger.Warn("failed to set timezone", zap.Error(err))
		}
		if err := db.AutoMigrate(dbConn); err != nil {
			logger.Fatal("auto-migrate failed", zap.Error(err))
		}
		store = gormrepository.New(dbConn.Gorm)
		gormDB = dbConn.Gorm
	} else {
		logger.Warn("no db dsn configured, using in-memory store (state will not survive restarts)")
		store = memoryrepository.New()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := fetch.NewRegistry()
	for _, streamCfg := range cfg.Feed.Streams {
		stream := feed.NewStreamFeed(feed.StreamFeedOptions{
			SourceID:    streamCfg.SourceID,
			URL:         streamCfg.URL,
			MaxQuoteAge: streamCfg.MaxQuoteAge,
			Logger:      logger,
		})
		registry.Register(stream)
		go func(s *feed.StreamFeed) {
			if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("stream feed stopped", zap.String("source_id", s.SourceID()), zap.Error(err))
			}
		}(stream)
	}

	controller := fetch.NewController(registry, store, logger, cfg.Fetch)
	normalizer := odds.Normalizer{Config: cfg.Normalizer}
	marketMatcher := matcher.New(store, logger, cfg.Matcher)
	scorer := confidence.New(store, logger, cfg.Confidence)
	detector := edge.New(store, scorer, logger, cfg.Edge, cfg.Confidence.MinFloor)
	sizer := sizing.New(store, logger, cfg.Sizing)
	engine := portfolio.New(store, sizer, scorer, logger, cfg.Portfolio)
	pipe := pipeline.New(controller, normalizer, marketMatcher, detector, engine, store, logger)

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	healthHandler := &handler.HealthHandler{DB: gormDB}
	healthHandler.Register(router)
	sourceHandler := &handler.SourceHandler{Controller: controller, Repo: store}
	sourceHandler.Register(router)
	edgeHandler := &handler.EdgeHandler{Repo: store}
	edgeHandler.Register(router)
	portfolioHandler := &handler.PortfolioHandler{Engine: engine, Repo: store}
	portfolioHandler.Register(router)
	pipelineHandler := &handler.PipelineHandler{Pipeline: pipe}
	pipelineHandler.Register(router)
	learningHandler := &handler.LearningHandler{Scorer: scorer, Matcher: marketMatcher, Repo: store}
	learningHandler.Register(router)
	mappingHandler := &handler.MappingHandler{Matcher: marketMatcher, Repo: store}
	mappingHandler.Register(router)

	cronRunner := cronrunner.New(logger, ctx)
	if cfg.Cron.Enabled {
		_, err := cronRunner.Add("tick", cfg.Cron.Tick, func(ctx context.Context) error {
			_, err := pipe.RunTick(ctx)
			if errors.Is(err, pipeline.ErrTickInProgress) {
				logger.Info("tick skipped, previous still running")
				return nil
			}
			return err
		})
		if err != nil {
			logger.Fatal("cron add tick failed", zap.Error(err))
		}
		cronRunner.Start()
		defer cronRunner.Stop()
	}

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
