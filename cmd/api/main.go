package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/kursadbilgin/despacho-tracker/internal/config"
	"github.com/kursadbilgin/despacho-tracker/internal/handler"
	"github.com/kursadbilgin/despacho-tracker/internal/infra/postgresql"
	"github.com/kursadbilgin/despacho-tracker/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/despacho-tracker/internal/infra/redis"
	"github.com/kursadbilgin/despacho-tracker/internal/observability"
	"github.com/kursadbilgin/despacho-tracker/internal/queue"
	"github.com/kursadbilgin/despacho-tracker/internal/repository"
	"github.com/kursadbilgin/despacho-tracker/internal/service"
	"github.com/kursadbilgin/despacho-tracker/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "api")
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.PoolConfig{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer rabbit.Close()

	publisher := queue.NewRabbitMQPublisher(rabbit)
	defer publisher.Close()

	metrics := observability.NewMetrics()
	batches := repository.NewGormBatchRepo(db)

	dispatch, err := service.NewDispatchService(
		repository.NewGormTransactor(db),
		batches,
		repository.NewGormScanRepo(db),
		publisher,
		cfg.Location,
		logger,
	)
	if err != nil {
		logger.Fatal("dispatch service init failed", zap.Error(err))
	}
	dispatch.SetMetrics(metrics)

	retryScanner, err := service.NewManifestRetryScanner(batches, publisher, 0, 0, logger)
	if err != nil {
		logger.Fatal("manifest retry scanner init failed", zap.Error(err))
	}

	tokens, err := infraredis.NewTokenStore(rdb, cfg.CSRFTokenTTL)
	if err != nil {
		logger.Fatal("csrf token store init failed", zap.Error(err))
	}

	scanLimiter, err := infraredis.NewRedisRateLimiter(rdb, "ratelimit:scan", cfg.ScanRateLimitPerSec)
	if err != nil {
		logger.Fatal("scan rate limiter init failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		AppName:      "despacho-tracker",
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(handler.RequestContextMiddleware())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app,
		handler.PostgresCheck(sqlDB),
		handler.RedisCheck(rdb),
		handler.ReadinessCheck{Name: "rabbitmq", Ping: rabbit.Ping},
	)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	if err := handler.RegisterDispatchRoutes(app, dispatch, handler.Gate{
		APISecret: cfg.APISharedSecret,
		Tokens:    tokens,
		Limiter:   scanLimiter,
		Logger:    logger,
	}); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return retryScanner.Start(groupCtx)
	})
	g.Go(func() error {
		logger.Info("despacho-tracker api started", zap.Int("port", cfg.APIPort))
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})
	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("api stopped with error", zap.Error(err))
		return
	}
	logger.Info("despacho-tracker api stopped")
}
