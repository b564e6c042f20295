package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/kursadbilgin/despacho-tracker/internal/config"
	"github.com/kursadbilgin/despacho-tracker/internal/infra/postgresql"
	infraredis "github.com/kursadbilgin/despacho-tracker/internal/infra/redis"
	"github.com/kursadbilgin/despacho-tracker/internal/observability"
	"github.com/kursadbilgin/despacho-tracker/internal/provider"
	"github.com/kursadbilgin/despacho-tracker/internal/queue"
	"github.com/kursadbilgin/despacho-tracker/internal/repository"
	"github.com/kursadbilgin/despacho-tracker/internal/service"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	manifestLockTTL = 2 * time.Minute
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "worker")
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

	consumer := queue.NewRabbitMQConsumer(rabbit, cfg.WorkerConcurrency, logger)
	defer consumer.Close()

	mailer, err := provider.NewHTTPMailRelay(cfg.MailRelayURL)
	if err != nil {
		logger.Fatal("mail relay init failed", zap.Error(err))
	}

	mailLimiter, err := infraredis.NewRedisRateLimiter(rdb, "ratelimit:mail", cfg.MailRateLimitPerSec)
	if err != nil {
		logger.Fatal("mail rate limiter init failed", zap.Error(err))
	}

	locker, err := infraredis.NewLocker(rdb, manifestLockTTL)
	if err != nil {
		logger.Fatal("manifest locker init failed", zap.Error(err))
	}

	worker, err := service.NewManifestWorker(
		repository.NewGormBatchRepo(db),
		repository.NewGormScanRepo(db),
		repository.NewGormAttemptRepo(db),
		consumer,
		mailer,
		mailLimiter,
		locker,
		service.ManifestAddressing{From: cfg.ManifestSender, To: cfg.ManifestRecipients},
		cfg.Location,
		cfg.WorkerConcurrency,
		logger,
	)
	if err != nil {
		logger.Fatal("manifest worker init failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()
	worker.SetMetrics(metrics)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.WorkerMetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("despacho-tracker worker started", zap.Int("concurrency", cfg.WorkerConcurrency))
		return worker.Start(groupCtx)
	})
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped with error", zap.Error(err))
		return
	}
	logger.Info("despacho-tracker worker stopped")
}
