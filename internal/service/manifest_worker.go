package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/despacho-tracker/internal/domain"
	"github.com/kursadbilgin/despacho-tracker/internal/manifest"
	"github.com/kursadbilgin/despacho-tracker/internal/observability"
	"github.com/kursadbilgin/despacho-tracker/internal/provider"
	"github.com/kursadbilgin/despacho-tracker/internal/queue"
	"github.com/kursadbilgin/despacho-tracker/internal/ratelimit"
	"github.com/kursadbilgin/despacho-tracker/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxAttempts   = 5
	minWorkerConcurrency = 1
	maxRetryDelay        = 60 * time.Second
	baseRetryDelay       = time.Second
	maxRetryJitterMillis = 250

	mailRateLimitKey = "relay"
)

// ManifestAddressing is who sends and who receives closing manifests.
type ManifestAddressing struct {
	From string
	To   []string
}

// ManifestWorker delivers the closing manifest of each batch handed to the manifest queue.
type ManifestWorker struct {
	batches     repository.BatchRepository
	scans       repository.ScanRepository
	attempts    repository.AttemptRepository
	consumer    queue.Consumer
	mailer      provider.Mailer
	rateLimiter ratelimit.RateLimiter
	locker      ratelimit.Locker
	addressing  ManifestAddressing
	location    *time.Location
	logger      *zap.Logger
	metrics     *observability.Metrics
	concurrency int
	maxAttempts int
	now         func() time.Time
	randIntn    func(n int) int
}

func NewManifestWorker(
	batches repository.BatchRepository,
	scans repository.ScanRepository,
	attempts repository.AttemptRepository,
	consumer queue.Consumer,
	mailer provider.Mailer,
	rateLimiter ratelimit.RateLimiter,
	locker ratelimit.Locker,
	addressing ManifestAddressing,
	location *time.Location,
	concurrency int,
	logger *zap.Logger,
) (*ManifestWorker, error) {
	if batches == nil || scans == nil || attempts == nil {
		return nil, fmt.Errorf("batch, scan and attempt repositories are required")
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if mailer == nil {
		return nil, fmt.Errorf("mailer is required")
	}
	if rateLimiter == nil || locker == nil {
		return nil, fmt.Errorf("rate limiter and locker are required")
	}
	if len(addressing.To) == 0 {
		return nil, fmt.Errorf("at least one manifest recipient is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ManifestWorker{
		batches:     batches,
		scans:       scans,
		attempts:    attempts,
		consumer:    consumer,
		mailer:      mailer,
		rateLimiter: rateLimiter,
		locker:      locker,
		addressing:  addressing,
		location:    location,
		logger:      logger,
		concurrency: concurrency,
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
		randIntn:    rand.Intn,
	}, nil
}

func (w *ManifestWorker) SetMetrics(metrics *observability.Metrics) {
	if w == nil {
		return
	}
	w.metrics = metrics
}

// Start consumes the manifest queue with the configured number of consumers until ctx is
// cancelled.
func (w *ManifestWorker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			w.logger.Info("manifest worker started", zap.Int("workerId", workerID))

			if err := w.consumer.Consume(groupCtx, queue.ManifestQueue, w.processMessage); err != nil {
				w.logger.Error("manifest worker stopped with error",
					zap.Int("workerId", workerID),
					zap.Error(err),
				)
				return err
			}

			w.logger.Info("manifest worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

func (w *ManifestWorker) processMessage(ctx context.Context, msg queue.ClosureMessage) error {
	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	}
	logger := observability.WithContextLogger(w.logger, ctx).With(zap.String("batchId", msg.BatchID))

	release, err := w.locker.Acquire(ctx, "manifest:"+msg.BatchID)
	if errors.Is(err, ratelimit.ErrLockHeld) {
		logger.Info("manifest delivery already in progress, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to lock batch for delivery: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to release manifest lock", zap.Error(err))
		}
	}()

	batch, err := w.batches.GetByID(ctx, msg.BatchID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("batch not found, skipping manifest")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load batch: %w", err)
	}
	if batch.IsOpen() || batch.ManifestStatus.IsTerminal() {
		return nil
	}

	scans, err := w.scans.ListByBatch(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("failed to load scans: %w", err)
	}

	rendered := manifest.Render(domain.SummarizeClosure(*batch, scans), w.location)
	mail := provider.Mail{
		From:    w.addressing.From,
		To:      w.addressing.To,
		Subject: rendered.Subject,
		Body:    rendered.Body,
	}

	carrier := batch.Carrier.String()
	w.metrics.IncWorkerInFlight(queue.ManifestQueue)
	defer w.metrics.DecWorkerInFlight(queue.ManifestQueue)

	if err := w.rateLimiter.Wait(ctx, mailRateLimitKey); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	attemptNumber := batch.ManifestAttempts + 1
	sendStart := w.now()
	result, sendErr := w.mailer.Send(ctx, mail)
	w.metrics.ObserveManifestSendDuration(carrier, w.now().Sub(sendStart))

	if err := w.recordAttempt(ctx, batch.ID, attemptNumber, result, sendErr); err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}

	if sendErr == nil {
		if err := w.batches.RecordManifestAttempt(ctx, batch.ID, domain.ManifestStatusSent, nil); err != nil {
			return fmt.Errorf("failed to mark manifest as sent: %w", err)
		}
		w.metrics.IncManifestSent(carrier)
		logger.Info("manifest sent", zap.Int("attempt", attemptNumber))
		return nil
	}

	isTransient := provider.IsTransient(sendErr)
	if isTransient && attemptNumber < w.maxAttempts {
		nextRetryAt := w.now().Add(w.computeRetryDelay(attemptNumber)).UTC()
		if err := w.batches.RecordManifestAttempt(ctx, batch.ID, domain.ManifestStatusRetry, &nextRetryAt); err != nil {
			return fmt.Errorf("failed to schedule manifest retry: %w", err)
		}
		w.metrics.IncRetryScheduled(carrier)
		logger.Warn("manifest delivery failed, retry scheduled",
			zap.Int("attempt", attemptNumber),
			zap.Time("nextRetryAt", nextRetryAt),
			zap.Error(sendErr),
		)
		return nil
	}

	if err := w.batches.RecordManifestAttempt(ctx, batch.ID, domain.ManifestStatusFailed, nil); err != nil {
		return fmt.Errorf("failed to mark manifest as failed: %w", err)
	}
	reason := "permanent_error"
	if isTransient {
		reason = "retry_exhausted"
	}
	w.metrics.IncManifestFailed(carrier, reason)
	logger.Error("manifest delivery failed",
		zap.Int("attempt", attemptNumber),
		zap.String("reason", reason),
		zap.Error(sendErr),
	)
	return nil
}

func (w *ManifestWorker) computeRetryDelay(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	delay := baseRetryDelay
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			delay = maxRetryDelay
			break
		}
	}

	jitterMillis := 0
	if w.randIntn != nil && maxRetryJitterMillis > 0 {
		jitterMillis = w.randIntn(maxRetryJitterMillis + 1)
	}

	return delay + time.Duration(jitterMillis)*time.Millisecond
}

func (w *ManifestWorker) recordAttempt(
	ctx context.Context,
	batchID string,
	attemptNumber int,
	result *provider.SendResult,
	sendErr error,
) error {
	var statusCode *int
	var responseBody *string
	var attemptErr *string

	if result != nil {
		if result.StatusCode > 0 {
			value := result.StatusCode
			statusCode = &value
		}
		if body := strings.TrimSpace(result.Body); body != "" {
			value := result.Body
			responseBody = &value
		}
	}

	if sendErr != nil {
		value := sendErr.Error()
		attemptErr = &value

		var relayErr *provider.RelayError
		if errors.As(sendErr, &relayErr) && relayErr.StatusCode > 0 && statusCode == nil {
			value := relayErr.StatusCode
			statusCode = &value
		}
	}

	return w.attempts.Create(ctx, &domain.ManifestAttempt{
		ID:            uuid.NewString(),
		BatchID:       batchID,
		AttemptNumber: attemptNumber,
		StatusCode:    statusCode,
		ResponseBody:  responseBody,
		Error:         attemptErr,
		CreatedAt:     w.now().UTC(),
	})
}
