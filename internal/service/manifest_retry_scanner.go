package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/despacho-tracker/internal/domain"
	"github.com/kursadbilgin/despacho-tracker/internal/queue"
	"github.com/kursadbilgin/despacho-tracker/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultRetryScanInterval = 5 * time.Second
	defaultRetryScanLimit    = 100
)

// ManifestRetryScanner periodically re-enqueues closed batches whose manifest is due for retry.
type ManifestRetryScanner struct {
	batches   repository.BatchRepository
	publisher queue.Publisher
	logger    *zap.Logger
	interval  time.Duration
	limit     int
	now       func() time.Time
}

func NewManifestRetryScanner(
	batches repository.BatchRepository,
	publisher queue.Publisher,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*ManifestRetryScanner, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if interval <= 0 {
		interval = defaultRetryScanInterval
	}
	if limit <= 0 {
		limit = defaultRetryScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ManifestRetryScanner{
		batches:   batches,
		publisher: publisher,
		logger:    logger,
		interval:  interval,
		limit:     limit,
		now:       time.Now,
	}, nil
}

func (s *ManifestRetryScanner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.scanDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("manifest retry scanner initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.scanDue(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("manifest retry scanner scan failed", zap.Error(err))
			}
		}
	}
}

func (s *ManifestRetryScanner) scanDue(ctx context.Context) error {
	due, err := s.batches.GetDueManifests(ctx, s.now().UTC(), s.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch due manifests: %w", err)
	}

	for i := range due {
		batch := due[i]
		msg := queue.ClosureMessage{BatchID: batch.ID}

		if err := s.publisher.Publish(ctx, queue.ManifestQueue, msg); err != nil {
			s.logger.Error("failed to enqueue manifest retry",
				zap.String("batchId", batch.ID),
				zap.Error(err),
			)
			continue
		}

		if err := s.batches.SetManifestStatus(ctx, batch.ID, domain.ManifestStatusQueued, nil); err != nil {
			s.logger.Error("failed to mark manifest as queued after retry enqueue",
				zap.String("batchId", batch.ID),
				zap.Error(err),
			)
			continue
		}
	}

	return nil
}
