package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/despacho-tracker/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// openBatchLockKey is the transaction-scoped advisory lock serializing every mutation of
// the open batch, including opening one when none exists yet.
const openBatchLockKey = 7305_1101

const businessDateLayout = "2006-01-02"

type HistoryParams struct {
	Page     int
	PageSize int
}

type BatchRepository interface {
	Create(ctx context.Context, b *domain.Batch) error
	GetByID(ctx context.Context, id string) (*domain.Batch, error)
	GetOpen(ctx context.Context) (*domain.Batch, error)
	LockOpen(ctx context.Context) (*domain.Batch, error)
	MaxSequence(ctx context.Context, businessDate time.Time, carrier domain.CarrierKind) (int, error)
	MarkClosed(ctx context.Context, id string, closedAt time.Time) error
	Delete(ctx context.Context, id string) error
	ListClosed(ctx context.Context, params HistoryParams) ([]domain.Batch, int64, error)
	SetManifestStatus(ctx context.Context, id string, status domain.ManifestStatus, nextRetryAt *time.Time) error
	RecordManifestAttempt(ctx context.Context, id string, status domain.ManifestStatus, nextRetryAt *time.Time) error
	GetDueManifests(ctx context.Context, now time.Time, limit int) ([]domain.Batch, error)
}

type GormBatchRepo struct {
	db *gorm.DB
}

func NewGormBatchRepo(db *gorm.DB) *GormBatchRepo {
	return &GormBatchRepo{db: db}
}

func (r *GormBatchRepo) Create(ctx context.Context, b *domain.Batch) error {
	model := batchModelFromDomain(b)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: a batch is already open", domain.ErrConflict)
		}
		return err
	}
	if b != nil {
		*b = *batchModelToDomain(model)
	}
	return nil
}

func (r *GormBatchRepo) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	return firstBatch(r.db.WithContext(ctx).Where("id = ?", id), domain.ErrNotFound)
}

func (r *GormBatchRepo) GetOpen(ctx context.Context) (*domain.Batch, error) {
	return firstBatch(r.openQuery(ctx), domain.ErrNoOpenBatch)
}

// LockOpen must run inside a transaction. It returns ErrNoOpenBatch while still holding
// the advisory lock, so the caller may safely open a new batch.
func (r *GormBatchRepo) LockOpen(ctx context.Context) (*domain.Batch, error) {
	if err := r.db.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(?)", openBatchLockKey).Error; err != nil {
		return nil, fmt.Errorf("failed to acquire open batch lock: %w", err)
	}

	return firstBatch(r.openQuery(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), domain.ErrNoOpenBatch)
}

func (r *GormBatchRepo) openQuery(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Where("closed_at IS NULL").Order("opened_at DESC")
}

// firstBatch loads the first row of query, mapping an empty result to missing.
func firstBatch(query *gorm.DB, missing error) (*domain.Batch, error) {
	var model BatchModel
	err := query.First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, missing
	}
	if err != nil {
		return nil, err
	}
	return batchModelToDomain(&model), nil
}

func (r *GormBatchRepo) MaxSequence(ctx context.Context, businessDate time.Time, carrier domain.CarrierKind) (int, error) {
	var maxSeq int
	err := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Select("COALESCE(MAX(sequence), 0)").
		Where("business_date = ? AND carrier = ?", businessDate.Format(businessDateLayout), carrier).
		Scan(&maxSeq).Error
	if err != nil {
		return 0, err
	}
	return maxSeq, nil
}

func (r *GormBatchRepo) MarkClosed(ctx context.Context, id string, closedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND closed_at IS NULL", id).
		Update("closed_at", closedAt)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrSessionClosed
	}
	return nil
}

func (r *GormBatchRepo) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&BatchModel{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormBatchRepo) ListClosed(ctx context.Context, params HistoryParams) ([]domain.Batch, int64, error) {
	query := r.db.WithContext(ctx).Model(&BatchModel{}).Where("closed_at IS NOT NULL")

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 20
	}
	pageSize = min(pageSize, 100)

	var models []BatchModel
	err := query.
		Order("closed_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	batches := make([]domain.Batch, 0, len(models))
	for i := range models {
		batches = append(batches, *batchModelToDomain(&models[i]))
	}

	return batches, total, nil
}

// SetManifestStatus overwrites the delivery status. Moving to QUEUED only applies to a batch
// still parked as RETRY, so a worker that already finished delivery is never overwritten.
func (r *GormBatchRepo) SetManifestStatus(ctx context.Context, id string, status domain.ManifestStatus, nextRetryAt *time.Time) error {
	fields := map[string]any{
		"manifest_status":        status,
		"manifest_next_retry_at": nextRetryAt,
	}
	if status != domain.ManifestStatusQueued {
		return r.updateManifest(ctx, id, fields)
	}

	err := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND manifest_status = ?", id, domain.ManifestStatusRetry).
		Updates(fields).Error
	if err != nil {
		return fmt.Errorf("queue manifest of batch %s: %w", id, err)
	}
	return nil
}

// RecordManifestAttempt sets the delivery status and counts one more delivery attempt.
func (r *GormBatchRepo) RecordManifestAttempt(ctx context.Context, id string, status domain.ManifestStatus, nextRetryAt *time.Time) error {
	return r.updateManifest(ctx, id, map[string]any{
		"manifest_status":        status,
		"manifest_next_retry_at": nextRetryAt,
		"manifest_attempts":      gorm.Expr("manifest_attempts + 1"),
	})
}

func (r *GormBatchRepo) updateManifest(ctx context.Context, id string, fields map[string]any) error {
	result := r.db.WithContext(ctx).Model(&BatchModel{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("update manifest state of batch %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormBatchRepo) GetDueManifests(ctx context.Context, now time.Time, limit int) ([]domain.Batch, error) {
	var models []BatchModel
	err := r.db.WithContext(ctx).
		Where("manifest_status = ? AND manifest_next_retry_at <= ?", domain.ManifestStatusRetry, now).
		Order("manifest_next_retry_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	batches := make([]domain.Batch, 0, len(models))
	for i := range models {
		batches = append(batches, *batchModelToDomain(&models[i]))
	}

	return batches, nil
}
