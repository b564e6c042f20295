package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kursadbilgin/despacho-tracker/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AggregateRow is one (category, outcome) bucket of a batch's scans.
type AggregateRow struct {
	BatchID  string          `gorm:"column:batch_id"`
	Category domain.Category `gorm:"column:category"`
	Outcome  domain.Outcome  `gorm:"column:outcome"`
	Count    int             `gorm:"column:count"`
}

type ScanRepository interface {
	Create(ctx context.Context, s *domain.Scan) error
	GetByID(ctx context.Context, id string) (*domain.Scan, error)
	FindByCode(ctx context.Context, batchID, canonicalCode string) (*domain.Scan, error)
	Update(ctx context.Context, s *domain.Scan) error
	Delete(ctx context.Context, id string) error
	DeleteByBatch(ctx context.Context, batchID string) error
	ListByBatch(ctx context.Context, batchID string) ([]domain.Scan, error)
	Latest(ctx context.Context, batchID string) (*domain.Scan, error)
	CountAggregates(ctx context.Context, batchID string) (domain.Metrics, error)
	AggregatesByBatch(ctx context.Context, batchIDs []string) (map[string]domain.Metrics, error)
}

type GormScanRepo struct {
	db *gorm.DB
}

func NewGormScanRepo(db *gorm.DB) *GormScanRepo {
	return &GormScanRepo{db: db}
}

func (r *GormScanRepo) Create(ctx context.Context, s *domain.Scan) error {
	model := scanModelFromDomain(s)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: code already scanned in this batch", domain.ErrConflict)
		}
		return err
	}
	if s != nil {
		*s = *scanModelToDomain(model)
	}
	return nil
}

func (r *GormScanRepo) GetByID(ctx context.Context, id string) (*domain.Scan, error) {
	var model ScanModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return scanModelToDomain(&model), nil
}

func (r *GormScanRepo) FindByCode(ctx context.Context, batchID, canonicalCode string) (*domain.Scan, error) {
	var model ScanModel
	err := r.db.WithContext(ctx).
		Where("batch_id = ? AND canonical_code = ?", batchID, canonicalCode).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return scanModelToDomain(&model), nil
}

func (r *GormScanRepo) Update(ctx context.Context, s *domain.Scan) error {
	result := r.db.WithContext(ctx).
		Model(&ScanModel{}).
		Where("id = ?", s.ID).
		Updates(map[string]any{
			"canonical_code": s.CanonicalCode,
			"category":       s.Category,
			"outcome":        s.Outcome,
			"rule":           s.Rule,
			"rule_set":       s.RuleSet,
		})
	if result.Error != nil {
		if IsUniqueViolation(result.Error) {
			return fmt.Errorf("%w: code already scanned in this batch", domain.ErrConflict)
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormScanRepo) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&ScanModel{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormScanRepo) DeleteByBatch(ctx context.Context, batchID string) error {
	return r.db.WithContext(ctx).Delete(&ScanModel{}, "batch_id = ?", batchID).Error
}

func (r *GormScanRepo) ListByBatch(ctx context.Context, batchID string) ([]domain.Scan, error) {
	var models []ScanModel
	err := scansInRecordedOrder(r.db.WithContext(ctx), batchID, false).Find(&models).Error
	if err != nil {
		return nil, err
	}

	scans := make([]domain.Scan, 0, len(models))
	for i := range models {
		scans = append(scans, *scanModelToDomain(&models[i]))
	}

	return scans, nil
}

// scansInRecordedOrder selects the scans of a batch in insertion order. Two scans may share
// a timestamp, so the database sequence decides.
func scansInRecordedOrder(db *gorm.DB, batchID string, newestFirst bool) *gorm.DB {
	return db.Where("batch_id = ?", batchID).Order(clause.OrderByColumn{
		Column: clause.Column{Name: "seq"},
		Desc:   newestFirst,
	})
}

// Latest returns nil without error when the batch has no scans.
func (r *GormScanRepo) Latest(ctx context.Context, batchID string) (*domain.Scan, error) {
	var model ScanModel
	err := scansInRecordedOrder(r.db.WithContext(ctx), batchID, true).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return scanModelToDomain(&model), nil
}

func (r *GormScanRepo) CountAggregates(ctx context.Context, batchID string) (domain.Metrics, error) {
	byBatch, err := r.AggregatesByBatch(ctx, []string{batchID})
	if err != nil {
		return domain.Metrics{}, err
	}
	return byBatch[batchID], nil
}

// AggregatesByBatch returns metrics for every requested batch, zeroed when it has no scans.
func (r *GormScanRepo) AggregatesByBatch(ctx context.Context, batchIDs []string) (map[string]domain.Metrics, error) {
	result := make(map[string]domain.Metrics, len(batchIDs))
	for _, id := range batchIDs {
		result[id] = domain.NewMetrics()
	}
	if len(batchIDs) == 0 {
		return result, nil
	}

	var rows []AggregateRow
	err := r.db.WithContext(ctx).
		Model(&ScanModel{}).
		Select("batch_id, category, outcome, COUNT(*) as count").
		Where("batch_id IN ?", batchIDs).
		Group("batch_id, category, outcome").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		m := result[row.BatchID]
		m.Add(row.Category, row.Outcome, row.Count)
		result[row.BatchID] = m
	}

	return result, nil
}

// IsUniqueViolation reports whether err comes from a unique index.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
