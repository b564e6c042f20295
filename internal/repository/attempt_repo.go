package repository

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/despacho-tracker/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AttemptRepository keeps the audit trail of manifest delivery attempts.
type AttemptRepository interface {
	// Create records one attempt. Recording the same attempt number for a batch twice is a no-op,
	// so a redelivered message does not duplicate the trail.
	Create(ctx context.Context, a *domain.ManifestAttempt) error
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) Create(ctx context.Context, a *domain.ManifestAttempt) error {
	if a == nil {
		return fmt.Errorf("manifest attempt is required")
	}

	model := attemptModelFromDomain(a)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "batch_id"}, {Name: "attempt_number"}},
			DoNothing: true,
		}).
		Create(model).Error
	if err != nil {
		return fmt.Errorf("record manifest attempt %d for batch %s: %w", a.AttemptNumber, a.BatchID, err)
	}
	return nil
}
