package repository

import (
	"time"

	"github.com/kursadbilgin/despacho-tracker/internal/domain"
)

// BatchModel is the persistence model for the batches table.
type BatchModel struct {
	ID                  string                `gorm:"type:uuid;primaryKey"`
	BusinessDate        time.Time             `gorm:"type:date;not null"`
	Sequence            int                   `gorm:"not null"`
	Carrier             domain.CarrierKind    `gorm:"type:varchar(10);not null"`
	Transporter         string                `gorm:"type:varchar(120);not null;default:''"`
	VehiclePlate        string                `gorm:"type:varchar(20);not null;default:''"`
	OpenedAt            time.Time             `gorm:"type:timestamptz;not null"`
	ClosedAt            *time.Time            `gorm:"type:timestamptz"`
	ManifestStatus      domain.ManifestStatus `gorm:"type:varchar(10);not null;default:'NONE'"`
	ManifestAttempts    int                   `gorm:"not null;default:0"`
	ManifestNextRetryAt *time.Time            `gorm:"type:timestamptz"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (BatchModel) TableName() string {
	return "batches"
}

// ScanModel is the persistence model for the scans table.
type ScanModel struct {
	ID            string          `gorm:"type:uuid;primaryKey"`
	BatchID       string          `gorm:"type:uuid;not null"`
	RawInput      string          `gorm:"type:text;not null"`
	CanonicalCode string          `gorm:"type:varchar(255);not null"`
	Category      domain.Category `gorm:"type:varchar(10);not null"`
	Outcome       domain.Outcome  `gorm:"type:varchar(10);not null"`
	Rule          string          `gorm:"type:varchar(40);not null"`
	RuleSet       string          `gorm:"type:varchar(10);not null;default:''"`
	ScannedAt     time.Time       `gorm:"type:timestamptz;not null"`
	Seq           int64           `gorm:"autoIncrement;not null"` // insertion order, assigned by the database
}

func (ScanModel) TableName() string {
	return "scans"
}

// ManifestAttemptModel is the persistence model for manifest_attempts.
type ManifestAttemptModel struct {
	ID            string  `gorm:"type:uuid;primaryKey"`
	BatchID       string  `gorm:"type:uuid;not null"`
	AttemptNumber int     `gorm:"not null"`
	StatusCode    *int    `gorm:"type:int"`
	ResponseBody  *string `gorm:"type:text"`
	Error         *string `gorm:"type:text"`
	CreatedAt     time.Time
}

func (ManifestAttemptModel) TableName() string {
	return "manifest_attempts"
}

func batchModelFromDomain(b *domain.Batch) *BatchModel {
	if b == nil {
		return nil
	}

	status := b.ManifestStatus
	if status == "" {
		status = domain.ManifestStatusNone
	}

	return &BatchModel{
		ID:                  b.ID,
		BusinessDate:        b.BusinessDate,
		Sequence:            b.Sequence,
		Carrier:             b.Carrier,
		Transporter:         b.Transporter,
		VehiclePlate:        b.VehiclePlate,
		OpenedAt:            b.OpenedAt,
		ClosedAt:            b.ClosedAt,
		ManifestStatus:      status,
		ManifestAttempts:    b.ManifestAttempts,
		ManifestNextRetryAt: b.ManifestNextRetryAt,
	}
}

func batchModelToDomain(m *BatchModel) *domain.Batch {
	if m == nil {
		return nil
	}

	return &domain.Batch{
		ID:                  m.ID,
		BusinessDate:        m.BusinessDate,
		Sequence:            m.Sequence,
		Carrier:             m.Carrier,
		Transporter:         m.Transporter,
		VehiclePlate:        m.VehiclePlate,
		OpenedAt:            m.OpenedAt,
		ClosedAt:            m.ClosedAt,
		ManifestStatus:      m.ManifestStatus,
		ManifestAttempts:    m.ManifestAttempts,
		ManifestNextRetryAt: m.ManifestNextRetryAt,
	}
}

func scanModelFromDomain(s *domain.Scan) *ScanModel {
	if s == nil {
		return nil
	}

	return &ScanModel{
		ID:            s.ID,
		BatchID:       s.BatchID,
		RawInput:      s.RawInput,
		CanonicalCode: s.CanonicalCode,
		Category:      s.Category,
		Outcome:       s.Outcome,
		Rule:          s.Rule,
		RuleSet:       s.RuleSet,
		ScannedAt:     s.ScannedAt,
	}
}

func scanModelToDomain(m *ScanModel) *domain.Scan {
	if m == nil {
		return nil
	}

	return &domain.Scan{
		ID:            m.ID,
		BatchID:       m.BatchID,
		RawInput:      m.RawInput,
		CanonicalCode: m.CanonicalCode,
		Category:      m.Category,
		Outcome:       m.Outcome,
		Rule:          m.Rule,
		RuleSet:       m.RuleSet,
		ScannedAt:     m.ScannedAt,
	}
}

func attemptModelFromDomain(a *domain.ManifestAttempt) *ManifestAttemptModel {
	if a == nil {
		return nil
	}

	return &ManifestAttemptModel{
		ID:            a.ID,
		BatchID:       a.BatchID,
		AttemptNumber: a.AttemptNumber,
		StatusCode:    a.StatusCode,
		ResponseBody:  a.ResponseBody,
		Error:         a.Error,
		CreatedAt:     a.CreatedAt,
	}
}
