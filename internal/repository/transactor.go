package repository

import (
	"context"

	"gorm.io/gorm"
)

// Stores are the repositories bound to one transaction.
type Stores struct {
	Batches BatchRepository
	Scans   ScanRepository
}

// Transactor runs fn atomically. Any error returned by fn rolls back every write made
// through the given stores.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, stores Stores) error) error
}

type GormTransactor struct {
	db *gorm.DB
}

func NewGormTransactor(db *gorm.DB) *GormTransactor {
	return &GormTransactor{db: db}
}

func (t *GormTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context, stores Stores) error) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, Stores{
			Batches: NewGormBatchRepo(tx),
			Scans:   NewGormScanRepo(tx),
		})
	})
}
