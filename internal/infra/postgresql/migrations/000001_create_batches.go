package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/despacho-tracker/internal/repository"
	"gorm.io/gorm"
)

func createBatchesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_batches",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.BatchModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				// At most one batch may be open at any time.
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_batches_single_open ON batches ((true)) WHERE closed_at IS NULL`,
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_batches_day_sequence ON batches (business_date, carrier, sequence)`,
				`CREATE INDEX IF NOT EXISTS idx_batches_closed_at ON batches (closed_at DESC) WHERE closed_at IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_batches_manifest_retry ON batches (manifest_next_retry_at) WHERE manifest_status = 'RETRY'`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.BatchModel{})
		},
	}
}
