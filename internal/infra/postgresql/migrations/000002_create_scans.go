package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/despacho-tracker/internal/repository"
	"gorm.io/gorm"
)

func createScansTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_scans",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.ScanModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`ALTER TABLE scans ADD CONSTRAINT fk_scans_batch FOREIGN KEY (batch_id) REFERENCES batches (id) ON DELETE CASCADE`,
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_scans_batch_code ON scans (batch_id, canonical_code)`,
				`CREATE INDEX IF NOT EXISTS idx_scans_batch_seq ON scans (batch_id, seq)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.ScanModel{})
		},
	}
}
