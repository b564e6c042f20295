package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/despacho-tracker/internal/repository"
	"gorm.io/gorm"
)

func createManifestAttemptsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_manifest_attempts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.ManifestAttemptModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_manifest_attempts_batch_attempt ON manifest_attempts (batch_id, attempt_number)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.ManifestAttemptModel{})
		},
	}
}
