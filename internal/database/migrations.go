package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationSeedVersionCounters = "2026-10-01_seed_version_counters"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSeedVersionCounters, apply: seedVersionCounters},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// seedVersionCounters aligns the per-product counters with versions written before
// counters existed, so the next number stays max+1.
func seedVersionCounters(db *gorm.DB) error {
	return db.Exec(`INSERT INTO product_version_counters (product_id, last_number)
SELECT product_id, MAX(version_number) FROM product_versions WHERE true GROUP BY product_id
ON CONFLICT(product_id) DO UPDATE SET last_number = MAX(product_version_counters.last_number, excluded.last_number)`).Error
}
