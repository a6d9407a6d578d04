package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/easel/internal/relay"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillReceivedAt = "2026-07-14_backfill_operation_received_at"

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
		{name: migrationBackfillReceivedAt, apply: backfillOperationReceivedAt},
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
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Early builds stored operations without a receive timestamp; derive one
// from the logical time's wall-clock component where it is missing.
func backfillOperationReceivedAt(db *gorm.DB) error {
	return db.Model(&relay.StoredOperation{}).
		Where("received_at_s = 0").
		Update("received_at_s", gorm.Expr("(logical_time >> 16) / 1000")).Error
}
