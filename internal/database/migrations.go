package database

import (
	"errors"
	"time"

	"github.com/datesky/datesky-indexer/internal/profiles"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationFoldTagCase = "2026-07-18_fold_tag_case"

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
		{name: migrationFoldTagCase, apply: foldTagCase},
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

// foldTagCase lower-cases tag rows indexed before case folding moved into the
// ingestion path. Rows whose folded form already exists are dropped instead.
func foldTagCase(db *gorm.DB) error {
	deleteShadowed := `DELETE FROM profile_tags WHERE tag <> lower(tag)
		AND EXISTS (SELECT 1 FROM profile_tags t2 WHERE t2.did = profile_tags.did AND t2.tag = lower(profile_tags.tag))`
	if err := db.Exec(deleteShadowed).Error; err != nil {
		return err
	}
	return db.Model(&profiles.ProfileTag{}).
		Where("tag <> lower(tag)").
		Update("tag", gorm.Expr("lower(tag)")).Error
}
