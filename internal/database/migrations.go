package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/activity"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNullEmptyIdempotencyKeys  = "2026-10-01_null_empty_idempotency_keys"
	migrationBackfillCollaboratorColor = "2026-10-02_backfill_collaborator_color"
)

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

var migrations = []migrationDefinition{
	{name: migrationNullEmptyIdempotencyKeys, apply: nullEmptyIdempotencyKeys},
	{name: migrationBackfillCollaboratorColor, apply: backfillCollaboratorColor},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
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
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
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

// Empty keys would collide on the per-table unique index.
func nullEmptyIdempotencyKeys(db *gorm.DB) error {
	return db.Model(&activity.Entry{}).
		Where("idempotency_key = ?", "").
		Update("idempotency_key", nil).Error
}

func backfillCollaboratorColor(db *gorm.DB) error {
	var identities []users.Identity
	if err := db.Where("user_color = ? OR user_color IS NULL", "").Find(&identities).Error; err != nil {
		return err
	}
	for _, identity := range identities {
		err := db.Model(&users.Identity{}).
			Where("provider = ? AND subject = ?", identity.Provider, identity.Subject).
			Update("user_color", users.ColorFor(identity.UserID)).Error
		if err != nil {
			return err
		}
	}
	return nil
}
