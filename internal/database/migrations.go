package database

import (
	"errors"
	"time"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/documents"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/permissions"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationLowercaseEnums      = "2026-09-02_lowercase_access_models_and_roles"
	migrationCloseOrphanPresence = "2026-09-20_close_presence_without_session"
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

func migrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationLowercaseEnums, apply: lowercaseEnums},
		{name: migrationCloseOrphanPresence, apply: closeOrphanPresence},
	}
}

// applyMigrations runs each named data migration once, recording it in db_migrations.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrations() {
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
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// lowercaseEnums normalizes access models and roles written by older clients in upper case.
func lowercaseEnums(db *gorm.DB) error {
	if err := db.Model(&documents.Document{}).
		Where("access_model <> LOWER(access_model)").
		Update("access_model", gorm.Expr("LOWER(access_model)")).Error; err != nil {
		return err
	}
	for _, model := range []any{&permissions.WorkspaceMember{}, &permissions.DocumentShare{}, &permissions.Invitation{}} {
		if err := db.Model(model).
			Where("role <> LOWER(role)").
			Update("role", gorm.Expr("LOWER(role)")).Error; err != nil {
			return err
		}
	}
	return nil
}

// closeOrphanPresence deactivates presence rows whose session is gone or inactive.
func closeOrphanPresence(db *gorm.DB) error {
	return db.Exec(`UPDATE document_presences SET is_active = ?, is_editing = ?
		WHERE is_active = ? AND session_id NOT IN (SELECT id FROM user_sessions WHERE is_active = ?)`,
		false, false, true, true).Error
}
