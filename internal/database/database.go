package database

import (
	"fmt"
	"strings"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/audit"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/documents"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/permissions"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/presence"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/snapshots"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Models lists every persisted type in migration order.
func Models() []any {
	models := []any{&users.User{}, &documents.Folder{}, &documents.Document{}}
	models = append(models, permissions.Models()...)
	models = append(models, presence.Models()...)
	models = append(models, snapshots.Models()...)
	models = append(models, &audit.Log{}, &migrationRecord{})
	return models
}

// Open connects with the named driver and brings the schema up to date.
// SQLite is limited to one open connection so writers never see SQLITE_BUSY.
func Open(driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, err
	}
	if driver != DriverPostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", dialector.Name()))
	return db, nil
}
