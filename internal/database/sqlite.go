package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/petitions/backend/internal/petitions"
	"github.com/MarcoPoloResearchLab/petitions/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"
)

// OpenSQLite establishes a SQLite connection, registers query tracing and performs schema migrations.
// The pool is limited to one connection, which serialises writers.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	// Query spans go to the global tracer provider. Metrics come from prometheus instead.
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("register tracing plugin: %w", err)
	}

	if err := Migrate(db, logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	logger.Info("database initialized", zap.String("path", path))
	return db, nil
}

// Migrate creates the schema and applies every pending named migration.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	models := append(petitions.Models(), &users.Identity{}, &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return applyMigrations(db, logger)
}
