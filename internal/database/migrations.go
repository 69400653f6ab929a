package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/petitions/backend/internal/petitions"
	"github.com/MarcoPoloResearchLab/petitions/backend/internal/slug"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationRepairSignatureCounts = "2026-03-01_repair_signature_counts"
	migrationSeedDefaultCategories = "2026-03-01_seed_default_categories"
)

// DefaultCategories is the topic list seeded into an empty database.
var DefaultCategories = []string{
	"Education",
	"Environment",
	"Health",
	"Housing",
	"Infrastructure",
	"Public Safety",
	"Transportation",
}

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
		{name: migrationRepairSignatureCounts, apply: repairSignatureCounts},
		{name: migrationSeedDefaultCategories, apply: seedDefaultCategories},
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
				return fmt.Errorf("migration %s: %w", migration.name, err)
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

// repairSignatureCounts recomputes every current_count from the signature rows.
func repairSignatureCounts(db *gorm.DB) error {
	count := db.Model(&petitions.Signature{}).
		Select("COUNT(*)").
		Where("signatures.petition_id = petitions.id")
	return db.Session(&gorm.Session{AllowGlobalUpdate: true}).
		Model(&petitions.Petition{}).
		UpdateColumn("current_count", count).Error
}

func seedDefaultCategories(db *gorm.DB) error {
	now := time.Now().UTC()
	categories := make([]petitions.Category, 0, len(DefaultCategories))
	for _, name := range DefaultCategories {
		categories = append(categories, petitions.Category{Name: name, Slug: slug.Generate(name), CreatedAt: now})
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&categories).Error
}
