// Package gormstore persists collections in a relational database via
// GORM. Nested structures ride in JSON columns; saving a collection
// replaces its table contents in a single transaction, matching the
// snapshot semantics of the persistence boundary.
package gormstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/crestdata/crest/internal/config"
	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"go.uber.org/zap"
)

// Open connects to the configured database and migrates the schema.
func Open(cfg *config.Config, logger *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.StoreBackend {
	case "sqlite":
		dialector = sqlite.Open(cfg.SQLitePath)
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode)
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("gormstore does not handle backend %q", cfg.StoreBackend)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	if err := db.AutoMigrate(
		&userRow{}, &companyRow{}, &membershipRow{}, &invitationRow{}, &settingsRow{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Named("store.gorm").Info("database store ready",
		zap.String("backend", cfg.StoreBackend),
	)
	return db, nil
}

type userRow struct {
	ID        int64          `gorm:"primaryKey"`
	Document  datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time
}

func (userRow) TableName() string { return "users" }

type companyRow struct {
	ID        int64          `gorm:"primaryKey"`
	Slug      string         `gorm:"uniqueIndex"`
	Document  datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time
}

func (companyRow) TableName() string { return "companies" }

type membershipRow struct {
	ID        int64          `gorm:"primaryKey"`
	CompanyID int64          `gorm:"index"`
	UserID    int64          `gorm:"index"`
	Document  datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time
}

func (membershipRow) TableName() string { return "memberships" }

type invitationRow struct {
	ID        int64          `gorm:"primaryKey"`
	CompanyID int64          `gorm:"index"`
	Document  datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time
}

func (invitationRow) TableName() string { return "invitations" }

type settingsRow struct {
	ID        int64          `gorm:"primaryKey"`
	Document  datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time
}

func (settingsRow) TableName() string { return "global_settings" }

// replaceAll swaps the full contents of a table inside one transaction.
func replaceAll[R any](db *gorm.DB, rows []R) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var zero R
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&zero).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 200).Error
	})
}

func encode(v any) (datatypes.JSON, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
