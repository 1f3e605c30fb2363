package database

import (
	"fmt"

	"natforward/internal/models"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the sqlite database at dbPath and migrates the schema.
func Open(dbPath string, log zerolog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath+"?_busy_timeout=5000&_foreign_keys=on"), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}

	// sqlite allows one writer; a single connection keeps reservation
	// transactions from failing with SQLITE_BUSY under concurrent hooks.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	log.Info().Str("path", dbPath).Msg("Migrating database")
	err = db.AutoMigrate(&models.PortMapping{}, &models.Server{}, &models.Service{}, &models.Ticket{})
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}
