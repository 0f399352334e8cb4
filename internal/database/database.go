// Package database opens the gorm connection shared by the modules.
package database

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/educast/studio/internal/config"
)

var db *gorm.DB

// Initialize sets up the database connection from configuration
func Initialize(cfg *config.Config) error {
	var err error
	switch cfg.Database.Type {
	case "postgres":
		db, err = connectPostgres(cfg)
	case "sqlite", "":
		db, err = connectSQLite(cfg)
	default:
		return fmt.Errorf("unsupported database type: %s", cfg.Database.Type)
	}
	if err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Database.Type, err)
	}
	return nil
}

func connectPostgres(cfg *config.Config) (*gorm.DB, error) {
	dsn := cfg.Database.URL
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
			cfg.Database.Host, cfg.Database.Username, cfg.Database.Password,
			cfg.Database.Database, cfg.Database.Port)
	}
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
}

func connectSQLite(cfg *config.Config) (*gorm.DB, error) {
	if err := os.MkdirAll(cfg.Database.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(cfg.Database.DataDir, "studio.db")
	return gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
}

// GetDB returns the database instance
func GetDB() *gorm.DB {
	return db
}

// SetDB replaces the database instance, used by tests with an
// in-memory connection.
func SetDB(conn *gorm.DB) {
	db = conn
}
