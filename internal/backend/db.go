// Package backend is the reference remote service the scoring stations
// sync to. It stores matches, their scoring events and media receipts, and
// applies every delivery idempotently.
package backend

import (
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLitePrefix selects the SQLite driver in a DSN. Anything else is
// handed to Postgres.
const SQLitePrefix = "sqlite://"

// OpenDB connects to dsn and migrates the schema.
func OpenDB(dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if path, ok := strings.CutPrefix(dsn, SQLitePrefix); ok {
		if path == "" {
			return nil, fmt.Errorf("open backend db: empty sqlite path")
		}
		dialector = sqlite.Open(path + "?_foreign_keys=on&_busy_timeout=5000")
	} else {
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open backend db: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the backend tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Match{}, &Event{}, &MediaChunk{}, &MediaSet{}); err != nil {
		return fmt.Errorf("migrate backend db: %w", err)
	}
	return nil
}
