// Package repo implements the persistence layer of the mirror, backed by
// GORM over a pure-Go SQLite driver: the credential store holding sealed
// account tokens and the idempotency records of message sends.
package repo

import (
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-chat-mirror/internal/domain"
)

// Options tunes OpenSQLite.
type Options struct {
	// Tracing installs the OpenTelemetry GORM plugin.
	Tracing bool
	// Quiet silences the GORM query logger.
	Quiet bool
}

// OpenSQLite opens (or creates) a SQLite database and applies PRAGMAs.
func OpenSQLite(path string, opts ...Options) (*gorm.DB, error) {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}

	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	cfg := &gorm.Config{}
	if o.Quiet {
		cfg.Logger = logger.Default.LogMode(logger.Silent)
	}
	db, err := gorm.Open(sqlite.Open(path), cfg)
	if err != nil {
		return nil, err
	}
	if o.Tracing {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return nil, err
		}
	}

	// PRAGMAs
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")

	// Pool
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	return db, nil
}

// AutoMigrate creates or updates the mirror's tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Credential{},
		&domain.Idempotency{},
	)
}
