package db

import (
	"fmt"

	"github.com/mooose/corrector/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var forUpdate = clause.Locking{Strength: "UPDATE"}

// Dialect builds the gorm dialector for the configured database engine.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch cfg.DBType {
	case "mysql":
		return mysql.Open(fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBHost,
			cfg.DBPort,
			cfg.DBName,
		)), nil
	case "postgres":
		return postgres.Open(fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.DBHost,
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBName,
			cfg.DBPort,
			cfg.DBSSLMode,
		)), nil
	case "sqlite":
		dsn := cfg.DBName
		if dsn == "" {
			dsn = "corrector.db"
		}
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.DBType)
	}
}

// SupportsRowLocking reports whether the dialector honors SELECT ... FOR UPDATE.
// SQLite serializes writers at the database level and rejects locking clauses.
func SupportsRowLocking(db *gorm.DB) bool {
	return db.Dialector.Name() != "sqlite"
}

// WithRowLock applies FOR UPDATE on engines that support it and is a no-op
// on SQLite, where the surrounding transaction already excludes writers.
func WithRowLock(tx *gorm.DB) *gorm.DB {
	if !SupportsRowLocking(tx) {
		return tx
	}
	return tx.Clauses(forUpdate)
}
