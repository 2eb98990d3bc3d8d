// Package storage opens the gorm connection used by the ledger and the vault.
package storage

import (
	"strings"

	"github.com/LdDl/dte-potato/config"
	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// MemoryDSN opens a private in-memory sqlite database
const MemoryDSN = ":memory:"

// Open connects to the configured database. Unique violations are reported
// as gorm.ErrDuplicatedKey.
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	gormConfig := &gorm.Config{
		Logger:         newGormLogger(logger, cfg.LogLevel),
		TranslateError: true,
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case config.DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case config.DriverSQLite, "":
		dialector = sqlite.Open(sqliteDSN(cfg.DSN))
	default:
		return nil, errors.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get database handle")
	}
	if cfg.Driver == config.DriverPostgres {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	} else {
		// sqlite serializes writers; one connection also keeps an in-memory
		// database alive for the lifetime of the pool
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
		sqlDB.SetConnMaxIdleTime(0)
	}
	return db, nil
}

// OpenMemory opens an in-memory sqlite database
func OpenMemory(logger *zap.Logger) (*gorm.DB, error) {
	return Open(config.DatabaseConfig{Driver: config.DriverSQLite, DSN: MemoryDSN, LogLevel: "silent"}, logger)
}

// Migrate runs the given schema migrations in order
func Migrate(db *gorm.DB, migrations ...func(*gorm.DB) error) error {
	for _, migrate := range migrations {
		if err := migrate(db); err != nil {
			return errors.Wrap(err, "failed to run migrations")
		}
	}
	return nil
}

// Close releases the underlying connection pool
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func sqliteDSN(dsn string) string {
	if dsn == MemoryDSN || strings.Contains(dsn, "_pragma=busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)"
}
