// Package migration applies the embedded postgres schema at startup.
package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

const (
	migrationsDir   = "migrations"
	migrationsTable = "creatorpay_schema_migrations"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// ErrDirtySchema means a previous run stopped halfway through a migration
// and an operator has to force the version.
var ErrDirtySchema = errors.New("migration: schema is dirty")

// Up applies pending migrations. The migrator is not closed because that
// would close db, which the rest of the process shares.
func Up(db *sql.DB, log *zap.Logger) error {
	if db == nil {
		return errors.New("migration: database handle is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	src, err := Source()
	if err != nil {
		return err
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable:  migrationsTable,
		StatementTimeout: time.Minute,
	})
	if err != nil {
		return fmt.Errorf("migration: driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration: init: %w", err)
	}

	from, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("migration: read version: %w", err)
	}
	if dirty {
		return fmt.Errorf("%w at version %d", ErrDirtySchema, from)
	}

	start := time.Now()
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("schema up to date", zap.Uint("version", from))
			return nil
		}
		return fmt.Errorf("migration: up: %w", err)
	}

	to, _, _ := m.Version()
	log.Info("schema migrated",
		zap.Uint("from_version", from),
		zap.Uint("to_version", to),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

// Source exposes the embedded files as a golang-migrate source.
func Source() (source.Driver, error) {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("migration: open embedded files: %w", err)
	}
	src, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("migration: source: %w", err)
	}
	return src, nil
}
