package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// ErrDirtySchema means a previous run failed halfway. Bookings and both
// ledgers must not be served from a half-migrated schema, so startup stops
// until an operator forces the version.
var ErrDirtySchema = errors.New("schema_dirty")

// Status is the schema version recorded in schema_migrations.
type Status struct {
	Version uint
	Dirty   bool
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	if db == nil {
		return nil, errors.New("migration database handle is required")
	}
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", source, "postgres", driver)
}

func currentStatus(m *migrate.Migrate) (Status, error) {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}
	return Status{Version: version, Dirty: dirty}, nil
}

// Up applies every pending embedded migration and returns the resulting
// status. The migrator is never closed since that would close db.
func Up(db *sql.DB, log *zap.Logger) (Status, error) {
	m, err := newMigrator(db)
	if err != nil {
		return Status{}, err
	}

	before, err := currentStatus(m)
	if err != nil {
		return Status{}, fmt.Errorf("read schema version: %w", err)
	}
	if before.Dirty {
		return before, fmt.Errorf("%w: version %d", ErrDirtySchema, before.Version)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return before, fmt.Errorf("apply migrations: %w", err)
	}

	after, err := currentStatus(m)
	if err != nil {
		return before, fmt.Errorf("read schema version: %w", err)
	}
	if log != nil {
		log.Info("schema migrated",
			zap.Uint("from_version", before.Version),
			zap.Uint("to_version", after.Version),
		)
	}
	return after, nil
}
