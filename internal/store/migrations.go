package store

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationRunner applies the broker's schema migrations against a
// Postgres database reachable through db.
type MigrationRunner struct {
	migrate *migrate.Migrate
	log     *zap.Logger
}

// NewMigrationRunner builds a MigrationRunner from an already-open
// *sql.DB (e.g. via database/sql with the lib/pq driver).
func NewMigrationRunner(db *sql.DB, log *zap.Logger) (*MigrationRunner, error) {
	if log == nil {
		log = zap.NewNop()
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("store: create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("store: create migrate instance: %w", err)
	}

	return &MigrationRunner{migrate: m, log: log}, nil
}

// Up applies all pending migrations.
func (r *MigrationRunner) Up() error {
	err := r.migrate.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: migration failed: %w", err)
	}
	if err == migrate.ErrNoChange {
		r.log.Info("store: no pending migrations")
		return nil
	}

	version, dirty, err := r.migrate.Version()
	if err != nil {
		return fmt.Errorf("store: read migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("store: database dirty at version %d", version)
	}
	r.log.Info("store: migrated schema", zap.Uint("version", version))
	return nil
}

// Down rolls back the most recently applied migration.
func (r *MigrationRunner) Down() error {
	err := r.migrate.Steps(-1)
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: rollback failed: %w", err)
	}
	return nil
}

// Version reports the current schema version.
func (r *MigrationRunner) Version() (uint, bool, error) {
	version, dirty, err := r.migrate.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return 0, false, fmt.Errorf("store: read migration version: %w", err)
	}
	return version, dirty, nil
}

// Close releases the underlying source and database driver handles.
func (r *MigrationRunner) Close() error {
	sourceErr, dbErr := r.migrate.Close()
	if sourceErr != nil {
		return fmt.Errorf("store: close migration source: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("store: close migration database: %w", dbErr)
	}
	return nil
}
