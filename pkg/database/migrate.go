package database

import (
	"database/sql"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"
)

// Migrator applies the audit-store schema migrations.
type Migrator struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// NewMigrator creates a migrator reading SQL files from migrationsPath.
func NewMigrator(db *sql.DB, migrationsPath string, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{
		db:     db,
		path:   migrationsPath,
		logger: logger.Named("migrator"),
	}
}

// Up applies all pending migrations.
func (m *Migrator) Up() error {
	migrator, err := m.newMigrate()
	if err != nil {
		return err
	}
	defer migrator.Close()

	version, dirty, err := migrator.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("get current version: %w", err)
	}
	m.logger.Info("current migration version",
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
	)

	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration failed: %w", err)
	}

	newVersion, _, _ := migrator.Version()
	m.logger.Info("migration completed",
		zap.Uint("from_version", version),
		zap.Uint("to_version", newVersion),
	)
	return nil
}

// Down rolls back one migration.
func (m *Migrator) Down() error {
	migrator, err := m.newMigrate()
	if err != nil {
		return err
	}
	defer migrator.Close()

	if err := migrator.Steps(-1); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return nil
}

// Version returns the current migration version.
func (m *Migrator) Version() (uint, bool, error) {
	migrator, err := m.newMigrate()
	if err != nil {
		return 0, false, err
	}
	defer migrator.Close()
	return migrator.Version()
}

// Force sets the version to recover from a dirty state.
func (m *Migrator) Force(version int) error {
	migrator, err := m.newMigrate()
	if err != nil {
		return err
	}
	defer migrator.Close()

	if err := migrator.Force(version); err != nil {
		return fmt.Errorf("force version %d failed: %w", version, err)
	}
	m.logger.Warn("forced migration version", zap.Int("version", version))
	return nil
}

func (m *Migrator) newMigrate() (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(m.db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("create migrate driver: %w", err)
	}
	return migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", m.path),
		"postgres",
		driver,
	)
}
