package runlog

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const (
	migrationsPath     = "migrations"
	migrationsTable    = "schema_migrations"
	versionBaseSchema  = 1
	versionSourceStats = 2
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies all pending history.db migrations.
func Migrate(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("runlog: migrate: nil db")
	}

	sourceDriver, err := iofs.New(migrationsFS, migrationsPath)
	if err != nil {
		return fmt.Errorf("runlog: migrate: init source: %w", err)
	}

	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{
		MigrationsTable: migrationsTable,
	})
	if err != nil {
		return fmt.Errorf("runlog: migrate: init db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("runlog: migrate: init migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("runlog: migrate: up: %w", err)
	}
	return nil
}

// SchemaVersion reports the applied migration version, or 0 when none.
func SchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow(fmt.Sprintf("SELECT version FROM %s LIMIT 1", migrationsTable)).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("runlog: read %s: %w", migrationsTable, err)
	}
	return version, nil
}
