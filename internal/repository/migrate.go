package repository

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("while loading embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("while preparing migration driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", source, "sqlite", driver)
}

// Migrate brings the schema up to date. Running it on a current database
// is a no-op. The migrate instance is not closed because that would close db.
func Migrate(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		log.Printf("Migrate: schema already up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("while applying migrations: %w", err)
	}
	version, _, _ := m.Version()
	log.Printf("Migrate: schema migrated to version %d", version)
	return nil
}

// SchemaVersion reports the applied migration version and whether the last
// migration left the database dirty. Version is 0 on a fresh database.
func SchemaVersion(db *sql.DB) (uint, bool, error) {
	m, err := newMigrate(db)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}
