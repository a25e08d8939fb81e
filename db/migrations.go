// Package db embeds the schema used by the records and settings stores, one
// migration set per SQL dialect.
package db

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Dialects with an embedded migration set.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

//go:embed postgres/*.sql sqlite/*.sql
var migrationFS embed.FS

// Migrate applies every pending up migration for dialect to the database
// behind driver. An already current schema is not an error.
func Migrate(driver database.Driver, dialect string) error {
	src, err := iofs.New(migrationFS, dialect)
	if err != nil {
		return fmt.Errorf("failed to open embedded %s migrations: %w", dialect, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, dialect, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
