package storage

import (
	"database/sql"
	"fmt"

	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"go.opentelemetry.io/otel/attribute"
	_ "modernc.org/sqlite"

	"github.com/ahrav/blockscan/db"
)

// SQLiteTimeLayout is how post dates are stored in SQLite text columns.
// Lexical order matches chronological order.
const SQLiteTimeLayout = "2006-01-02 15:04:05"

var (
	PostgresAttributes = []attribute.KeyValue{attribute.String("db.system", "postgresql")}
	SQLiteAttributes   = []attribute.KeyValue{attribute.String("db.system", "sqlite")}
)

// Attrs returns base followed by extra without aliasing base.
func Attrs(base []attribute.KeyValue, extra ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}

// OpenSQLite opens (or creates) the SQLite database at path and applies the
// embedded SQLite migrations. ":memory:" gives a private database.
func OpenSQLite(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Every pooled connection to ":memory:" would otherwise see its own
	// empty database.
	conn.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err = conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	if err = migrateSQLite(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return conn, nil
}

// migrateSQLite leaves conn open; closing the returned driver would close it.
func migrateSQLite(conn *sql.DB) error {
	driver, err := sqlitemigrate.WithInstance(conn, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("could not create sqlite driver: %w", err)
	}
	return db.Migrate(driver, db.DialectSQLite)
}
