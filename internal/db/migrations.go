package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/httpfs"
	"github.com/jmoiron/sqlx"
)

const (
	// LatestMigrationVersion is the newest schema version this binary
	// knows about.
	//
	// NOTE: This MUST be updated when a new migration is added.
	LatestMigrationVersion uint = 1
)

//go:embed migrations/*.sql
var sqlSchemas embed.FS

// ErrMigrationDowngrade is returned when the database schema is newer than
// this binary.
var ErrMigrationDowngrade = errors.New("database downgrade detected")

// migrationLogger adapts slog to the migrate.Logger interface.
type migrationLogger struct {
	log *slog.Logger
}

func (m *migrationLogger) Printf(format string, v ...any) {
	format = strings.TrimRight(format, "\n")
	m.log.Info(fmt.Sprintf(format, v...))
}

func (m *migrationLogger) Verbose() bool {
	return false
}

// migrationDriver wraps an open connection in the golang-migrate driver for
// its dialect.
func migrationDriver(conn *sqlx.DB, driver string) (database.Driver, string, error) {
	switch driver {
	case DriverSQLite:
		d, err := sqlite.WithInstance(conn.DB, &sqlite.Config{})
		return d, "sqlite", err
	case DriverPostgres:
		d, err := postgres.WithInstance(conn.DB, &postgres.Config{})
		return d, "postgres", err
	default:
		return nil, "", fmt.Errorf("unsupported driver %q", driver)
	}
}

// applyMigrations brings the schema up to LatestMigrationVersion.
func applyMigrations(fsys fs.FS, driver database.Driver, path, dbName string,
	log *slog.Logger) error {

	src, err := httpfs.New(http.FS(fsys), path)
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("migrations", src, dbName, driver)
	if err != nil {
		return err
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is dirty at version %d, manual "+
			"intervention required", version)
	}
	if version > LatestMigrationVersion {
		return fmt.Errorf("%w: db_version=%d latest=%d",
			ErrMigrationDowngrade, version, LatestMigrationVersion)
	}

	m.Log = &migrationLogger{log}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	after, _, err := driver.Version()
	if err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	log.InfoContext(context.Background(), "Database schema ready",
		"previous_version", version, "version", after)

	return nil
}
