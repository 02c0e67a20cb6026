// Package db provides SQL storage for outreach records, users and credits.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/daviddao/outreach/internal/types"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// timeLayout is fixed width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Config selects and locates the database.
type Config struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// DefaultPath returns the default SQLite database location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".outreach", "outreach.db")
	}
	return filepath.Join(home, ".outreach", "outreach.db")
}

// Store implements RecordStore, UserStore and CreditLedger over SQL.
type Store struct {
	db     *sqlx.DB
	driver string
	log    *slog.Logger
}

var (
	_ RecordStore  = (*Store)(nil)
	_ UserStore    = (*Store)(nil)
	_ CreditLedger = (*Store)(nil)
)

// Open connects to the configured database and applies pending migrations.
func Open(cfg Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	var (
		conn *sqlx.DB
		err  error
	)
	switch cfg.Driver {
	case DriverSQLite, "":
		cfg.Driver = DriverSQLite
		conn, err = openSQLite(cfg.DSN)
	case DriverPostgres:
		conn, err = sqlx.Open(DriverPostgres, cfg.DSN)
		if err == nil {
			err = conn.Ping()
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	driver, name, err := migrationDriver(conn, cfg.Driver)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	if err := applyMigrations(sqlSchemas, driver, "migrations", name, log); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{
		db:     conn,
		driver: cfg.Driver,
		log:    log.With("component", "db"),
	}, nil
}

func openSQLite(path string) (*sqlx.DB, error) {
	if path == "" {
		path = DefaultPath()
	}

	dsn := path
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	conn, err := sqlx.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, err
	}

	// Single writer. Also keeps one shared in-memory database alive.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	return conn, conn.Ping()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Driver returns the SQL dialect in use.
func (s *Store) Driver() string {
	return s.driver
}

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		// Tolerate rows written by hand.
		t, _ = time.Parse(time.RFC3339Nano, s.String)
	}
	return t.UTC()
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, types.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// normalizeEmail lower-cases and trims an address for comparison.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
