package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratelite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
	_ "modernc.org/sqlite"             // Register cgo-free sqlite driver
)

//go:embed migrations/sqlite migrations/postgres
var migrationsFS embed.FS

// Config holds database configuration. DSN is either a SQLite path or a
// postgres:// URL; the dialect is inferred from it.
type Config struct {
	DSN string

	// Connection pool settings, ignored for SQLite
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible pool defaults for the DSN.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// Open connects to the database, applies pending migrations, and returns a
// ready store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dialect := DetectDialect(cfg.DSN)

	db, err := openDB(cfg, dialect)
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, dialect); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db, dialect: dialect}, nil
}

// NewFromDB wraps an existing connection without running migrations
// (useful for testing against a pre-migrated schema).
func NewFromDB(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// OpenDB opens the raw connection for a DSN without touching the schema,
// for callers that manage migrations themselves.
func OpenDB(ctx context.Context, cfg Config) (*sql.DB, Dialect, error) {
	dialect := DetectDialect(cfg.DSN)
	db, err := openDB(cfg, dialect)
	if err != nil {
		return nil, dialect, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, dialect, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, dialect, nil
}

// MigrateUp applies all pending migrations.
func MigrateUp(db *sql.DB, dialect Dialect) error {
	return runMigrations(db, dialect)
}

// MigrateDown rolls back every migration, dropping all coordinator data.
func MigrateDown(db *sql.DB, dialect Dialect) error {
	m, src, err := newMigrator(db, dialect)
	if err != nil {
		return err
	}
	if err := m.Down(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}
	if err := src.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

func openDB(cfg Config, dialect Dialect) (*sql.DB, error) {
	switch dialect {
	case DialectPostgres:
		db, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
		return db, nil
	default:
		db, err := sql.Open("sqlite", sqliteDSN(cfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// A single connection serializes writers; SQLite has no row locks
		// and concurrent write transactions would surface as SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		return db, nil
	}
}

// sqliteDSN appends the pragmas every store connection needs: WAL for
// concurrent readers, enforced foreign keys, and a busy timeout so the
// tool server and the engine can share the file.
func sqliteDSN(path string) string {
	return path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// runMigrations applies pending migrations using golang-migrate with the
// embedded per-dialect migration files.
func runMigrations(db *sql.DB, dialect Dialect) error {
	m, src, err := newMigrator(db, dialect)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source driver. Closing the migrate instance
	// would also close the database driver, which closes the shared *sql.DB.
	if err := src.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}

func newMigrator(db *sql.DB, dialect Dialect) (*migrate.Migrate, source.Driver, error) {
	sourceDriver, err := iofs.New(migrationsFS, "migrations/"+string(dialect))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	var m *migrate.Migrate
	switch dialect {
	case DialectPostgres:
		d, derr := migratepg.WithInstance(db, &migratepg.Config{})
		if derr != nil {
			return nil, nil, fmt.Errorf("failed to create postgres driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "cord", d)
	default:
		d, derr := migratelite.WithInstance(db, &migratelite.Config{})
		if derr != nil {
			return nil, nil, fmt.Errorf("failed to create sqlite driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "cord", d)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, sourceDriver, nil
}
