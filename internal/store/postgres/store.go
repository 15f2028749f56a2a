// Package postgres provides a PostgreSQL implementation of store.WorkloadStore.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"github.com/narvanalabs/botpanel/internal/store"
)

// Drivers accepted in Config.Driver.
const (
	DriverPgx = "pgx"
	DriverPQ  = "postgres"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	DSN string
	// Driver selects the database/sql driver. Empty means DriverPgx.
	Driver          string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults for a single panel process.
func DefaultConfig(dsn string) *Config {
	return &Config{
		DSN:             dsn,
		Driver:          DriverPgx,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

const schema = `
	CREATE TABLE IF NOT EXISTS workloads (
		id            UUID PRIMARY KEY,
		name          TEXT NOT NULL UNIQUE,
		work_dir      TEXT NOT NULL,
		entry_point   TEXT NOT NULL,
		runtime       TEXT NOT NULL,
		interpreter   TEXT NOT NULL,
		args          TEXT[] NOT NULL DEFAULT '{}',
		env           JSONB NOT NULL DEFAULT '{}',
		desired_state TEXT NOT NULL,
		out_log_path  TEXT NOT NULL DEFAULT '',
		err_log_path  TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	)`

// WorkloadStore implements store.WorkloadStore using PostgreSQL.
type WorkloadStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ store.WorkloadStore = (*WorkloadStore)(nil)

// New opens a connection pool, verifies it and migrates the schema.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*WorkloadStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	driver := cfg.Driver
	switch driver {
	case "":
		driver = DriverPgx
	case DriverPgx, DriverPQ:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &WorkloadStore{db: db, logger: logger}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("connected to PostgreSQL database", "driver", driver)
	return s, nil
}

// NewFromDB wraps an existing database handle. The schema is not migrated.
func NewFromDB(db *sql.DB, logger *slog.Logger) *WorkloadStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkloadStore{db: db, logger: logger}
}

// Migrate creates the workloads table if it does not exist.
func (s *WorkloadStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *WorkloadStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *WorkloadStore) Close() error {
	s.logger.Info("closing PostgreSQL connection")
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *WorkloadStore) DB() *sql.DB {
	return s.db
}
