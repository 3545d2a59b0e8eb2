package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/flowline/flowline/pkg/logger"
	// Register modernc SQLite driver with database/sql.
	_ "modernc.org/sqlite"
)

const (
	driverName         = "sqlite"
	memoryPath         = ":memory:"
	defaultBusyTimeout = 5 * time.Second
	defaultPingTimeout = 3 * time.Second
)

// Store wraps a single *sql.DB configured for the run index.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens the database and verifies the connection.
//
// Write handles are limited to one connection so that every transaction in the
// process is serialized before it reaches SQLite's own locking.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("sqlite: config is required")
	}
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	switch {
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	case !cfg.ReadOnly:
		db.SetMaxOpenConns(1)
	}
	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	logger.FromContext(ctx).With(
		"store_driver", "sqlite",
		"path", cfg.Path,
		"read_only", cfg.ReadOnly,
	).Debug("Store initialized")
	return &Store{db: db, path: cfg.Path}, nil
}

// DB exposes the underlying handle for driver-local usage.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Path() string { return s.path }

// Close releases the connection pool.
func (s *Store) Close(ctx context.Context) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite: close: %w", err)
	}
	logger.FromContext(ctx).Debug("SQLite store closed", "path", s.path)
	return nil
}

// buildDSN renders a modernc DSN. Pragmas are applied by the driver on every
// new connection, in the order listed.
func buildDSN(cfg *Config) (string, error) {
	if cfg == nil || strings.TrimSpace(cfg.Path) == "" {
		return "", fmt.Errorf("sqlite: database path is required")
	}
	pragmas := []string{fmt.Sprintf("busy_timeout(%d)", busyTimeout(cfg).Milliseconds())}
	var base string
	var params []string
	if cfg.Path == memoryPath {
		base = "file::memory:"
		params = append(params, "cache=shared")
	} else {
		base = "file:" + cfg.Path
		pragmas = append(pragmas, "journal_mode(WAL)", "synchronous(FULL)")
	}
	pragmas = append(pragmas, "foreign_keys(ON)")
	if cfg.ReadOnly {
		pragmas = append(pragmas, "query_only(1)")
	} else {
		params = append(params, "_txlock=immediate")
	}
	for _, p := range pragmas {
		params = append(params, "_pragma="+p)
	}
	return base + "?" + strings.Join(params, "&"), nil
}

func busyTimeout(cfg *Config) time.Duration {
	if cfg.BusyTimeout > 0 {
		return cfg.BusyTimeout
	}
	return defaultBusyTimeout
}

func applyBusyTimeout(ctx context.Context, db *sql.DB, cfg *Config) error {
	q := fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout(cfg).Milliseconds())
	if _, err := db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("sqlite: set busy timeout: %w", err)
	}
	return nil
}
