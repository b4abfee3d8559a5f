// Package db provides database connection handling and schema migration for
// the purchase service.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PoolConfig controls the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig is sized for a small API deployment.
var DefaultPoolConfig = PoolConfig{
	MaxOpenConns:    10,
	MaxIdleConns:    5,
	ConnMaxLifetime: 30 * time.Minute,
}

// Open connects to PostgreSQL and verifies the connection with a ping.
func Open(ctx context.Context, databaseURL string, pool PoolConfig) (*sql.DB, error) {
	if databaseURL == "" {
		return nil, errors.New("database url is empty")
	}
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(pool.MaxOpenConns)
	conn.SetMaxIdleConns(pool.MaxIdleConns)
	conn.SetConnMaxLifetime(pool.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return conn, nil
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}

// Migrate applies every *.up.sql file in migrations in lexical order inside
// a single transaction. Files must be idempotent (CREATE ... IF NOT EXISTS).
func Migrate(ctx context.Context, conn *sql.DB, migrations fs.FS, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	names, err := fs.Glob(migrations, "*.up.sql")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(names)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			logger.Warn("failed to rollback migration transaction", slog.String("error", err.Error()))
		}
	}()

	for _, name := range names {
		body, err := fs.ReadFile(migrations, name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if strings.TrimSpace(string(body)) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
		logger.Info("applied migration", slog.String("file", name))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}
	return nil
}
