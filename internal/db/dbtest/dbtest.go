//go:build integration

// Package dbtest starts a throwaway PostgreSQL container with the service
// schema applied, for integration tests.
package dbtest

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/onnwee/otsukisama/internal/db"
	"github.com/onnwee/otsukisama/migrations"
)

// Start runs postgres:16-alpine, applies migrations and returns an open
// connection. The container is terminated when the test ends.
func Start(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("otsukisama"),
		postgres.WithUsername("otsukisama"),
		postgres.WithPassword("otsukisama"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	conn, err := db.Open(openCtx, dsn, db.DefaultPoolConfig)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := db.Migrate(ctx, conn, migrations.FS, nil); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return conn
}
