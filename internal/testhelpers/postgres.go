// Package testhelpers starts throwaway infrastructure for integration tests.
//
// Tests that use it carry the "integration" build tag and need a reachable
// Docker daemon:
//
//	go test -tags integration ./...
package testhelpers

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"festibox/shop/internal/config"
	"festibox/shop/internal/store"
)

const postgresImage = "postgres:16-alpine"

// Postgres starts a disposable Postgres container, applies schema and returns
// an open pool. The container is terminated when the test finishes.
func Postgres(t *testing.T, schema []string) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-based test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	req := testcontainers.ContainerRequest{
		Image:        postgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "festibox",
			"POSTGRES_PASSWORD": "festibox",
			"POSTGRES_DB":       "festibox",
		},
		// The entrypoint restarts the server once after init.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(90 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Terminate(context.Background()); err != nil {
			t.Logf("warning: failed to terminate postgres container: %v", err)
		}
	})

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}

	cfg := config.Default().Database
	cfg.URL = fmt.Sprintf("postgres://festibox:festibox@%s:%s/festibox?sslmode=disable", host, port.Port())
	db, err := store.Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := store.ApplySchema(ctx, db, schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return db
}
