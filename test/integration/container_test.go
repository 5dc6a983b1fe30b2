//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medflow/medflow/internal/platform/db"
	"github.com/medflow/medflow/migrations"
)

const defaultPostgresImage = "postgres:16-alpine"

// openTestDatabase connects to INTEGRATION_DATABASE_URL, or to a throwaway
// Postgres container when it is unset, and migrates the default practice
// schema. The returned cleanup closes the pool and removes the container.
func openTestDatabase(ctx context.Context) (*pgxpool.Pool, func(), error) {
	connStr := os.Getenv("INTEGRATION_DATABASE_URL")
	stop := func() {}
	if connStr == "" {
		var err error
		connStr, stop, err = runPostgresContainer(ctx)
		if err != nil {
			return nil, nil, err
		}
	}

	pool, err := waitForPool(ctx, connStr, 30*time.Second)
	if err != nil {
		stop()
		return nil, nil, fmt.Errorf("wait for postgres: %w", err)
	}
	cleanup := func() {
		pool.Close()
		stop()
	}

	if err := db.CreatePracticeSchema(ctx, pool, "default", db.NewMigrator(pool, migrations.FS)); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("migrate default practice: %w", err)
	}
	return pool, cleanup, nil
}

// runPostgresContainer starts Postgres through the Docker CLI on a port
// Docker picks and returns its connection string.
func runPostgresContainer(ctx context.Context) (string, func(), error) {
	image := os.Getenv("INTEGRATION_POSTGRES_IMAGE")
	if image == "" {
		image = defaultPostgresImage
	}

	out, err := exec.CommandContext(ctx, "docker", "run", "-d", "--rm",
		"--label", "medflow-integration=1",
		"-p", "127.0.0.1:0:5432",
		"-e", "POSTGRES_USER=medflow",
		"-e", "POSTGRES_PASSWORD=medflow",
		"-e", "POSTGRES_DB=medflow_test",
		image,
	).CombinedOutput()
	if err != nil {
		return "", nil, fmt.Errorf("docker run %s: %w\noutput: %s", image, err, out)
	}
	containerID := strings.TrimSpace(string(out))
	stop := func() {
		exec.Command("docker", "stop", containerID).Run()
	}

	addr, err := mappedAddr(ctx, containerID)
	if err != nil {
		stop()
		return "", nil, err
	}
	return fmt.Sprintf("postgres://medflow:medflow@%s/medflow_test?sslmode=disable", addr), stop, nil
}

// mappedAddr asks Docker which host address serves the container's 5432.
func mappedAddr(ctx context.Context, containerID string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", "port", containerID, "5432/tcp").Output()
	if err != nil {
		return "", fmt.Errorf("docker port: %w", err)
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		host, port, err := net.SplitHostPort(strings.TrimSpace(line))
		if err == nil && port != "" && port != "0" {
			if host == "0.0.0.0" || host == "" {
				host = "127.0.0.1"
			}
			return net.JoinHostPort(host, port), nil
		}
	}
	return "", errors.New("docker port: no mapping for 5432/tcp")
}

// waitForPool retries until Postgres accepts a pooled connection.
func waitForPool(ctx context.Context, connStr string, timeout time.Duration) (*pgxpool.Pool, error) {
	deadline := time.Now().Add(timeout)
	for {
		attemptCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		pool, err := db.NewPool(attemptCtx, db.PoolOptions{URL: connStr, MaxConns: 10})
		cancel()
		if err == nil {
			return pool, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("postgres not ready after %v: %w", timeout, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}
