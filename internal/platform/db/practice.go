package db

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	PracticeIDKey contextKey = "practice_id"
	DBConnKey     contextKey = "db_conn"

	PracticeHeader = "X-Practice-ID"
)

var practiceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// SchemaName returns the Postgres schema holding a practice's tables.
func SchemaName(practiceID string) string {
	return "practice_" + practiceID
}

// PracticeMiddleware pins a pooled connection to the caller's practice schema
// for the lifetime of the request.
func PracticeMiddleware(pool *pgxpool.Pool, defaultPractice string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			practiceID := extractPracticeID(c, defaultPractice)

			if !practiceIDPattern.MatchString(practiceID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid practice identifier")
			}

			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			_, err = conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaName(practiceID)))
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "practice resolution failed")
			}

			ctx = context.WithValue(ctx, PracticeIDKey, practiceID)
			ctx = context.WithValue(ctx, DBConnKey, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("practice_id", practiceID)

			return next(c)
		}
	}
}

func extractPracticeID(c echo.Context, defaultPractice string) string {
	// JWT claim wins over anything the client sends
	if pid, ok := c.Get("jwt_practice_id").(string); ok && pid != "" {
		return pid
	}
	if pid := c.Request().Header.Get(PracticeHeader); pid != "" {
		return pid
	}
	return defaultPractice
}

// ConnFromContext retrieves the practice-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// PracticeFromContext retrieves the practice ID from context.
func PracticeFromContext(ctx context.Context) string {
	pid, _ := ctx.Value(PracticeIDKey).(string)
	return pid
}

// WithPractice returns a context carrying practiceID, for callers outside
// the HTTP stack.
func WithPractice(ctx context.Context, practiceID string) context.Context {
	return context.WithValue(ctx, PracticeIDKey, practiceID)
}

// RunInPractice runs fn on a connection bound to the practice schema. It is
// used by work that outlives the request which started it.
func RunInPractice(ctx context.Context, pool *pgxpool.Pool, practiceID string, fn func(ctx context.Context) error) error {
	if !practiceIDPattern.MatchString(practiceID) {
		return fmt.Errorf("invalid practice identifier: %s", practiceID)
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaName(practiceID))); err != nil {
		return fmt.Errorf("set search_path for %s: %w", practiceID, err)
	}
	ctx = context.WithValue(ctx, PracticeIDKey, practiceID)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	return fn(ctx)
}

// CreatePracticeSchema creates the schema for a practice and migrates it.
func CreatePracticeSchema(ctx context.Context, pool *pgxpool.Pool, practiceID string, migrator *Migrator) error {
	if !practiceIDPattern.MatchString(practiceID) {
		return fmt.Errorf("invalid practice identifier: %s", practiceID)
	}

	schema := SchemaName(practiceID)
	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrator != nil {
		if _, err := migrator.Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return nil
}
