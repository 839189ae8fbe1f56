// Package helpers provides shared setup for integration tests that need a
// real PostgreSQL instance.
package helpers

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// GetTestDatabasePool connects to the integration database, or skips the test
// when TEST_DATABASE_URL is not set.
func GetTestDatabasePool(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		t.Fatalf("failed to parse database URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		t.Fatalf("failed to create connection pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	return pool
}

// EnsureTestSchema creates the tables the orchestrator needs.
func EnsureTestSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			email           TEXT NOT NULL UNIQUE,
			hashed_password TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_threads (
			thread_id  TEXT PRIMARY KEY,
			state      JSONB NOT NULL,
			version    BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("failed to ensure test schema: %v", err)
		}
	}
}

// SeedTestUser inserts a user with a bcrypt-hashed password and returns its
// ID. The row is removed when the test finishes.
func SeedTestUser(t *testing.T, ctx context.Context, pool *pgxpool.Pool, email, password string) string {
	t.Helper()

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}

	userID := uuid.New().String()
	_, err = pool.Exec(ctx, `
		INSERT INTO users (id, name, email, hashed_password)
		VALUES ($1, $2, $3, $4)
	`, userID, "Test User", strings.ToLower(email), string(hashed))
	if err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}

	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM users WHERE id = $1`, userID)
	})
	return userID
}

// NewThreadID returns a unique thread identifier for a test, cleaned up when
// the test finishes.
func NewThreadID(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	threadID := fmt.Sprintf("test-thread-%s", uuid.New().String())
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM conversation_threads WHERE thread_id = $1`, threadID)
	})
	return threadID
}
