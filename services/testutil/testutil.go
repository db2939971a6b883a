package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OpenTestDB connects to the Postgres named by the POSTGRES_* variables,
// applies schema and wipes non-seed rows before and after the test. It skips
// when RUN_DB_INTEGRATION is unset or the database is unreachable.
func OpenTestDB(t testing.TB, schema string) *pgxpool.Pool {
	t.Helper()
	if !IntegrationEnabled() {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, TestDSN())
	if err != nil {
		t.Skipf("connect db: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("ping db: %v", err)
	}
	t.Cleanup(pool.Close)

	if schema != "" {
		if _, err := pool.Exec(ctx, schema); err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	if err := CleanupTestData(ctx, pool); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	t.Cleanup(func() { _ = CleanupTestData(context.Background(), pool) })
	return pool
}

func TestDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "shop"),
		getEnv("POSTGRES_PASSWORD", "shop"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "shop_test"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)
}

// CleanupTestData removes everything except the seeded demo and admin
// accounts, whose lock state is reset.
func CleanupTestData(ctx context.Context, pool *pgxpool.Pool) error {
	queries := []string{
		"DELETE FROM refresh_tokens",
		"DELETE FROM otps",
		"DELETE FROM email_verifications",
		"DELETE FROM audit_logs",
		"DELETE FROM users WHERE email NOT IN ('demo@example.com', 'admin@example.com')",
		"UPDATE users SET failed_login_attempts = 0, locked_until = NULL",
	}

	for _, q := range queries {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("cleanup %q: %w", q, err)
		}
	}
	return nil
}

// IntegrationEnabled gates tests that need a live Postgres.
func IntegrationEnabled() bool {
	return os.Getenv("RUN_DB_INTEGRATION") != ""
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
