package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"

	"github.com/smdydx/UserAuthSystem/services/auth/internal/security"
	"github.com/smdydx/UserAuthSystem/services/auth/internal/storage"
)

type seedUser struct {
	email    string
	password string
	fullName string
	role     string
	verified bool
}

func main() {
	var (
		migrate  = pflag.Bool("migrate", false, "apply the schema before seeding")
		testData = pflag.Bool("test-data", os.Getenv("SEED_TESTDATA") == "1", "also seed locked, inactive and legacy-hash accounts")
		env      = pflag.String("env", getEnv("SHOP_ENV", "dev"), "environment; only dev and test may be seeded")
		timeout  = pflag.Duration("timeout", 30*time.Second, "overall timeout")
	)
	pflag.Parse()

	if *env != "dev" && *env != "test" {
		log.Fatalf("refusing to seed: env must be 'dev' or 'test' (got '%s')", *env)
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "shop"),
		getEnv("POSTGRES_PASSWORD", "shop"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "shop"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	if *migrate {
		if _, err := pool.Exec(ctx, storage.Schema); err != nil {
			log.Fatalf("apply schema: %v", err)
		}
		fmt.Println("✓ Schema applied")
	}

	fmt.Println("Seeding database...")

	if err := seedUsers(ctx, pool); err != nil {
		log.Fatalf("seed users: %v", err)
	}
	fmt.Println("✓ Users seeded")

	if *testData {
		if err := seedTestData(ctx, pool); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test data seeded")
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Println("\nDemo Credentials:")
	fmt.Println("  Email: demo@example.com")
	fmt.Println("  Password: Demo123!")
	fmt.Println("  Email: admin@example.com")
	fmt.Println("  Password: Admin123!")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

var seedParams = security.Argon2Params{
	Memory:      64 * 1024,
	Iterations:  3,
	Parallelism: 2,
	SaltLength:  16,
	KeyLength:   32,
}

func seedUsers(ctx context.Context, pool *pgxpool.Pool) error {
	// IDs match the fixtures in services/testutil.
	users := map[string]seedUser{
		"00000000-0000-0000-0000-000000000001": {email: "demo@example.com", password: "Demo123!", fullName: "Demo Customer", role: "customer", verified: true},
		"00000000-0000-0000-0000-000000000002": {email: "admin@example.com", password: "Admin123!", fullName: "Demo Admin", role: "admin", verified: true},
	}
	now := time.Now()
	for id, u := range users {
		hash, err := security.HashPassword(u.password, seedParams)
		if err != nil {
			return fmt.Errorf("hash %s password: %w", u.email, err)
		}
		if err := upsertUser(ctx, pool, id, u, hash, now); err != nil {
			return err
		}
	}
	return nil
}

func upsertUser(ctx context.Context, pool *pgxpool.Pool, id string, u seedUser, hash string, now time.Time) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO users (id, email, password_hash, full_name, role, is_verified, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $7)
		ON CONFLICT (email) DO UPDATE
		SET password_hash = EXCLUDED.password_hash,
		    role = EXCLUDED.role,
		    is_verified = EXCLUDED.is_verified,
		    is_active = TRUE,
		    failed_login_attempts = 0,
		    locked_until = NULL,
		    updated_at = EXCLUDED.updated_at
	`, id, u.email, hash, u.fullName, u.role, u.verified, now)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", u.email, err)
	}
	return nil
}
