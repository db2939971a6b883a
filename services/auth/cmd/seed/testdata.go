package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/smdydx/UserAuthSystem/services/auth/internal/security"
)

// seedTestData adds accounts in the states the auth flows branch on.
func seedTestData(ctx context.Context, pool *pgxpool.Pool) error {
	now := time.Now()

	lockedHash, err := security.HashPassword("Locked123!", seedParams)
	if err != nil {
		return err
	}
	if err := upsertUser(ctx, pool, "00000000-0000-0000-0000-000000000003",
		seedUser{email: "locked@example.com", fullName: "Locked User", role: "customer"}, lockedHash, now); err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, `UPDATE users SET locked_until = $2 WHERE email = $1`, "locked@example.com", now.Add(24*time.Hour)); err != nil {
		return fmt.Errorf("lock user: %w", err)
	}

	inactiveHash, err := security.HashPassword("Inactive123!", seedParams)
	if err != nil {
		return err
	}
	if err := upsertUser(ctx, pool, "00000000-0000-0000-0000-000000000004",
		seedUser{email: "inactive@example.com", fullName: "Inactive User", role: "customer"}, inactiveHash, now); err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, `UPDATE users SET is_active = FALSE WHERE email = $1`, "inactive@example.com"); err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}

	// Imported before the argon2 migration, upgraded on first login.
	legacyHash, err := bcrypt.GenerateFromPassword([]byte("Legacy123!"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return upsertUser(ctx, pool, "00000000-0000-0000-0000-000000000005",
		seedUser{email: "legacy@example.com", fullName: "Legacy User", role: "vendor", verified: true}, string(legacyHash), now)
}
