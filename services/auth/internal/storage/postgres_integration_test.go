package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smdydx/UserAuthSystem/services/testutil"
)

func setupStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	pool := testutil.OpenTestDB(t, Schema)
	return New(pool), pool
}

func createTestUser(t *testing.T, store *Store, now time.Time) *User {
	t.Helper()
	user, err := store.CreateUser(context.Background(), NewUser{
		Email:        fmt.Sprintf("user-%s@example.com", uuid.NewString()),
		PasswordHash: "hash",
		FullName:     "Test User",
		Role:         "customer",
		CreatedAt:    now,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func TestCreateUserConflictIntegration(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	user := createTestUser(t, store, now)
	_, err := store.CreateUser(ctx, NewUser{Email: user.Email, PasswordHash: "h", FullName: "Dup", Role: "customer", CreatedAt: now})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if _, err := store.GetUserByEmail(ctx, "missing@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRecordLoginFailureLocksAtThresholdIntegration(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	user := createTestUser(t, store, now)

	for i := 1; i <= 4; i++ {
		res, err := store.RecordLoginFailure(ctx, user.ID, 5, 30*time.Minute, now)
		if err != nil {
			t.Fatalf("record failure: %v", err)
		}
		if res.Locked || res.Attempts != i {
			t.Fatalf("attempt %d: unexpected state %+v", i, res)
		}
	}
	res, err := store.RecordLoginFailure(ctx, user.ID, 5, 30*time.Minute, now)
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if !res.Locked || res.LockedUntil == nil {
		t.Fatalf("expected lock on fifth failure, got %+v", res)
	}

	reloaded, _ := store.GetUserByID(ctx, user.ID)
	if !reloaded.LockedAt(now.Add(29 * time.Minute)) {
		t.Fatalf("expected lock to hold")
	}
	if reloaded.LockedAt(now.Add(31 * time.Minute)) {
		t.Fatalf("expected lock to lapse")
	}
}

func TestLoginWritesRefuseLockedAccountIntegration(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	user := createTestUser(t, store, now)

	for i := 0; i < 5; i++ {
		if _, err := store.RecordLoginFailure(ctx, user.ID, 5, 30*time.Minute, now); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}

	var locked *LockedError
	if err := store.RecordLoginSuccess(ctx, user.ID, now.Add(time.Minute)); !errors.As(err, &locked) {
		t.Fatalf("expected locked error from success, got %v", err)
	}
	if _, err := store.RecordLoginFailure(ctx, user.ID, 5, 30*time.Minute, now.Add(time.Minute)); !errors.As(err, &locked) {
		t.Fatalf("expected locked error from failure, got %v", err)
	}
	if !locked.Until.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("unexpected lock expiry %s", locked.Until)
	}

	reloaded, _ := store.GetUserByID(ctx, user.ID)
	if reloaded.LockedUntil == nil || reloaded.FailedLoginAttempts != 0 {
		t.Fatalf("lock must survive refused writes, got %+v", reloaded)
	}

	if err := store.RecordLoginSuccess(ctx, user.ID, now.Add(31*time.Minute)); err != nil {
		t.Fatalf("expected success after lock lapsed, got %v", err)
	}
}

func TestConcurrentLoginFailuresLockOnceIntegration(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	user := createTestUser(t, store, now)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		lockers int
		refused int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.RecordLoginFailure(ctx, user.ID, 5, 30*time.Minute, now)
			mu.Lock()
			defer mu.Unlock()
			var locked *LockedError
			switch {
			case errors.As(err, &locked):
				refused++
			case err != nil:
				t.Errorf("record failure: %v", err)
			case res.Locked:
				lockers++
			}
		}()
	}
	wg.Wait()

	if lockers != 1 || refused != 7 {
		t.Fatalf("expected one lock and seven refused writes, got %d and %d", lockers, refused)
	}
}

func TestRotateRefreshTokenIntegration(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	user := createTestUser(t, store, now)

	first, err := store.CreateRefreshToken(ctx, NewRefreshToken{UserID: user.ID, TokenHash: "h1-" + uuid.NewString(), IssuedAt: now, ExpiresAt: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("create token: %v", err)
	}

	res, err := store.RotateRefreshToken(ctx, RotateParams{OldHash: first.TokenHash, NewHash: "h2-" + uuid.NewString(), Now: now, ExpiresAt: now.Add(time.Hour), RevokeOnReuse: true})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if res.User.ID != user.ID {
		t.Fatalf("unexpected owner")
	}

	_, err = store.RotateRefreshToken(ctx, RotateParams{OldHash: first.TokenHash, NewHash: "h3-" + uuid.NewString(), Now: now, ExpiresAt: now.Add(time.Hour), RevokeOnReuse: true})
	if !errors.Is(err, ErrTokenReused) {
		t.Fatalf("expected reuse detection, got %v", err)
	}
	_, err = store.RotateRefreshToken(ctx, RotateParams{OldHash: res.Token.TokenHash, NewHash: "h4-" + uuid.NewString(), Now: now, ExpiresAt: now.Add(time.Hour)})
	if !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected successor revoked after reuse, got %v", err)
	}
}

func TestResetRacesRefreshIntegration(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	user := createTestUser(t, store, now)

	tok, err := store.CreateRefreshToken(ctx, NewRefreshToken{UserID: user.ID, TokenHash: "race-" + uuid.NewString(), IssuedAt: now, ExpiresAt: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	if _, err := store.CreateOTP(ctx, NewOTP{UserID: user.ID, Identity: user.Email, Purpose: "password_reset", Channel: "email", CodeHash: "code", ExpiresAt: now.Add(10 * time.Minute), CreatedAt: now}); err != nil {
		t.Fatalf("create otp: %v", err)
	}

	var wg sync.WaitGroup
	var rotateRes *RotateResult
	var rotateErr, resetErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		rotateRes, rotateErr = store.RotateRefreshToken(ctx, RotateParams{OldHash: tok.TokenHash, NewHash: "race2-" + uuid.NewString(), Now: now, ExpiresAt: now.Add(time.Hour)})
	}()
	go func() {
		defer wg.Done()
		_, resetErr = store.ResetPasswordWithOTP(ctx, ResetParams{
			Email: user.Email, Purpose: "password_reset", MaxAttempts: 3,
			Match: func(h string) bool { return h == "code" }, PasswordHash: "new", Now: now,
		})
	}()
	wg.Wait()

	if resetErr != nil {
		t.Fatalf("reset: %v", resetErr)
	}
	if rotateErr == nil {
		// Rotation committed first, so the reset must have revoked the successor.
		_, err := store.RotateRefreshToken(ctx, RotateParams{OldHash: rotateRes.Token.TokenHash, NewHash: "race3-" + uuid.NewString(), Now: now, ExpiresAt: now.Add(time.Hour)})
		if !errors.Is(err, ErrTokenRevoked) {
			t.Fatalf("expected successor revoked by reset, got %v", err)
		}
	} else if !errors.Is(rotateErr, ErrTokenRevoked) {
		t.Fatalf("expected rotation to see revocation, got %v", rotateErr)
	}
}

func TestResetPasswordWithOTPAttemptsIntegration(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	user := createTestUser(t, store, now)

	if _, err := store.CreateOTP(ctx, NewOTP{UserID: user.ID, Identity: user.Email, Purpose: "password_reset", Channel: "email", CodeHash: "old", ExpiresAt: now.Add(10 * time.Minute), CreatedAt: now}); err != nil {
		t.Fatalf("create otp: %v", err)
	}
	if _, err := store.CreateOTP(ctx, NewOTP{UserID: user.ID, Identity: user.Email, Purpose: "password_reset", Channel: "email", CodeHash: "new", ExpiresAt: now.Add(10 * time.Minute), CreatedAt: now.Add(time.Second)}); err != nil {
		t.Fatalf("create otp: %v", err)
	}

	params := ResetParams{Email: user.Email, Purpose: "password_reset", MaxAttempts: 2, PasswordHash: "pw", Now: now}
	params.Match = func(h string) bool { return h == "old" }
	for i := 0; i < 2; i++ {
		if _, err := store.ResetPasswordWithOTP(ctx, params); !errors.Is(err, ErrOTPMismatch) {
			t.Fatalf("expected superseded code to mismatch, got %v", err)
		}
	}
	params.Match = func(h string) bool { return h == "new" }
	if _, err := store.ResetPasswordWithOTP(ctx, params); !errors.Is(err, ErrOTPExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
}

func TestPurgeExpiredIntegration(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	user := createTestUser(t, store, now)

	if _, err := store.CreateRefreshToken(ctx, NewRefreshToken{UserID: user.ID, TokenHash: "old-" + uuid.NewString(), IssuedAt: now.Add(-72 * time.Hour), ExpiresAt: now.Add(-48 * time.Hour)}); err != nil {
		t.Fatalf("create token: %v", err)
	}
	stats, err := store.PurgeExpired(ctx, now, 24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if stats.RefreshTokens != 1 {
		t.Fatalf("expected one purged token, got %+v", stats)
	}
}
