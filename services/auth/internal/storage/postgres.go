package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrTokenRevoked = errors.New("token revoked")
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenReused means a token already replaced by rotation came back.
	ErrTokenReused  = errors.New("token reused")
	ErrUserInactive = errors.New("user inactive")
	ErrOTPExpired   = errors.New("otp expired")
	ErrOTPExhausted = errors.New("otp attempts exhausted")
	ErrOTPMismatch  = errors.New("otp mismatch")
)

// LockedError is returned by the login writes when the account lock was
// already in force at the time of the write.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.Format(time.RFC3339))
}

const uniqueViolation = "23505"

const userColumns = `id, email, password_hash, full_name, phone_number, role, is_verified, is_active,
	failed_login_attempts, locked_until, last_login_at, password_changed_at, created_at, updated_at`

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FullName, &u.PhoneNumber, &u.Role, &u.IsVerified, &u.IsActive,
		&u.FailedLoginAttempts, &u.LockedUntil, &u.LastLoginAt, &u.PasswordChangedAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, in NewUser) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (email, password_hash, full_name, phone_number, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING `+userColumns,
		in.Email, in.PasswordHash, in.FullName, in.PhoneNumber, in.Role, in.CreatedAt)

	user, err := scanUser(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrConflict
		}
		return nil, err
	}
	return user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// lockUserRow takes the row lock that serializes every login write for
// userID and fails with *LockedError if the account is locked at now.
func lockUserRow(ctx context.Context, tx pgx.Tx, userID uuid.UUID, now time.Time) (int, error) {
	var attempts int
	var lockedUntil *time.Time
	err := tx.QueryRow(ctx, `
		SELECT failed_login_attempts, locked_until FROM users WHERE id = $1 FOR UPDATE
	`, userID).Scan(&attempts, &lockedUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if lockedUntil != nil && now.Before(*lockedUntil) {
		return 0, &LockedError{Until: *lockedUntil}
	}
	return attempts, nil
}

// RecordLoginFailure counts one failure under the user row lock. Reaching
// threshold sets locked_until and restarts the counter. A failure against
// an account that is already locked is not counted and returns *LockedError.
func (s *Store) RecordLoginFailure(ctx context.Context, userID uuid.UUID, threshold int, lockFor time.Duration, now time.Time) (LoginFailure, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return LoginFailure{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	attempts, err := lockUserRow(ctx, tx, userID, now)
	if err != nil {
		return LoginFailure{}, err
	}

	out := LoginFailure{Attempts: attempts + 1}
	var lockedUntil *time.Time
	if out.Attempts >= threshold {
		until := now.Add(lockFor)
		lockedUntil = &until
		out = LoginFailure{LockedUntil: lockedUntil, Locked: true}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE users SET failed_login_attempts = $2, locked_until = $3, updated_at = $4 WHERE id = $1
	`, userID, out.Attempts, lockedUntil, now); err != nil {
		return LoginFailure{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return LoginFailure{}, err
	}
	return out, nil
}

// RecordLoginSuccess resets the failure counter unless a concurrent failure
// locked the account after the password was checked, in which case it
// returns *LockedError and changes nothing.
func (s *Store) RecordLoginSuccess(ctx context.Context, userID uuid.UUID, now time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := lockUserRow(ctx, tx, userID, now); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE users
		SET failed_login_attempts = 0, locked_until = NULL, last_login_at = $2, updated_at = $2
		WHERE id = $1
	`, userID, now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) UpdatePasswordHash(ctx context.Context, userID uuid.UUID, hash string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1
	`, userID, hash, now)
	return err
}

func (s *Store) UnlockUser(ctx context.Context, userID uuid.UUID, now time.Time) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx, `
		UPDATE users
		SET failed_login_attempts = 0, locked_until = NULL, updated_at = $2
		WHERE id = $1
		RETURNING `+userColumns, userID, now))
}

// UpdateUserAdmin applies role and active flag changes. Deactivating a user
// revokes all of their refresh tokens in the same transaction.
func (s *Store) UpdateUserAdmin(ctx context.Context, userID uuid.UUID, upd UserUpdate, now time.Time) (*User, int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	user, err := scanUser(tx.QueryRow(ctx, `
		UPDATE users
		SET role = COALESCE($2, role), is_active = COALESCE($3, is_active), updated_at = $4
		WHERE id = $1
		RETURNING `+userColumns, userID, upd.Role, upd.IsActive, now))
	if err != nil {
		return nil, 0, err
	}

	var revoked int64
	if !user.IsActive {
		if revoked, err = revokeAll(ctx, tx, userID, now); err != nil {
			return nil, 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, err
	}
	return user, revoked, nil
}

const refreshColumns = `id, user_id, token_hash, issued_at, expires_at, revoked_at, replaced_by, created_ip, user_agent`

func scanRefreshToken(row pgx.Row) (*RefreshToken, error) {
	var t RefreshToken
	if err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.IssuedAt, &t.ExpiresAt, &t.RevokedAt, &t.ReplacedBy, &t.CreatedIP, &t.UserAgent); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertRefreshToken(ctx context.Context, q queryer, in NewRefreshToken) (*RefreshToken, error) {
	return scanRefreshToken(q.QueryRow(ctx, `
		INSERT INTO refresh_tokens (user_id, token_hash, issued_at, expires_at, created_ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+refreshColumns,
		in.UserID, in.TokenHash, in.IssuedAt, in.ExpiresAt, in.IP, in.UserAgent))
}

func revokeAll(ctx context.Context, q queryer, userID uuid.UUID, now time.Time) (int64, error) {
	tag, err := q.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = $2
		WHERE user_id = $1 AND revoked_at IS NULL
	`, userID, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) CreateRefreshToken(ctx context.Context, in NewRefreshToken) (*RefreshToken, error) {
	return insertRefreshToken(ctx, s.pool, in)
}

// RotateRefreshToken swaps the presented token for a new one. The owner row
// is share-locked first so a concurrent password reset, which takes the
// same row exclusively, either completes before or after the rotation.
func (s *Store) RotateRefreshToken(ctx context.Context, p RotateParams) (*RotateResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var tokenID, userID uuid.UUID
	if err := tx.QueryRow(ctx, `SELECT id, user_id FROM refresh_tokens WHERE token_hash = $1`, p.OldHash).Scan(&tokenID, &userID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	user, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR SHARE`, userID))
	if err != nil {
		return nil, err
	}

	old, err := scanRefreshToken(tx.QueryRow(ctx, `SELECT `+refreshColumns+` FROM refresh_tokens WHERE id = $1 FOR UPDATE`, tokenID))
	if err != nil {
		return nil, err
	}

	if old.RevokedAt != nil {
		if old.ReplacedBy == nil || !p.RevokeOnReuse {
			return nil, ErrTokenRevoked
		}
		if _, err := revokeAll(ctx, tx, userID, p.Now); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return nil, ErrTokenReused
	}
	if !p.Now.Before(old.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	if !user.IsActive {
		return nil, ErrUserInactive
	}

	next, err := insertRefreshToken(ctx, tx, NewRefreshToken{
		UserID:    userID,
		TokenHash: p.NewHash,
		IssuedAt:  p.Now,
		ExpiresAt: p.ExpiresAt,
		IP:        p.IP,
		UserAgent: p.UserAgent,
	})
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = $2, replaced_by = $3
		WHERE id = $1
	`, old.ID, p.Now, next.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &RotateResult{User: user, Token: next}, nil
}

// RevokeRefreshToken reports whether an active token was revoked.
func (s *Store) RevokeRefreshToken(ctx context.Context, hash string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = $2
		WHERE token_hash = $1 AND revoked_at IS NULL
	`, hash, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) RevokeAllRefreshTokens(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	return revokeAll(ctx, s.pool, userID, now)
}

func (s *Store) CreateEmailVerification(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_verifications (user_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
	`, userID, tokenHash, expiresAt, now)
	return err
}

// ConsumeEmailVerification marks the token used and the owner verified.
func (s *Store) ConsumeEmailVerification(ctx context.Context, tokenHash string, now time.Time) (uuid.UUID, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var v EmailVerification
	err = tx.QueryRow(ctx, `
		SELECT id, user_id, token_hash, expires_at, consumed_at
		FROM email_verifications
		WHERE token_hash = $1
		FOR UPDATE
	`, tokenHash).Scan(&v.ID, &v.UserID, &v.TokenHash, &v.ExpiresAt, &v.ConsumedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, err
	}
	if v.ConsumedAt != nil {
		return uuid.Nil, ErrTokenRevoked
	}
	if !now.Before(v.ExpiresAt) {
		return uuid.Nil, ErrTokenExpired
	}

	if _, err := tx.Exec(ctx, `UPDATE email_verifications SET consumed_at = $2 WHERE id = $1`, v.ID, now); err != nil {
		return uuid.Nil, err
	}
	if _, err := tx.Exec(ctx, `UPDATE users SET is_verified = TRUE, updated_at = $2 WHERE id = $1`, v.UserID, now); err != nil {
		return uuid.Nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, err
	}
	return v.UserID, nil
}

const otpColumns = `id, user_id, identity, purpose, channel, code_hash, attempts, expires_at, consumed_at, created_at`

func scanOTP(row pgx.Row) (*OTP, error) {
	var o OTP
	if err := row.Scan(&o.ID, &o.UserID, &o.Identity, &o.Purpose, &o.Channel, &o.CodeHash, &o.Attempts, &o.ExpiresAt, &o.ConsumedAt, &o.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

// CreateOTP stores a new code and closes every earlier open code for the
// same identity and purpose, so only the latest code can be redeemed.
func (s *Store) CreateOTP(ctx context.Context, in NewOTP) (*OTP, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `
		UPDATE otps
		SET consumed_at = $3
		WHERE identity = $1 AND purpose = $2 AND consumed_at IS NULL
	`, in.Identity, in.Purpose, in.CreatedAt); err != nil {
		return nil, err
	}

	otp, err := scanOTP(tx.QueryRow(ctx, `
		INSERT INTO otps (user_id, identity, purpose, channel, code_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+otpColumns,
		in.UserID, in.Identity, in.Purpose, in.Channel, in.CodeHash, in.ExpiresAt, in.CreatedAt))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return otp, nil
}

// ResetPasswordWithOTP redeems the newest open code for the account. A
// mismatch is committed as a spent attempt. A match consumes the code,
// replaces the password, clears the lock and revokes every refresh token,
// all in one transaction that holds the user row exclusively.
func (s *Store) ResetPasswordWithOTP(ctx context.Context, p ResetParams) (*ResetResult, error) {
	if p.Match == nil {
		return nil, fmt.Errorf("otp matcher required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	user, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1 FOR UPDATE`, p.Email))
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrNotFound
	}

	otp, err := scanOTP(tx.QueryRow(ctx, `
		SELECT `+otpColumns+`
		FROM otps
		WHERE identity = $1 AND purpose = $2 AND consumed_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`, p.Email, p.Purpose))
	if err != nil {
		return nil, err
	}

	if !p.Now.Before(otp.ExpiresAt) {
		return nil, ErrOTPExpired
	}
	if otp.Attempts >= p.MaxAttempts {
		return nil, ErrOTPExhausted
	}
	if !p.Match(otp.CodeHash) {
		if _, err := tx.Exec(ctx, `UPDATE otps SET attempts = attempts + 1 WHERE id = $1`, otp.ID); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return nil, ErrOTPMismatch
	}

	if _, err := tx.Exec(ctx, `UPDATE otps SET consumed_at = $2 WHERE id = $1`, otp.ID, p.Now); err != nil {
		return nil, err
	}
	user, err = scanUser(tx.QueryRow(ctx, `
		UPDATE users
		SET password_hash = $2, password_changed_at = $3, failed_login_attempts = 0,
		    locked_until = NULL, updated_at = $3
		WHERE id = $1
		RETURNING `+userColumns, user.ID, p.PasswordHash, p.Now))
	if err != nil {
		return nil, err
	}
	revoked, err := revokeAll(ctx, tx, user.ID, p.Now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &ResetResult{User: user, Revoked: revoked}, nil
}

func (s *Store) InsertAudit(ctx context.Context, log AuditLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (actor_id, actor_type, action, entity_type, entity_id, ip, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, log.ActorID, log.ActorType, log.Action, log.EntityType, log.EntityID, log.IP, log.UserAgent, log.CreatedAt)
	return err
}

// PurgeStats counts rows removed by one janitor pass.
type PurgeStats struct {
	OTPs          int64
	Verifications int64
	RefreshTokens int64
}

// PurgeExpired deletes rows that can no longer be redeemed and have been
// dead for longer than retention.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time, retention time.Duration) (PurgeStats, error) {
	cutoff := now.Add(-retention)
	var stats PurgeStats

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM otps WHERE expires_at < $1 OR consumed_at < $1
	`, cutoff)
	if err != nil {
		return stats, fmt.Errorf("purge otps: %w", err)
	}
	stats.OTPs = tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, `
		DELETE FROM email_verifications WHERE expires_at < $1 OR consumed_at < $1
	`, cutoff)
	if err != nil {
		return stats, fmt.Errorf("purge email verifications: %w", err)
	}
	stats.Verifications = tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, `
		DELETE FROM refresh_tokens WHERE expires_at < $1 OR revoked_at < $1
	`, cutoff)
	if err != nil {
		return stats, fmt.Errorf("purge refresh tokens: %w", err)
	}
	stats.RefreshTokens = tag.RowsAffected()

	return stats, nil
}
