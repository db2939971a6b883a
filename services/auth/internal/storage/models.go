package storage

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID                  uuid.UUID
	Email               string
	PasswordHash        string
	FullName            string
	PhoneNumber         *string
	Role                string
	IsVerified          bool
	IsActive            bool
	FailedLoginAttempts int
	LockedUntil         *time.Time
	LastLoginAt         *time.Time
	PasswordChangedAt   *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// LockedAt reports whether the account lock is still in force at now.
func (u *User) LockedAt(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

type NewUser struct {
	Email        string
	PasswordHash string
	FullName     string
	PhoneNumber  *string
	Role         string
	CreatedAt    time.Time
}

type UserUpdate struct {
	Role     *string
	IsActive *bool
}

// LoginFailure is the account state after a failed login was recorded.
type LoginFailure struct {
	Attempts    int
	LockedUntil *time.Time
	Locked      bool
}

type RefreshToken struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	TokenHash  string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy *uuid.UUID
	CreatedIP  string
	UserAgent  string
}

type NewRefreshToken struct {
	UserID    uuid.UUID
	TokenHash string
	IssuedAt  time.Time
	ExpiresAt time.Time
	IP        string
	UserAgent string
}

type RotateParams struct {
	OldHash       string
	NewHash       string
	Now           time.Time
	ExpiresAt     time.Time
	IP            string
	UserAgent     string
	RevokeOnReuse bool
}

type RotateResult struct {
	User  *User
	Token *RefreshToken
}

type OTP struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Identity   string
	Purpose    string
	Channel    string
	CodeHash   string
	Attempts   int
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

type NewOTP struct {
	UserID    uuid.UUID
	Identity  string
	Purpose   string
	Channel   string
	CodeHash  string
	ExpiresAt time.Time
	CreatedAt time.Time
}

type ResetParams struct {
	Email        string
	Purpose      string
	MaxAttempts  int
	Match        func(codeHash string) bool
	PasswordHash string
	Now          time.Time
}

type ResetResult struct {
	User    *User
	Revoked int64
}

type EmailVerification struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	TokenHash  string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// AuditLog records a security relevant action.
type AuditLog struct {
	ActorID    *uuid.UUID
	ActorType  string
	Action     string
	EntityType string
	EntityID   *uuid.UUID
	IP         string
	UserAgent  string
	CreatedAt  time.Time
}
