package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/smdydx/UserAuthSystem/libs/auth"
	"github.com/smdydx/UserAuthSystem/libs/kafka"
	"github.com/smdydx/UserAuthSystem/libs/logging"
	"github.com/smdydx/UserAuthSystem/services/auth/internal/notify"
	"github.com/smdydx/UserAuthSystem/services/auth/internal/rate"
	"github.com/smdydx/UserAuthSystem/services/auth/internal/security"
	"github.com/smdydx/UserAuthSystem/services/auth/internal/storage"
	"github.com/smdydx/UserAuthSystem/services/auth/internal/validation"
)

const (
	purposePasswordReset = "password_reset"
	tokenTypeBearer      = "Bearer"
	actorUser            = "user"
	actorAdmin           = "admin"
	actorAnonymous       = "anonymous"
)

type Store interface {
	CreateUser(ctx context.Context, in storage.NewUser) (*storage.User, error)
	GetUserByEmail(ctx context.Context, email string) (*storage.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*storage.User, error)
	RecordLoginFailure(ctx context.Context, userID uuid.UUID, threshold int, lockFor time.Duration, now time.Time) (storage.LoginFailure, error)
	RecordLoginSuccess(ctx context.Context, userID uuid.UUID, now time.Time) error
	UpdatePasswordHash(ctx context.Context, userID uuid.UUID, hash string, now time.Time) error
	UnlockUser(ctx context.Context, userID uuid.UUID, now time.Time) (*storage.User, error)
	UpdateUserAdmin(ctx context.Context, userID uuid.UUID, upd storage.UserUpdate, now time.Time) (*storage.User, int64, error)
	CreateRefreshToken(ctx context.Context, in storage.NewRefreshToken) (*storage.RefreshToken, error)
	RotateRefreshToken(ctx context.Context, p storage.RotateParams) (*storage.RotateResult, error)
	RevokeRefreshToken(ctx context.Context, hash string, now time.Time) (bool, error)
	RevokeAllRefreshTokens(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error)
	CreateEmailVerification(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt, now time.Time) error
	ConsumeEmailVerification(ctx context.Context, tokenHash string, now time.Time) (uuid.UUID, error)
	CreateOTP(ctx context.Context, in storage.NewOTP) (*storage.OTP, error)
	ResetPasswordWithOTP(ctx context.Context, p storage.ResetParams) (*storage.ResetResult, error)
	InsertAudit(ctx context.Context, log storage.AuditLog) error
}

// PasswordHasher is satisfied by security.Hasher.
type PasswordHasher interface {
	Hash(ctx context.Context, password string) (string, error)
	Verify(ctx context.Context, password, encoded string) (bool, error)
	VerifyDummy(ctx context.Context, password string)
	NeedsRehash(encoded string) bool
}

type Settings struct {
	Issuer           string
	Secret           []byte
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	VerificationTTL  time.Duration
	RevokeOnReuse    bool
	LockoutThreshold int
	LockoutDuration  time.Duration
	OTPLength        int
	OTPTTL           time.Duration
	OTPMaxAttempts   int
	PasswordPolicy   validation.PasswordPolicy
}

type Topics struct {
	Events string
}

type Deps struct {
	Store    Store
	Hasher   PasswordHasher
	Guard    *rate.Guard
	Notifier notify.Dispatcher
	Events   kafka.Publisher
	Topics   Topics
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *Metrics
	Tokens   security.TokenGenerator
	OTPs     security.OTPGenerator
}

type AuthService struct {
	store    Store
	hasher   PasswordHasher
	guard    *rate.Guard
	notifier notify.Dispatcher
	events   kafka.Publisher
	topics   Topics
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *Metrics
	tokens   security.TokenGenerator
	otps     security.OTPGenerator
	signer   *security.AccessTokenSigner
	settings Settings
}

func NewAuthService(deps Deps, settings Settings) (*AuthService, error) {
	if deps.Store == nil || deps.Hasher == nil || deps.Guard == nil {
		return nil, errors.New("store, hasher and guard are required")
	}
	if len(settings.Secret) == 0 {
		return nil, errors.New("jwt secret required")
	}
	if settings.LockoutThreshold <= 0 || settings.OTPMaxAttempts <= 0 || settings.OTPLength <= 0 {
		return nil, errors.New("lockout threshold, otp attempts and otp length must be positive")
	}
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.LogDispatcher{Logger: deps.Logger}
	}
	if deps.Tokens == nil {
		deps.Tokens = security.DefaultTokenGenerator{}
	}
	if deps.OTPs == nil {
		deps.OTPs = security.DefaultOTPGenerator{}
	}
	return &AuthService{
		store:    deps.Store,
		hasher:   deps.Hasher,
		guard:    deps.Guard,
		notifier: deps.Notifier,
		events:   deps.Events,
		topics:   deps.Topics,
		clock:    deps.Clock,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		tokens:   deps.Tokens,
		otps:     deps.OTPs,
		signer:   security.NewAccessTokenSigner(settings.Secret, settings.Issuer, settings.AccessTTL),
		settings: settings,
	}, nil
}

// RequestMeta describes the calling client. It feeds rate limiting, token
// records, audit rows and event correlation.
type RequestMeta struct {
	IP            string
	UserAgent     string
	CorrelationID string
}

type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	TokenType        string
	ExpiresIn        int64
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

type RegisterInput struct {
	Email       string
	Password    string
	FullName    string
	PhoneNumber string
	RequestMeta
}

type RegisterResult struct {
	User             *storage.User
	VerificationSent bool
}

func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*RegisterResult, error) {
	if errs := validation.ValidateRegistration(in.Email, in.Password, in.FullName, in.PhoneNumber, s.settings.PasswordPolicy); len(errs) > 0 {
		return nil, validationError(errs)
	}
	email := validation.NormalizeEmail(in.Email)

	hash, err := s.hasher.Hash(ctx, in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	var phone *string
	if p := strings.TrimSpace(in.PhoneNumber); p != "" {
		phone = &p
	}

	now := s.clock.Now()
	user, err := s.store.CreateUser(ctx, storage.NewUser{
		Email:        email,
		PasswordHash: hash,
		FullName:     strings.TrimSpace(in.FullName),
		PhoneNumber:  phone,
		Role:         auth.RoleCustomer,
		CreatedAt:    now,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	sent := s.sendVerification(ctx, user, now)
	s.audit(ctx, &user.ID, actorUser, "user.register", user.ID, in.RequestMeta)
	s.publishUserEvent(ctx, EventUserRegistered, in.CorrelationID, user, nil)

	s.logger.Info("user registered", "user_id", user.ID, "email", logging.MaskEmail(user.Email))
	return &RegisterResult{User: user, VerificationSent: sent}, nil
}

// sendVerification issues an email verification token. Registration has
// already succeeded at this point, so failures are logged and reported
// through the return value only.
func (s *AuthService) sendVerification(ctx context.Context, user *storage.User, now time.Time) bool {
	token, hash, err := s.tokens.New()
	if err != nil {
		s.logger.Error("generate verification token failed", "user_id", user.ID, "error", err)
		return false
	}
	if err := s.store.CreateEmailVerification(ctx, user.ID, hash, now.Add(s.settings.VerificationTTL), now); err != nil {
		s.logger.Error("store verification token failed", "user_id", user.ID, "error", err)
		return false
	}
	msg := notify.Message{
		ID:          hash,
		Kind:        "email_verification",
		Channel:     notify.ChannelEmail,
		Destination: user.Email,
		Subject:     "Verify your email address",
		Body:        "Your verification token: " + token,
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.metrics.dispatchFailure(string(notify.ChannelEmail))
		s.logger.Warn("verification dispatch failed", "user_id", user.ID, "error", err)
		return false
	}
	return true
}

type LoginInput struct {
	Email    string
	Password string
	RequestMeta
}

func (s *AuthService) Login(ctx context.Context, in LoginInput) (*TokenPair, error) {
	email := validation.NormalizeEmail(in.Email)
	subjects := loginSubjects(in.IP, email)

	for _, subject := range subjects {
		decision, err := s.guard.Blocked(ctx, rate.ActionLogin, subject)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			s.metrics.login("rate_limited")
			return nil, retryable(ErrRateLimited, decision.RetryAfter)
		}
	}

	now := s.clock.Now()
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load user: %w", err)
		}
		s.hasher.VerifyDummy(ctx, in.Password)
		return nil, s.loginFailed(ctx, subjects)
	}

	if user.LockedAt(now) {
		return nil, s.accountLocked(*user.LockedUntil, now)
	}

	ok, err := s.hasher.Verify(ctx, in.Password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !ok || !user.IsActive {
		if err := s.recordLoginFailure(ctx, user, now, in.RequestMeta); err != nil {
			return nil, err
		}
		return nil, s.loginFailed(ctx, subjects)
	}

	// The snapshot above may predate a lock set by a concurrent failure;
	// the store re-checks under the row lock.
	if err := s.store.RecordLoginSuccess(ctx, user.ID, now); err != nil {
		var locked *storage.LockedError
		if errors.As(err, &locked) {
			return nil, s.accountLocked(locked.Until, now)
		}
		return nil, fmt.Errorf("record login: %w", err)
	}
	if s.hasher.NeedsRehash(user.PasswordHash) {
		s.upgradeHash(ctx, user, in.Password, now)
	}

	pair, err := s.issueSession(ctx, user, in.RequestMeta, now)
	if err != nil {
		return nil, err
	}
	s.metrics.login("success")
	s.audit(ctx, &user.ID, actorUser, "auth.login", user.ID, in.RequestMeta)
	return pair, nil
}

func loginSubjects(ip, email string) []string {
	subjects := make([]string, 0, 2)
	if ip != "" {
		subjects = append(subjects, "ip:"+ip)
	}
	if email != "" {
		subjects = append(subjects, "email:"+email)
	}
	return subjects
}

func (s *AuthService) accountLocked(until, now time.Time) error {
	s.metrics.login("locked")
	return retryable(ErrLockedAccount, until.Sub(now))
}

// loginFailed counts the failure against every subject. Attempts that
// passed Blocked concurrently but land beyond the limit are answered as
// rate limited.
func (s *AuthService) loginFailed(ctx context.Context, subjects []string) error {
	var (
		limited bool
		wait    time.Duration
	)
	for _, subject := range subjects {
		decision, err := s.guard.CheckAndIncrement(ctx, rate.ActionLogin, subject)
		if err != nil {
			s.logger.Error("count login failure failed", "error", err)
			continue
		}
		if !decision.Allowed {
			limited = true
			wait = max(wait, decision.RetryAfter)
		}
	}
	if limited {
		s.metrics.login("rate_limited")
		return retryable(ErrRateLimited, wait)
	}
	s.metrics.login("invalid")
	return ErrInvalidCredentials
}

// recordLoginFailure returns a locked error when the account was already
// locked at write time; that attempt is not counted anywhere.
func (s *AuthService) recordLoginFailure(ctx context.Context, user *storage.User, now time.Time, meta RequestMeta) error {
	res, err := s.store.RecordLoginFailure(ctx, user.ID, s.settings.LockoutThreshold, s.settings.LockoutDuration, now)
	if err != nil {
		var locked *storage.LockedError
		if errors.As(err, &locked) {
			return s.accountLocked(locked.Until, now)
		}
		return fmt.Errorf("record login failure: %w", err)
	}
	if !res.Locked {
		return nil
	}

	s.metrics.lockout()
	s.logger.Warn("account locked", "user_id", user.ID, "locked_until", res.LockedUntil)
	s.audit(ctx, nil, actorAnonymous, "user.locked", user.ID, meta)
	s.publishUserEvent(ctx, EventUserLocked, meta.CorrelationID, user, func(e *UserEvent) {
		e.LockedUntil = res.LockedUntil
	})
	return nil
}

func (s *AuthService) upgradeHash(ctx context.Context, user *storage.User, password string, now time.Time) {
	hash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		s.logger.Error("rehash password failed", "user_id", user.ID, "error", err)
		return
	}
	if err := s.store.UpdatePasswordHash(ctx, user.ID, hash, now); err != nil {
		s.logger.Error("store rehashed password failed", "user_id", user.ID, "error", err)
		return
	}
	s.logger.Info("password hash upgraded", "user_id", user.ID)
}

func (s *AuthService) issueSession(ctx context.Context, user *storage.User, meta RequestMeta, now time.Time) (*TokenPair, error) {
	refresh, refreshHash, err := s.tokens.New()
	if err != nil {
		return nil, err
	}
	record, err := s.store.CreateRefreshToken(ctx, storage.NewRefreshToken{
		UserID:    user.ID,
		TokenHash: refreshHash,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.settings.RefreshTTL),
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}
	return s.tokenPair(user, refresh, record.ExpiresAt, now)
}

func (s *AuthService) tokenPair(user *storage.User, refresh string, refreshExpiry, now time.Time) (*TokenPair, error) {
	access, err := s.signer.Sign(user.ID.String(), user.Role, now)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access.Token,
		RefreshToken:     refresh,
		TokenType:        tokenTypeBearer,
		ExpiresIn:        int64(s.settings.AccessTTL / time.Second),
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refreshExpiry,
	}, nil
}

type RefreshInput struct {
	RefreshToken string
	RequestMeta
}

// Refresh rotates a refresh token. The presented token is retired and a
// successor is issued in one transaction. The access token is signed only
// after that transaction commits.
func (s *AuthService) Refresh(ctx context.Context, in RefreshInput) (*TokenPair, error) {
	presented := strings.TrimSpace(in.RefreshToken)
	if presented == "" {
		s.metrics.refresh("invalid")
		return nil, ErrInvalidToken
	}

	next, nextHash, err := s.tokens.New()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	res, err := s.store.RotateRefreshToken(ctx, storage.RotateParams{
		OldHash:       security.HashToken(presented),
		NewHash:       nextHash,
		Now:           now,
		ExpiresAt:     now.Add(s.settings.RefreshTTL),
		IP:            in.IP,
		UserAgent:     in.UserAgent,
		RevokeOnReuse: s.settings.RevokeOnReuse,
	})
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrTokenReused):
		s.metrics.refresh("reuse")
		s.logger.Warn("refresh token reuse detected, sessions revoked", "ip", in.IP)
		return nil, ErrInvalidToken
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrTokenRevoked),
		errors.Is(err, storage.ErrTokenExpired),
		errors.Is(err, storage.ErrUserInactive):
		s.metrics.refresh("invalid")
		return nil, ErrInvalidToken
	default:
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	pair, err := s.tokenPair(res.User, next, res.Token.ExpiresAt, now)
	if err != nil {
		return nil, err
	}
	s.metrics.refresh("success")
	return pair, nil
}

// Logout revokes one refresh token. Unknown and already revoked tokens are
// not an error.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	presented := strings.TrimSpace(refreshToken)
	if presented == "" {
		return nil
	}
	if _, err := s.store.RevokeRefreshToken(ctx, security.HashToken(presented), s.clock.Now()); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

func (s *AuthService) LogoutAll(ctx context.Context, userID uuid.UUID, meta RequestMeta) (int64, error) {
	n, err := s.store.RevokeAllRefreshTokens(ctx, userID, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("revoke refresh tokens: %w", err)
	}
	s.audit(ctx, &userID, actorUser, "auth.logout_all", userID, meta)
	return n, nil
}

type OTPRequestInput struct {
	Email   string
	Channel string
	RequestMeta
}

type OTPRequestResult struct {
	// Dispatched is false when no code was sent, including the cases that
	// must look like success to the caller.
	Dispatched bool
	ExpiresAt  time.Time
}

func (s *AuthService) RequestPasswordResetOTP(ctx context.Context, in OTPRequestInput) (*OTPRequestResult, error) {
	channel, fe := validation.NormalizeChannel(in.Channel)
	if fe != nil {
		return nil, fieldError(fe)
	}
	if fe := validation.ValidateEmail(in.Email); fe != nil {
		return nil, fieldError(fe)
	}
	email := validation.NormalizeEmail(in.Email)

	decision, err := s.guard.CheckAndIncrement(ctx, rate.ActionOTPRequest, email)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		s.metrics.otpRequest("rate_limited")
		return nil, retryable(ErrRateLimited, decision.RetryAfter)
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil || !user.IsActive {
		s.metrics.otpRequest("suppressed")
		return &OTPRequestResult{}, nil
	}

	destination := user.Email
	if channel == validation.ChannelSMS {
		if user.PhoneNumber == nil || *user.PhoneNumber == "" {
			s.metrics.otpRequest("suppressed")
			return &OTPRequestResult{}, nil
		}
		destination = *user.PhoneNumber
	}

	code, err := s.otps.New(s.settings.OTPLength)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	otp, err := s.store.CreateOTP(ctx, storage.NewOTP{
		UserID:    user.ID,
		Identity:  email,
		Purpose:   purposePasswordReset,
		Channel:   channel,
		CodeHash:  security.HashOTP(code),
		ExpiresAt: now.Add(s.settings.OTPTTL),
		CreatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("store otp: %w", err)
	}
	s.audit(ctx, &user.ID, actorUser, "password_reset.requested", user.ID, in.RequestMeta)

	result := &OTPRequestResult{ExpiresAt: otp.ExpiresAt}
	msg := notify.Message{
		ID:          otp.ID.String(),
		Kind:        "password_reset_otp",
		Channel:     notify.Channel(channel),
		Destination: destination,
		Subject:     "Your password reset code",
		Body:        fmt.Sprintf("Your password reset code is %s. It expires in %d minutes.", code, int(s.settings.OTPTTL/time.Minute)),
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.metrics.dispatchFailure(channel)
		s.metrics.otpRequest("dispatch_failed")
		s.logger.Error("otp dispatch failed", "user_id", user.ID, "channel", channel, "error", err)
		return result, nil
	}

	result.Dispatched = true
	s.metrics.otpRequest("sent")
	return result, nil
}

type ResetInput struct {
	Email       string
	Code        string
	NewPassword string
	RequestMeta
}

func (s *AuthService) ResetPasswordWithOTP(ctx context.Context, in ResetInput) error {
	var errs validation.ValidationErrors
	if fe := validation.ValidateEmail(in.Email); fe != nil {
		errs = append(errs, *fe)
	}
	if fe := validation.ValidateOTPCode(in.Code, s.settings.OTPLength); fe != nil {
		errs = append(errs, *fe)
	}
	errs = append(errs, validation.ValidatePassword("new_password", in.NewPassword, s.settings.PasswordPolicy)...)
	if len(errs) > 0 {
		return validationError(errs)
	}

	hash, err := s.hasher.Hash(ctx, in.NewPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	code := strings.TrimSpace(in.Code)
	res, err := s.store.ResetPasswordWithOTP(ctx, storage.ResetParams{
		Email:        validation.NormalizeEmail(in.Email),
		Purpose:      purposePasswordReset,
		MaxAttempts:  s.settings.OTPMaxAttempts,
		Match:        func(codeHash string) bool { return security.OTPMatches(code, codeHash) },
		PasswordHash: hash,
		Now:          s.clock.Now(),
	})
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrOTPExpired),
		errors.Is(err, storage.ErrOTPExhausted),
		errors.Is(err, storage.ErrOTPMismatch):
		s.metrics.otpVerification("invalid")
		return ErrInvalidOTP
	default:
		return fmt.Errorf("reset password: %w", err)
	}

	s.metrics.otpVerification("success")
	s.logger.Info("password reset", "user_id", res.User.ID, "revoked_tokens", res.Revoked)
	s.audit(ctx, &res.User.ID, actorUser, "password_reset.completed", res.User.ID, in.RequestMeta)
	s.publishUserEvent(ctx, EventPasswordReset, in.CorrelationID, res.User, func(e *UserEvent) {
		e.RevokedTokens = res.Revoked
	})
	return nil
}

// VerifyAccessToken checks an access token without touching storage.
func (s *AuthService) VerifyAccessToken(token string) (auth.Principal, error) {
	claims, err := auth.ParseJWTAt(token, s.settings.Secret, s.settings.Issuer, s.clock.Now())
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return auth.Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, ErrExpired)
		}
		return auth.Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, ErrMalformed)
	}
	return claims.Principal(), nil
}

func (s *AuthService) VerifyEmail(ctx context.Context, token string, meta RequestMeta) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidToken
	}
	userID, err := s.store.ConsumeEmailVerification(ctx, security.HashToken(token), s.clock.Now())
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrTokenRevoked),
		errors.Is(err, storage.ErrTokenExpired):
		return ErrInvalidToken
	default:
		return fmt.Errorf("consume verification: %w", err)
	}
	s.audit(ctx, &userID, actorUser, "user.verify_email", userID, meta)
	return nil
}

func (s *AuthService) Profile(ctx context.Context, userID uuid.UUID) (*storage.User, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	return user, nil
}

// UnlockAccount is the only path that clears a login counter before its
// window ends.
func (s *AuthService) UnlockAccount(ctx context.Context, actorID, userID uuid.UUID, meta RequestMeta) (*storage.User, error) {
	user, err := s.store.UnlockUser(ctx, userID, s.clock.Now())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("unlock user: %w", err)
	}
	if err := s.guard.Clear(ctx, rate.ActionLogin, "email:"+user.Email); err != nil {
		s.logger.Error("clear login counter failed", "user_id", user.ID, "error", err)
	}
	s.audit(ctx, &actorID, actorAdmin, "admin.user.unlock", user.ID, meta)
	return user, nil
}

type UpdateUserInput struct {
	Role     *string
	IsActive *bool
}

func (s *AuthService) UpdateUser(ctx context.Context, actorID, userID uuid.UUID, in UpdateUserInput, meta RequestMeta) (*storage.User, error) {
	if in.Role == nil && in.IsActive == nil {
		return nil, fieldError(&validation.FieldError{Field: "role", Message: "role or is_active is required"})
	}
	if in.Role != nil {
		role := strings.ToLower(strings.TrimSpace(*in.Role))
		if fe := validation.ValidateRole(role); fe != nil {
			return nil, fieldError(fe)
		}
		in.Role = &role
	}
	// Admins cannot lock themselves out of the admin surface.
	if actorID == userID {
		return nil, ErrForbidden
	}

	user, revoked, err := s.store.UpdateUserAdmin(ctx, userID, storage.UserUpdate{Role: in.Role, IsActive: in.IsActive}, s.clock.Now())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update user: %w", err)
	}
	s.logger.Info("user updated by admin", "actor_id", actorID, "user_id", user.ID, "role", user.Role, "is_active", user.IsActive, "revoked_tokens", revoked)
	s.audit(ctx, &actorID, actorAdmin, "admin.user.update", user.ID, meta)
	return user, nil
}

func (s *AuthService) audit(ctx context.Context, actorID *uuid.UUID, actorType, action string, entityID uuid.UUID, meta RequestMeta) {
	entity := entityID
	err := s.store.InsertAudit(ctx, storage.AuditLog{
		ActorID:    actorID,
		ActorType:  actorType,
		Action:     action,
		EntityType: "user",
		EntityID:   &entity,
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
		CreatedAt:  s.clock.Now(),
	})
	if err != nil {
		s.logger.Error("audit insert failed", "action", action, "error", err)
	}
}
