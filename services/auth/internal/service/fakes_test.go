package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smdydx/UserAuthSystem/services/auth/internal/notify"
	"github.com/smdydx/UserAuthSystem/services/auth/internal/storage"
)

// memStore mirrors the transactional behaviour of storage.Store under a
// single mutex.
type memStore struct {
	mu            sync.Mutex
	users         map[uuid.UUID]*storage.User
	tokens        map[uuid.UUID]*storage.RefreshToken
	otps          []*storage.OTP
	verifications map[string]*storage.EmailVerification
	audits        []storage.AuditLog

	// afterUserRead runs once a GetUserByEmail snapshot has been taken,
	// outside the mutex, to interleave writes with a login in flight.
	afterUserRead func()
}

func newMemStore() *memStore {
	return &memStore{
		users:         map[uuid.UUID]*storage.User{},
		tokens:        map[uuid.UUID]*storage.RefreshToken{},
		verifications: map[string]*storage.EmailVerification{},
	}
}

func cloneUser(u *storage.User) *storage.User {
	c := *u
	return &c
}

func (m *memStore) userByEmail(email string) *storage.User {
	for _, u := range m.users {
		if u.Email == email {
			return u
		}
	}
	return nil
}

func (m *memStore) CreateUser(_ context.Context, in storage.NewUser) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userByEmail(in.Email) != nil {
		return nil, storage.ErrConflict
	}
	u := &storage.User{
		ID:           uuid.New(),
		Email:        in.Email,
		PasswordHash: in.PasswordHash,
		FullName:     in.FullName,
		PhoneNumber:  in.PhoneNumber,
		Role:         in.Role,
		IsActive:     true,
		CreatedAt:    in.CreatedAt,
		UpdatedAt:    in.CreatedAt,
	}
	m.users[u.ID] = u
	return cloneUser(u), nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (*storage.User, error) {
	m.mu.Lock()
	u := m.userByEmail(email)
	var snapshot *storage.User
	if u != nil {
		snapshot = cloneUser(u)
	}
	hook := m.afterUserRead
	m.mu.Unlock()

	if snapshot == nil {
		return nil, storage.ErrNotFound
	}
	if hook != nil {
		hook()
	}
	return snapshot, nil
}

func (m *memStore) GetUserByID(_ context.Context, id uuid.UUID) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return cloneUser(u), nil
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) RecordLoginFailure(_ context.Context, userID uuid.UUID, threshold int, lockFor time.Duration, now time.Time) (storage.LoginFailure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return storage.LoginFailure{}, storage.ErrNotFound
	}
	if u.LockedAt(now) {
		return storage.LoginFailure{}, &storage.LockedError{Until: *u.LockedUntil}
	}
	u.FailedLoginAttempts++
	if u.FailedLoginAttempts >= threshold {
		until := now.Add(lockFor)
		u.FailedLoginAttempts = 0
		u.LockedUntil = &until
		return storage.LoginFailure{LockedUntil: &until, Locked: true}, nil
	}
	return storage.LoginFailure{Attempts: u.FailedLoginAttempts, LockedUntil: u.LockedUntil}, nil
}

func (m *memStore) RecordLoginSuccess(_ context.Context, userID uuid.UUID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return storage.ErrNotFound
	}
	if u.LockedAt(now) {
		return &storage.LockedError{Until: *u.LockedUntil}
	}
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	u.LastLoginAt = &now
	return nil
}

func (m *memStore) UpdatePasswordHash(_ context.Context, userID uuid.UUID, hash string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.PasswordHash = hash
	}
	return nil
}

func (m *memStore) UnlockUser(_ context.Context, userID uuid.UUID, _ time.Time) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	return cloneUser(u), nil
}

func (m *memStore) UpdateUserAdmin(_ context.Context, userID uuid.UUID, upd storage.UserUpdate, now time.Time) (*storage.User, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, 0, storage.ErrNotFound
	}
	if upd.Role != nil {
		u.Role = *upd.Role
	}
	if upd.IsActive != nil {
		u.IsActive = *upd.IsActive
	}
	var revoked int64
	if !u.IsActive {
		revoked = m.revokeAllLocked(userID, now)
	}
	return cloneUser(u), revoked, nil
}

func (m *memStore) CreateRefreshToken(_ context.Context, in storage.NewRefreshToken) (*storage.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertTokenLocked(in), nil
}

func (m *memStore) insertTokenLocked(in storage.NewRefreshToken) *storage.RefreshToken {
	t := &storage.RefreshToken{
		ID:        uuid.New(),
		UserID:    in.UserID,
		TokenHash: in.TokenHash,
		IssuedAt:  in.IssuedAt,
		ExpiresAt: in.ExpiresAt,
		CreatedIP: in.IP,
		UserAgent: in.UserAgent,
	}
	m.tokens[t.ID] = t
	c := *t
	return &c
}

func (m *memStore) tokenByHash(hash string) *storage.RefreshToken {
	for _, t := range m.tokens {
		if t.TokenHash == hash {
			return t
		}
	}
	return nil
}

func (m *memStore) RotateRefreshToken(_ context.Context, p storage.RotateParams) (*storage.RotateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.tokenByHash(p.OldHash)
	if old == nil {
		return nil, storage.ErrNotFound
	}
	user := m.users[old.UserID]
	if old.RevokedAt != nil {
		if old.ReplacedBy == nil || !p.RevokeOnReuse {
			return nil, storage.ErrTokenRevoked
		}
		m.revokeAllLocked(old.UserID, p.Now)
		return nil, storage.ErrTokenReused
	}
	if !p.Now.Before(old.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}
	if !user.IsActive {
		return nil, storage.ErrUserInactive
	}
	next := m.insertTokenLocked(storage.NewRefreshToken{
		UserID: old.UserID, TokenHash: p.NewHash, IssuedAt: p.Now, ExpiresAt: p.ExpiresAt, IP: p.IP, UserAgent: p.UserAgent,
	})
	now := p.Now
	old.RevokedAt = &now
	old.ReplacedBy = &next.ID
	return &storage.RotateResult{User: cloneUser(user), Token: next}, nil
}

func (m *memStore) RevokeRefreshToken(_ context.Context, hash string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tokenByHash(hash)
	if t == nil || t.RevokedAt != nil {
		return false, nil
	}
	t.RevokedAt = &now
	return true, nil
}

func (m *memStore) revokeAllLocked(userID uuid.UUID, now time.Time) int64 {
	var n int64
	for _, t := range m.tokens {
		if t.UserID == userID && t.RevokedAt == nil {
			revokedAt := now
			t.RevokedAt = &revokedAt
			n++
		}
	}
	return n
}

func (m *memStore) RevokeAllRefreshTokens(_ context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revokeAllLocked(userID, now), nil
}

func (m *memStore) CreateEmailVerification(_ context.Context, userID uuid.UUID, tokenHash string, expiresAt, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifications[tokenHash] = &storage.EmailVerification{ID: uuid.New(), UserID: userID, TokenHash: tokenHash, ExpiresAt: expiresAt}
	return nil
}

func (m *memStore) ConsumeEmailVerification(_ context.Context, tokenHash string, now time.Time) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.verifications[tokenHash]
	if !ok {
		return uuid.Nil, storage.ErrNotFound
	}
	if v.ConsumedAt != nil {
		return uuid.Nil, storage.ErrTokenRevoked
	}
	if !now.Before(v.ExpiresAt) {
		return uuid.Nil, storage.ErrTokenExpired
	}
	v.ConsumedAt = &now
	m.users[v.UserID].IsVerified = true
	return v.UserID, nil
}

func (m *memStore) CreateOTP(_ context.Context, in storage.NewOTP) (*storage.OTP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.otps {
		if o.Identity == in.Identity && o.Purpose == in.Purpose && o.ConsumedAt == nil {
			at := in.CreatedAt
			o.ConsumedAt = &at
		}
	}
	o := &storage.OTP{
		ID: uuid.New(), UserID: in.UserID, Identity: in.Identity, Purpose: in.Purpose, Channel: in.Channel,
		CodeHash: in.CodeHash, ExpiresAt: in.ExpiresAt, CreatedAt: in.CreatedAt,
	}
	m.otps = append(m.otps, o)
	c := *o
	return &c, nil
}

func (m *memStore) ResetPasswordWithOTP(_ context.Context, p storage.ResetParams) (*storage.ResetResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.userByEmail(p.Email)
	if u == nil || !u.IsActive {
		return nil, storage.ErrNotFound
	}
	var open []*storage.OTP
	for _, o := range m.otps {
		if o.Identity == p.Email && o.Purpose == p.Purpose && o.ConsumedAt == nil {
			open = append(open, o)
		}
	}
	if len(open) == 0 {
		return nil, storage.ErrNotFound
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.After(open[j].CreatedAt) })
	otp := open[0]
	if !p.Now.Before(otp.ExpiresAt) {
		return nil, storage.ErrOTPExpired
	}
	if otp.Attempts >= p.MaxAttempts {
		return nil, storage.ErrOTPExhausted
	}
	if !p.Match(otp.CodeHash) {
		otp.Attempts++
		return nil, storage.ErrOTPMismatch
	}
	now := p.Now
	otp.ConsumedAt = &now
	u.PasswordHash = p.PasswordHash
	u.PasswordChangedAt = &now
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	revoked := m.revokeAllLocked(u.ID, now)
	return &storage.ResetResult{User: cloneUser(u), Revoked: revoked}, nil
}

func (m *memStore) InsertAudit(_ context.Context, log storage.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, log)
	return nil
}

func (m *memStore) PurgeExpired(_ context.Context, now time.Time, retention time.Duration) (storage.PurgeStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-retention)
	var stats storage.PurgeStats
	for id, t := range m.tokens {
		if t.ExpiresAt.Before(cutoff) || (t.RevokedAt != nil && t.RevokedAt.Before(cutoff)) {
			delete(m.tokens, id)
			stats.RefreshTokens++
		}
	}
	kept := m.otps[:0]
	for _, o := range m.otps {
		if o.ExpiresAt.Before(cutoff) || (o.ConsumedAt != nil && o.ConsumedAt.Before(cutoff)) {
			stats.OTPs++
			continue
		}
		kept = append(kept, o)
	}
	m.otps = kept
	return stats, nil
}

func (m *memStore) setUser(fn func(u *storage.User), email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u := m.userByEmail(email); u != nil {
		fn(u)
	}
}

func (m *memStore) auditActions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.audits))
	for _, a := range m.audits {
		out = append(out, a.Action)
	}
	return out
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) messages(kind string) []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Message
	for _, m := range n.sent {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// sequenceOTPs hands out fixed codes in order.
type sequenceOTPs struct {
	mu    sync.Mutex
	codes []string
}

func (s *sequenceOTPs) New(int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code := s.codes[0]
	if len(s.codes) > 1 {
		s.codes = s.codes[1:]
	}
	return code, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []UserEvent
}

func (p *recordingPublisher) PublishJSON(_ context.Context, _, _ string, value any) (int32, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if evt, ok := value.(UserEvent); ok {
		p.events = append(p.events, evt)
	}
	return 0, 0, nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}
