package security

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/smdydx/UserAuthSystem/libs/auth"
)

type AccessToken struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

type AccessTokenSigner struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewAccessTokenSigner(secret []byte, issuer string, ttl time.Duration) *AccessTokenSigner {
	return &AccessTokenSigner{secret: secret, issuer: issuer, ttl: ttl}
}

func (s *AccessTokenSigner) TTL() time.Duration { return s.ttl }

func (s *AccessTokenSigner) Sign(userID, role string, now time.Time) (AccessToken, error) {
	if userID == "" {
		return AccessToken{}, fmt.Errorf("subject required")
	}
	if !auth.ValidRole(role) {
		return AccessToken{}, fmt.Errorf("invalid role %q", role)
	}

	// JWT timestamps have second precision.
	now = now.Truncate(time.Second)
	exp := now.Add(s.ttl)
	claims := auth.Claims{
		Role:      role,
		TokenType: auth.TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return AccessToken{}, fmt.Errorf("sign access token: %w", err)
	}
	return AccessToken{Token: signed, ID: claims.ID, ExpiresAt: exp}, nil
}
