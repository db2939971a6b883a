package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenMalformed = errors.New("token malformed")
)

const TokenTypeAccess = "access"

const (
	RoleCustomer = "customer"
	RoleVendor   = "vendor"
	RoleAdmin    = "admin"
)

// ValidRole reports whether role belongs to the closed role set.
func ValidRole(role string) bool {
	switch role {
	case RoleCustomer, RoleVendor, RoleAdmin:
		return true
	}
	return false
}

// Claims mirrors the auth service access token.
type Claims struct {
	Role      string `json:"role"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Principal is what downstream authorization needs from a verified token.
type Principal struct {
	UserID    string
	Role      string
	ExpiresAt time.Time
}

func ParseJWT(tokenString string, secret []byte, issuer string) (*Claims, error) {
	return ParseJWTAt(tokenString, secret, issuer, time.Now())
}

// ParseJWTAt verifies signature, issuer, type and expiry against now. It
// never touches storage. Failures are either ErrTokenExpired or
// ErrTokenMalformed, both of which wrap ErrInvalidToken.
func ParseJWTAt(tokenString string, secret []byte, issuer string, now time.Time) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, errors.Join(ErrInvalidToken, ErrTokenMalformed)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.Join(ErrInvalidToken, ErrTokenExpired)
		}
		return nil, errors.Join(ErrInvalidToken, ErrTokenMalformed)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" || claims.TokenType != TokenTypeAccess || !ValidRole(claims.Role) {
		return nil, errors.Join(ErrInvalidToken, ErrTokenMalformed)
	}
	return claims, nil
}

func (c *Claims) Principal() Principal {
	p := Principal{UserID: c.Subject, Role: c.Role}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Time
	}
	return p
}

func ExtractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
