package testutil

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/smdydx/UserAuthSystem/libs/auth"
)

const TestIssuer = "shop-auth"

var (
	DemoUserID  = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	AdminUserID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

const (
	DemoEmail  = "demo@example.com"
	AdminEmail = "admin@example.com"
)

func GenerateJWT(userID uuid.UUID, role string, secret []byte, ttl time.Duration, now time.Time) (string, error) {
	claims := auth.Claims{
		Role:      role,
		TokenType: auth.TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    TestIssuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
