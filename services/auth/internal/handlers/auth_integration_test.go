package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/smdydx/UserAuthSystem/libs/logging"
	"github.com/smdydx/UserAuthSystem/services/auth/internal/notify"
	"github.com/smdydx/UserAuthSystem/services/auth/internal/rate"
	"github.com/smdydx/UserAuthSystem/services/auth/internal/security"
	"github.com/smdydx/UserAuthSystem/services/auth/internal/service"
	"github.com/smdydx/UserAuthSystem/services/auth/internal/storage"
	"github.com/smdydx/UserAuthSystem/services/auth/internal/validation"
	"github.com/smdydx/UserAuthSystem/services/testutil"
)

type fixedOTP string

func (f fixedOTP) New(int) (string, error) { return string(f), nil }

type captureNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (n *captureNotifier) Send(_ context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func setupIntegrationRouter(t *testing.T) *gin.Engine {
	t.Helper()
	pool := testutil.OpenTestDB(t, storage.Schema)

	hasher, err := security.NewHasher(security.Argon2Params{Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}, 2)
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	guard := rate.NewGuard(clock.WallClock, map[rate.Action]rate.Limiter{
		rate.ActionLogin:      rate.NewMemory(100, time.Hour),
		rate.ActionOTPRequest: rate.NewMemory(3, time.Hour),
	})
	svc, err := service.NewAuthService(service.Deps{
		Store:    storage.New(pool),
		Hasher:   hasher,
		Guard:    guard,
		Notifier: &captureNotifier{},
		Logger:   logging.Discard(),
		OTPs:     fixedOTP("424242"),
	}, service.Settings{
		Issuer:           testutil.TestIssuer,
		Secret:           testSecret,
		AccessTTL:        30 * time.Minute,
		RefreshTTL:       7 * 24 * time.Hour,
		VerificationTTL:  24 * time.Hour,
		RevokeOnReuse:    true,
		LockoutThreshold: 5,
		LockoutDuration:  30 * time.Minute,
		OTPLength:        6,
		OTPTTL:           10 * time.Minute,
		OTPMaxAttempts:   3,
		PasswordPolicy:   validation.PasswordPolicy{MinLength: 8, RequireUpper: true, RequireLower: true, RequireDigit: true, RequireSpecial: true},
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewAuthHandler(svc, logging.Discard()).RegisterRoutes(router)
	return router
}

func TestAuthFlowIntegration(t *testing.T) {
	router := setupIntegrationRouter(t)
	email := fmt.Sprintf("flow-%s@example.com", uuid.NewString()[:8])

	resp := testutil.MakeAPIRequest(router, http.MethodPost, "/auth/register", registerRequest{Email: email, Password: "Secret123!", FullName: "Flow User"})
	testutil.AssertHTTPStatus(t, resp, http.StatusCreated)

	resp = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/register", registerRequest{Email: email, Password: "Secret123!", FullName: "Flow User"})
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeConflict)

	resp = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/login", loginRequest{Email: email, Password: "Secret123!"})
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	first, err := testutil.DecodeJSON[authResponse](resp)
	if err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if first.ExpiresIn != 1800 || first.TokenType != "Bearer" {
		t.Fatalf("unexpected login response %+v", first)
	}

	resp = testutil.MakeAuthRequest(router, http.MethodGet, "/auth/me", nil, first.AccessToken)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	resp = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/refresh", refreshRequest{RefreshToken: first.RefreshToken})
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	second, _ := testutil.DecodeJSON[authResponse](resp)
	if second.AccessToken == first.AccessToken || second.RefreshToken == first.RefreshToken {
		t.Fatalf("expected rotated tokens")
	}

	resp = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/refresh", refreshRequest{RefreshToken: first.RefreshToken})
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidToken)

	resp = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/send-reset-otp", otpRequest{Email: email})
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	resp = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/reset-password-otp", resetRequest{Email: email, OTPCode: "424242", NewPassword: "NewSecret456!"})
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	resp = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/reset-password-otp", resetRequest{Email: email, OTPCode: "424242", NewPassword: "NewSecret456!"})
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidOTP)

	resp = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/login", loginRequest{Email: email, Password: "NewSecret456!"})
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
}

func TestLockoutIntegration(t *testing.T) {
	router := setupIntegrationRouter(t)
	email := fmt.Sprintf("lock-%s@example.com", uuid.NewString()[:8])

	resp := testutil.MakeAPIRequest(router, http.MethodPost, "/auth/register", registerRequest{Email: email, Password: "Secret123!", FullName: "Lock User"})
	testutil.AssertHTTPStatus(t, resp, http.StatusCreated)

	for i := 0; i < 5; i++ {
		resp = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/login", loginRequest{Email: email, Password: "Wrong123!"})
		testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidCredentials)
	}

	resp = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/login", loginRequest{Email: email, Password: "Secret123!"})
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeAccountLocked)
	if resp.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After on locked response")
	}
}
