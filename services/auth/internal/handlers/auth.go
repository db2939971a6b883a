package handlers

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/smdydx/UserAuthSystem/libs/auth"
	"github.com/smdydx/UserAuthSystem/libs/httpmiddleware"
	"github.com/smdydx/UserAuthSystem/services/auth/internal/service"
	"github.com/smdydx/UserAuthSystem/services/auth/internal/storage"
	"github.com/smdydx/UserAuthSystem/services/auth/internal/validation"
)

// AuthService is implemented by service.AuthService.
type AuthService interface {
	Register(ctx context.Context, in service.RegisterInput) (*service.RegisterResult, error)
	Login(ctx context.Context, in service.LoginInput) (*service.TokenPair, error)
	Refresh(ctx context.Context, in service.RefreshInput) (*service.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
	LogoutAll(ctx context.Context, userID uuid.UUID, meta service.RequestMeta) (int64, error)
	RequestPasswordResetOTP(ctx context.Context, in service.OTPRequestInput) (*service.OTPRequestResult, error)
	ResetPasswordWithOTP(ctx context.Context, in service.ResetInput) error
	VerifyAccessToken(token string) (auth.Principal, error)
	VerifyEmail(ctx context.Context, token string, meta service.RequestMeta) error
	Profile(ctx context.Context, userID uuid.UUID) (*storage.User, error)
	UnlockAccount(ctx context.Context, actorID, userID uuid.UUID, meta service.RequestMeta) (*storage.User, error)
	UpdateUser(ctx context.Context, actorID, userID uuid.UUID, in service.UpdateUserInput, meta service.RequestMeta) (*storage.User, error)
}

type AuthHandler struct {
	Service AuthService
	Logger  *slog.Logger
}

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	FullName    string `json:"full_name"`
	PhoneNumber string `json:"phone_number"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type otpRequest struct {
	Email  string `json:"email"`
	Method string `json:"method"`
}

type resetRequest struct {
	Email       string `json:"email"`
	OTPCode     string `json:"otp_code"`
	NewPassword string `json:"new_password"`
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

type updateUserRequest struct {
	Role     *string `json:"role"`
	IsActive *bool   `json:"is_active"`
}

type authResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type userResponse struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	FullName    string     `json:"full_name"`
	PhoneNumber *string    `json:"phone_number,omitempty"`
	Role        string     `json:"role"`
	IsVerified  bool       `json:"is_verified"`
	IsActive    bool       `json:"is_active"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Code    string                  `json:"code"`
	Message string                  `json:"message"`
	Fields  []validation.FieldError `json:"fields,omitempty"`
}

const otpRequestedMessage = "if the account exists, a reset code has been sent"

func NewAuthHandler(svc AuthService, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{Service: svc, Logger: logger}
}

func (h *AuthHandler) RegisterRoutes(r *gin.Engine) {
	g := r.Group("/auth")
	g.POST("/register", h.Register)
	g.POST("/login", h.Login)
	g.POST("/refresh", h.Refresh)
	g.POST("/logout", h.Logout)
	g.POST("/send-reset-otp", h.SendResetOTP)
	g.POST("/reset-password-otp", h.ResetPassword)
	g.POST("/verify-email", h.VerifyEmail)

	authed := r.Group("/auth", h.Authenticate())
	authed.GET("/me", h.Me)
	authed.POST("/logout-all", h.LogoutAll)

	admin := r.Group("/admin", h.Authenticate(), auth.RequireRole(auth.RoleAdmin))
	admin.POST("/users/:id/unlock", h.UnlockUser)
	admin.PATCH("/users/:id", h.UpdateUser)
}

// Authenticate resolves the bearer token into a principal.
func (h *AuthHandler) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "missing token"})
			return
		}
		principal, err := h.Service.VerifyAccessToken(token)
		if err != nil {
			if errors.Is(err, service.ErrExpired) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Code: "TOKEN_EXPIRED", Message: "token expired"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "invalid token"})
			return
		}
		auth.SetPrincipal(c, principal)
		c.Next()
	}
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.Service.Register(c.Request.Context(), service.RegisterInput{
		Email:       req.Email,
		Password:    req.Password,
		FullName:    req.FullName,
		PhoneNumber: req.PhoneNumber,
		RequestMeta: requestMeta(c),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toUserResponse(res.User))
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !h.bind(c, &req) {
		return
	}
	pair, err := h.Service.Login(c.Request.Context(), service.LoginInput{
		Email:       req.Email,
		Password:    req.Password,
		RequestMeta: requestMeta(c),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAuthResponse(pair))
}

func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if !h.bind(c, &req) {
		return
	}
	pair, err := h.Service.Refresh(c.Request.Context(), service.RefreshInput{
		RefreshToken: req.RefreshToken,
		RequestMeta:  requestMeta(c),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAuthResponse(pair))
}

func (h *AuthHandler) Logout(c *gin.Context) {
	var req refreshRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.Service.Logout(c.Request.Context(), req.RefreshToken); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, messageResponse{Message: "logged out"})
}

func (h *AuthHandler) LogoutAll(c *gin.Context) {
	userID, ok := principalID(c)
	if !ok {
		return
	}
	n, err := h.Service.LogoutAll(c.Request.Context(), userID, requestMeta(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": n})
}

// SendResetOTP answers the same way whether or not the account exists.
func (h *AuthHandler) SendResetOTP(c *gin.Context) {
	var req otpRequest
	if !h.bind(c, &req) {
		return
	}
	if _, err := h.Service.RequestPasswordResetOTP(c.Request.Context(), service.OTPRequestInput{
		Email:       req.Email,
		Channel:     req.Method,
		RequestMeta: requestMeta(c),
	}); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, messageResponse{Message: otpRequestedMessage})
}

func (h *AuthHandler) ResetPassword(c *gin.Context) {
	var req resetRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.Service.ResetPasswordWithOTP(c.Request.Context(), service.ResetInput{
		Email:       req.Email,
		Code:        req.OTPCode,
		NewPassword: req.NewPassword,
		RequestMeta: requestMeta(c),
	}); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, messageResponse{Message: "password updated"})
}

func (h *AuthHandler) VerifyEmail(c *gin.Context) {
	var req verifyEmailRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.Service.VerifyEmail(c.Request.Context(), req.Token, requestMeta(c)); err != nil {
		if errors.Is(err, service.ErrInvalidToken) {
			c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_TOKEN", Message: "invalid or expired verification token"})
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, messageResponse{Message: "email verified"})
}

func (h *AuthHandler) Me(c *gin.Context) {
	userID, ok := principalID(c)
	if !ok {
		return
	}
	user, err := h.Service.Profile(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "user no longer exists"})
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toUserResponse(user))
}

func (h *AuthHandler) UnlockUser(c *gin.Context) {
	actorID, ok := principalID(c)
	if !ok {
		return
	}
	targetID, ok := pathID(c)
	if !ok {
		return
	}
	user, err := h.Service.UnlockAccount(c.Request.Context(), actorID, targetID, requestMeta(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toUserResponse(user))
}

func (h *AuthHandler) UpdateUser(c *gin.Context) {
	actorID, ok := principalID(c)
	if !ok {
		return
	}
	targetID, ok := pathID(c)
	if !ok {
		return
	}
	var req updateUserRequest
	if !h.bind(c, &req) {
		return
	}
	user, err := h.Service.UpdateUser(c.Request.Context(), actorID, targetID, service.UpdateUserInput{
		Role:     req.Role,
		IsActive: req.IsActive,
	}, requestMeta(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toUserResponse(user))
}

func (h *AuthHandler) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return false
	}
	return true
}

func (h *AuthHandler) writeError(c *gin.Context, err error) {
	if retry, ok := service.RetryAfter(err); ok {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
	}

	switch {
	case errors.Is(err, service.ErrValidation):
		resp := errorResponse{Code: "VALIDATION_ERROR", Message: "validation failed"}
		var fields validation.ValidationErrors
		if errors.As(err, &fields) {
			resp.Fields = fields
		}
		c.JSON(http.StatusUnprocessableEntity, resp)
	case errors.Is(err, service.ErrConflict):
		c.JSON(http.StatusConflict, errorResponse{Code: "CONFLICT", Message: "email already registered"})
	case errors.Is(err, service.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "INVALID_CREDENTIALS", Message: "invalid credentials"})
	case errors.Is(err, service.ErrExpired):
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "TOKEN_EXPIRED", Message: "token expired"})
	case errors.Is(err, service.ErrInvalidToken):
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "INVALID_TOKEN", Message: "invalid token"})
	case errors.Is(err, service.ErrInvalidOTP):
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_OTP", Message: "invalid or expired otp"})
	case errors.Is(err, service.ErrLockedAccount):
		c.JSON(http.StatusLocked, errorResponse{Code: "ACCOUNT_LOCKED", Message: "account temporarily locked"})
	case errors.Is(err, service.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, errorResponse{Code: "RATE_LIMITED", Message: "too many requests"})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, errorResponse{Code: "FORBIDDEN", Message: "forbidden"})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "user not found"})
	default:
		h.Logger.Error("request failed",
			"path", c.FullPath(),
			"request_id", httpmiddleware.RequestIDFrom(c),
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
	}
}

func requestMeta(c *gin.Context) service.RequestMeta {
	return service.RequestMeta{
		IP:            c.ClientIP(),
		UserAgent:     c.Request.UserAgent(),
		CorrelationID: httpmiddleware.RequestIDFrom(c),
	}
}

func principalID(c *gin.Context) (uuid.UUID, bool) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "missing token"})
		return uuid.Nil, false
	}
	id, err := uuid.Parse(p.UserID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "invalid token"})
		return uuid.Nil, false
	}
	return id, true
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "user not found"})
		return uuid.Nil, false
	}
	return id, true
}

func toAuthResponse(p *service.TokenPair) authResponse {
	return authResponse{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    p.TokenType,
		ExpiresIn:    p.ExpiresIn,
	}
}

func toUserResponse(u *storage.User) userResponse {
	return userResponse{
		ID:          u.ID.String(),
		Email:       u.Email,
		FullName:    u.FullName,
		PhoneNumber: u.PhoneNumber,
		Role:        u.Role,
		IsVerified:  u.IsVerified,
		IsActive:    u.IsActive,
		LockedUntil: u.LockedUntil,
		LastLoginAt: u.LastLoginAt,
		CreatedAt:   u.CreatedAt,
	}
}
