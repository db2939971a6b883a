package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/smdydx/UserAuthSystem/services/auth/internal/validation"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrConflict           = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidOTP         = errors.New("invalid or expired otp")
	ErrLockedAccount      = errors.New("account locked")
	ErrRateLimited        = errors.New("too many requests")
	ErrExpired            = errors.New("token expired")
	ErrMalformed          = errors.New("token malformed")
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
)

// RetryError carries how long the caller should wait before the blocked
// operation can succeed.
type RetryError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *RetryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func retryable(err error, after time.Duration) error {
	if after < 0 {
		after = 0
	}
	return &RetryError{Err: err, RetryAfter: after}
}

// RetryAfter extracts the wait from err, if it has one.
func RetryAfter(err error) (time.Duration, bool) {
	var re *RetryError
	if errors.As(err, &re) {
		return re.RetryAfter, true
	}
	return 0, false
}

func validationError(errs validation.ValidationErrors) error {
	return fmt.Errorf("%w: %w", ErrValidation, errs)
}

func fieldError(fe *validation.FieldError) error {
	return validationError(validation.ValidationErrors{*fe})
}
