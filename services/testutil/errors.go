package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	ErrorCodeInvalidRequest     = "INVALID_REQUEST"
	ErrorCodeValidation         = "VALIDATION_ERROR"
	ErrorCodeConflict           = "CONFLICT"
	ErrorCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrorCodeInvalidToken       = "INVALID_TOKEN"
	ErrorCodeInvalidOTP         = "INVALID_OTP"
	ErrorCodeAccountLocked      = "ACCOUNT_LOCKED"
	ErrorCodeRateLimited        = "RATE_LIMITED"
	ErrorCodeTokenExpired       = "TOKEN_EXPIRED"
	ErrorCodeUnauthorized       = "UNAUTHORIZED"
	ErrorCodeForbidden          = "FORBIDDEN"
	ErrorCodeNotFound           = "NOT_FOUND"
	ErrorCodeInternalError      = "INTERNAL_ERROR"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`
}

func DecodeError(t *testing.T, resp *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var errResp ErrorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return errResp
}

func AssertErrorCode(t *testing.T, resp *httptest.ResponseRecorder, expectedCode string) {
	t.Helper()
	if resp.Code != StatusForErrorCode(expectedCode) {
		t.Fatalf("expected status %d, got %d: %s", StatusForErrorCode(expectedCode), resp.Code, resp.Body.String())
	}

	if got := DecodeError(t, resp).Code; got != expectedCode {
		t.Fatalf("expected error code %q, got %q", expectedCode, got)
	}
}

func AssertErrorMessage(t *testing.T, resp *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	if got := DecodeError(t, resp).Message; got != expectedMessage {
		t.Fatalf("expected error message %q, got %q", expectedMessage, got)
	}
}

func AssertHTTPStatus(t *testing.T, resp *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()
	if resp.Code != expectedStatus {
		t.Fatalf("expected status %d, got %d: %s", expectedStatus, resp.Code, resp.Body.String())
	}
}

func StatusForErrorCode(code string) int {
	switch code {
	case ErrorCodeInvalidRequest, ErrorCodeInvalidOTP:
		return http.StatusBadRequest
	case ErrorCodeValidation:
		return http.StatusUnprocessableEntity
	case ErrorCodeConflict:
		return http.StatusConflict
	case ErrorCodeInvalidCredentials, ErrorCodeInvalidToken, ErrorCodeTokenExpired, ErrorCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrorCodeAccountLocked:
		return http.StatusLocked
	case ErrorCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrorCodeForbidden:
		return http.StatusForbidden
	case ErrorCodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
