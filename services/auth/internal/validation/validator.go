package validation

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"unicode"

	"github.com/smdydx/UserAuthSystem/libs/auth"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	return "invalid request"
}

type PasswordPolicy struct {
	MinLength      int
	RequireUpper   bool
	RequireLower   bool
	RequireDigit   bool
	RequireSpecial bool
}

const (
	maxEmailLength    = 254
	maxPasswordLength = 128
	maxNameLength     = 120
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func ValidateEmail(email string) *FieldError {
	email = strings.TrimSpace(email)
	if email == "" {
		return &FieldError{Field: "email", Message: "email is required"}
	}
	if len(email) > maxEmailLength {
		return &FieldError{Field: "email", Message: "email is too long"}
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return &FieldError{Field: "email", Message: "email is invalid"}
	}
	return nil
}

// ValidatePassword returns one field error per unmet rule so clients can
// show them all at once.
func ValidatePassword(field, password string, policy PasswordPolicy) ValidationErrors {
	var errs ValidationErrors
	if password == "" {
		return append(errs, FieldError{Field: field, Message: "password is required"})
	}
	if len([]rune(password)) < policy.MinLength {
		errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf("password must be at least %d characters", policy.MinLength)})
	}
	if len(password) > maxPasswordLength {
		errs = append(errs, FieldError{Field: field, Message: "password is too long"})
	}

	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}
	if policy.RequireUpper && !upper {
		errs = append(errs, FieldError{Field: field, Message: "password must contain an uppercase letter"})
	}
	if policy.RequireLower && !lower {
		errs = append(errs, FieldError{Field: field, Message: "password must contain a lowercase letter"})
	}
	if policy.RequireDigit && !digit {
		errs = append(errs, FieldError{Field: field, Message: "password must contain a digit"})
	}
	if policy.RequireSpecial && !special {
		errs = append(errs, FieldError{Field: field, Message: "password must contain a special character"})
	}
	return errs
}

func ValidateRegistration(email, password, fullName, phone string, policy PasswordPolicy) ValidationErrors {
	var errs ValidationErrors
	if fe := ValidateEmail(email); fe != nil {
		errs = append(errs, *fe)
	}
	errs = append(errs, ValidatePassword("password", password, policy)...)

	name := strings.TrimSpace(fullName)
	if name == "" {
		errs = append(errs, FieldError{Field: "full_name", Message: "full_name is required"})
	} else if len([]rune(name)) > maxNameLength {
		errs = append(errs, FieldError{Field: "full_name", Message: "full_name is too long"})
	}

	if phone = strings.TrimSpace(phone); phone != "" && !phonePattern.MatchString(phone) {
		errs = append(errs, FieldError{Field: "phone_number", Message: "phone_number must be 7 to 15 digits"})
	}
	return errs
}

const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// NormalizeChannel maps the request method to a delivery channel. Empty
// defaults to email.
func NormalizeChannel(channel string) (string, *FieldError) {
	switch strings.ToLower(strings.TrimSpace(channel)) {
	case "", ChannelEmail:
		return ChannelEmail, nil
	case ChannelSMS:
		return ChannelSMS, nil
	}
	return "", &FieldError{Field: "method", Message: "method must be email or sms"}
}

func ValidateOTPCode(code string, length int) *FieldError {
	code = strings.TrimSpace(code)
	if code == "" {
		return &FieldError{Field: "otp_code", Message: "otp_code is required"}
	}
	if len(code) != length {
		return &FieldError{Field: "otp_code", Message: fmt.Sprintf("otp_code must be %d digits", length)}
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return &FieldError{Field: "otp_code", Message: fmt.Sprintf("otp_code must be %d digits", length)}
		}
	}
	return nil
}

func ValidateRole(role string) *FieldError {
	if !auth.ValidRole(role) {
		return &FieldError{Field: "role", Message: "role must be customer, vendor, or admin"}
	}
	return nil
}
