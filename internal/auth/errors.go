package auth

import (
	"errors"
	"strings"
	"time"
)

type Category string

const (
	CategoryValidation     Category = "validation"
	CategoryAuthentication Category = "authentication"
	CategoryForbidden      Category = "forbidden"
	CategoryToken          Category = "token"
	CategoryNotFound       Category = "not_found"
	CategoryExternal       Category = "external"
	CategoryRateLimited    Category = "rate_limited"
	CategoryInternal       Category = "internal"
)

var (
	ErrInvalidDomain     = errors.New("email domain has no mx records")
	ErrEmailTaken        = errors.New("email already registered")
	ErrWeakPassword      = errors.New("password does not meet policy")
	ErrPasswordMismatch  = errors.New("password confirmation does not match")
	ErrEmailRequired     = errors.New("email is required")
	ErrCredentialsNeeded = errors.New("email and password are required")

	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailNotVerified   = errors.New("email not verified")

	ErrInvalidToken     = errors.New("token is invalid or expired")
	ErrTokenBlacklisted = errors.New("token is blacklisted")

	ErrUserNotFound        = errors.New("user not found")
	ErrInvalidUID          = errors.New("invalid uid")
	ErrInvalidResetToken   = errors.New("invalid or expired reset token")
	ErrInvalidConfirmation = errors.New("invalid or expired confirmation key")

	ErrExternalTokenMissing    = errors.New("external id token is required")
	ErrInvalidExternalToken    = errors.New("external id token is invalid")
	ErrExternalEmailUnverified = errors.New("external account email is not verified")
)

// ErrNotFound is returned by the store when a lookup matches no row.
var ErrNotFound = errors.New("not found")

type ErrLoginLocked struct {
	Until time.Time
}

func (e ErrLoginLocked) Error() string {
	return "login temporarily locked"
}

// ValidationError lists every problem found in a password form.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

func CategoryOf(err error) Category {
	var validationErr *ValidationError
	var lockedErr ErrLoginLocked

	switch {
	case err == nil:
		return ""
	case errors.As(err, &validationErr),
		errors.Is(err, ErrInvalidDomain),
		errors.Is(err, ErrEmailTaken),
		errors.Is(err, ErrWeakPassword),
		errors.Is(err, ErrPasswordMismatch),
		errors.Is(err, ErrEmailRequired),
		errors.Is(err, ErrCredentialsNeeded),
		errors.Is(err, ErrInvalidUID),
		errors.Is(err, ErrInvalidResetToken),
		errors.Is(err, ErrInvalidConfirmation),
		errors.Is(err, ErrExternalTokenMissing):
		return CategoryValidation
	case errors.Is(err, ErrInvalidCredentials):
		return CategoryAuthentication
	case errors.Is(err, ErrEmailNotVerified):
		return CategoryForbidden
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrTokenBlacklisted):
		return CategoryToken
	case errors.Is(err, ErrUserNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrInvalidExternalToken), errors.Is(err, ErrExternalEmailUnverified):
		return CategoryExternal
	case errors.As(err, &lockedErr):
		return CategoryRateLimited
	default:
		return CategoryInternal
	}
}
