package auth

import (
	"context"
	"time"
)

type UserStore interface {
	GetUserByID(ctx context.Context, id int64) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	CreateUser(ctx context.Context, input NewUser) (User, EmailAddress, error)
	UpsertSuperuser(ctx context.Context, email, passwordHash string) error
	UpdateLastLogin(ctx context.Context, userID int64, at time.Time) error
	SwapPasswordHash(ctx context.Context, userID int64, oldHash *string, newHash string) (bool, error)

	GetEmailAddress(ctx context.Context, userID int64, email string) (EmailAddress, error)
	GetEmailAddressByID(ctx context.Context, id int64) (EmailAddress, error)
	CreateEmailAddress(ctx context.Context, userID int64, email string, verified bool) (EmailAddress, error)
	MarkEmailVerified(ctx context.Context, addressID int64) (bool, error)
}

type RefreshTokenStore interface {
	CreateRefreshToken(ctx context.Context, record RefreshTokenRecord) error
	GetRefreshToken(ctx context.Context, jti string) (RefreshTokenRecord, error)
	RotateRefreshToken(ctx context.Context, oldJTI string, next RefreshTokenRecord) (int64, error)
	RevokeRefreshToken(ctx context.Context, record RefreshTokenRecord) error
}

type LoginAttemptStore interface {
	GetLoginAttempt(ctx context.Context, email string) (LoginAttempt, error)
	RegisterFailedAttempt(ctx context.Context, email string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error)
	ResetLoginAttempt(ctx context.Context, email string) error
}

type EmailSender interface {
	Send(ctx context.Context, to, subject, html string) error
}

type DomainValidator interface {
	HasMX(ctx context.Context, domain string) (bool, error)
}

type ExternalTokenVerifier interface {
	Verify(ctx context.Context, idToken string) (ExternalClaims, error)
}

type ProfileNotifier interface {
	NotifyCreated(ctx context.Context, userID int64) error
}

type Telemetry interface {
	CaptureException(err error)
	CaptureMessage(message string)
}
