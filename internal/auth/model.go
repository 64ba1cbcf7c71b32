package auth

import "time"

type User struct {
	ID           int64
	Email        string
	PasswordHash *string
	FirstName    string
	LastName     string
	IsStaff      bool
	IsSuperuser  bool
	LastLogin    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasUsablePassword reports false for accounts created through social login.
func (u User) HasUsablePassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}

type EmailAddress struct {
	ID       int64
	UserID   int64
	Email    string
	Verified bool
	Primary  bool
}

type UserSummary struct {
	PK    int64  `json:"pk"`
	Email string `json:"email"`
}

type TokenPair struct {
	Access  string      `json:"access"`
	Refresh string      `json:"refresh"`
	User    UserSummary `json:"user"`
}

type RefreshTokenRecord struct {
	JTI       string
	UserID    int64
	ExpiresAt time.Time
	RevokedAt *time.Time
}

type LoginAttempt struct {
	Email          string
	FailedAttempts int
	LockedUntil    *time.Time
}

type Certificate struct {
	UserID         int64  `json:"user_id"`
	Email          string `json:"email"`
	Authentication bool   `json:"authentication"`
	Authorization  string `json:"authorization"`
}

// NewUser describes an account about to be inserted together with its primary address.
type NewUser struct {
	Email        string
	PasswordHash *string
	FirstName    string
	LastName     string
	IsStaff      bool
	IsSuperuser  bool
	Verified     bool
}

// ExternalClaims is the subset of an identity provider's token info the service relies on.
type ExternalClaims struct {
	Subject       string
	Email         string
	EmailVerified bool
	GivenName     string
	FamilyName    string
	Audience      string
}
