package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	defaultMaxAttempts = 5
	defaultLockWindow  = 15 * time.Minute

	authorizationAdmin   = "admin"
	authorizationGeneral = "general"
)

type Service struct {
	users        UserStore
	attempts     LoginAttemptStore
	tokens       *TokenIssuer
	verifier     *EmailVerifier
	domains      DomainValidator
	telemetry    Telemetry
	validate     *validator.Validate
	policy       PasswordPolicy
	maxAttempts  int
	lockDuration time.Duration
	now          func() time.Time
}

func NewService(users UserStore, attempts LoginAttemptStore, tokens *TokenIssuer, verifier *EmailVerifier, domains DomainValidator, telemetry Telemetry) *Service {
	return &Service{
		users:        users,
		attempts:     attempts,
		tokens:       tokens,
		verifier:     verifier,
		domains:      domains,
		telemetry:    telemetry,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		policy:       DefaultPasswordPolicy(),
		maxAttempts:  defaultMaxAttempts,
		lockDuration: defaultLockWindow,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithSecurityConfig(maxAttempts int, lockDuration time.Duration) {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if lockDuration > 0 {
		s.lockDuration = lockDuration
	}
}

type RegisterInput struct {
	Email     string `validate:"required,email,max=254"`
	Password1 string `validate:"required"`
	Password2 string `validate:"required"`
}

// Register creates an unverified account and mails its confirmation link.
// Validation failures are reported in a fixed order: email problems first,
// then password strength, then confirmation mismatch.
func (s *Service) Register(ctx context.Context, input RegisterInput) (User, error) {
	input.Email = strings.ToLower(strings.TrimSpace(input.Email))

	ok, err := s.hasMailDomain(ctx, input.Email)
	if err != nil {
		return User{}, err
	}
	if !ok {
		return User{}, ErrInvalidDomain
	}

	if err := s.validateRegistration(ctx, input); err != nil {
		s.capture(err)
		return User{}, err
	}

	hash, err := hashPassword(input.Password1)
	if err != nil {
		return User{}, err
	}

	user, address, err := s.users.CreateUser(ctx, NewUser{Email: input.Email, PasswordHash: &hash})
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			s.capture(err)
		}
		return User{}, err
	}

	if err := s.verifier.IssueLink(ctx, address); err != nil {
		// The account exists; the user can ask for another link.
		s.capture(fmt.Errorf("issue confirmation link for user %d: %w", user.ID, err))
	}

	return user, nil
}

func (s *Service) hasMailDomain(ctx context.Context, email string) (bool, error) {
	_, domain, found := strings.Cut(email, "@")
	if !found || domain == "" || strings.Contains(domain, "@") {
		return false, nil
	}

	ok, err := s.domains.HasMX(ctx, domain)
	if err != nil {
		return false, fmt.Errorf("lookup mx for %s: %w", domain, err)
	}
	return ok, nil
}

func (s *Service) validateRegistration(ctx context.Context, input RegisterInput) error {
	fields := map[string]bool{}
	if err := s.validate.StructCtx(ctx, input); err != nil {
		var validationErrs validator.ValidationErrors
		if !errors.As(err, &validationErrs) {
			return fmt.Errorf("validate registration: %w", err)
		}
		for _, fieldErr := range validationErrs {
			fields[fieldErr.Field()] = true
		}
	}

	if !fields["Email"] {
		_, err := s.users.GetUserByEmail(ctx, input.Email)
		switch {
		case err == nil:
			fields["Email"] = true
		case !errors.Is(err, ErrNotFound):
			return err
		}
	}
	if !fields["Password1"] && len(s.policy.Validate(input.Password1, input.Email)) > 0 {
		fields["Password1"] = true
	}
	if !fields["Password1"] && !fields["Password2"] && input.Password1 != input.Password2 {
		fields["Password2"] = true
	}

	switch {
	case fields["Email"]:
		return ErrEmailTaken
	case fields["Password1"]:
		return ErrWeakPassword
	case fields["Password2"]:
		return ErrPasswordMismatch
	}
	return nil
}

// Login authenticates by email and password. Accounts whose address is not
// verified are refused before the lockout and password checks, unless they
// are super-users.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return TokenPair{}, ErrCredentialsNeeded
	}

	now := s.now()
	user, err := s.users.GetUserByEmail(ctx, email)
	found := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return TokenPair{}, err
	}

	if found && !user.IsSuperuser {
		verified, err := s.isVerified(ctx, user, email)
		if err != nil {
			return TokenPair{}, err
		}
		if !verified {
			if s.telemetry != nil {
				s.telemetry.CaptureMessage("Unauthorized access attempt with unverified email: " + email)
			}
			return TokenPair{}, ErrEmailNotVerified
		}
	}

	attempt, err := s.attempts.GetLoginAttempt(ctx, email)
	if err != nil {
		return TokenPair{}, err
	}
	if attempt.LockedUntil != nil && now.Before(*attempt.LockedUntil) {
		return TokenPair{}, ErrLoginLocked{Until: *attempt.LockedUntil}
	}

	if !found || !checkPassword(user, password) {
		return TokenPair{}, s.failAttempt(ctx, email, now)
	}

	if err := s.attempts.ResetLoginAttempt(ctx, email); err != nil {
		return TokenPair{}, err
	}
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		return TokenPair{}, err
	}

	return s.tokens.Issue(ctx, user)
}

func (s *Service) isVerified(ctx context.Context, user User, email string) (bool, error) {
	address, err := s.users.GetEmailAddress(ctx, user.ID, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return address.Verified, nil
}

func (s *Service) failAttempt(ctx context.Context, email string, now time.Time) error {
	lockedUntil, err := s.attempts.RegisterFailedAttempt(ctx, email, s.maxAttempts, s.lockDuration, now)
	if err != nil {
		return err
	}
	if lockedUntil != nil {
		return ErrLoginLocked{Until: *lockedUntil}
	}
	return ErrInvalidCredentials
}

// Certificate describes the holder of a valid access token for other services.
func (s *Service) Certificate(ctx context.Context, rawAccess string) (Certificate, error) {
	claims, err := s.tokens.ParseAccess(rawAccess)
	if err != nil {
		return Certificate{}, err
	}

	user, err := s.UserDetails(ctx, claims.UserID)
	if err != nil {
		return Certificate{}, err
	}

	authorization := authorizationGeneral
	if user.IsStaff {
		authorization = authorizationAdmin
	}

	return Certificate{
		UserID:         user.ID,
		Email:          user.Email,
		Authentication: true,
		Authorization:  authorization,
	}, nil
}

func (s *Service) UserDetails(ctx context.Context, userID int64) (User, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, ErrInvalidToken
		}
		return User{}, err
	}
	return user, nil
}

// BootstrapSuperuser creates or refreshes the admin account from configuration.
func (s *Service) BootstrapSuperuser(ctx context.Context, adminEmail, adminPassword string) error {
	adminEmail = strings.TrimSpace(strings.ToLower(adminEmail))
	adminPassword = strings.TrimSpace(adminPassword)

	if adminEmail == "" && adminPassword == "" {
		return nil
	}
	if adminEmail == "" || adminPassword == "" {
		return fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}

	hash, err := hashPassword(adminPassword)
	if err != nil {
		return err
	}

	return s.users.UpsertSuperuser(ctx, adminEmail, hash)
}

func (s *Service) capture(err error) {
	if s.telemetry != nil {
		s.telemetry.CaptureException(err)
	}
}
