package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// SocialLogin maps a verified external identity onto a local account.
type SocialLogin struct {
	users    UserStore
	verifier ExternalTokenVerifier
	tokens   *TokenIssuer
	provisioner
}

func NewSocialLogin(users UserStore, verifier ExternalTokenVerifier, tokens *TokenIssuer, profiles ProfileNotifier, telemetry Telemetry) *SocialLogin {
	return &SocialLogin{
		users:       users,
		verifier:    verifier,
		tokens:      tokens,
		provisioner: provisioner{profiles: profiles, telemetry: telemetry},
	}
}

func (s *SocialLogin) Login(ctx context.Context, idToken string) (TokenPair, error) {
	idToken = strings.TrimSpace(idToken)
	if idToken == "" {
		return TokenPair{}, ErrExternalTokenMissing
	}

	claims, err := s.verifier.Verify(ctx, idToken)
	if err != nil {
		return TokenPair{}, err
	}
	if !claims.EmailVerified {
		return TokenPair{}, ErrExternalEmailUnverified
	}

	user, err := s.ResolveOrCreateUser(ctx, claims)
	if err != nil {
		return TokenPair{}, err
	}

	return s.tokens.Issue(ctx, user)
}

// ResolveOrCreateUser returns the local user for claims.Email, creating it
// with an unusable password when absent. The address always ends up verified.
func (s *SocialLogin) ResolveOrCreateUser(ctx context.Context, claims ExternalClaims) (User, error) {
	email := strings.ToLower(strings.TrimSpace(claims.Email))
	if email == "" {
		return User{}, ErrInvalidExternalToken
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		return user, s.ensureVerified(ctx, user, email)
	case !errors.Is(err, ErrNotFound):
		return User{}, err
	}

	user, _, err = s.users.CreateUser(ctx, NewUser{
		Email:     email,
		FirstName: claims.GivenName,
		LastName:  claims.FamilyName,
		Verified:  true,
	})
	if errors.Is(err, ErrEmailTaken) {
		// Lost a race with a concurrent sign-in for the same address.
		user, err = s.users.GetUserByEmail(ctx, email)
		if err != nil {
			return User{}, fmt.Errorf("reload user after conflict: %w", err)
		}
		return user, s.ensureVerified(ctx, user, email)
	}
	if err != nil {
		return User{}, err
	}

	s.notify(ctx, user.ID)
	return user, nil
}

func (s *SocialLogin) ensureVerified(ctx context.Context, user User, email string) error {
	address, err := s.users.GetEmailAddress(ctx, user.ID, email)
	if errors.Is(err, ErrNotFound) {
		if _, err := s.users.CreateEmailAddress(ctx, user.ID, email, true); err != nil {
			return err
		}
		s.notify(ctx, user.ID)
		return nil
	}
	if err != nil {
		return err
	}
	if address.Verified {
		return nil
	}

	flipped, err := s.users.MarkEmailVerified(ctx, address.ID)
	if err != nil {
		return err
	}
	if flipped {
		s.notify(ctx, user.ID)
	}
	return nil
}
