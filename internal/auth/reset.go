package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"time"
)

const (
	defaultResetTTL = 72 * time.Hour

	resetSubject = "Our Journey에서 비밀번호 재설정"

	msgFieldRequired   = "%s 값이 필요합니다."
	msgPasswordsDiffer = "두 비밀번호가 일치하지 않습니다."
)

var resetEmail = template.Must(template.New("reset").Parse(`<p>안녕하세요,</p>
<p>다음 링크를 통해 비밀번호를 재설정할 수 있습니다:</p>
<p><a href="{{.}}">비밀번호 재설정 링크</a></p>
<p>새 비밀번호를 요청하지 않으셨다면 이 이메일을 무시해주세요.</p>
`))

type ResetConfig struct {
	Secret          string
	TTL             time.Duration
	FrontendBaseURL string
	Policy          PasswordPolicy
}

type PasswordResetter struct {
	users           UserStore
	mailer          EmailSender
	secret          []byte
	ttl             time.Duration
	frontendBaseURL string
	policy          PasswordPolicy
	now             func() time.Time
}

func NewPasswordResetter(users UserStore, mailer EmailSender, cfg ResetConfig) *PasswordResetter {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultResetTTL
	}
	if cfg.Policy.MinLength <= 0 {
		cfg.Policy = DefaultPasswordPolicy()
	}
	return &PasswordResetter{
		users:           users,
		mailer:          mailer,
		secret:          []byte(cfg.Secret),
		ttl:             cfg.TTL,
		frontendBaseURL: strings.TrimRight(cfg.FrontendBaseURL, "/"),
		policy:          cfg.Policy,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// ResetURL is the front-end page that collects the new password.
func (p *PasswordResetter) ResetURL(user User) string {
	return fmt.Sprintf("%s/reset-password/%s/%s",
		p.frontendBaseURL, EncodeUID(user.ID), MakePasswordResetToken(p.secret, user, p.now()))
}

// RequestReset mails a reset link. Unknown addresses are reported as ErrUserNotFound.
func (p *PasswordResetter) RequestReset(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return ErrEmailRequired
	}

	user, err := p.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}

	var body bytes.Buffer
	if err := resetEmail.Execute(&body, p.ResetURL(user)); err != nil {
		return fmt.Errorf("render reset email: %w", err)
	}
	if err := p.mailer.Send(ctx, user.Email, resetSubject, body.String()); err != nil {
		return fmt.Errorf("send reset email: %w", err)
	}

	return nil
}

// ConfirmReset sets a new password when token still matches the user's
// password state. A token works at most once: the new hash changes the state.
func (p *PasswordResetter) ConfirmReset(ctx context.Context, uid, token, password1, password2 string) error {
	userID, err := DecodeUID(uid)
	if err != nil {
		return err
	}

	user, err := p.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidUID
		}
		return err
	}

	if !CheckPasswordResetToken(p.secret, user, token, p.ttl, p.now()) {
		return ErrInvalidResetToken
	}

	if err := p.validateNewPassword(user, password1, password2); err != nil {
		return err
	}

	return p.swap(ctx, user, password1, ErrInvalidResetToken)
}

// ChangePassword replaces the password of an authenticated user.
func (p *PasswordResetter) ChangePassword(ctx context.Context, userID int64, password1, password2 string) error {
	user, err := p.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidToken
		}
		return err
	}

	if err := p.validateNewPassword(user, password1, password2); err != nil {
		return err
	}

	return p.swap(ctx, user, password1, ErrInvalidToken)
}

func (p *PasswordResetter) validateNewPassword(user User, password1, password2 string) error {
	var problems []string
	if password1 == "" {
		problems = append(problems, fmt.Sprintf(msgFieldRequired, "new_password1"))
	}
	if password2 == "" {
		problems = append(problems, fmt.Sprintf(msgFieldRequired, "new_password2"))
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}

	if password1 != password2 {
		problems = append(problems, msgPasswordsDiffer)
	}
	problems = append(problems, p.policy.Validate(password1, user.Email)...)
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}

	return nil
}

// swap writes the new hash only if nobody changed the password since user was loaded.
func (p *PasswordResetter) swap(ctx context.Context, user User, plain string, lost error) error {
	hash, err := hashPassword(plain)
	if err != nil {
		return err
	}

	swapped, err := p.users.SwapPasswordHash(ctx, user.ID, user.PasswordHash, hash)
	if err != nil {
		return err
	}
	if !swapped {
		return lost
	}

	return nil
}
