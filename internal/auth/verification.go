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

const defaultConfirmationTTL = 24 * time.Hour

var confirmationEmail = template.Must(template.New("confirmation").Parse(`<p>안녕하세요,</p>
<p>아워 저니(Our Journey)에 가입해 주셔서 감사합니다.</p>
<p>아래 링크를 눌러 이메일 주소({{.Email}})를 인증해 주세요:</p>
<p><a href="{{.URL}}">이메일 인증하기</a></p>
<p>본인이 가입하지 않으셨다면 이 이메일을 무시해주세요.</p>
`))

type VerifierConfig struct {
	Secret        string
	TTL           time.Duration
	PublicBaseURL string
	SubjectPrefix string
}

// EmailVerifier issues and consumes stateless confirmation keys.
type EmailVerifier struct {
	users  UserStore
	mailer EmailSender
	provisioner
	secret        []byte
	ttl           time.Duration
	publicBaseURL string
	subjectPrefix string
	now           func() time.Time
}

func NewEmailVerifier(users UserStore, mailer EmailSender, profiles ProfileNotifier, telemetry Telemetry, cfg VerifierConfig) *EmailVerifier {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultConfirmationTTL
	}
	return &EmailVerifier{
		users:         users,
		mailer:        mailer,
		provisioner:   provisioner{profiles: profiles, telemetry: telemetry},
		secret:        []byte(cfg.Secret),
		ttl:           cfg.TTL,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		subjectPrefix: cfg.SubjectPrefix,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// ConfirmationURL is the link mailed to the owner of address.
func (v *EmailVerifier) ConfirmationURL(address EmailAddress) string {
	key := SignConfirmationKey(v.secret, address.ID, v.now())
	return v.publicBaseURL + "/account-confirm-email/" + key + "/"
}

func (v *EmailVerifier) IssueLink(ctx context.Context, address EmailAddress) error {
	var body bytes.Buffer
	if err := confirmationEmail.Execute(&body, map[string]string{
		"Email": address.Email,
		"URL":   v.ConfirmationURL(address),
	}); err != nil {
		return fmt.Errorf("render confirmation email: %w", err)
	}

	subject := v.subjectPrefix + "이메일 주소를 인증해 주세요"
	if err := v.mailer.Send(ctx, address.Email, subject, body.String()); err != nil {
		return fmt.Errorf("send confirmation email: %w", err)
	}
	return nil
}

// Confirm validates key and marks the address verified. Confirming an
// already verified address succeeds without notifying the profile service again.
func (v *EmailVerifier) Confirm(ctx context.Context, key string) error {
	addressID, err := VerifyConfirmationKey(v.secret, key, v.ttl, v.now())
	if err != nil {
		return err
	}

	address, err := v.users.GetEmailAddressByID(ctx, addressID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidConfirmation
		}
		return fmt.Errorf("load email address: %w", err)
	}
	if address.Verified {
		return nil
	}

	flipped, err := v.users.MarkEmailVerified(ctx, address.ID)
	if err != nil {
		return err
	}
	if flipped {
		v.notify(ctx, address.UserID)
	}

	return nil
}

// Resend mails a fresh link when email belongs to an unverified address.
// Unknown or already verified addresses are silently ignored.
func (v *EmailVerifier) Resend(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return ErrEmailRequired
	}

	user, err := v.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	address, err := v.users.GetEmailAddress(ctx, user.ID, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if address.Verified {
		return nil
	}

	return v.IssueLink(ctx, address)
}
