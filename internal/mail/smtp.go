package mail

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/gomail.v2"

	"our-journey-auth/internal/observability"
)

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPSender delivers HTML mail through an authenticated SMTP relay.
type SMTPSender struct {
	cfg    Config
	dialer sender
	logger *observability.Logger
}

func NewSMTPSender(cfg Config, logger *observability.Logger) *SMTPSender {
	if cfg.From == "" {
		cfg.From = cfg.User
	}
	return &SMTPSender{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password),
		logger: logger,
	}
}

func (s *SMTPSender) configured() bool {
	return s.cfg.Host != "" && s.cfg.From != ""
}

func (s *SMTPSender) Send(ctx context.Context, to, subject, html string) error {
	if strings.TrimSpace(to) == "" {
		return fmt.Errorf("empty recipient")
	}
	if !s.configured() {
		s.logger.Warn("mail_skipped", map[string]any{"to": to, "subject": subject, "reason": "smtp not configured"})
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.dialer.DialAndSend(s.message(to, subject, html)); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	s.logger.Info("mail_sent", map[string]any{"to": to, "subject": subject})
	return nil
}

func (s *SMTPSender) message(to, subject, html string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", html)
	return m
}
