// Package mail is the boundary to the outbound email collaborator. The
// auth core only ever asks it to deliver a one-time code; message
// contents never reach logs or storage.
package mail

import (
	"context"
	"errors"
	"fmt"

	gomail "github.com/wneessen/go-mail"
)

var (
	ErrNotConfigured  = errors.New("email service not configured")
	ErrDeliveryFailed = errors.New("email delivery failed")
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (c Config) complete() bool {
	return c.Host != "" && c.From != ""
}

// SMTPSender delivers codes over SMTP. An incomplete config yields
// ErrNotConfigured on every send instead of failing at construction, so
// local development works without a mail server until 2FA is exercised.
type SMTPSender struct {
	cfg Config
}

func NewSMTPSender(cfg Config) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

func (s *SMTPSender) SendCode(ctx context.Context, email, code string) error {
	if !s.cfg.complete() {
		return ErrNotConfigured
	}

	msg := gomail.NewMsg()
	if err := msg.From(s.cfg.From); err != nil {
		return fmt.Errorf("set from address: %w", err)
	}
	if err := msg.To(email); err != nil {
		return fmt.Errorf("set to address: %w", err)
	}
	msg.Subject("Your admin verification code")
	msg.SetBodyString(gomail.TypeTextPlain, fmt.Sprintf(
		"Your verification code is %s. It expires in a few minutes. If you did not request it, ignore this message.", code))

	opts := []gomail.Option{gomail.WithPort(s.cfg.Port), gomail.WithTLSPortPolicy(gomail.TLSOpportunistic)}
	if s.cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.cfg.Username),
			gomail.WithPassword(s.cfg.Password),
		)
	}

	client, err := gomail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	return nil
}
