// Package mailer sends transactional email (password reset codes) through an
// SMTP relay. The Mailer interface keeps the auth layer independent of the
// transport; tests use the no-op implementation.
package mailer

import (
	"context"
	"fmt"

	gomail "github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

// Message is one outbound email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Config holds SMTP relay settings. APIKey doubles as the password for
// API-key based relays (SENDGRID_KEY with the "apikey" username convention).
type Config struct {
	Host     string
	Port     int
	Username string
	APIKey   string
	From     string
}

// SMTPMailer sends mail through go-mail over SMTP with TLS.
type SMTPMailer struct {
	cfg    Config
	client *gomail.Client
	logger *zap.Logger
}

// NewSMTP creates an SMTPMailer. The connection is established lazily per send.
func NewSMTP(cfg Config, logger *zap.Logger) (*SMTPMailer, error) {
	opts := []gomail.Option{
		gomail.WithPort(cfg.Port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(cfg.Username),
		gomail.WithPassword(cfg.APIKey),
		gomail.WithTLSPolicy(gomail.TLSMandatory),
	}
	client, err := gomail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("mailer: creating smtp client: %w", err)
	}
	return &SMTPMailer{cfg: cfg, client: client, logger: logger.Named("mailer")}, nil
}

// Send delivers one message.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	mail := gomail.NewMsg()
	if err := mail.From(m.cfg.From); err != nil {
		return fmt.Errorf("mailer: invalid from address: %w", err)
	}
	if err := mail.To(msg.To); err != nil {
		return fmt.Errorf("mailer: invalid to address: %w", err)
	}
	mail.Subject(msg.Subject)
	mail.SetBodyString(gomail.TypeTextPlain, msg.Body)

	if err := m.client.DialAndSendWithContext(ctx, mail); err != nil {
		return fmt.Errorf("mailer: sending mail: %w", err)
	}
	m.logger.Info("mail sent", zap.String("to", msg.To), zap.String("subject", msg.Subject))
	return nil
}

// Noop discards all messages. Used in tests and when no relay is configured.
type Noop struct{}

// Send implements Mailer.
func (Noop) Send(context.Context, Message) error { return nil }
