package notification

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/jordan-wright/email"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type SMTPSender struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, e *email.Email) error
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.From == "" {
		cfg.From = DefaultFrom
	}
	return &SMTPSender{
		cfg: cfg,
		send: func(addr string, a smtp.Auth, e *email.Email) error {
			return e.Send(addr, a)
		},
	}
}

func (s *SMTPSender) build(msg Message) *email.Email {
	e := email.NewEmail()
	e.From = s.cfg.From
	e.To = msg.To
	e.Subject = msg.Subject
	e.HTML = []byte(msg.HTML)
	return e
}

// Send transmits the message. The SMTP client has no context support, so
// the call returns when ctx ends even if the transfer is still running.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	e := s.build(msg)

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	done := make(chan error, 1)
	go func() { done <- s.send(addr, auth, e) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to send email: %w", ctx.Err())
	}
}
