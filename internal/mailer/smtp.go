package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"
)

// SMTPConfig holds SMTP relay settings.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// IsConfigured reports whether enough settings exist to send mail.
func (c SMTPConfig) IsConfigured() bool {
	return c.Host != "" && c.Port != "" && c.From != ""
}

// SMTPSender sends plain-text mail through an SMTP relay.
type SMTPSender struct {
	config SMTPConfig
	server string
	auth   smtp.Auth
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(config SMTPConfig) *SMTPSender {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &SMTPSender{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

func (s *SMTPSender) Send(ctx context.Context, message Message) error {
	if !s.config.IsConfigured() {
		return errors.New("mailer: smtp not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(message.To) == 0 {
		return errors.New("mailer: recipient required")
	}
	return s.send(s.server, s.auth, s.config.From, message.To, s.render(message))
}

func (s *SMTPSender) render(message Message) []byte {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	return []byte(fmt.Sprintf(
		"To: %s\r\nFrom: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		strings.Join(message.To, ", "),
		from,
		message.Subject,
		message.Body,
	))
}

// LogSender stands in for SMTP when no relay is configured.
type LogSender struct {
	Logger *zap.Logger
}

func (s LogSender) Send(_ context.Context, message Message) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("email not sent: smtp not configured",
		zap.String("kind", message.Kind),
		zap.Strings("to", message.To),
		zap.String("subject", message.Subject))
	return nil
}

// NewSender picks SMTP when configured and the log sender otherwise.
func NewSender(config SMTPConfig, logger *zap.Logger) Sender {
	if config.IsConfigured() {
		return NewSMTPSender(config)
	}
	return LogSender{Logger: logger}
}
