package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Message is a plain-text email.
type Message struct {
	To      []string
	Subject string
	Body    string
}

// Mailer delivers messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPOptions configure an SMTPMailer.
type SMTPOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string

	// MaxRetries bounds delivery attempts after the first one.
	MaxRetries uint64
}

// SMTPMailer sends mail through an SMTP relay, retrying transient failures
// with exponential backoff.
type SMTPMailer struct {
	opts SMTPOptions
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer creates an SMTPMailer.
func NewSMTPMailer(opts SMTPOptions) *SMTPMailer {
	if opts.Port == 0 {
		opts.Port = 587
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	return &SMTPMailer{opts: opts, send: smtp.SendMail}
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return nil
	}
	addr := net.JoinHostPort(m.opts.Host, fmt.Sprint(m.opts.Port))
	var auth smtp.Auth
	if m.opts.Username != "" {
		auth = smtp.PlainAuth("", m.opts.Username, m.opts.Password, m.opts.Host)
	}
	body := render(m.opts.From, msg)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxElapsedTime = time.Minute
	policy := backoff.WithContext(backoff.WithMaxRetries(b, m.opts.MaxRetries), ctx)

	return backoff.Retry(func() error {
		return m.send(addr, auth, m.opts.From, msg.To, body)
	}, policy)
}

func render(from string, msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}

// LogMailer writes messages to the log instead of sending them.
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer creates a LogMailer.
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	m.logger.Info("email", "to", msg.To, "subject", msg.Subject, "body", msg.Body)
	return nil
}
