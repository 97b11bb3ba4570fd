package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/msageha/heimdall/internal/model"
)

var ErrEmailMisconfigured = errors.New("email misconfigured")

const smtpTimeout = 10 * time.Second

// Email sends plain-text mail over SMTP, upgrading with STARTTLS when
// use_tls is set.
type Email struct {
	host     string
	port     int
	useTLS   bool
	username string
	password string
	from     string
	to       []string
}

// NewEmail returns nil, nil when the channel is disabled.
func NewEmail(cfg model.EmailConfig) (*Email, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.SMTPHost == "" || cfg.From == "" || len(cfg.To) == 0 {
		return nil, ErrEmailMisconfigured
	}
	port := cfg.SMTPPort
	if port == 0 {
		port = 587
	}
	e := &Email{
		host:   cfg.SMTPHost,
		port:   port,
		useTLS: cfg.UseTLS,
		from:   cfg.From,
		to:     cfg.To,
	}
	if cfg.UsernameEnv != "" {
		e.username = os.Getenv(cfg.UsernameEnv)
	}
	if cfg.PasswordEnv != "" {
		e.password = os.Getenv(cfg.PasswordEnv)
	}
	return e, nil
}

func (e *Email) Name() string {
	return "email"
}

func (e *Email) Send(ctx context.Context, msg Message) error {
	addr := net.JoinHostPort(e.host, strconv.Itoa(e.port))
	dialer := net.Dialer{Timeout: smtpTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return retry.RetryableError(fmt.Errorf("email error: dial %s: %w", addr, err))
	}
	deadline := time.Now().Add(smtpTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	c, err := smtp.NewClient(conn, e.host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("email error: %w", err)
	}
	defer c.Close()

	if e.useTLS {
		if err := c.StartTLS(&tls.Config{ServerName: e.host}); err != nil {
			return fmt.Errorf("email error: starttls: %w", err)
		}
	}
	if e.username != "" {
		if err := c.Auth(smtp.PlainAuth("", e.username, e.password, e.host)); err != nil {
			return fmt.Errorf("email error: auth: %w", err)
		}
	}
	if err := c.Mail(e.from); err != nil {
		return fmt.Errorf("email error: mail from: %w", err)
	}
	for _, rcpt := range e.to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("email error: rcpt %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("email error: data: %w", err)
	}
	if _, err := w.Write(buildMail(e.from, e.to, msg.Subject, msg.Text)); err != nil {
		_ = w.Close()
		return fmt.Errorf("email error: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("email error: %w", err)
	}
	return c.Quit()
}

func buildMail(from string, to []string, subject, body string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "\r\n"))
	return b.Bytes()
}
