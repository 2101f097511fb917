package delivery

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"time"
)

// SMTPConfig is the outgoing mail server.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer sends single-recipient emails over SMTP.
type Mailer struct {
	cfg  SMTPConfig
	send SendFunc
}

// NewMailer creates a Mailer. A nil send uses smtp.SendMail.
func NewMailer(cfg SMTPConfig, send SendFunc) *Mailer {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if send == nil {
		send = smtp.SendMail
	}
	return &Mailer{cfg: cfg, send: send}
}

// Configured reports whether a server and sender address are set.
func (m *Mailer) Configured() bool {
	return m.cfg.Host != "" && m.cfg.From != ""
}

// Send delivers one message to a single recipient.
func (m *Mailer) Send(ctx context.Context, to, subject, body string, html bool) error {
	if !m.Configured() {
		return fmt.Errorf("smtp is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	rcpt, err := mail.ParseAddress(to)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	from, err := mail.ParseAddress(m.cfg.From)
	if err != nil {
		return fmt.Errorf("invalid sender %q: %w", m.cfg.From, err)
	}

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	msg := buildMessage(from, rcpt, subject, body, html, time.Now())
	if err := m.send(addr, auth, from.Address, []string{rcpt.Address}, msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

func buildMessage(from, to *mail.Address, subject, body string, html bool, now time.Time) []byte {
	contentType := "text/plain"
	if html {
		contentType = "text/html"
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from.String())
	fmt.Fprintf(&b, "To: %s\r\n", to.String())
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", now.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: %s; charset=UTF-8\r\n", contentType)
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.Bytes()
}
