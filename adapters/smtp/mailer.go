// Package smtp delivers account emails through an SMTP relay.
package smtp

import (
	"context"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lborres/gatekeep/core"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// VerifyURL is the page that accepts the token; the token is appended as
	// the "token" query parameter.
	VerifyURL string
}

type sendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

type Mailer struct {
	config Config
	from   *mail.Address
	send   sendFunc
	now    func() time.Time
}

var _ core.Mailer = (*Mailer)(nil)

func New(config Config) (*Mailer, error) {
	if config.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if config.Port == 0 {
		config.Port = 587
	}
	from, err := mail.ParseAddress(config.From)
	if err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	return &Mailer{config: config, from: from, send: smtp.SendMail, now: time.Now}, nil
}

func (m *Mailer) SendVerification(ctx context.Context, to, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	recipient, err := mail.ParseAddress(to)
	if err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}

	link, err := m.verifyLink(token)
	if err != nil {
		return err
	}
	body := "Confirm your email address by opening the link below.\r\n\r\n" + link + "\r\n"
	msg := m.compose(recipient, "Verify your email address", body)

	var auth smtp.Auth
	if m.config.Username != "" {
		auth = smtp.PlainAuth("", m.config.Username, m.config.Password, m.config.Host)
	}
	addr := net.JoinHostPort(m.config.Host, strconv.Itoa(m.config.Port))
	if err := m.send(addr, auth, m.from.Address, []string{recipient.Address}, msg); err != nil {
		return fmt.Errorf("failed to send verification email: %w", err)
	}
	return nil
}

func (m *Mailer) verifyLink(token string) (string, error) {
	if m.config.VerifyURL == "" {
		return token, nil
	}
	u, err := url.Parse(m.config.VerifyURL)
	if err != nil {
		return "", fmt.Errorf("invalid verify url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *Mailer) compose(to *mail.Address, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + m.from.String() + "\r\n")
	b.WriteString("To: " + to.String() + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("Date: " + m.now().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}
