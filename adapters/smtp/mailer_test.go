package smtp

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type sent struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	msg  string
}

func newTestMailer(t *testing.T, config Config) (*Mailer, *[]sent) {
	t.Helper()
	m, err := New(config)
	require.NoError(t, err)
	var outbox []sent
	m.send = func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		outbox = append(outbox, sent{addr: addr, auth: auth, from: from, to: to, msg: string(msg)})
		return nil
	}
	return m, &outbox
}

func TestMailer_SendVerification(t *testing.T) {
	m, outbox := newTestMailer(t, Config{
		Host:      "mail.example.com",
		Username:  "relay",
		Password:  "secret",
		From:      "Gatekeep <no-reply@example.com>",
		VerifyURL: "https://app.example.com/verify?lang=en",
	})

	require.NoError(t, m.SendVerification(context.Background(), "alice@example.com", "tok-123"))

	require.Len(t, *outbox, 1)
	got := (*outbox)[0]
	require.Equal(t, "mail.example.com:587", got.addr)
	require.NotNil(t, got.auth)
	require.Equal(t, "no-reply@example.com", got.from)
	require.Equal(t, []string{"alice@example.com"}, got.to)
	require.Contains(t, got.msg, "Subject: Verify your email address\r\n")
	require.Contains(t, got.msg, "https://app.example.com/verify?lang=en&token=tok-123")
}

func TestMailer_NoAuthWithoutUsername(t *testing.T) {
	m, outbox := newTestMailer(t, Config{Host: "localhost", Port: 1025, From: "no-reply@example.com"})

	require.NoError(t, m.SendVerification(context.Background(), "bob@example.com", "tok"))

	require.Nil(t, (*outbox)[0].auth)
	require.Equal(t, "localhost:1025", (*outbox)[0].addr)
	require.True(t, strings.HasSuffix((*outbox)[0].msg, "tok\r\n"))
}

func TestMailer_Errors(t *testing.T) {
	_, err := New(Config{From: "no-reply@example.com"})
	require.Error(t, err, "host is required")

	_, err = New(Config{Host: "localhost", From: "not an address"})
	require.Error(t, err)

	m, _ := newTestMailer(t, Config{Host: "localhost", From: "no-reply@example.com"})
	require.Error(t, m.SendVerification(context.Background(), "broken", "tok"))

	m.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("relay down") }
	require.ErrorContains(t, m.SendVerification(context.Background(), "bob@example.com", "tok"), "relay down")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, m.SendVerification(ctx, "bob@example.com", "tok"), context.Canceled)
}
