package services

import (
	"context"
	"log/slog"

	"github.com/lborres/gatekeep/core"
)

var _ core.Mailer = (*LogMailer)(nil)

// LogMailer writes verification mails to the log instead of sending them. It is
// the default when no SMTP relay is configured.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendVerification(ctx context.Context, to, token string) error {
	m.logger.InfoContext(ctx, "email verification requested", "to", to, "token", token)
	return nil
}
