package client

import (
	"context"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/service"
)

// LogMailer writes verification codes to the log instead of sending mail.
// It is meant for development and for deployments where an outbound mail
// relay consumes the log stream.
type LogMailer struct {
	log *logger.Logger
}

// NewLogMailer creates a LogMailer.
func NewLogMailer(log *logger.Logger) *LogMailer {
	return &LogMailer{log: log.With("mailer")}
}

var _ service.Mailer = (*LogMailer)(nil)

// SendVerificationCode implements service.Mailer.
func (m *LogMailer) SendVerificationCode(ctx context.Context, email, companyName, code string) error {
	m.log.Info().
		Str("email", email).
		Str("company_name", companyName).
		Str("code", code).
		Msg("Verification code issued")
	return nil
}
