package client

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
	"github.com/pesio-ai/be-expense-approvals/internal/service"
)

const (
	// SubjectPrefix is prepended to the event type to form the NATS subject.
	SubjectPrefix = "notifications.expenses."

	// VerificationSubject carries sign-up verification codes to the mail
	// relay.
	VerificationSubject = "notifications.email.company_verification"
)

// publisher is the part of *nats.Conn the publisher needs.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NotificationPublisher publishes expense approval events to NATS for the
// notifications service.
//
// Subject convention: notifications.expenses.<event_type>
//
// Publish failures are logged and never returned, so a broker outage does
// not interrupt approvals.
type NotificationPublisher struct {
	conn publisher
	log  *logger.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	CompanyID    string         `json:"company_id"`
	ActorID      string         `json:"actor_id,omitempty"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Severity     string         `json:"severity"`
	Category     string         `json:"category"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher on conn. A nil conn makes
// every publish a no-op.
func NewNotificationPublisher(conn *nats.Conn, log *logger.Logger) *NotificationPublisher {
	p := &NotificationPublisher{log: log.With("notifications")}
	if conn != nil {
		p.conn = conn
	}
	return p
}

var _ service.Notifier = (*NotificationPublisher)(nil)

// PublishExpenseEvent implements service.Notifier.
func (p *NotificationPublisher) PublishExpenseEvent(
	ctx context.Context,
	eventType string,
	expense *repository.Expense,
	actorID string,
	recipients []string,
	payload map[string]any,
) {
	if p.conn == nil || len(recipients) == 0 {
		return
	}

	event := newNotificationEvent(eventType, expense, actorID, recipients, payload)
	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := SubjectPrefix + eventType
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("expense_id", expense.ID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("expense_id", expense.ID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
}

func newNotificationEvent(eventType string, e *repository.Expense, actorID string, recipients []string, payload map[string]any) *NotificationEvent {
	event := &NotificationEvent{
		EventType:    eventType,
		CompanyID:    e.CompanyID,
		ActorID:      actorID,
		Recipients:   recipients,
		ResourceType: "expense",
		ResourceID:   e.ID,
		Severity:     "info",
		Category:     "expense_approval",
		Payload:      map[string]any{},
	}

	switch eventType {
	case service.EventExpenseSubmitted, service.EventExpenseApprovalRequired:
		event.IsActionable = true
	case service.EventExpenseRejected, service.EventExpenseEscalated:
		event.Severity = "warning"
	}

	event.Payload["amount"] = e.Amount.String()
	event.Payload["currency"] = e.Currency
	event.Payload["category"] = e.Category
	event.Payload["status"] = string(e.State.Status())
	for k, v := range payload {
		event.Payload[k] = v
	}
	return event
}

type verificationMessage struct {
	Email       string `json:"email"`
	CompanyName string `json:"company_name"`
	Code        string `json:"code"`
}

var _ service.Mailer = (*NotificationPublisher)(nil)

// SendVerificationCode implements service.Mailer by handing the code to the
// mail relay. Unlike expense events, a failure here is returned so the
// sign-up can be retried.
func (p *NotificationPublisher) SendVerificationCode(ctx context.Context, email, companyName, code string) error {
	if p.conn == nil {
		return errors.New(errors.ErrCodeInternal, "notification transport is not configured")
	}
	data, err := json.Marshal(verificationMessage{Email: email, CompanyName: companyName, Code: code})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to encode verification message")
	}
	if err := p.conn.Publish(VerificationSubject, data); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to publish verification message")
	}
	return nil
}
