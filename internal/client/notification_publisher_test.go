package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
	"github.com/pesio-ai/be-expense-approvals/internal/service"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs []published
	err  error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, published{subject: subject, data: data})
	return nil
}

func testExpense() *repository.Expense {
	return &repository.Expense{
		ID:        "E1",
		CompanyID: "C1",
		Amount:    decimal.RequireFromString("120.50"),
		Currency:  "USD",
		Category:  "travel",
		State:     repository.Rejected(),
	}
}

func TestPublishExpenseEvent(t *testing.T) {
	conn := &fakeConn{}
	p := &NotificationPublisher{conn: conn, log: logger.Nop()}

	p.PublishExpenseEvent(context.Background(), service.EventExpenseRejected, testExpense(), "U2",
		[]string{"U1"}, map[string]any{"reason": "Rejected by Bob"})

	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "notifications.expenses.expense_rejected", conn.msgs[0].subject)

	var got NotificationEvent
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &got))
	assert.Equal(t, "C1", got.CompanyID)
	assert.Equal(t, "expense", got.ResourceType)
	assert.Equal(t, "E1", got.ResourceID)
	assert.Equal(t, "warning", got.Severity)
	assert.False(t, got.IsActionable)
	assert.Equal(t, "Rejected by Bob", got.Payload["reason"])
	assert.Equal(t, "120.5", got.Payload["amount"])
	assert.Equal(t, "REJECTED", got.Payload["status"])
}

func TestPublishExpenseEvent_ActionableEvents(t *testing.T) {
	e := testExpense()
	e.State = repository.PendingAt(1)
	ev := newNotificationEvent(service.EventExpenseApprovalRequired, e, "", []string{"U3"}, nil)
	assert.True(t, ev.IsActionable)
	assert.Equal(t, "info", ev.Severity)
}

func TestPublishExpenseEvent_NoOps(t *testing.T) {
	conn := &fakeConn{}
	p := &NotificationPublisher{conn: conn, log: logger.Nop()}
	p.PublishExpenseEvent(context.Background(), service.EventExpenseApproved, testExpense(), "", nil, nil)
	assert.Empty(t, conn.msgs, "no recipients")

	unconfigured := NewNotificationPublisher(nil, logger.Nop())
	assert.NotPanics(t, func() {
		unconfigured.PublishExpenseEvent(context.Background(), service.EventExpenseApproved, testExpense(), "", []string{"U1"}, nil)
	})

	failing := &NotificationPublisher{conn: &fakeConn{err: stderrors.New("broker down")}, log: logger.Nop()}
	assert.NotPanics(t, func() {
		failing.PublishExpenseEvent(context.Background(), service.EventExpenseApproved, testExpense(), "", []string{"U1"}, nil)
	})
}

func TestSendVerificationCode(t *testing.T) {
	conn := &fakeConn{}
	p := &NotificationPublisher{conn: conn, log: logger.Nop()}
	require.NoError(t, p.SendVerificationCode(context.Background(), "a@b.test", "Acme", "123456"))
	require.Len(t, conn.msgs, 1)
	assert.Equal(t, VerificationSubject, conn.msgs[0].subject)
	assert.JSONEq(t, `{"email":"a@b.test","company_name":"Acme","code":"123456"}`, string(conn.msgs[0].data))

	err := NewNotificationPublisher(nil, logger.Nop()).SendVerificationCode(context.Background(), "a@b.test", "Acme", "1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInternal))

	p.conn = &fakeConn{err: stderrors.New("broker down")}
	assert.Error(t, p.SendVerificationCode(context.Background(), "a@b.test", "Acme", "1"))
}

func TestLogMailer(t *testing.T) {
	assert.NoError(t, NewLogMailer(logger.Nop()).SendVerificationCode(context.Background(), "a@b.test", "Acme", "123456"))
}

// TestPublishExpenseEvent_NATS runs against a real server when
// TEST_NATS_URL is set.
func TestPublishExpenseEvent_NATS(t *testing.T) {
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("TEST_NATS_URL not set")
	}
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync(SubjectPrefix + ">")
	require.NoError(t, err)

	NewNotificationPublisher(nc, logger.Nop()).PublishExpenseEvent(context.Background(),
		service.EventExpenseApproved, testExpense(), "U2", []string{"U1"}, nil)
	require.NoError(t, nc.Flush())

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, SubjectPrefix+service.EventExpenseApproved, msg.Subject)
}
