package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
	"github.com/pesio-ai/be-expense-approvals/internal/repository/memstore"
)

// recordingNotifier captures published events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notifiedEvent
}

type notifiedEvent struct {
	eventType  string
	expenseID  string
	recipients []string
}

func (n *recordingNotifier) PublishExpenseEvent(_ context.Context, eventType string, e *repository.Expense, _ string, recipients []string, _ map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notifiedEvent{eventType: eventType, expenseID: e.ID, recipients: recipients})
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, e := range n.events {
		out = append(out, e.eventType)
	}
	return out
}

// testingT is satisfied by *testing.T and *rapid.T.
type testingT interface {
	require.TestingT
	Helper()
}

// fixture is one company with an admin, an employee reporting to a
// manager, and finance and director users.
type fixture struct {
	t        testingT
	ctx      context.Context
	store    *memstore.Store
	svc      *ApprovalWorkflowService
	notifier *recordingNotifier

	company  *repository.Company
	admin    *repository.User
	employee *repository.User
	manager  *repository.User
	finance  *repository.User
	director *repository.User
}

func newFixture(t testingT) *fixture {
	t.Helper()

	clock := time.Date(2026, 5, 14, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}

	store := memstore.New(memstore.WithClock(now))
	notifier := &recordingNotifier{}
	svc := NewApprovalWorkflowService(store, nil, notifier, nil, logger.Nop())
	svc.now = now

	f := &fixture{t: t, ctx: context.Background(), store: store, svc: svc, notifier: notifier}

	f.company = &repository.Company{ID: "C1", Name: "Acme", Country: "US", Currency: "USD"}
	require.NoError(t, store.CreateCompany(f.ctx, f.company))
	require.NoError(t, store.CreateCompanySettings(f.ctx, repository.DefaultCompanySettings(f.company.ID)))

	f.admin = f.addUser("admin", repository.RoleAdmin, nil)
	f.manager = f.addUser("manager", repository.RoleManager, nil)
	f.finance = f.addUser("finance", repository.RoleFinance, nil)
	f.director = f.addUser("director", repository.RoleDirector, nil)
	f.employee = f.addUser("employee", repository.RoleEmployee, &f.manager.ID)
	return f
}

func (f *fixture) addUser(name string, role repository.Role, managerID *string) *repository.User {
	f.t.Helper()
	u := &repository.User{
		CompanyID: f.company.ID,
		Email:     fmt.Sprintf("%s@acme.test", name),
		Name:      name,
		Role:      role,
		ManagerID: managerID,
		IsActive:  true,
	}
	require.NoError(f.t, f.store.CreateUser(f.ctx, u))
	return u
}

// defaultWorkflow installs the three-step default workflow.
func (f *fixture) defaultWorkflow() *repository.Workflow {
	f.t.Helper()
	wf, err := f.svc.CreateDefaultWorkflows(f.ctx, f.company.ID)
	require.NoError(f.t, err)
	return wf
}

func (f *fixture) addRule(rule *repository.ApprovalRule) *repository.ApprovalRule {
	f.t.Helper()
	rule.CompanyID = f.company.ID
	rule.IsActive = true
	require.NoError(f.t, f.store.CreateApprovalRule(f.ctx, rule))
	return rule
}

func (f *fixture) submit(amount int64, isManager bool) *repository.Expense {
	f.t.Helper()
	e, err := f.svc.SubmitExpense(f.ctx, SubmitExpenseRequest{
		CompanyID:   f.company.ID,
		SubmittedBy: f.employee.ID,
		Amount:      decimal.NewFromInt(amount),
		Currency:    "USD",
		Category:    "travel",
		IsManager:   isManager,
	})
	require.NoError(f.t, err)
	return e
}

func (f *fixture) approve(e *repository.Expense, approver *repository.User) *repository.Expense {
	f.t.Helper()
	got, err := f.svc.ProcessApproval(f.ctx, e.ID, approver.ID, repository.DecisionApprove, "")
	require.NoError(f.t, err)
	return got
}

func (f *fixture) approvers(e *repository.Expense) []*repository.ExpenseApprover {
	f.t.Helper()
	rows, err := f.store.ListApprovers(f.ctx, e.ID)
	require.NoError(f.t, err)
	return rows
}

func (f *fixture) reload(e *repository.Expense) *repository.Expense {
	f.t.Helper()
	got, err := f.store.GetExpense(f.ctx, e.ID)
	require.NoError(f.t, err)
	return got
}

func strPtr(s string) *string { return &s }

func rolePtr(r repository.Role) *repository.Role { return &r }
