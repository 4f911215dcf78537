package handler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
	"github.com/pesio-ai/be-expense-approvals/internal/repository/memstore"
	"github.com/pesio-ai/be-expense-approvals/internal/service"
	"github.com/pesio-ai/be-expense-approvals/internal/verification"
)

type sequenceGenerator struct {
	mu   sync.Mutex
	next uint64
}

func (g *sequenceGenerator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return 4242 + g.next, nil
}

type capturingMailer struct {
	mu    sync.Mutex
	codes map[string]string
}

func (m *capturingMailer) SendVerificationCode(_ context.Context, email, _ string, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[email] = code
	return nil
}

func (m *capturingMailer) code(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[email]
}

type harness struct {
	store      *memstore.Store
	approvals  *service.ApprovalWorkflowService
	users      *service.UserService
	onboarding *service.OnboardingService
	mailer     *capturingMailer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memstore.New()
	approvals := service.NewApprovalWorkflowService(store, nil, nil, nil, logger.Nop())
	mailer := &capturingMailer{codes: map[string]string{}}
	return &harness{
		store:      store,
		approvals:  approvals,
		users:      service.NewUserService(store, logger.Nop()),
		onboarding: service.NewOnboardingService(store, verification.NewMemoryStore(time.Now), &sequenceGenerator{}, approvals, mailer, 0, logger.Nop()),
		mailer:     mailer,
	}
}

// seeded is a company with the default workflow, an employee and their
// manager, written straight to the store.
type seeded struct {
	companyID  string
	adminID    string
	managerID  string
	employeeID string
}

func (h *harness) seed(t *testing.T) seeded {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, h.store.CreateCompany(ctx, &repository.Company{ID: "ACME", Name: "Acme", Country: "US", Currency: "USD"}))
	require.NoError(t, h.store.CreateCompanySettings(ctx, repository.DefaultCompanySettings("ACME")))

	add := func(email string, role repository.Role, managerID *string) string {
		u := &repository.User{CompanyID: "ACME", Email: email, Name: email, Role: role, ManagerID: managerID, IsActive: true}
		require.NoError(t, h.store.CreateUser(ctx, u))
		return u.ID
	}
	s := seeded{companyID: "ACME"}
	s.adminID = add("admin@acme.test", repository.RoleAdmin, nil)
	s.managerID = add("manager@acme.test", repository.RoleManager, nil)
	s.employeeID = add("employee@acme.test", repository.RoleEmployee, &s.managerID)

	require.NoError(t, h.approvals.BootstrapCompany(ctx, "ACME"))
	return s
}
