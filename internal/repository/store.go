package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/errors"
)

// ErrApproverNotPending is returned when a compare-and-swap on an approver
// row finds it already decided.
var ErrApproverNotPending = errors.New(errors.ErrCodeConflict, "approver row is no longer pending")

type CompanyQueries interface {
	CreateCompany(ctx context.Context, c *Company) error
	GetCompany(ctx context.Context, id string) (*Company, error)
	CompanyNameExists(ctx context.Context, name string) (bool, error)
	CreateCompanySettings(ctx context.Context, s *CompanySettings) error
	// GetCompanySettings returns NotFound when the company has no settings row.
	GetCompanySettings(ctx context.Context, companyID string) (*CompanySettings, error)
}

type UserQueries interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsersByCompany(ctx context.Context, companyID string) ([]*User, error)
	// FindFirstUserByRole returns the earliest-created active holder of role,
	// or nil when nobody holds it.
	FindFirstUserByRole(ctx context.Context, companyID string, role Role) (*User, error)
	SetUserManager(ctx context.Context, userID string, managerID *string) error
	SetUserActive(ctx context.Context, userID string, active bool) error
}

type WorkflowQueries interface {
	// CreateWorkflow inserts the workflow and its steps.
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	// ListWorkflows returns workflows with steps, non-default first, then by
	// (created_at, id).
	ListWorkflows(ctx context.Context, companyID string, activeOnly bool) ([]*Workflow, error)
}

type RuleQueries interface {
	CreateApprovalRule(ctx context.Context, rule *ApprovalRule) error
	// ListApprovalRules orders by (priority, created_at, id).
	ListApprovalRules(ctx context.Context, companyID string, activeOnly bool) ([]*ApprovalRule, error)
	SetApprovalRuleActive(ctx context.Context, companyID, id string, active bool) error
}

type ExpenseQueries interface {
	CreateExpense(ctx context.Context, e *Expense) error
	GetExpense(ctx context.Context, id string) (*Expense, error)
	// LockExpense reads the expense and holds a row lock until the enclosing
	// transaction ends.
	LockExpense(ctx context.Context, id string) (*Expense, error)
	UpdateExpenseState(ctx context.Context, id string, state ApprovalState) error
	ListExpensesBySubmitter(ctx context.Context, userID string) ([]*Expense, error)
}

type ApproverQueries interface {
	CreateApprovers(ctx context.Context, approvers []*ExpenseApprover) error
	// ListApprovers orders by sequence_order.
	ListApprovers(ctx context.Context, expenseID string) ([]*ExpenseApprover, error)
	// RecordApproverStatus moves a PENDING row to status and deactivates it.
	// Returns ErrApproverNotPending when the row is not PENDING.
	RecordApproverStatus(ctx context.Context, id string, status ApproverStatus, decidedAt time.Time) error
	ActivateApprover(ctx context.Context, id string, notifiedAt time.Time) error
	// BypassPendingApprovers flips every PENDING row of the expense to
	// BYPASSED and returns how many changed.
	BypassPendingApprovers(ctx context.Context, expenseID string) (int64, error)
	ListPendingForUser(ctx context.Context, userID string) ([]*PendingApproval, error)
}

type AuditQueries interface {
	AppendHistory(ctx context.Context, entry *ApprovalHistory) error
	ListHistory(ctx context.Context, expenseID string) ([]*ApprovalHistory, error)
	AppendDecision(ctx context.Context, d *ApprovalDecision) error
	ListDecisions(ctx context.Context, expenseID string) ([]*ApprovalDecision, error)
	CountDecisionsSince(ctx context.Context, approverID string, since time.Time) (DecisionCounts, error)
}

// Queries is every read and write the services need.
type Queries interface {
	CompanyQueries
	UserQueries
	WorkflowQueries
	RuleQueries
	ExpenseQueries
	ApproverQueries
	AuditQueries
}

// Store adds transactions to Queries. fn's writes commit together or not
// at all.
type Store interface {
	Queries
	InTx(ctx context.Context, fn func(q Queries) error) error
}
