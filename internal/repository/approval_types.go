package repository

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ── Enumerations ─────────────────────────────────────────────────────────────

// Role is a company-scoped user role. Workflow steps target roles by name.
type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleManager  Role = "MANAGER"
	RoleEmployee Role = "EMPLOYEE"
	RoleFinance  Role = "FINANCE"
	RoleDirector Role = "DIRECTOR"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleEmployee, RoleFinance, RoleDirector:
		return true
	}
	return false
}

// ExpenseStatus is the persisted status column of an expense.
type ExpenseStatus string

const (
	ExpenseStatusPending    ExpenseStatus = "PENDING"
	ExpenseStatusInProgress ExpenseStatus = "IN_PROGRESS"
	ExpenseStatusApproved   ExpenseStatus = "APPROVED"
	ExpenseStatusRejected   ExpenseStatus = "REJECTED"
	ExpenseStatusEscalated  ExpenseStatus = "ESCALATED"
)

// IsTerminal reports whether no further decisions are accepted.
func (s ExpenseStatus) IsTerminal() bool {
	return s == ExpenseStatusApproved || s == ExpenseStatusRejected || s == ExpenseStatusEscalated
}

// IsValid reports whether s is a known status.
func (s ExpenseStatus) IsValid() bool {
	switch s {
	case ExpenseStatusPending, ExpenseStatusInProgress,
		ExpenseStatusApproved, ExpenseStatusRejected, ExpenseStatusEscalated:
		return true
	}
	return false
}

// ApproverStatus is the status of one chain entry.
type ApproverStatus string

const (
	ApproverStatusPending  ApproverStatus = "PENDING"
	ApproverStatusApproved ApproverStatus = "APPROVED"
	ApproverStatusRejected ApproverStatus = "REJECTED"
	ApproverStatusBypassed ApproverStatus = "BYPASSED"
)

// Decision is an approver's verdict.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// IsValid reports whether d is APPROVE or REJECT.
func (d Decision) IsValid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// RuleType selects how an ApprovalRule fires.
type RuleType string

const (
	RuleTypePercentage   RuleType = "PERCENTAGE"
	RuleTypeSpecificUser RuleType = "SPECIFIC_USER"
	RuleTypeHybrid       RuleType = "HYBRID"
)

// IsValid reports whether t is a known rule type.
func (t RuleType) IsValid() bool {
	return t == RuleTypePercentage || t == RuleTypeSpecificUser || t == RuleTypeHybrid
}

// HistoryAction labels an audit entry.
type HistoryAction string

const (
	HistoryActionSubmitted HistoryAction = "SUBMITTED"
	HistoryActionApproved  HistoryAction = "APPROVED"
	HistoryActionRejected  HistoryAction = "REJECTED"
	HistoryActionEscalated HistoryAction = "ESCALATED"
)

// SystemActor is recorded as performed_by for engine-driven transitions.
const SystemActor = "SYSTEM"

// ── Company & users ──────────────────────────────────────────────────────────

type Company struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Country   string    `json:"country"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"created_at"`
}

// CompanySettings holds per-company approval policy switches.
type CompanySettings struct {
	CompanyID            string `json:"company_id"`
	ApprovalRequired     bool   `json:"approval_required"`
	ManagerApprovalFirst bool   `json:"manager_approval_first"`
	SequentialApproval   bool   `json:"sequential_approval"`
}

// DefaultCompanySettings is applied when a company has no settings row.
func DefaultCompanySettings(companyID string) *CompanySettings {
	return &CompanySettings{
		CompanyID:            companyID,
		ApprovalRequired:     true,
		ManagerApprovalFirst: true,
		SequentialApproval:   true,
	}
}

type User struct {
	ID           string    `json:"id"`
	CompanyID    string    `json:"company_id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	ManagerID    *string   `json:"manager_id,omitempty"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// ── Policy ───────────────────────────────────────────────────────────────────

// AmountRange is an inclusive, optionally open-ended amount window.
type AmountRange struct {
	Min decimal.NullDecimal `json:"min_amount"`
	Max decimal.NullDecimal `json:"max_amount"`
}

// Contains reports whether amount lies within the range.
func (r AmountRange) Contains(amount decimal.Decimal) bool {
	if r.Min.Valid && amount.LessThan(r.Min.Decimal) {
		return false
	}
	if r.Max.Valid && amount.GreaterThan(r.Max.Decimal) {
		return false
	}
	return true
}

// CategoryAllowed reports whether category passes an allow-list. An empty
// list or an empty category is unconstrained.
func CategoryAllowed(allowed []string, category string) bool {
	if len(allowed) == 0 || category == "" {
		return true
	}
	return slices.ContainsFunc(allowed, func(c string) bool {
		return strings.EqualFold(c, category)
	})
}

// Workflow is a company-scoped approval template.
type Workflow struct {
	ID               string          `json:"id"`
	CompanyID        string          `json:"company_id"`
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	Amounts          AmountRange     `json:"amounts"`
	Categories       []string        `json:"categories"`
	EnforceSequence  bool            `json:"enforce_sequence"`
	RequireManager   bool            `json:"require_manager"`
	MinimumApprovers int             `json:"minimum_approvers"`
	IsDefault        bool            `json:"is_default"`
	IsActive         bool            `json:"is_active"`
	Steps            []*WorkflowStep `json:"steps"`
	CreatedAt        time.Time       `json:"created_at"`
}

// WorkflowStep targets either a pinned user or the first holder of a role.
type WorkflowStep struct {
	ID            string  `json:"id"`
	WorkflowID    string  `json:"workflow_id"`
	StepNumber    int     `json:"step_number"`
	ApproverID    *string `json:"approver_id,omitempty"`
	ApproverRole  *Role   `json:"approver_role,omitempty"`
	IsRequired    bool    `json:"is_required"`
	CanBypass     bool    `json:"can_bypass"`
	IsManagerStep bool    `json:"is_manager_step"`
}

// ApprovalRule is an auto-approval policy. Lower priority evaluates first.
type ApprovalRule struct {
	ID               string              `json:"id"`
	CompanyID        string              `json:"company_id"`
	Name             string              `json:"name"`
	RuleType         RuleType            `json:"rule_type"`
	ThresholdPercent decimal.NullDecimal `json:"threshold_percent"`
	SpecificUserID   *string             `json:"specific_user_id,omitempty"`
	MinimumApprovers int                 `json:"minimum_approvers"`
	Amounts          AmountRange         `json:"amounts"`
	Categories       []string            `json:"categories"`
	ConditionExpr    *string             `json:"condition_expr,omitempty"`
	Priority         int                 `json:"priority"`
	IsActive         bool                `json:"is_active"`
	CreatedAt        time.Time           `json:"created_at"`
}

// ── Expense lifecycle ────────────────────────────────────────────────────────

// Expense is one submitted claim. State is the only way to read or change
// status and current step together.
type Expense struct {
	ID                      string
	CompanyID               string
	SubmittedBy             string
	Amount                  decimal.Decimal
	Currency                string
	AmountInCompanyCurrency decimal.Decimal
	Category                string
	Description             string
	ExpenseDate             time.Time
	IsManager               bool
	WorkflowID              *string
	State                   ApprovalState
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

type expenseJSON struct {
	ID                      string          `json:"id"`
	CompanyID               string          `json:"company_id"`
	SubmittedBy             string          `json:"submitted_by"`
	Amount                  decimal.Decimal `json:"amount"`
	Currency                string          `json:"currency"`
	AmountInCompanyCurrency decimal.Decimal `json:"amount_in_company_currency"`
	Category                string          `json:"category"`
	Description             string          `json:"description"`
	ExpenseDate             string          `json:"expense_date"`
	IsManager               bool            `json:"is_manager"`
	WorkflowID              *string         `json:"workflow_id"`
	Status                  ExpenseStatus   `json:"status"`
	CurrentStep             *int            `json:"current_step"`
	CreatedAt               time.Time       `json:"created_at"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

// MarshalJSON flattens State into status and current_step.
func (e *Expense) MarshalJSON() ([]byte, error) {
	status, step := e.State.Columns()
	return json.Marshal(expenseJSON{
		ID:                      e.ID,
		CompanyID:               e.CompanyID,
		SubmittedBy:             e.SubmittedBy,
		Amount:                  e.Amount,
		Currency:                e.Currency,
		AmountInCompanyCurrency: e.AmountInCompanyCurrency,
		Category:                e.Category,
		Description:             e.Description,
		ExpenseDate:             e.ExpenseDate.Format(time.DateOnly),
		IsManager:               e.IsManager,
		WorkflowID:              e.WorkflowID,
		Status:                  status,
		CurrentStep:             step,
		CreatedAt:               e.CreatedAt,
		UpdatedAt:               e.UpdatedAt,
	})
}

// ExpenseApprover is one entry of an expense's approval chain.
type ExpenseApprover struct {
	ID            string         `json:"id"`
	ExpenseID     string         `json:"expense_id"`
	ApproverID    string         `json:"approver_id"`
	SequenceOrder int            `json:"sequence_order"`
	IsManager     bool           `json:"is_manager"`
	IsRequired    bool           `json:"is_required"`
	CanBypass     bool           `json:"can_bypass"`
	Status        ApproverStatus `json:"status"`
	IsActive      bool           `json:"is_active"`
	NotifiedAt    *time.Time     `json:"notified_at,omitempty"`
	DecidedAt     *time.Time     `json:"decided_at,omitempty"`
}

// PendingApproval is an active chain entry joined with its expense for
// dashboards.
type PendingApproval struct {
	Approver      *ExpenseApprover `json:"approver"`
	Expense       *Expense         `json:"expense"`
	SubmitterName string           `json:"submitter_name"`
	CompanyName   string           `json:"company_name"`
}

// ApprovalDecision is an immutable record of one approver action.
type ApprovalDecision struct {
	ID         string    `json:"id"`
	ExpenseID  string    `json:"expense_id"`
	ApproverID string    `json:"approver_id"`
	Decision   Decision  `json:"decision"`
	Comment    string    `json:"comment"`
	StepNumber int       `json:"step_number"`
	CreatedAt  time.Time `json:"created_at"`
}

// ApprovalHistory is one immutable audit entry.
type ApprovalHistory struct {
	ID          string         `json:"id"`
	ExpenseID   string         `json:"expense_id"`
	Action      HistoryAction  `json:"action"`
	PerformedBy string         `json:"performed_by"`
	FromStatus  *ExpenseStatus `json:"from_status,omitempty"`
	ToStatus    *ExpenseStatus `json:"to_status,omitempty"`
	Comment     string         `json:"comment"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// DecisionCounts aggregates one approver's decisions over a period.
type DecisionCounts struct {
	Approved int
	Rejected int
}
