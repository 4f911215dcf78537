package service

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

const (
	defaultWorkflowName = "Standard Sequential Approval"

	percentageRuleName = "60% Approval Rule"
	directorRuleName   = "Director Auto-Approval"
	hybridRuleName     = "Hybrid: 60% OR Director"
)

var defaultThreshold = decimal.NewFromInt(60)

// ── Company bootstrap ─────────────────────────────────────────────────────────

// BootstrapCompany installs the default workflow and approval rules.
func (s *ApprovalWorkflowService) BootstrapCompany(ctx context.Context, companyID string) error {
	if _, err := s.CreateDefaultWorkflows(ctx, companyID); err != nil {
		return err
	}
	_, err := s.CreateDefaultApprovalRules(ctx, companyID)
	return err
}

// CreateDefaultWorkflows creates the company's default three-step chain:
// the submitter's manager, then finance, then a director.
func (s *ApprovalWorkflowService) CreateDefaultWorkflows(ctx context.Context, companyID string) (*repository.Workflow, error) {
	manager, finance, director := repository.RoleManager, repository.RoleFinance, repository.RoleDirector

	wf := &repository.Workflow{
		CompanyID:        companyID,
		Name:             defaultWorkflowName,
		Description:      "Manager, then finance, then director approval",
		EnforceSequence:  true,
		RequireManager:   true,
		MinimumApprovers: 3,
		IsDefault:        true,
		IsActive:         true,
		Steps: []*repository.WorkflowStep{
			{StepNumber: 1, ApproverRole: &manager, IsRequired: true, IsManagerStep: true},
			{StepNumber: 2, ApproverRole: &finance, IsRequired: true},
			{StepNumber: 3, ApproverRole: &director, IsRequired: true},
		},
	}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("company_id", companyID).
		Str("workflow_id", wf.ID).
		Msg("Default workflow created")
	return wf, nil
}

// CreateDefaultApprovalRules creates the percentage rule and, when the
// company has a director, the director and hybrid rules.
func (s *ApprovalWorkflowService) CreateDefaultApprovalRules(ctx context.Context, companyID string) ([]*repository.ApprovalRule, error) {
	defaults := []*repository.ApprovalRule{{
		CompanyID:        companyID,
		Name:             percentageRuleName,
		RuleType:         repository.RuleTypePercentage,
		ThresholdPercent: decimal.NewNullDecimal(defaultThreshold),
		MinimumApprovers: 2,
		Priority:         1,
		IsActive:         true,
	}}

	director, err := s.store.FindFirstUserByRole(ctx, companyID, repository.RoleDirector)
	if err != nil {
		return nil, err
	}
	if director != nil {
		directorID := director.ID
		defaults = append(defaults,
			&repository.ApprovalRule{
				CompanyID:      companyID,
				Name:           directorRuleName,
				RuleType:       repository.RuleTypeSpecificUser,
				SpecificUserID: &directorID,
				Priority:       2,
				IsActive:       true,
			},
			&repository.ApprovalRule{
				CompanyID:        companyID,
				Name:             hybridRuleName,
				RuleType:         repository.RuleTypeHybrid,
				ThresholdPercent: decimal.NewNullDecimal(defaultThreshold),
				SpecificUserID:   &directorID,
				Priority:         3,
				IsActive:         true,
			},
		)
	}

	err = s.store.InTx(ctx, func(q repository.Queries) error {
		for _, rule := range defaults {
			if err := q.CreateApprovalRule(ctx, rule); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("company_id", companyID).
		Int("rules", len(defaults)).
		Msg("Default approval rules created")
	return defaults, nil
}

// ── Workflows ─────────────────────────────────────────────────────────────────

// CreateWorkflowRequest describes a workflow and its steps.
type CreateWorkflowRequest struct {
	CompanyID        string
	Name             string
	Description      string
	MinAmount        decimal.NullDecimal
	MaxAmount        decimal.NullDecimal
	Categories       []string
	EnforceSequence  bool
	RequireManager   bool
	MinimumApprovers int
	IsDefault        bool
	Steps            []CreateWorkflowStep
}

// CreateWorkflowStep targets a user or a role.
type CreateWorkflowStep struct {
	StepNumber    int
	ApproverID    *string
	ApproverRole  *repository.Role
	IsRequired    bool
	CanBypass     bool
	IsManagerStep bool
}

// CreateWorkflow validates and stores a workflow. Only company admins may
// call it.
func (s *ApprovalWorkflowService) CreateWorkflow(ctx context.Context, actorID string, req CreateWorkflowRequest) (*repository.Workflow, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, errors.InvalidInput("name", "workflow name is required")
	}
	if err := validateBounds(req.MinAmount, req.MaxAmount); err != nil {
		return nil, err
	}
	if req.MinimumApprovers < 0 {
		return nil, errors.InvalidInput("minimum_approvers", "must not be negative")
	}

	wf := &repository.Workflow{
		CompanyID:        req.CompanyID,
		Name:             strings.TrimSpace(req.Name),
		Description:      req.Description,
		Amounts:          repository.AmountRange{Min: req.MinAmount, Max: req.MaxAmount},
		Categories:       req.Categories,
		EnforceSequence:  req.EnforceSequence,
		RequireManager:   req.RequireManager,
		MinimumApprovers: req.MinimumApprovers,
		IsDefault:        req.IsDefault,
		IsActive:         true,
	}

	seen := make(map[int]bool, len(req.Steps))
	for _, st := range req.Steps {
		if st.StepNumber < 1 || seen[st.StepNumber] {
			return nil, errors.InvalidInput("steps", "step numbers must be unique and start at 1")
		}
		seen[st.StepNumber] = true
		if (st.ApproverID == nil || *st.ApproverID == "") && st.ApproverRole == nil {
			return nil, errors.InvalidInput("steps", "each step needs an approver or a role")
		}
		if st.ApproverRole != nil && !st.ApproverRole.IsValid() {
			return nil, errors.InvalidInput("approver_role", "unknown role "+string(*st.ApproverRole))
		}
		wf.Steps = append(wf.Steps, &repository.WorkflowStep{
			StepNumber:    st.StepNumber,
			ApproverID:    st.ApproverID,
			ApproverRole:  st.ApproverRole,
			IsRequired:    st.IsRequired,
			CanBypass:     st.CanBypass,
			IsManagerStep: st.IsManagerStep,
		})
	}

	err := s.store.InTx(ctx, func(q repository.Queries) error {
		if err := requireAdmin(ctx, q, actorID, req.CompanyID); err != nil {
			return err
		}
		for _, st := range wf.Steps {
			if st.ApproverID == nil {
				continue
			}
			if err := requireCompanyUser(ctx, q, *st.ApproverID, req.CompanyID); err != nil {
				return err
			}
		}
		return q.CreateWorkflow(ctx, wf)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("company_id", wf.CompanyID).
		Str("workflow_id", wf.ID).
		Int("steps", len(wf.Steps)).
		Msg("Workflow created")
	return wf, nil
}

// ListWorkflows returns every workflow of a company.
func (s *ApprovalWorkflowService) ListWorkflows(ctx context.Context, companyID string) ([]*repository.Workflow, error) {
	return s.store.ListWorkflows(ctx, companyID, false)
}

// ── Rules ─────────────────────────────────────────────────────────────────────

// CreateApprovalRuleRequest describes an auto-approval rule.
type CreateApprovalRuleRequest struct {
	CompanyID        string
	Name             string
	RuleType         repository.RuleType
	ThresholdPercent decimal.NullDecimal
	SpecificUserID   *string
	MinimumApprovers int
	MinAmount        decimal.NullDecimal
	MaxAmount        decimal.NullDecimal
	Categories       []string
	ConditionExpr    *string
	Priority         int
}

// CreateApprovalRule validates and stores a rule. Only company admins may
// call it.
func (s *ApprovalWorkflowService) CreateApprovalRule(ctx context.Context, actorID string, req CreateApprovalRuleRequest) (*repository.ApprovalRule, error) {
	if err := s.validateRule(req); err != nil {
		return nil, err
	}

	rule := &repository.ApprovalRule{
		CompanyID:        req.CompanyID,
		Name:             strings.TrimSpace(req.Name),
		RuleType:         req.RuleType,
		ThresholdPercent: req.ThresholdPercent,
		SpecificUserID:   req.SpecificUserID,
		MinimumApprovers: req.MinimumApprovers,
		Amounts:          repository.AmountRange{Min: req.MinAmount, Max: req.MaxAmount},
		Categories:       req.Categories,
		ConditionExpr:    req.ConditionExpr,
		Priority:         req.Priority,
		IsActive:         true,
	}

	err := s.store.InTx(ctx, func(q repository.Queries) error {
		if err := requireAdmin(ctx, q, actorID, req.CompanyID); err != nil {
			return err
		}
		if rule.SpecificUserID != nil {
			if err := requireCompanyUser(ctx, q, *rule.SpecificUserID, req.CompanyID); err != nil {
				return err
			}
		}
		return q.CreateApprovalRule(ctx, rule)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("company_id", rule.CompanyID).
		Str("rule_id", rule.ID).
		Str("rule_type", string(rule.RuleType)).
		Msg("Approval rule created")
	return rule, nil
}

func (s *ApprovalWorkflowService) validateRule(req CreateApprovalRuleRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return errors.InvalidInput("name", "rule name is required")
	}
	if !req.RuleType.IsValid() {
		return errors.InvalidInput("rule_type", "must be PERCENTAGE, SPECIFIC_USER or HYBRID")
	}

	needsThreshold := req.RuleType == repository.RuleTypePercentage || req.RuleType == repository.RuleTypeHybrid
	needsUser := req.RuleType == repository.RuleTypeSpecificUser || req.RuleType == repository.RuleTypeHybrid

	if needsThreshold {
		t := req.ThresholdPercent
		if !t.Valid || !t.Decimal.IsPositive() || t.Decimal.GreaterThan(decimal.NewFromInt(100)) {
			return errors.InvalidInput("threshold_percent", "must be greater than 0 and at most 100")
		}
	}
	if needsUser && (req.SpecificUserID == nil || *req.SpecificUserID == "") {
		return errors.InvalidInput("specific_user_id", "a specific user is required for this rule type")
	}
	if req.MinimumApprovers < 0 {
		return errors.InvalidInput("minimum_approvers", "must not be negative")
	}
	if err := validateBounds(req.MinAmount, req.MaxAmount); err != nil {
		return err
	}
	if req.ConditionExpr != nil && *req.ConditionExpr != "" {
		if err := s.conditions.Compile(*req.ConditionExpr); err != nil {
			return errors.InvalidInput("condition_expr", err.Error())
		}
	}
	return nil
}

// ListApprovalRules returns every rule of a company in evaluation order.
func (s *ApprovalWorkflowService) ListApprovalRules(ctx context.Context, companyID string) ([]*repository.ApprovalRule, error) {
	return s.store.ListApprovalRules(ctx, companyID, false)
}

// SetApprovalRuleActive enables or disables a rule. Only company admins
// may call it.
func (s *ApprovalWorkflowService) SetApprovalRuleActive(ctx context.Context, actorID, companyID, ruleID string, active bool) error {
	err := s.store.InTx(ctx, func(q repository.Queries) error {
		if err := requireAdmin(ctx, q, actorID, companyID); err != nil {
			return err
		}
		return q.SetApprovalRuleActive(ctx, companyID, ruleID, active)
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Str("company_id", companyID).
		Str("rule_id", ruleID).
		Bool("active", active).
		Msg("Approval rule updated")
	return nil
}

func validateBounds(lo, hi decimal.NullDecimal) error {
	if lo.Valid && lo.Decimal.IsNegative() {
		return errors.InvalidInput("min_amount", "must not be negative")
	}
	if lo.Valid && hi.Valid && lo.Decimal.GreaterThan(hi.Decimal) {
		return errors.InvalidInput("max_amount", "must not be less than min_amount")
	}
	return nil
}
