package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/database"
	"github.com/pesio-ai/be-expense-approvals/internal/platform/errors"
)

// ApprovalRulesRepository handles CRUD for approval_rules.
type ApprovalRulesRepository struct {
	db database.Querier
}

// NewApprovalRulesRepository creates a new ApprovalRulesRepository.
func NewApprovalRulesRepository(db database.Querier) *ApprovalRulesRepository {
	return &ApprovalRulesRepository{db: db}
}

const ruleColumns = `
	id, company_id, name, rule_type, threshold_percent,
	specific_user_id, minimum_approvers, min_amount, max_amount,
	categories, condition_expr, priority, is_active, created_at`

// CreateApprovalRule inserts a new approval rule.
func (r *ApprovalRulesRepository) CreateApprovalRule(ctx context.Context, rule *ApprovalRule) error {
	query := `
		INSERT INTO approval_rules
		    (company_id, name, rule_type, threshold_percent,
		     specific_user_id, minimum_approvers, min_amount, max_amount,
		     categories, condition_expr, priority, is_active)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8,
		        $9, $10, $11, $12)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		rule.CompanyID,
		rule.Name,
		rule.RuleType,
		rule.ThresholdPercent,
		rule.SpecificUserID,
		rule.MinimumApprovers,
		rule.Amounts.Min,
		rule.Amounts.Max,
		nonNilStrings(rule.Categories),
		rule.ConditionExpr,
		rule.Priority,
		rule.IsActive,
	).Scan(&rule.ID, &rule.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval rule")
	}
	return nil
}

// ListApprovalRules returns a company's rules in evaluation order.
func (r *ApprovalRulesRepository) ListApprovalRules(ctx context.Context, companyID string, activeOnly bool) ([]*ApprovalRule, error) {
	query := `SELECT ` + ruleColumns + `
		FROM approval_rules
		WHERE company_id = $1
	`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY priority ASC, created_at ASC, id ASC"

	rows, err := r.db.Query(ctx, query, companyID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval rules")
	}
	defer rows.Close()

	var rules []*ApprovalRule
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval rule")
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// SetApprovalRuleActive toggles a rule on or off.
func (r *ApprovalRulesRepository) SetApprovalRuleActive(ctx context.Context, companyID, id string, active bool) error {
	query := `
		UPDATE approval_rules
		SET is_active = $3
		WHERE id = $1 AND company_id = $2
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, companyID, active).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_rule", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval rule")
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalRulesRepository) scanRule(row rowScanner) (*ApprovalRule, error) {
	rule := &ApprovalRule{}
	err := row.Scan(
		&rule.ID,
		&rule.CompanyID,
		&rule.Name,
		&rule.RuleType,
		&rule.ThresholdPercent,
		&rule.SpecificUserID,
		&rule.MinimumApprovers,
		&rule.Amounts.Min,
		&rule.Amounts.Max,
		&rule.Categories,
		&rule.ConditionExpr,
		&rule.Priority,
		&rule.IsActive,
		&rule.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rule, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
