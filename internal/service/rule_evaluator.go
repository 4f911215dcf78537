package service

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
	"github.com/pesio-ai/be-expense-approvals/internal/rules"
)

// RuleOutcome reports whether an auto-approval rule fired, and which.
type RuleOutcome struct {
	Fires    bool
	Reason   string
	RuleID   string
	RuleType repository.RuleType
}

// Metadata is recorded on the finalizing history entry.
func (o RuleOutcome) Metadata() map[string]any {
	return map[string]any{
		"auto_approved": true,
		"rule_id":       o.RuleID,
		"rule_type":     string(o.RuleType),
	}
}

// RuleEvaluator decides whether an approval short-circuits the chain. It
// has no side effects other than logging bad conditions.
type RuleEvaluator struct {
	conditions rules.Evaluator
	log        *logger.Logger
}

// NewRuleEvaluator creates an evaluator. A nil conditions evaluator ignores
// condition_expr.
func NewRuleEvaluator(conditions rules.Evaluator, log *logger.Logger) *RuleEvaluator {
	return &RuleEvaluator{conditions: conditions, log: log}
}

// Evaluate checks rules in ascending priority, keeping input order among
// equal priorities, and returns the first that fires. approvers must
// already reflect the acting approver's decision.
func (r *RuleEvaluator) Evaluate(
	expense *repository.Expense,
	actorID string,
	ruleSet []*repository.ApprovalRule,
	approvers []*repository.ExpenseApprover,
) RuleOutcome {
	ordered := append([]*repository.ApprovalRule(nil), ruleSet...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	required, approved := requiredApprovals(approvers)

	for _, rule := range ordered {
		if !rule.IsActive {
			continue
		}

		// A named approver fires regardless of amount or category.
		if rule.SpecificUserID != nil && *rule.SpecificUserID == actorID {
			switch rule.RuleType {
			case repository.RuleTypeSpecificUser:
				return fired(rule, fmt.Sprintf("Auto-approved by %s", rule.Name))
			case repository.RuleTypeHybrid:
				return fired(rule, fmt.Sprintf("Auto-approved by specific approver in %s", rule.Name))
			}
		}

		if rule.RuleType == repository.RuleTypeSpecificUser {
			continue
		}
		if !rule.Amounts.Contains(expense.AmountInCompanyCurrency) ||
			!repository.CategoryAllowed(rule.Categories, expense.Category) {
			continue
		}
		if !r.conditionHolds(rule, expense, actorID, approved, required) {
			continue
		}

		if pct, ok := percentageMet(rule, approved, required); ok {
			return fired(rule, fmt.Sprintf("%s%% approval threshold met (%s)", pct.StringFixed(1), rule.Name))
		}
	}
	return RuleOutcome{}
}

func fired(rule *repository.ApprovalRule, reason string) RuleOutcome {
	return RuleOutcome{Fires: true, Reason: reason, RuleID: rule.ID, RuleType: rule.RuleType}
}

// requiredApprovals counts required chain entries and how many of them
// approved.
func requiredApprovals(approvers []*repository.ExpenseApprover) (required, approved int) {
	for _, a := range approvers {
		if !a.IsRequired {
			continue
		}
		required++
		if a.Status == repository.ApproverStatusApproved {
			approved++
		}
	}
	return required, approved
}

// percentageMet compares in integers scaled by 100 so 60% of 5 is exactly 3.
func percentageMet(rule *repository.ApprovalRule, approved, required int) (decimal.Decimal, bool) {
	if !rule.ThresholdPercent.Valid || required == 0 {
		return decimal.Zero, false
	}
	if rule.MinimumApprovers > 0 && approved < rule.MinimumApprovers {
		return decimal.Zero, false
	}

	scaled := decimal.NewFromInt(int64(approved) * 100)
	if scaled.LessThan(rule.ThresholdPercent.Decimal.Mul(decimal.NewFromInt(int64(required)))) {
		return decimal.Zero, false
	}
	return scaled.Div(decimal.NewFromInt(int64(required))), true
}

func (r *RuleEvaluator) conditionHolds(rule *repository.ApprovalRule, expense *repository.Expense, actorID string, approved, required int) bool {
	if rule.ConditionExpr == nil || *rule.ConditionExpr == "" || r.conditions == nil {
		return true
	}

	var pct float64
	if required > 0 {
		pct = float64(approved) * 100 / float64(required)
	}
	amount, _ := expense.AmountInCompanyCurrency.Float64()
	env := rules.Env(amount, expense.Category, approved, required, pct, actorID)

	ok, err := r.conditions.Evaluate(*rule.ConditionExpr, env)
	if err != nil {
		r.log.Warn().Err(err).
			Str("rule_id", rule.ID).
			Str("condition", *rule.ConditionExpr).
			Msg("Approval rule condition failed to evaluate; skipping rule")
		return false
	}
	return ok
}
