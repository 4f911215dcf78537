package service

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
	"github.com/pesio-ai/be-expense-approvals/internal/rules"
)

func pct(v int64) decimal.NullDecimal { return decimal.NewNullDecimal(decimal.NewFromInt(v)) }

// chain returns n required approvers of which the first approved have
// approved.
func chain(n, approved int) []*repository.ExpenseApprover {
	out := make([]*repository.ExpenseApprover, n)
	for i := range out {
		status := repository.ApproverStatusPending
		if i < approved {
			status = repository.ApproverStatusApproved
		}
		out[i] = &repository.ExpenseApprover{SequenceOrder: i + 1, IsRequired: true, Status: status}
	}
	return out
}

func expenseOf(amount int64, category string) *repository.Expense {
	return &repository.Expense{
		AmountInCompanyCurrency: decimal.NewFromInt(amount),
		Category:                category,
	}
}

func TestRuleEvaluator_Percentage(t *testing.T) {
	eval := NewRuleEvaluator(nil, logger.Nop())
	rule := &repository.ApprovalRule{
		ID: "r1", Name: "60 Percent Rule", RuleType: repository.RuleTypePercentage,
		ThresholdPercent: pct(60), MinimumApprovers: 2, IsActive: true,
	}

	tests := []struct {
		name     string
		n, done  int
		fires    bool
		expected string
	}{
		{"one of three", 3, 1, false, ""},
		{"two of three", 3, 2, true, "66.7% approval threshold met (60 Percent Rule)"},
		{"three of five is exactly sixty", 5, 3, true, "60.0% approval threshold met (60 Percent Rule)"},
		{"one of one is below minimum approvers", 1, 1, false, ""},
		{"two of four", 4, 2, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := eval.Evaluate(expenseOf(100, "travel"), "u1", []*repository.ApprovalRule{rule}, chain(tt.n, tt.done))
			assert.Equal(t, tt.fires, got.Fires)
			if tt.fires {
				assert.Equal(t, tt.expected, got.Reason)
				assert.Equal(t, "r1", got.RuleID)
				assert.Equal(t, repository.RuleTypePercentage, got.RuleType)
			}
		})
	}
}

func TestRuleEvaluator_NoRequiredApproversNeverFires(t *testing.T) {
	eval := NewRuleEvaluator(nil, logger.Nop())
	rule := &repository.ApprovalRule{RuleType: repository.RuleTypePercentage, ThresholdPercent: pct(1), IsActive: true}

	optional := []*repository.ExpenseApprover{{Status: repository.ApproverStatusApproved}}
	assert.False(t, eval.Evaluate(expenseOf(1, ""), "u1", []*repository.ApprovalRule{rule}, optional).Fires)
}

func TestRuleEvaluator_SpecificUserIgnoresFilters(t *testing.T) {
	eval := NewRuleEvaluator(nil, logger.Nop())
	cfo := "cfo"
	rule := &repository.ApprovalRule{
		ID: "r2", Name: "CFO", RuleType: repository.RuleTypeSpecificUser, SpecificUserID: &cfo,
		Amounts:    repository.AmountRange{Max: pct(10)},
		Categories: []string{"meals"},
		IsActive:   true,
	}

	got := eval.Evaluate(expenseOf(5000, "travel"), cfo, []*repository.ApprovalRule{rule}, chain(3, 1))
	require.True(t, got.Fires)
	assert.Equal(t, "Auto-approved by CFO", got.Reason)

	assert.False(t, eval.Evaluate(expenseOf(5, "meals"), "someone-else", []*repository.ApprovalRule{rule}, chain(3, 3)).Fires)
}

func TestRuleEvaluator_HybridEitherClause(t *testing.T) {
	eval := NewRuleEvaluator(nil, logger.Nop())
	director := "director"
	rule := &repository.ApprovalRule{
		Name: "Hybrid", RuleType: repository.RuleTypeHybrid, SpecificUserID: &director,
		ThresholdPercent: pct(60), IsActive: true,
	}
	rules := []*repository.ApprovalRule{rule}

	got := eval.Evaluate(expenseOf(100, ""), director, rules, chain(3, 1))
	require.True(t, got.Fires)
	assert.Equal(t, "Auto-approved by specific approver in Hybrid", got.Reason)

	got = eval.Evaluate(expenseOf(100, ""), "finance", rules, chain(3, 2))
	require.True(t, got.Fires)
	assert.Equal(t, "66.7% approval threshold met (Hybrid)", got.Reason)

	assert.False(t, eval.Evaluate(expenseOf(100, ""), "finance", rules, chain(3, 1)).Fires)
}

func TestRuleEvaluator_PriorityAndTies(t *testing.T) {
	eval := NewRuleEvaluator(nil, logger.Nop())
	low := &repository.ApprovalRule{ID: "late", Name: "late", RuleType: repository.RuleTypePercentage, ThresholdPercent: pct(50), Priority: 5, IsActive: true}
	firstTie := &repository.ApprovalRule{ID: "first", Name: "first", RuleType: repository.RuleTypePercentage, ThresholdPercent: pct(50), Priority: 1, IsActive: true}
	secondTie := &repository.ApprovalRule{ID: "second", Name: "second", RuleType: repository.RuleTypePercentage, ThresholdPercent: pct(50), Priority: 1, IsActive: true}
	inactive := &repository.ApprovalRule{ID: "off", Name: "off", RuleType: repository.RuleTypePercentage, ThresholdPercent: pct(1), Priority: 0}

	got := eval.Evaluate(expenseOf(1, ""), "u", []*repository.ApprovalRule{low, inactive, firstTie, secondTie}, chain(2, 1))
	require.True(t, got.Fires)
	assert.Equal(t, "first", got.RuleID)
}

func TestRuleEvaluator_AmountAndCategoryFilters(t *testing.T) {
	eval := NewRuleEvaluator(nil, logger.Nop())
	rule := &repository.ApprovalRule{
		RuleType: repository.RuleTypePercentage, ThresholdPercent: pct(50), IsActive: true,
		Amounts:    repository.AmountRange{Min: pct(100), Max: pct(500)},
		Categories: []string{"Travel"},
	}
	rs := []*repository.ApprovalRule{rule}

	assert.True(t, eval.Evaluate(expenseOf(100, "travel"), "u", rs, chain(2, 1)).Fires, "bounds are inclusive and categories case-insensitive")
	assert.True(t, eval.Evaluate(expenseOf(500, "travel"), "u", rs, chain(2, 1)).Fires)
	assert.False(t, eval.Evaluate(expenseOf(501, "travel"), "u", rs, chain(2, 1)).Fires)
	assert.False(t, eval.Evaluate(expenseOf(200, "meals"), "u", rs, chain(2, 1)).Fires)
}

func TestRuleEvaluator_ConditionExpr(t *testing.T) {
	eval := NewRuleEvaluator(rules.NewExprEvaluator(), logger.Nop())
	small := "amount < 1000 && category == 'travel'"
	broken := "amount +"
	rs := []*repository.ApprovalRule{
		{ID: "broken", RuleType: repository.RuleTypePercentage, ThresholdPercent: pct(1), ConditionExpr: &broken, IsActive: true, Priority: 1},
		{ID: "small", RuleType: repository.RuleTypePercentage, ThresholdPercent: pct(50), ConditionExpr: &small, IsActive: true, Priority: 2},
	}

	got := eval.Evaluate(expenseOf(200, "travel"), "u", rs, chain(2, 1))
	require.True(t, got.Fires)
	assert.Equal(t, "small", got.RuleID, "a condition that fails to compile skips its rule")

	assert.False(t, eval.Evaluate(expenseOf(2000, "travel"), "u", rs, chain(2, 1)).Fires)
}
