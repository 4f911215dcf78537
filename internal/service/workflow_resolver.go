package service

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

// WorkflowResolver picks the workflow that governs a new expense.
type WorkflowResolver struct {
	workflows repository.WorkflowQueries
}

// NewWorkflowResolver creates a resolver reading from the given queries.
func NewWorkflowResolver(workflows repository.WorkflowQueries) *WorkflowResolver {
	return &WorkflowResolver{workflows: workflows}
}

// Resolve returns the first active workflow whose amount window and
// category list admit the expense. Non-default workflows are tried before
// the default; when nothing matches the default is returned, and with no
// default the result is nil.
func (r *WorkflowResolver) Resolve(ctx context.Context, companyID string, amount decimal.Decimal, category string) (*repository.Workflow, error) {
	if amount.IsNegative() {
		return nil, errors.InvalidInput("amount_in_company_currency", "must not be negative")
	}

	workflows, err := r.workflows.ListWorkflows(ctx, companyID, true)
	if err != nil {
		return nil, err
	}
	return selectWorkflow(workflows, amount, category), nil
}

func selectWorkflow(workflows []*repository.Workflow, amount decimal.Decimal, category string) *repository.Workflow {
	var fallback *repository.Workflow
	for _, wf := range workflows {
		if wf.IsDefault {
			if fallback == nil {
				fallback = wf
			}
			continue
		}
		if matchesWorkflow(wf, amount, category) {
			return wf
		}
	}
	return fallback
}

func matchesWorkflow(wf *repository.Workflow, amount decimal.Decimal, category string) bool {
	return wf.Amounts.Contains(amount) && repository.CategoryAllowed(wf.Categories, category)
}
