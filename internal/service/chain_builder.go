package service

import (
	"context"
	"sort"
	"time"

	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

// buildChain resolves the ordered approvers for a new expense. Roles are
// resolved once here; later role changes do not reshuffle an existing
// chain. The same user never appears twice.
func buildChain(
	ctx context.Context,
	users repository.UserQueries,
	expense *repository.Expense,
	wf *repository.Workflow,
	submitter *repository.User,
) ([]*repository.ExpenseApprover, error) {
	var chain []*repository.ExpenseApprover
	seen := make(map[string]bool)
	seq := 1

	add := func(approverID string, isManager, isRequired, canBypass bool) {
		if seen[approverID] {
			return
		}
		seen[approverID] = true
		chain = append(chain, &repository.ExpenseApprover{
			ExpenseID:     expense.ID,
			ApproverID:    approverID,
			SequenceOrder: seq,
			IsManager:     isManager,
			IsRequired:    isRequired,
			CanBypass:     canBypass,
			Status:        repository.ApproverStatusPending,
		})
		seq++
	}

	if expense.IsManager && (wf == nil || wf.RequireManager) && submitter.ManagerID != nil {
		add(*submitter.ManagerID, true, true, false)
	}

	if wf == nil {
		return chain, nil
	}

	steps := append([]*repository.WorkflowStep(nil), wf.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StepNumber < steps[j].StepNumber })

	for _, step := range steps {
		approverID, err := resolveStepApprover(ctx, users, expense.CompanyID, step)
		if err != nil {
			return nil, err
		}
		if approverID == "" {
			continue
		}
		add(approverID, step.IsManagerStep, step.IsRequired, step.CanBypass)
	}
	return chain, nil
}

func resolveStepApprover(ctx context.Context, users repository.UserQueries, companyID string, step *repository.WorkflowStep) (string, error) {
	if step.ApproverID != nil && *step.ApproverID != "" {
		return *step.ApproverID, nil
	}
	if step.ApproverRole == nil {
		return "", nil
	}
	u, err := users.FindFirstUserByRole(ctx, companyID, *step.ApproverRole)
	if err != nil {
		return "", err
	}
	if u == nil {
		return "", nil
	}
	return u.ID, nil
}

// activateChain marks who may act first: sequence 1 in strict mode,
// everyone in parallel mode.
func activateChain(chain []*repository.ExpenseApprover, strict bool, now time.Time) {
	for _, a := range chain {
		if strict && a.SequenceOrder != 1 {
			continue
		}
		notified := now
		a.IsActive = true
		a.NotifiedAt = &notified
	}
}

func activeApproverIDs(chain []*repository.ExpenseApprover) []string {
	var ids []string
	for _, a := range chain {
		if a.IsActive && a.Status == repository.ApproverStatusPending {
			ids = append(ids, a.ApproverID)
		}
	}
	return ids
}
