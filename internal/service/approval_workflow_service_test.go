package service

import (
	stderrors "errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

func TestHybridRuleApprovesAfterFinance(t *testing.T) {
	f := newFixture(t)
	f.defaultWorkflow()
	rule := f.addRule(&repository.ApprovalRule{
		Name:             "Hybrid",
		RuleType:         repository.RuleTypeHybrid,
		ThresholdPercent: decimal.NewNullDecimal(decimal.NewFromInt(60)),
		SpecificUserID:   &f.director.ID,
		Priority:         1,
	})

	e := f.submit(500, true)
	step, ok := e.State.CurrentStep()
	require.True(t, ok)
	assert.Equal(t, 1, step)
	assert.Equal(t, repository.ExpenseStatusPending, e.State.Status())

	chain := f.approvers(e)
	require.Len(t, chain, 3)
	assert.Equal(t, f.manager.ID, chain[0].ApproverID)
	assert.True(t, chain[0].IsActive)
	assert.True(t, chain[0].IsManager)
	assert.Equal(t, f.finance.ID, chain[1].ApproverID)
	assert.False(t, chain[1].IsActive)
	assert.Equal(t, f.director.ID, chain[2].ApproverID)

	e = f.approve(e, f.manager)
	assert.Equal(t, repository.InProgressAt(2), e.State)

	e = f.approve(e, f.finance)
	assert.Equal(t, repository.Approved(), e.State)
	_, hasStep := e.State.CurrentStep()
	assert.False(t, hasStep)

	chain = f.approvers(e)
	assert.Equal(t, repository.ApproverStatusBypassed, chain[2].Status)
	assert.False(t, chain[2].IsActive)

	history, err := f.svc.GetApprovalHistory(f.ctx, e.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, repository.SystemActor, last.PerformedBy)
	assert.Equal(t, "66.7% approval threshold met (Hybrid)", last.Comment)
	assert.Equal(t, true, last.Metadata["auto_approved"])
	assert.Equal(t, rule.ID, last.Metadata["rule_id"])
	assert.Equal(t, "HYBRID", last.Metadata["rule_type"])
}

func TestSpecificUserShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.defaultWorkflow()
	f.addRule(&repository.ApprovalRule{
		Name:           "Director Auto-Approval",
		RuleType:       repository.RuleTypeSpecificUser,
		SpecificUserID: &f.manager.ID,
		Priority:       1,
		Amounts:        repository.AmountRange{Max: decimal.NewNullDecimal(decimal.NewFromInt(1))},
	})

	e := f.submit(900, true)
	e = f.approve(e, f.manager)

	assert.Equal(t, repository.Approved(), e.State)
	for _, a := range f.approvers(e)[1:] {
		assert.Equal(t, repository.ApproverStatusBypassed, a.Status)
	}
	history, err := f.svc.GetApprovalHistory(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Auto-approved by Director Auto-Approval", history[len(history)-1].Comment)
}

func TestSequentialChainCompletes(t *testing.T) {
	f := newFixture(t)
	f.defaultWorkflow()

	e := f.submit(200, true)
	e = f.approve(e, f.manager)
	e = f.approve(e, f.finance)
	assert.Equal(t, repository.InProgressAt(3), e.State)
	e = f.approve(e, f.director)

	assert.Equal(t, repository.Approved(), e.State)
	history, err := f.svc.GetApprovalHistory(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, reasonAllRequiredApproved, history[len(history)-1].Comment)
	assert.Equal(t, []string{EventExpenseSubmitted, EventExpenseApprovalRequired, EventExpenseApprovalRequired, EventExpenseApproved}, f.notifier.types())
}

func TestSequenceCompleteBelowMinimum(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateWorkflow(f.ctx, f.admin.ID, CreateWorkflowRequest{
		CompanyID:        f.company.ID,
		Name:             "Two steps, three required",
		EnforceSequence:  true,
		MinimumApprovers: 3,
		Steps: []CreateWorkflowStep{
			{StepNumber: 1, ApproverRole: rolePtr(repository.RoleFinance), IsRequired: true},
			{StepNumber: 2, ApproverRole: rolePtr(repository.RoleDirector), IsRequired: true},
		},
	})
	require.NoError(t, err)

	e := f.submit(200, false)
	require.Len(t, f.approvers(e), 2)

	e = f.approve(e, f.finance)
	e = f.approve(e, f.director)
	assert.Equal(t, repository.Approved(), e.State)

	history, err := f.svc.GetApprovalHistory(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, reasonSequenceComplete, history[len(history)-1].Comment)
}

func TestRejectFinalizes(t *testing.T) {
	f := newFixture(t)
	f.defaultWorkflow()
	e := f.submit(300, true)

	_, err := f.svc.ProcessApproval(f.ctx, e.ID, f.manager.ID, repository.DecisionReject, "  ")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	e, err = f.svc.ProcessApproval(f.ctx, e.ID, f.manager.ID, repository.DecisionReject, "missing receipt")
	require.NoError(t, err)
	assert.Equal(t, repository.Rejected(), e.State)

	chain := f.approvers(e)
	assert.Equal(t, repository.ApproverStatusRejected, chain[0].Status)
	assert.Equal(t, repository.ApproverStatusBypassed, chain[1].Status)
	assert.Equal(t, repository.ApproverStatusBypassed, chain[2].Status)

	history, err := f.svc.GetApprovalHistory(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Rejected by manager", history[len(history)-1].Comment)
	assert.Equal(t, EventExpenseRejected, f.notifier.types()[len(f.notifier.types())-1])
}

func TestProcessApprovalPreconditions(t *testing.T) {
	f := newFixture(t)
	f.defaultWorkflow()
	e := f.submit(100, true)

	_, err := f.svc.ProcessApproval(f.ctx, e.ID, f.admin.ID, repository.DecisionApprove, "")
	assert.ErrorIs(t, err, ErrNotAnApprover)

	_, err = f.svc.ProcessApproval(f.ctx, e.ID, f.finance.ID, repository.DecisionApprove, "")
	assert.ErrorIs(t, err, ErrNotYourTurn)

	_, err = f.svc.ProcessApproval(f.ctx, e.ID, f.manager.ID, repository.Decision("MAYBE"), "")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	f.approve(e, f.manager)
	_, err = f.svc.ProcessApproval(f.ctx, e.ID, f.manager.ID, repository.DecisionApprove, "")
	assert.ErrorIs(t, err, ErrAlreadyDecided)

	_, err = f.svc.ProcessApproval(f.ctx, "missing", f.manager.ID, repository.DecisionApprove, "")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))

	_, err = f.svc.ProcessApproval(f.ctx, e.ID, f.finance.ID, repository.DecisionReject, "no")
	require.NoError(t, err)
	_, err = f.svc.ProcessApproval(f.ctx, e.ID, f.director.ID, repository.DecisionApprove, "")
	assert.ErrorIs(t, err, ErrExpenseFinalized)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))
}

func TestParallelWorkflow(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateWorkflow(f.ctx, f.admin.ID, CreateWorkflowRequest{
		CompanyID:        f.company.ID,
		Name:             "Any two",
		EnforceSequence:  false,
		MinimumApprovers: 2,
		Steps: []CreateWorkflowStep{
			{StepNumber: 1, ApproverRole: rolePtr(repository.RoleManager), IsRequired: true},
			{StepNumber: 2, ApproverRole: rolePtr(repository.RoleFinance), IsRequired: true},
			{StepNumber: 3, ApproverRole: rolePtr(repository.RoleDirector), IsRequired: true},
		},
	})
	require.NoError(t, err)

	e := f.submit(50, false)
	for _, a := range f.approvers(e) {
		assert.True(t, a.IsActive, "parallel chains activate every entry")
		assert.NotNil(t, a.NotifiedAt)
	}

	e = f.approve(e, f.director)
	assert.Equal(t, repository.InProgressAt(1), e.State)

	e = f.approve(e, f.finance)
	assert.Equal(t, repository.Approved(), e.State)

	history, err := f.svc.GetApprovalHistory(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, reasonMinimumReached, history[len(history)-1].Comment)
	assert.Equal(t, repository.ApproverStatusBypassed, f.approvers(e)[0].Status)
}

func TestEmptyChain(t *testing.T) {
	t.Run("approval required escalates", func(t *testing.T) {
		f := newFixture(t)
		e := f.submit(10, false)
		assert.Equal(t, repository.Escalated(), e.State)

		history, err := f.svc.GetApprovalHistory(f.ctx, e.ID)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, repository.HistoryActionSubmitted, history[0].Action)
		assert.Equal(t, reasonNoApproversResolved, history[1].Comment)
		assert.Equal(t, repository.SystemActor, history[1].PerformedBy)
	})

	t.Run("approval not required approves", func(t *testing.T) {
		f := newFixture(t)
		c := &repository.Company{ID: "C2", Name: "Lax", Country: "US", Currency: "USD"}
		require.NoError(t, f.store.CreateCompany(f.ctx, c))
		settings := repository.DefaultCompanySettings(c.ID)
		settings.ApprovalRequired = false
		require.NoError(t, f.store.CreateCompanySettings(f.ctx, settings))
		u := &repository.User{CompanyID: c.ID, Email: "solo@lax.test", Name: "Solo", Role: repository.RoleEmployee, IsActive: true}
		require.NoError(t, f.store.CreateUser(f.ctx, u))

		e, err := f.svc.SubmitExpense(f.ctx, SubmitExpenseRequest{CompanyID: c.ID, SubmittedBy: u.ID, Amount: decimal.NewFromInt(5)})
		require.NoError(t, err)
		assert.Equal(t, repository.Approved(), e.State)
		assert.Equal(t, "USD", e.Currency)
	})
}

func TestManagerEntryIsDeduplicated(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateWorkflow(f.ctx, f.admin.ID, CreateWorkflowRequest{
		CompanyID:       f.company.ID,
		Name:            "Manager twice",
		EnforceSequence: true,
		RequireManager:  true,
		Steps: []CreateWorkflowStep{
			{StepNumber: 1, ApproverID: &f.manager.ID, IsRequired: true},
			{StepNumber: 2, ApproverRole: rolePtr(repository.RoleManager), IsRequired: true},
			{StepNumber: 3, ApproverRole: rolePtr(repository.RoleFinance), IsRequired: false},
		},
	})
	require.NoError(t, err)

	e := f.submit(75, true)
	chain := f.approvers(e)
	require.Len(t, chain, 2)
	assert.Equal(t, f.manager.ID, chain[0].ApproverID)
	assert.Equal(t, 1, chain[0].SequenceOrder)
	assert.Equal(t, f.finance.ID, chain[1].ApproverID)
	assert.Equal(t, 2, chain[1].SequenceOrder)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SubmitExpense(f.ctx, SubmitExpenseRequest{CompanyID: f.company.ID, SubmittedBy: f.employee.ID, Amount: decimal.Zero})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	_, err = f.svc.SubmitExpense(f.ctx, SubmitExpenseRequest{CompanyID: "other", SubmittedBy: f.employee.ID, Amount: decimal.NewFromInt(1)})
	assert.True(t, errors.HasCode(err, errors.ErrCodeForbidden))

	_, err = f.svc.SubmitExpense(f.ctx, SubmitExpenseRequest{CompanyID: f.company.ID, SubmittedBy: f.employee.ID,
		Amount: decimal.NewFromInt(1), AmountInCompanyCurrency: decimal.NewNullDecimal(decimal.NewFromInt(-1))})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}

func TestDecisionIsAtomic(t *testing.T) {
	f := newFixture(t)
	f.defaultWorkflow()
	e := f.submit(100, true)
	boom := stderrors.New("disk full")

	f.store.FailOn("ActivateApprover", boom)
	_, err := f.svc.ProcessApproval(f.ctx, e.ID, f.manager.ID, repository.DecisionApprove, "")
	require.ErrorIs(t, err, boom)
	f.store.FailOn("ActivateApprover", nil)

	assert.Equal(t, repository.PendingAt(1), f.reload(e).State)
	assert.Equal(t, repository.ApproverStatusPending, f.approvers(e)[0].Status)
	decisions, err := f.store.ListDecisions(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, decisions)

	e = f.approve(e, f.manager)
	assert.Equal(t, repository.InProgressAt(2), e.State)
}

func TestEscalateExpense(t *testing.T) {
	f := newFixture(t)
	f.defaultWorkflow()
	e := f.submit(100, true)

	_, err := f.svc.EscalateExpense(f.ctx, e.ID, f.admin.ID, "")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	e, err = f.svc.EscalateExpense(f.ctx, e.ID, f.admin.ID, "over budget")
	require.NoError(t, err)
	assert.Equal(t, repository.Escalated(), e.State)
	for _, a := range f.approvers(e) {
		assert.Equal(t, repository.ApproverStatusBypassed, a.Status)
	}

	history, err := f.svc.GetApprovalHistory(f.ctx, e.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, repository.HistoryActionEscalated, last.Action)
	assert.Equal(t, f.admin.ID, last.PerformedBy)

	_, err = f.svc.EscalateExpense(f.ctx, e.ID, f.admin.ID, "again")
	assert.ErrorIs(t, err, ErrExpenseFinalized)
}

func TestPendingApprovalsAndStats(t *testing.T) {
	f := newFixture(t)
	f.defaultWorkflow()
	first := f.submit(100, true)
	f.submit(250, true)

	pending, err := f.svc.GetPendingApprovalsForUser(f.ctx, f.manager.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "employee", pending[0].SubmitterName)
	assert.Equal(t, "Acme", pending[0].CompanyName)

	f.approve(first, f.manager)

	stats, err := f.svc.GetManagerStats(f.ctx, f.manager.ID, f.svc.now())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PendingApprovals)
	assert.Equal(t, 1, stats.ApprovedThisMonth)
	assert.Equal(t, 0, stats.RejectedThisMonth)
	assert.True(t, decimal.NewFromInt(250).Equal(stats.TotalPendingAmount))
}

func TestConcurrentDecisionsSerialize(t *testing.T) {
	f := newFixture(t)
	f.defaultWorkflow()
	e := f.submit(100, true)

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		losers  []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.ProcessApproval(f.ctx, e.ID, f.manager.ID, repository.DecisionApprove, "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				success++
				return
			}
			losers = append(losers, err)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, success)
	require.Len(t, losers, callers-1)
	for _, err := range losers {
		assert.ErrorIs(t, err, ErrAlreadyDecided)
	}

	decisions, err := f.store.ListDecisions(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, decisions, 1)
	assert.Equal(t, repository.InProgressAt(2), f.reload(e).State)
}

func TestRejectionDominatesAutoApprovalRule(t *testing.T) {
	f := newFixture(t)
	f.defaultWorkflow()
	f.addRule(&repository.ApprovalRule{
		Name:           "Manager Auto-Approval",
		RuleType:       repository.RuleTypeSpecificUser,
		SpecificUserID: &f.manager.ID,
		Priority:       1,
	})

	e := f.submit(100, true)
	e, err := f.svc.ProcessApproval(f.ctx, e.ID, f.manager.ID, repository.DecisionReject, "duplicate claim")
	require.NoError(t, err)
	assert.Equal(t, repository.Rejected(), e.State)

	history, err := f.svc.GetApprovalHistory(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Rejected by manager", history[len(history)-1].Comment)
}

func TestCompanyCurrencyAmount(t *testing.T) {
	f := newFixture(t)
	f.defaultWorkflow()

	tests := []struct {
		name    string
		company decimal.NullDecimal
		want    decimal.Decimal
	}{
		{"unset defaults to amount", decimal.NullDecimal{}, decimal.NewFromInt(500)},
		{"explicit zero is kept", decimal.NewNullDecimal(decimal.Zero), decimal.Zero},
		{"explicit value", decimal.NewNullDecimal(decimal.NewFromInt(460)), decimal.NewFromInt(460)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := f.svc.SubmitExpense(f.ctx, SubmitExpenseRequest{
				CompanyID:               f.company.ID,
				SubmittedBy:             f.employee.ID,
				Amount:                  decimal.NewFromInt(500),
				Currency:                "EUR",
				AmountInCompanyCurrency: tt.company,
			})
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(f.reload(e).AmountInCompanyCurrency), "got %s", e.AmountInCompanyCurrency)
		})
	}
}
