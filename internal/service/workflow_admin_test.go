package service

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

func TestCreateDefaultApprovalRules(t *testing.T) {
	t.Run("with director", func(t *testing.T) {
		f := newFixture(t)
		created, err := f.svc.CreateDefaultApprovalRules(f.ctx, f.company.ID)
		require.NoError(t, err)
		require.Len(t, created, 3)

		listed, err := f.svc.ListApprovalRules(f.ctx, f.company.ID)
		require.NoError(t, err)
		var names []string
		for _, r := range listed {
			names = append(names, r.Name)
		}
		assert.Equal(t, []string{percentageRuleName, directorRuleName, hybridRuleName}, names)
		assert.Equal(t, f.director.ID, *listed[1].SpecificUserID)
		assert.Equal(t, 2, listed[0].MinimumApprovers)
	})

	t.Run("without director", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.CreateCompany(f.ctx, &repository.Company{ID: "C2", Name: "Globex", Currency: "EUR"}))

		created, err := f.svc.CreateDefaultApprovalRules(f.ctx, "C2")
		require.NoError(t, err)
		require.Len(t, created, 1)
		assert.Equal(t, repository.RuleTypePercentage, created[0].RuleType)
	})
}

func TestCreateDefaultWorkflows(t *testing.T) {
	f := newFixture(t)
	wf := f.defaultWorkflow()

	assert.True(t, wf.IsDefault)
	assert.True(t, wf.EnforceSequence)
	assert.True(t, wf.RequireManager)
	assert.Equal(t, 3, wf.MinimumApprovers)
	require.Len(t, wf.Steps, 3)
	assert.True(t, wf.Steps[0].IsManagerStep)
	assert.Equal(t, repository.RoleDirector, *wf.Steps[2].ApproverRole)

	_, err := f.svc.CreateDefaultWorkflows(f.ctx, f.company.ID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeAlreadyExists), "one default per company")
}

func TestCreateWorkflowValidation(t *testing.T) {
	f := newFixture(t)
	valid := func() CreateWorkflowRequest {
		return CreateWorkflowRequest{
			CompanyID: f.company.ID,
			Name:      "Finance only",
			Steps:     []CreateWorkflowStep{{StepNumber: 1, ApproverRole: rolePtr(repository.RoleFinance), IsRequired: true}},
		}
	}

	_, err := f.svc.CreateWorkflow(f.ctx, f.admin.ID, valid())
	require.NoError(t, err)

	tests := []struct {
		name  string
		actor string
		edit  func(*CreateWorkflowRequest)
		code  errors.ErrorCode
	}{
		{"blank name", "", func(r *CreateWorkflowRequest) { r.Name = "" }, errors.ErrCodeInvalidInput},
		{"inverted bounds", "", func(r *CreateWorkflowRequest) {
			r.MinAmount = decimal.NewNullDecimal(decimal.NewFromInt(10))
			r.MaxAmount = decimal.NewNullDecimal(decimal.NewFromInt(1))
		}, errors.ErrCodeInvalidInput},
		{"negative minimum", "", func(r *CreateWorkflowRequest) { r.MinimumApprovers = -1 }, errors.ErrCodeInvalidInput},
		{"step without target", "", func(r *CreateWorkflowRequest) { r.Steps[0].ApproverRole = nil }, errors.ErrCodeInvalidInput},
		{"duplicate step numbers", "", func(r *CreateWorkflowRequest) { r.Steps = append(r.Steps, r.Steps[0]) }, errors.ErrCodeInvalidInput},
		{"unknown pinned user", "", func(r *CreateWorkflowRequest) {
			r.Steps[0].ApproverRole = nil
			r.Steps[0].ApproverID = strPtr("ghost")
		}, errors.ErrCodeNotFound},
		{"non-admin", "manager", func(r *CreateWorkflowRequest) {}, errors.ErrCodeForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.edit(&req)
			actor := f.admin.ID
			if tt.actor == "manager" {
				actor = f.manager.ID
			}
			_, err := f.svc.CreateWorkflow(f.ctx, actor, req)
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestCreateApprovalRuleValidation(t *testing.T) {
	f := newFixture(t)
	hundred := decimal.NewNullDecimal(decimal.NewFromInt(100))
	badExpr := "amount >"

	tests := []struct {
		name string
		req  CreateApprovalRuleRequest
		code errors.ErrorCode
	}{
		{"threshold zero", CreateApprovalRuleRequest{Name: "r", RuleType: repository.RuleTypePercentage, ThresholdPercent: decimal.NewNullDecimal(decimal.Zero)}, errors.ErrCodeInvalidInput},
		{"threshold over 100", CreateApprovalRuleRequest{Name: "r", RuleType: repository.RuleTypePercentage, ThresholdPercent: decimal.NewNullDecimal(decimal.NewFromInt(101))}, errors.ErrCodeInvalidInput},
		{"hybrid without user", CreateApprovalRuleRequest{Name: "r", RuleType: repository.RuleTypeHybrid, ThresholdPercent: hundred}, errors.ErrCodeInvalidInput},
		{"specific user from nowhere", CreateApprovalRuleRequest{Name: "r", RuleType: repository.RuleTypeSpecificUser, SpecificUserID: strPtr("ghost")}, errors.ErrCodeNotFound},
		{"unknown type", CreateApprovalRuleRequest{Name: "r", RuleType: "QUORUM"}, errors.ErrCodeInvalidInput},
		{"bad condition", CreateApprovalRuleRequest{Name: "r", RuleType: repository.RuleTypePercentage, ThresholdPercent: hundred, ConditionExpr: &badExpr}, errors.ErrCodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.CompanyID = f.company.ID
			_, err := f.svc.CreateApprovalRule(f.ctx, f.admin.ID, tt.req)
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
		})
	}

	rule, err := f.svc.CreateApprovalRule(f.ctx, f.admin.ID, CreateApprovalRuleRequest{
		CompanyID:        f.company.ID,
		Name:             "Full sign-off",
		RuleType:         repository.RuleTypePercentage,
		ThresholdPercent: hundred,
		Priority:         4,
	})
	require.NoError(t, err)
	assert.True(t, rule.IsActive)

	require.NoError(t, f.svc.SetApprovalRuleActive(f.ctx, f.admin.ID, f.company.ID, rule.ID, false))
	active, err := f.store.ListApprovalRules(f.ctx, f.company.ID, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	err = f.svc.SetApprovalRuleActive(f.ctx, f.finance.ID, f.company.ID, rule.ID, true)
	assert.True(t, errors.HasCode(err, errors.ErrCodeForbidden))
}
