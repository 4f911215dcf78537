package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

func TestCreateEmployee(t *testing.T) {
	f := newFixture(t)
	users := NewUserService(f.store, logger.Nop())
	ctx := context.Background()

	req := CreateEmployeeRequest{
		CompanyID: f.company.ID,
		Email:     "New.Hire@Acme.test",
		Name:      " New Hire ",
		Role:      repository.RoleEmployee,
		ManagerID: &f.manager.ID,
		Password:  "welcome-aboard",
	}

	u, err := users.CreateEmployee(ctx, f.admin.ID, req)
	require.NoError(t, err)
	assert.Equal(t, "new.hire@acme.test", u.Email)
	assert.Equal(t, "New Hire", u.Name)
	assert.Equal(t, f.manager.ID, *u.ManagerID)

	_, err = users.CreateEmployee(ctx, f.admin.ID, req)
	assert.True(t, errors.HasCode(err, errors.ErrCodeAlreadyExists))

	req.Email = "someone@acme.test"
	_, err = users.CreateEmployee(ctx, f.manager.ID, req)
	assert.True(t, errors.HasCode(err, errors.ErrCodeForbidden), "only admins add users")

	_, err = users.CreateEmployee(ctx, "", req)
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthorized))

	req.Role = "INTERN"
	_, err = users.CreateEmployee(ctx, f.admin.ID, req)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	list, err := users.ListCompanyUsers(ctx, f.company.ID)
	require.NoError(t, err)
	assert.Len(t, list, 6)
}

func TestCreateEmployee_ManagerFromAnotherCompany(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateCompany(ctx, &repository.Company{ID: "C2", Name: "Globex", Currency: "EUR"}))
	outsider := &repository.User{CompanyID: "C2", Email: "out@globex.test", Name: "Out", Role: repository.RoleManager, IsActive: true}
	require.NoError(t, f.store.CreateUser(ctx, outsider))

	_, err := NewUserService(f.store, logger.Nop()).CreateEmployee(ctx, f.admin.ID, CreateEmployeeRequest{
		CompanyID: f.company.ID,
		Email:     "x@acme.test",
		Name:      "X",
		Role:      repository.RoleEmployee,
		ManagerID: &outsider.ID,
		Password:  "long-enough",
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}

func TestAssignManager(t *testing.T) {
	f := newFixture(t)
	users := NewUserService(f.store, logger.Nop())
	ctx := context.Background()

	require.NoError(t, users.AssignManager(ctx, f.admin.ID, f.employee.ID, &f.director.ID))
	got, err := f.store.GetUser(ctx, f.employee.ID)
	require.NoError(t, err)
	assert.Equal(t, f.director.ID, *got.ManagerID)

	require.NoError(t, users.AssignManager(ctx, f.admin.ID, f.employee.ID, nil))
	got, err = f.store.GetUser(ctx, f.employee.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ManagerID)

	err = users.AssignManager(ctx, f.admin.ID, f.employee.ID, &f.employee.ID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	err = users.AssignManager(ctx, f.employee.ID, f.employee.ID, &f.manager.ID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeForbidden))

	err = users.AssignManager(ctx, f.admin.ID, "missing", &f.manager.ID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestDeactivateEmployee(t *testing.T) {
	f := newFixture(t)
	users := NewUserService(f.store, logger.Nop())
	ctx := context.Background()

	err := users.DeactivateEmployee(ctx, f.manager.ID, f.finance.ID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeForbidden))

	err = users.DeactivateEmployee(ctx, f.admin.ID, f.admin.ID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	err = users.DeactivateEmployee(ctx, f.admin.ID, "missing")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))

	require.NoError(t, users.DeactivateEmployee(ctx, f.admin.ID, f.finance.ID))
	got, err := f.store.GetUser(ctx, f.finance.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	list, err := users.ListCompanyUsers(ctx, f.company.ID)
	require.NoError(t, err)
	assert.Len(t, list, 5, "deactivated users are kept")
}

func TestDeactivatedRoleHolderIsSkipped(t *testing.T) {
	f := newFixture(t)
	users := NewUserService(f.store, logger.Nop())
	f.defaultWorkflow()
	backup := f.addUser("finance2", repository.RoleFinance, nil)

	require.NoError(t, users.DeactivateEmployee(f.ctx, f.admin.ID, f.finance.ID))

	e := f.submit(100, true)
	chain := f.approvers(e)
	require.Len(t, chain, 3)
	assert.Equal(t, f.manager.ID, chain[0].ApproverID)
	assert.Equal(t, backup.ID, chain[1].ApproverID)
	assert.Equal(t, f.director.ID, chain[2].ApproverID)
}

func TestDeactivatedSubmitterCannotSubmit(t *testing.T) {
	f := newFixture(t)
	f.defaultWorkflow()
	require.NoError(t, NewUserService(f.store, logger.Nop()).DeactivateEmployee(f.ctx, f.admin.ID, f.employee.ID))

	_, err := f.svc.SubmitExpense(f.ctx, SubmitExpenseRequest{
		CompanyID:   f.company.ID,
		SubmittedBy: f.employee.ID,
		Amount:      decimal.NewFromInt(50),
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeForbidden))
}
