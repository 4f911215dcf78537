package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/database"
	"github.com/pesio-ai/be-expense-approvals/internal/platform/errors"
)

// ExpenseRepository persists expenses. Rows are never deleted.
type ExpenseRepository struct {
	db database.Querier
}

// NewExpenseRepository creates a new ExpenseRepository.
func NewExpenseRepository(db database.Querier) *ExpenseRepository {
	return &ExpenseRepository{db: db}
}

const expenseColumns = `
	id, company_id, submitted_by, amount, currency,
	amount_in_company_currency, category, description, expense_date,
	is_manager, workflow_id, status, current_step, created_at, updated_at`

// CreateExpense inserts an expense in its initial state.
func (r *ExpenseRepository) CreateExpense(ctx context.Context, e *Expense) error {
	status, step := e.State.Columns()
	if e.ExpenseDate.IsZero() {
		e.ExpenseDate = time.Now().UTC()
	}

	query := `
		INSERT INTO expenses
		    (company_id, submitted_by, amount, currency,
		     amount_in_company_currency, category, description, expense_date,
		     is_manager, workflow_id, status, current_step)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8,
		        $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		e.CompanyID,
		e.SubmittedBy,
		e.Amount,
		e.Currency,
		e.AmountInCompanyCurrency,
		e.Category,
		e.Description,
		e.ExpenseDate,
		e.IsManager,
		e.WorkflowID,
		status,
		step,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create expense")
	}
	return nil
}

// GetExpense retrieves an expense by ID.
func (r *ExpenseRepository) GetExpense(ctx context.Context, id string) (*Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// LockExpense retrieves an expense with FOR UPDATE. Only meaningful inside a
// transaction.
func (r *ExpenseRepository) LockExpense(ctx context.Context, id string) (*Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses WHERE id = $1 FOR UPDATE`
	return r.getOne(ctx, query, id)
}

func (r *ExpenseRepository) getOne(ctx context.Context, query, id string) (*Expense, error) {
	e, err := scanExpense(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("expense", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get expense")
	}
	return e, nil
}

// UpdateExpenseState persists a state transition.
func (r *ExpenseRepository) UpdateExpenseState(ctx context.Context, id string, state ApprovalState) error {
	status, step := state.Columns()

	query := `
		UPDATE expenses
		SET status       = $2,
		    current_step = $3,
		    updated_at   = NOW()
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, id, status, step)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update expense status")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("expense", id)
	}
	return nil
}

// ListExpensesBySubmitter returns a user's expenses, newest first.
func (r *ExpenseRepository) ListExpensesBySubmitter(ctx context.Context, userID string) ([]*Expense, error) {
	query := `SELECT ` + expenseColumns + `
		FROM expenses
		WHERE submitted_by = $1
		ORDER BY created_at DESC, id DESC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list expenses")
	}
	defer rows.Close()

	var expenses []*Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan expense")
		}
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func scanExpense(row rowScanner) (*Expense, error) {
	e := &Expense{}
	var status string
	var step *int

	err := row.Scan(
		&e.ID,
		&e.CompanyID,
		&e.SubmittedBy,
		&e.Amount,
		&e.Currency,
		&e.AmountInCompanyCurrency,
		&e.Category,
		&e.Description,
		&e.ExpenseDate,
		&e.IsManager,
		&e.WorkflowID,
		&status,
		&step,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.State, err = StateFromColumns(status, step)
	if err != nil {
		return nil, err
	}
	return e, nil
}
