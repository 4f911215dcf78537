package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/database"
	"github.com/pesio-ai/be-expense-approvals/internal/platform/errors"
)

// ExpenseApproversRepository handles the per-expense approval chain.
type ExpenseApproversRepository struct {
	db database.Querier
}

// NewExpenseApproversRepository creates a new ExpenseApproversRepository.
func NewExpenseApproversRepository(db database.Querier) *ExpenseApproversRepository {
	return &ExpenseApproversRepository{db: db}
}

const approverColumns = `
	id, expense_id, approver_id, sequence_order, is_manager, is_required,
	can_bypass, status, is_active, notified_at, decided_at`

// CreateApprovers inserts a built chain.
func (r *ExpenseApproversRepository) CreateApprovers(ctx context.Context, approvers []*ExpenseApprover) error {
	query := `
		INSERT INTO expense_approvers
		    (expense_id, approver_id, sequence_order, is_manager, is_required,
		     can_bypass, status, is_active, notified_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9)
		RETURNING id
	`

	for _, a := range approvers {
		err := r.db.QueryRow(ctx, query,
			a.ExpenseID,
			a.ApproverID,
			a.SequenceOrder,
			a.IsManager,
			a.IsRequired,
			a.CanBypass,
			a.Status,
			a.IsActive,
			a.NotifiedAt,
		).Scan(&a.ID)
		if err != nil {
			return writeError(err, "expense_approver", a.ApproverID, "failed to create expense approver")
		}
	}
	return nil
}

// ListApprovers returns the chain for an expense in sequence order.
func (r *ExpenseApproversRepository) ListApprovers(ctx context.Context, expenseID string) ([]*ExpenseApprover, error) {
	query := `SELECT ` + approverColumns + `
		FROM expense_approvers
		WHERE expense_id = $1
		ORDER BY sequence_order ASC
	`

	rows, err := r.db.Query(ctx, query, expenseID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list expense approvers")
	}
	defer rows.Close()

	var approvers []*ExpenseApprover
	for rows.Next() {
		a, err := scanApprover(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan expense approver")
		}
		approvers = append(approvers, a)
	}
	return approvers, rows.Err()
}

// RecordApproverStatus is a compare-and-swap from PENDING.
func (r *ExpenseApproversRepository) RecordApproverStatus(ctx context.Context, id string, status ApproverStatus, decidedAt time.Time) error {
	query := `
		UPDATE expense_approvers
		SET status     = $2,
		    is_active  = FALSE,
		    decided_at = $3
		WHERE id = $1 AND status = 'PENDING'
	`

	tag, err := r.db.Exec(ctx, query, id, status, decidedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record approver decision")
	}
	if tag.RowsAffected() == 0 {
		return ErrApproverNotPending
	}
	return nil
}

// ActivateApprover makes a PENDING row the one eligible to act.
func (r *ExpenseApproversRepository) ActivateApprover(ctx context.Context, id string, notifiedAt time.Time) error {
	query := `
		UPDATE expense_approvers
		SET is_active   = TRUE,
		    notified_at = $2
		WHERE id = $1 AND status = 'PENDING'
	`

	tag, err := r.db.Exec(ctx, query, id, notifiedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to activate expense approver")
	}
	if tag.RowsAffected() == 0 {
		return ErrApproverNotPending
	}
	return nil
}

// BypassPendingApprovers closes out every undecided row of an expense.
func (r *ExpenseApproversRepository) BypassPendingApprovers(ctx context.Context, expenseID string) (int64, error) {
	query := `
		UPDATE expense_approvers
		SET status    = 'BYPASSED',
		    is_active = FALSE
		WHERE expense_id = $1 AND status = 'PENDING'
	`

	tag, err := r.db.Exec(ctx, query, expenseID)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to bypass pending approvers")
	}
	return tag.RowsAffected(), nil
}

// ListPendingForUser returns rows currently waiting on userID, joined with
// the expense, submitter and company.
func (r *ExpenseApproversRepository) ListPendingForUser(ctx context.Context, userID string) ([]*PendingApproval, error) {
	query := `
		SELECT a.id, a.expense_id, a.approver_id, a.sequence_order, a.is_manager, a.is_required,
		       a.can_bypass, a.status, a.is_active, a.notified_at, a.decided_at,
		       e.id, e.company_id, e.submitted_by, e.amount, e.currency,
		       e.amount_in_company_currency, e.category, e.description, e.expense_date,
		       e.is_manager, e.workflow_id, e.status, e.current_step, e.created_at, e.updated_at,
		       u.name, c.name
		FROM expense_approvers a
		JOIN expenses e  ON e.id = a.expense_id
		JOIN users u     ON u.id = e.submitted_by
		JOIN companies c ON c.id = e.company_id
		WHERE a.approver_id = $1
		  AND a.is_active = TRUE
		  AND a.status = 'PENDING'
		ORDER BY a.notified_at ASC NULLS LAST, e.created_at ASC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get pending approvals")
	}
	defer rows.Close()

	var pending []*PendingApproval
	for rows.Next() {
		p, err := scanPendingApproval(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan pending approval")
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func scanApprover(row rowScanner) (*ExpenseApprover, error) {
	a := &ExpenseApprover{}
	err := row.Scan(
		&a.ID,
		&a.ExpenseID,
		&a.ApproverID,
		&a.SequenceOrder,
		&a.IsManager,
		&a.IsRequired,
		&a.CanBypass,
		&a.Status,
		&a.IsActive,
		&a.NotifiedAt,
		&a.DecidedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func scanPendingApproval(row rowScanner) (*PendingApproval, error) {
	a := &ExpenseApprover{}
	e := &Expense{}
	p := &PendingApproval{Approver: a, Expense: e}
	var status string
	var step *int

	err := row.Scan(
		&a.ID, &a.ExpenseID, &a.ApproverID, &a.SequenceOrder, &a.IsManager, &a.IsRequired,
		&a.CanBypass, &a.Status, &a.IsActive, &a.NotifiedAt, &a.DecidedAt,
		&e.ID, &e.CompanyID, &e.SubmittedBy, &e.Amount, &e.Currency,
		&e.AmountInCompanyCurrency, &e.Category, &e.Description, &e.ExpenseDate,
		&e.IsManager, &e.WorkflowID, &status, &step, &e.CreatedAt, &e.UpdatedAt,
		&p.SubmitterName, &p.CompanyName,
	)
	if err != nil {
		return nil, err
	}
	if e.State, err = StateFromColumns(status, step); err != nil {
		return nil, err
	}
	return p, nil
}
