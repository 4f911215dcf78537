package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/database"
	"github.com/pesio-ai/be-expense-approvals/internal/platform/errors"
)

// ApprovalAuditRepository appends and reads the immutable approval history
// and decision ledgers. Both tables carry a trigger rejecting UPDATE and
// DELETE, so appends are the only mutations exposed.
type ApprovalAuditRepository struct {
	db database.Querier
}

// NewApprovalAuditRepository creates a new ApprovalAuditRepository.
func NewApprovalAuditRepository(db database.Querier) *ApprovalAuditRepository {
	return &ApprovalAuditRepository{db: db}
}

// AppendHistory inserts one history entry.
func (r *ApprovalAuditRepository) AppendHistory(ctx context.Context, entry *ApprovalHistory) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal history metadata")
		}
	}

	query := `
		INSERT INTO approval_history
		    (expense_id, action, performed_by,
		     from_status, to_status, comment, metadata)
		VALUES ($1, $2, $3,
		        $4, $5, $6, $7)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		entry.ExpenseID,
		entry.Action,
		entry.PerformedBy,
		entry.FromStatus,
		entry.ToStatus,
		entry.Comment,
		metadataJSON,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append approval history")
	}
	return nil
}

// ListHistory returns the audit trail for an expense, oldest first.
func (r *ApprovalAuditRepository) ListHistory(ctx context.Context, expenseID string) ([]*ApprovalHistory, error) {
	query := `
		SELECT id, expense_id, action, performed_by,
		       from_status, to_status, comment, metadata, created_at
		FROM approval_history
		WHERE expense_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, expenseID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval history")
	}
	defer rows.Close()

	var entries []*ApprovalHistory
	for rows.Next() {
		entry := &ApprovalHistory{}
		var metadataJSON []byte
		if err := rows.Scan(
			&entry.ID,
			&entry.ExpenseID,
			&entry.Action,
			&entry.PerformedBy,
			&entry.FromStatus,
			&entry.ToStatus,
			&entry.Comment,
			&metadataJSON,
			&entry.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan history entry")
		}
		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal history metadata")
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// AppendDecision inserts one approver decision.
func (r *ApprovalAuditRepository) AppendDecision(ctx context.Context, d *ApprovalDecision) error {
	query := `
		INSERT INTO approval_decisions
		    (expense_id, approver_id, decision, comment, step_number)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		d.ExpenseID,
		d.ApproverID,
		d.Decision,
		d.Comment,
		d.StepNumber,
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record approval decision")
	}
	return nil
}

// ListDecisions returns the decisions on an expense, oldest first.
func (r *ApprovalAuditRepository) ListDecisions(ctx context.Context, expenseID string) ([]*ApprovalDecision, error) {
	query := `
		SELECT id, expense_id, approver_id, decision, comment, step_number, created_at
		FROM approval_decisions
		WHERE expense_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, expenseID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval decisions")
	}
	defer rows.Close()

	var decisions []*ApprovalDecision
	for rows.Next() {
		d := &ApprovalDecision{}
		if err := rows.Scan(&d.ID, &d.ExpenseID, &d.ApproverID, &d.Decision, &d.Comment, &d.StepNumber, &d.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval decision")
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// CountDecisionsSince counts one approver's decisions at or after since.
func (r *ApprovalAuditRepository) CountDecisionsSince(ctx context.Context, approverID string, since time.Time) (DecisionCounts, error) {
	query := `
		SELECT COUNT(*) FILTER (WHERE decision = 'APPROVE'),
		       COUNT(*) FILTER (WHERE decision = 'REJECT')
		FROM approval_decisions
		WHERE approver_id = $1 AND created_at >= $2
	`

	var counts DecisionCounts
	if err := r.db.QueryRow(ctx, query, approverID, since).Scan(&counts.Approved, &counts.Rejected); err != nil {
		return DecisionCounts{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to count approval decisions")
	}
	return counts, nil
}
