package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/database"
	"github.com/pesio-ai/be-expense-approvals/internal/platform/errors"
)

// WorkflowRepository manages workflow templates and their steps. Callers
// wrap CreateWorkflow in a transaction when the workflow and steps must
// land together.
type WorkflowRepository struct {
	db database.Querier
}

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository(db database.Querier) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

const workflowColumns = `
	id, company_id, name, description, min_amount, max_amount,
	categories, enforce_sequence, require_manager, minimum_approvers,
	is_default, is_active, created_at`

// CreateWorkflow inserts a workflow followed by its steps.
func (r *WorkflowRepository) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	wfQuery := `
		INSERT INTO workflows
		    (company_id, name, description, min_amount, max_amount,
		     categories, enforce_sequence, require_manager, minimum_approvers,
		     is_default, is_active)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10, $11)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, wfQuery,
		wf.CompanyID,
		wf.Name,
		wf.Description,
		wf.Amounts.Min,
		wf.Amounts.Max,
		nonNilStrings(wf.Categories),
		wf.EnforceSequence,
		wf.RequireManager,
		wf.MinimumApprovers,
		wf.IsDefault,
		wf.IsActive,
	).Scan(&wf.ID, &wf.CreatedAt)
	if err != nil {
		return writeError(err, "default workflow", wf.CompanyID, "failed to create workflow")
	}

	stepQuery := `
		INSERT INTO workflow_steps
		    (workflow_id, step_number, approver_id, approver_role,
		     is_required, can_bypass, is_manager_step)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7)
		RETURNING id
	`

	for _, step := range wf.Steps {
		step.WorkflowID = wf.ID
		err := r.db.QueryRow(ctx, stepQuery,
			step.WorkflowID,
			step.StepNumber,
			step.ApproverID,
			step.ApproverRole,
			step.IsRequired,
			step.CanBypass,
			step.IsManagerStep,
		).Scan(&step.ID)
		if err != nil {
			return writeError(err, "workflow step", "duplicate step number", "failed to create workflow step")
		}
	}
	return nil
}

// GetWorkflow retrieves a workflow with its steps.
func (r *WorkflowRepository) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`

	wf, err := r.scanWorkflow(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow")
	}

	if err := r.loadSteps(ctx, []*Workflow{wf}); err != nil {
		return nil, err
	}
	return wf, nil
}

// ListWorkflows returns a company's workflows in resolution order: every
// non-default workflow by creation, then the default.
func (r *WorkflowRepository) ListWorkflows(ctx context.Context, companyID string, activeOnly bool) ([]*Workflow, error) {
	query := `SELECT ` + workflowColumns + `
		FROM workflows
		WHERE company_id = $1
	`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY is_default ASC, created_at ASC, id ASC"

	rows, err := r.db.Query(ctx, query, companyID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflows")
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := r.scanWorkflow(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow")
		}
		workflows = append(workflows, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflows")
	}

	if err := r.loadSteps(ctx, workflows); err != nil {
		return nil, err
	}
	return workflows, nil
}

// loadSteps fills Steps for every workflow with a single query.
func (r *WorkflowRepository) loadSteps(ctx context.Context, workflows []*Workflow) error {
	if len(workflows) == 0 {
		return nil
	}

	byID := make(map[string]*Workflow, len(workflows))
	ids := make([]string, 0, len(workflows))
	for _, wf := range workflows {
		wf.Steps = nil
		byID[wf.ID] = wf
		ids = append(ids, wf.ID)
	}

	query := `
		SELECT id, workflow_id, step_number, approver_id, approver_role,
		       is_required, can_bypass, is_manager_step
		FROM workflow_steps
		WHERE workflow_id = ANY($1::uuid[])
		ORDER BY workflow_id, step_number ASC
	`

	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to load workflow steps")
	}
	defer rows.Close()

	for rows.Next() {
		step := &WorkflowStep{}
		if err := rows.Scan(
			&step.ID,
			&step.WorkflowID,
			&step.StepNumber,
			&step.ApproverID,
			&step.ApproverRole,
			&step.IsRequired,
			&step.CanBypass,
			&step.IsManagerStep,
		); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow step")
		}
		if wf, ok := byID[step.WorkflowID]; ok {
			wf.Steps = append(wf.Steps, step)
		}
	}
	return rows.Err()
}

func (r *WorkflowRepository) scanWorkflow(row rowScanner) (*Workflow, error) {
	wf := &Workflow{}
	err := row.Scan(
		&wf.ID,
		&wf.CompanyID,
		&wf.Name,
		&wf.Description,
		&wf.Amounts.Min,
		&wf.Amounts.Max,
		&wf.Categories,
		&wf.EnforceSequence,
		&wf.RequireManager,
		&wf.MinimumApprovers,
		&wf.IsDefault,
		&wf.IsActive,
		&wf.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return wf, nil
}
