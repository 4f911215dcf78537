package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
	"github.com/pesio-ai/be-expense-approvals/internal/rules"
)

// Precondition failures of ProcessApproval. Each is distinguishable with
// errors.Is.
var (
	ErrExpenseFinalized = errors.New(errors.ErrCodeConflict, "expense has already been finalized")
	ErrNotAnApprover    = errors.New(errors.ErrCodeForbidden, "not an approver for this expense")
	ErrAlreadyDecided   = errors.New(errors.ErrCodeConflict, "approver has already decided")
	ErrNotYourTurn      = errors.New(errors.ErrCodeForbidden, "expense is not yet at your step")
)

// Notification event types.
const (
	EventExpenseSubmitted        = "expense_submitted"
	EventExpenseApprovalRequired = "expense_approval_required"
	EventExpenseApproved         = "expense_approved"
	EventExpenseRejected         = "expense_rejected"
	EventExpenseEscalated        = "expense_escalated"
)

// Finalization reasons written to history.
const (
	reasonNoApproversRequired = "No approvers required"
	reasonNoApproversResolved = "No approvers could be resolved"
	reasonAllRequiredApproved = "All required approvals received"
	reasonSequenceComplete    = "Sequential approval complete"
	reasonMinimumReached      = "Minimum approvals reached"
	reasonAllActed            = "All approvers have acted"
)

// Notifier delivers expense events. Implementations log delivery failures
// instead of returning them.
type Notifier interface {
	PublishExpenseEvent(ctx context.Context, eventType string, expense *repository.Expense, actorID string, recipients []string, payload map[string]any)
}

type nopNotifier struct{}

func (nopNotifier) PublishExpenseEvent(context.Context, string, *repository.Expense, string, []string, map[string]any) {
}

// ApprovalWorkflowService runs expenses through their approval chains.
type ApprovalWorkflowService struct {
	store      repository.Store
	rules      *RuleEvaluator
	conditions *rules.ExprEvaluator
	notifier   Notifier
	metrics    *Metrics
	now        func() time.Time
	log        *logger.Logger
}

// NewApprovalWorkflowService creates the service. A nil notifier drops
// events and nil metrics records nothing.
func NewApprovalWorkflowService(
	store repository.Store,
	conditions *rules.ExprEvaluator,
	notifier Notifier,
	metrics *Metrics,
	log *logger.Logger,
) *ApprovalWorkflowService {
	if conditions == nil {
		conditions = rules.NewExprEvaluator()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &ApprovalWorkflowService{
		store:      store,
		rules:      NewRuleEvaluator(conditions, log),
		conditions: conditions,
		notifier:   notifier,
		metrics:    metrics,
		now:        time.Now,
		log:        log,
	}
}

// ── Submit ────────────────────────────────────────────────────────────────────

// SubmitExpenseRequest represents a new expense claim.
type SubmitExpenseRequest struct {
	CompanyID   string
	SubmittedBy string
	Amount      decimal.Decimal
	Currency    string
	// AmountInCompanyCurrency defaults to Amount when unset. Zero is kept.
	AmountInCompanyCurrency decimal.NullDecimal
	Category                string
	Description             string
	ExpenseDate             time.Time
	// IsManager asks for the submitter's manager to approve first.
	IsManager bool
}

// SubmitExpense stores the expense, resolves its workflow and builds the
// approver chain in one transaction.
func (s *ApprovalWorkflowService) SubmitExpense(ctx context.Context, req SubmitExpenseRequest) (*repository.Expense, error) {
	ctx, span := s.metrics.startSpan(ctx, "ApprovalWorkflowService.SubmitExpense",
		attribute.String("company_id", req.CompanyID))
	defer span.End()

	if req.CompanyID == "" {
		return nil, errors.InvalidInput("company_id", "company_id is required")
	}
	if req.SubmittedBy == "" {
		return nil, errors.InvalidInput("submitted_by", "submitter is required")
	}
	if !req.Amount.IsPositive() {
		return nil, errors.InvalidInput("amount", "must be greater than zero")
	}
	companyAmount := req.Amount
	if req.AmountInCompanyCurrency.Valid {
		companyAmount = req.AmountInCompanyCurrency.Decimal
	}
	if companyAmount.IsNegative() {
		return nil, errors.InvalidInput("amount_in_company_currency", "must not be negative")
	}

	var (
		expense   *repository.Expense
		activated []string
	)
	err := s.store.InTx(ctx, func(q repository.Queries) error {
		submitter, err := q.GetUser(ctx, req.SubmittedBy)
		if err != nil {
			return err
		}
		if !submitter.IsActive {
			return errors.New(errors.ErrCodeForbidden, "submitter is not active")
		}
		if submitter.CompanyID != req.CompanyID {
			return errors.New(errors.ErrCodeForbidden, "submitter does not belong to this company")
		}

		settings, err := companySettings(ctx, q, req.CompanyID)
		if err != nil {
			return err
		}

		wf, err := NewWorkflowResolver(q).Resolve(ctx, req.CompanyID, companyAmount, req.Category)
		if err != nil {
			return err
		}

		currency := req.Currency
		if currency == "" {
			if company, err := q.GetCompany(ctx, req.CompanyID); err == nil {
				currency = company.Currency
			}
		}

		e := &repository.Expense{
			CompanyID:               req.CompanyID,
			SubmittedBy:             req.SubmittedBy,
			Amount:                  req.Amount,
			Currency:                strings.ToUpper(currency),
			AmountInCompanyCurrency: companyAmount,
			Category:                req.Category,
			Description:             req.Description,
			ExpenseDate:             req.ExpenseDate,
			IsManager:               req.IsManager,
			State:                   repository.Pending(),
		}
		if wf != nil {
			e.WorkflowID = &wf.ID
		}
		if err := q.CreateExpense(ctx, e); err != nil {
			return err
		}

		to := repository.ExpenseStatusPending
		if err := q.AppendHistory(ctx, &repository.ApprovalHistory{
			ExpenseID:   e.ID,
			Action:      repository.HistoryActionSubmitted,
			PerformedBy: submitter.ID,
			ToStatus:    &to,
		}); err != nil {
			return err
		}

		chain, err := buildChain(ctx, q, e, wf, submitter)
		if err != nil {
			return err
		}
		expense = e

		if len(chain) == 0 {
			if !settings.ApprovalRequired {
				return s.finalize(ctx, q, e, repository.ExpenseStatusApproved, repository.SystemActor, reasonNoApproversRequired, nil)
			}
			return s.finalize(ctx, q, e, repository.ExpenseStatusEscalated, repository.SystemActor, reasonNoApproversResolved, nil)
		}

		activateChain(chain, wf == nil || wf.EnforceSequence, s.now())
		if err := q.CreateApprovers(ctx, chain); err != nil {
			return err
		}
		e.State = repository.PendingAt(1)
		if err := q.UpdateExpenseState(ctx, e.ID, e.State); err != nil {
			return err
		}
		activated = activeApproverIDs(chain)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.expenseSubmitted(ctx)
	s.log.Info().
		Str("expense_id", expense.ID).
		Str("company_id", expense.CompanyID).
		Str("status", string(expense.State.Status())).
		Int("notified", len(activated)).
		Msg("Expense submitted")

	if expense.State.IsTerminal() {
		s.afterFinalize(ctx, expense, repository.SystemActor, "")
	} else {
		s.notifier.PublishExpenseEvent(ctx, EventExpenseSubmitted, expense, expense.SubmittedBy, activated, nil)
	}
	return expense, nil
}

// ── Decide ────────────────────────────────────────────────────────────────────

// decisionResult carries what the transaction decided to the post-commit
// side effects.
type decisionResult struct {
	expense   *repository.Expense
	reason    string
	activated []string
}

// ProcessApproval records one approver's decision and advances or finalizes
// the expense. The expense row is locked for the whole transaction, so
// concurrent decisions on one expense serialize.
func (s *ApprovalWorkflowService) ProcessApproval(
	ctx context.Context,
	expenseID, approverID string,
	decision repository.Decision,
	comment string,
) (*repository.Expense, error) {
	ctx, span := s.metrics.startSpan(ctx, "ApprovalWorkflowService.ProcessApproval",
		attribute.String("expense_id", expenseID),
		attribute.String("decision", string(decision)))
	defer span.End()

	var res decisionResult
	err := s.store.InTx(ctx, func(q repository.Queries) error {
		var err error
		res, err = s.decide(ctx, q, expenseID, approverID, decision, comment)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.decisionRecorded(ctx, decision)
	s.log.Info().
		Str("expense_id", expenseID).
		Str("approver_id", approverID).
		Str("decision", string(decision)).
		Str("status", string(res.expense.State.Status())).
		Msg("Approval decision recorded")

	if res.expense.State.IsTerminal() {
		s.afterFinalize(ctx, res.expense, approverID, res.reason)
	} else if len(res.activated) > 0 {
		s.notifier.PublishExpenseEvent(ctx, EventExpenseApprovalRequired, res.expense, approverID, res.activated, nil)
	}
	return res.expense, nil
}

func (s *ApprovalWorkflowService) decide(
	ctx context.Context,
	q repository.Queries,
	expenseID, approverID string,
	decision repository.Decision,
	comment string,
) (decisionResult, error) {
	e, err := q.LockExpense(ctx, expenseID)
	if err != nil {
		return decisionResult{}, err
	}
	if e.State.IsTerminal() {
		return decisionResult{}, ErrExpenseFinalized
	}

	approvers, err := q.ListApprovers(ctx, expenseID)
	if err != nil {
		return decisionResult{}, err
	}
	row := findApprover(approvers, approverID)
	if row == nil {
		return decisionResult{}, ErrNotAnApprover
	}
	if row.Status != repository.ApproverStatusPending {
		return decisionResult{}, ErrAlreadyDecided
	}

	strict, minApprovers := true, 1
	if e.WorkflowID != nil {
		wf, err := q.GetWorkflow(ctx, *e.WorkflowID)
		if err != nil {
			return decisionResult{}, err
		}
		strict = wf.EnforceSequence
		if wf.MinimumApprovers > minApprovers {
			minApprovers = wf.MinimumApprovers
		}
	}

	step, hasStep := e.State.CurrentStep()
	if !row.IsActive || (strict && (!hasStep || row.SequenceOrder != step)) {
		return decisionResult{}, ErrNotYourTurn
	}
	if !decision.IsValid() {
		return decisionResult{}, errors.InvalidInput("decision", "must be APPROVE or REJECT")
	}
	if decision == repository.DecisionReject && strings.TrimSpace(comment) == "" {
		return decisionResult{}, errors.InvalidInput("comment", "a comment is required when rejecting")
	}

	now := s.now()
	if err := q.AppendDecision(ctx, &repository.ApprovalDecision{
		ExpenseID:  e.ID,
		ApproverID: approverID,
		Decision:   decision,
		Comment:    comment,
		StepNumber: row.SequenceOrder,
	}); err != nil {
		return decisionResult{}, err
	}

	newStatus, action := repository.ApproverStatusApproved, repository.HistoryActionApproved
	if decision == repository.DecisionReject {
		newStatus, action = repository.ApproverStatusRejected, repository.HistoryActionRejected
	}
	if err := q.RecordApproverStatus(ctx, row.ID, newStatus, now); err != nil {
		if errors.Is(err, repository.ErrApproverNotPending) {
			return decisionResult{}, ErrAlreadyDecided
		}
		return decisionResult{}, err
	}
	row.Status, row.IsActive, row.DecidedAt = newStatus, false, &now

	current := e.State.Status()
	if err := q.AppendHistory(ctx, &repository.ApprovalHistory{
		ExpenseID:   e.ID,
		Action:      action,
		PerformedBy: approverID,
		FromStatus:  &current,
		ToStatus:    &current,
		Comment:     comment,
	}); err != nil {
		return decisionResult{}, err
	}

	res := decisionResult{expense: e}
	finalize := func(status repository.ExpenseStatus, reason string, metadata map[string]any) (decisionResult, error) {
		res.reason = reason
		return res, s.finalize(ctx, q, e, status, repository.SystemActor, reason, metadata)
	}

	if decision == repository.DecisionReject {
		return finalize(repository.ExpenseStatusRejected, fmt.Sprintf("Rejected by %s", s.userName(ctx, q, approverID)), nil)
	}

	activeRules, err := q.ListApprovalRules(ctx, e.CompanyID, true)
	if err != nil {
		return decisionResult{}, err
	}
	if outcome := s.rules.Evaluate(e, approverID, activeRules, approvers); outcome.Fires {
		return finalize(repository.ExpenseStatusApproved, outcome.Reason, outcome.Metadata())
	}

	tally := tallyApprovers(approvers)
	if tally.rejected > 0 {
		return finalize(repository.ExpenseStatusRejected, fmt.Sprintf("Rejected by %s", s.userName(ctx, q, approverID)), nil)
	}

	if !strict {
		if tally.approvedRequired >= minApprovers {
			return finalize(repository.ExpenseStatusApproved, reasonMinimumReached, nil)
		}
		if tally.pending == 0 {
			return finalize(repository.ExpenseStatusApproved, reasonAllActed, nil)
		}
		next := lowestPending(approvers, 0)
		return res, s.advance(ctx, q, e, next.SequenceOrder)
	}

	if tally.pending == 0 && tally.approvedRequired >= minApprovers {
		return finalize(repository.ExpenseStatusApproved, reasonAllRequiredApproved, nil)
	}
	next := lowestPending(approvers, row.SequenceOrder)
	if next == nil {
		return finalize(repository.ExpenseStatusApproved, reasonSequenceComplete, nil)
	}
	if err := q.ActivateApprover(ctx, next.ID, now); err != nil {
		return decisionResult{}, err
	}
	res.activated = []string{next.ApproverID}
	return res, s.advance(ctx, q, e, next.SequenceOrder)
}

type approverTally struct {
	required         int
	approvedRequired int
	rejected         int
	pending          int
}

func tallyApprovers(approvers []*repository.ExpenseApprover) approverTally {
	var t approverTally
	for _, a := range approvers {
		if a.IsRequired {
			t.required++
			if a.Status == repository.ApproverStatusApproved {
				t.approvedRequired++
			}
		}
		switch a.Status {
		case repository.ApproverStatusRejected:
			t.rejected++
		case repository.ApproverStatusPending:
			t.pending++
		}
	}
	return t
}

// lowestPending returns the pending entry with the smallest sequence
// greater than after, or nil.
func lowestPending(approvers []*repository.ExpenseApprover, after int) *repository.ExpenseApprover {
	var next *repository.ExpenseApprover
	for _, a := range approvers {
		if a.Status != repository.ApproverStatusPending || a.SequenceOrder <= after {
			continue
		}
		if next == nil || a.SequenceOrder < next.SequenceOrder {
			next = a
		}
	}
	return next
}

func findApprover(approvers []*repository.ExpenseApprover, approverID string) *repository.ExpenseApprover {
	for _, a := range approvers {
		if a.ApproverID == approverID {
			return a
		}
	}
	return nil
}

// ── Escalate ──────────────────────────────────────────────────────────────────

// EscalateExpense takes a non-terminal expense out of its chain and marks
// it ESCALATED.
func (s *ApprovalWorkflowService) EscalateExpense(ctx context.Context, expenseID, escalatedBy, reason string) (*repository.Expense, error) {
	ctx, span := s.metrics.startSpan(ctx, "ApprovalWorkflowService.EscalateExpense",
		attribute.String("expense_id", expenseID))
	defer span.End()

	if strings.TrimSpace(reason) == "" {
		return nil, errors.InvalidInput("reason", "escalation reason is required")
	}

	var expense *repository.Expense
	err := s.store.InTx(ctx, func(q repository.Queries) error {
		e, err := q.LockExpense(ctx, expenseID)
		if err != nil {
			return err
		}
		actor, err := q.GetUser(ctx, escalatedBy)
		if err != nil {
			return err
		}
		if actor.CompanyID != e.CompanyID {
			return errors.New(errors.ErrCodeForbidden, "user does not belong to the expense's company")
		}
		if e.State.IsTerminal() {
			return ErrExpenseFinalized
		}
		expense = e
		return s.finalize(ctx, q, e, repository.ExpenseStatusEscalated, escalatedBy, reason, nil)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("expense_id", expenseID).
		Str("escalated_by", escalatedBy).
		Msg("Expense escalated")
	s.afterFinalize(ctx, expense, escalatedBy, reason)
	return expense, nil
}

// ── State transitions ─────────────────────────────────────────────────────────

// finalize moves e to a terminal status, bypasses every pending entry and
// writes the closing history entry.
func (s *ApprovalWorkflowService) finalize(
	ctx context.Context,
	q repository.Queries,
	e *repository.Expense,
	status repository.ExpenseStatus,
	performedBy, reason string,
	metadata map[string]any,
) error {
	from := e.State.Status()
	next, err := e.State.Finalize(status)
	if err != nil {
		return err
	}
	if err := q.UpdateExpenseState(ctx, e.ID, next); err != nil {
		return err
	}
	if _, err := q.BypassPendingApprovers(ctx, e.ID); err != nil {
		return err
	}

	to := status
	if err := q.AppendHistory(ctx, &repository.ApprovalHistory{
		ExpenseID:   e.ID,
		Action:      historyActionFor(status),
		PerformedBy: performedBy,
		FromStatus:  &from,
		ToStatus:    &to,
		Comment:     reason,
		Metadata:    metadata,
	}); err != nil {
		return err
	}

	e.State = next
	e.UpdatedAt = s.now()
	return nil
}

func (s *ApprovalWorkflowService) advance(ctx context.Context, q repository.Queries, e *repository.Expense, step int) error {
	next, err := e.State.AdvanceTo(step)
	if err != nil {
		return err
	}
	if err := q.UpdateExpenseState(ctx, e.ID, next); err != nil {
		return err
	}
	e.State = next
	e.UpdatedAt = s.now()
	return nil
}

func historyActionFor(status repository.ExpenseStatus) repository.HistoryAction {
	switch status {
	case repository.ExpenseStatusApproved:
		return repository.HistoryActionApproved
	case repository.ExpenseStatusRejected:
		return repository.HistoryActionRejected
	default:
		return repository.HistoryActionEscalated
	}
}

// afterFinalize runs the post-commit effects of a terminal transition.
func (s *ApprovalWorkflowService) afterFinalize(ctx context.Context, e *repository.Expense, actorID, reason string) {
	status := e.State.Status()
	s.metrics.expenseFinalized(ctx, status)

	event := EventExpenseEscalated
	switch status {
	case repository.ExpenseStatusApproved:
		event = EventExpenseApproved
	case repository.ExpenseStatusRejected:
		event = EventExpenseRejected
	}
	var payload map[string]any
	if reason != "" {
		payload = map[string]any{"reason": reason}
	}
	s.notifier.PublishExpenseEvent(ctx, event, e, actorID, []string{e.SubmittedBy}, payload)
}

func (s *ApprovalWorkflowService) userName(ctx context.Context, q repository.UserQueries, userID string) string {
	u, err := q.GetUser(ctx, userID)
	if err != nil || u.Name == "" {
		return userID
	}
	return u.Name
}

// companySettings falls back to defaults for companies without a row.
func companySettings(ctx context.Context, q repository.CompanyQueries, companyID string) (*repository.CompanySettings, error) {
	settings, err := q.GetCompanySettings(ctx, companyID)
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		return repository.DefaultCompanySettings(companyID), nil
	}
	return settings, err
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetExpense returns one expense.
func (s *ApprovalWorkflowService) GetExpense(ctx context.Context, id string) (*repository.Expense, error) {
	return s.store.GetExpense(ctx, id)
}

// GetExpenseApprovers returns the chain of an expense in sequence order.
func (s *ApprovalWorkflowService) GetExpenseApprovers(ctx context.Context, id string) ([]*repository.ExpenseApprover, error) {
	if _, err := s.store.GetExpense(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListApprovers(ctx, id)
}

// GetApprovalHistory returns the audit trail of an expense, oldest first.
func (s *ApprovalWorkflowService) GetApprovalHistory(ctx context.Context, id string) ([]*repository.ApprovalHistory, error) {
	if _, err := s.store.GetExpense(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListHistory(ctx, id)
}

// ListExpensesBySubmitter returns a user's expenses, newest first.
func (s *ApprovalWorkflowService) ListExpensesBySubmitter(ctx context.Context, userID string) ([]*repository.Expense, error) {
	return s.store.ListExpensesBySubmitter(ctx, userID)
}

// GetPendingApprovalsForUser returns the entries a user can act on now.
func (s *ApprovalWorkflowService) GetPendingApprovalsForUser(ctx context.Context, userID string) ([]*repository.PendingApproval, error) {
	return s.store.ListPendingForUser(ctx, userID)
}
