package repository

import (
	"fmt"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/errors"
)

// ApprovalState is the lifecycle position of one expense:
//
//	Pending{step?} -> InProgress{step} -> Approved | Rejected
//	any non-terminal state -> Escalated
//
// Only non-terminal states carry a step, so a terminal status with a
// current step cannot be constructed.
type ApprovalState struct {
	status ExpenseStatus
	step   int
}

// Pending is the initial state before any chain position is known.
func Pending() ApprovalState { return ApprovalState{status: ExpenseStatusPending} }

// PendingAt is the initial state with the chain positioned at step.
func PendingAt(step int) ApprovalState {
	return ApprovalState{status: ExpenseStatusPending, step: step}
}

// InProgressAt means at least one approval was recorded and step is next.
func InProgressAt(step int) ApprovalState {
	return ApprovalState{status: ExpenseStatusInProgress, step: step}
}

func Approved() ApprovalState  { return ApprovalState{status: ExpenseStatusApproved} }
func Rejected() ApprovalState  { return ApprovalState{status: ExpenseStatusRejected} }
func Escalated() ApprovalState { return ApprovalState{status: ExpenseStatusEscalated} }

// Status returns the persisted status value.
func (s ApprovalState) Status() ExpenseStatus { return s.status }

// CurrentStep returns the active sequence order, if any.
func (s ApprovalState) CurrentStep() (int, bool) {
	return s.step, s.step > 0
}

// IsTerminal reports whether the state accepts no further transitions.
func (s ApprovalState) IsTerminal() bool { return s.status.IsTerminal() }

// IsZero reports whether the state was never initialised.
func (s ApprovalState) IsZero() bool { return s.status == "" }

// AdvanceTo moves a non-terminal state to InProgress at step.
func (s ApprovalState) AdvanceTo(step int) (ApprovalState, error) {
	if s.IsZero() || s.IsTerminal() {
		return s, errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("cannot advance expense from status %s", s.status))
	}
	if step < 1 {
		return s, errors.InvalidInput("step", "must be at least 1")
	}
	return InProgressAt(step), nil
}

// Finalize moves a non-terminal state to the given terminal status and
// clears the step.
func (s ApprovalState) Finalize(status ExpenseStatus) (ApprovalState, error) {
	if !status.IsTerminal() {
		return s, errors.InvalidInput("status", fmt.Sprintf("%s is not a terminal status", status))
	}
	if s.IsZero() || s.IsTerminal() {
		return s, errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("cannot finalize expense from status %s", s.status))
	}
	return ApprovalState{status: status}, nil
}

// Columns maps the state onto the status and current_step columns.
func (s ApprovalState) Columns() (ExpenseStatus, *int) {
	if s.step > 0 {
		step := s.step
		return s.status, &step
	}
	return s.status, nil
}

// StateFromColumns rebuilds a state from persisted columns, rejecting
// combinations the state machine cannot produce.
func StateFromColumns(status string, step *int) (ApprovalState, error) {
	st := ExpenseStatus(status)
	if !st.IsValid() {
		return ApprovalState{}, fmt.Errorf("unknown expense status %q", status)
	}
	if step != nil && *step < 1 {
		return ApprovalState{}, fmt.Errorf("invalid current_step %d", *step)
	}

	switch {
	case st.IsTerminal():
		if step != nil {
			return ApprovalState{}, fmt.Errorf("terminal status %s with current_step %d", st, *step)
		}
		return ApprovalState{status: st}, nil
	case st == ExpenseStatusInProgress:
		if step == nil {
			return ApprovalState{}, fmt.Errorf("status %s requires a current_step", st)
		}
		return InProgressAt(*step), nil
	default:
		if step == nil {
			return Pending(), nil
		}
		return PendingAt(*step), nil
	}
}

func (s ApprovalState) String() string {
	if s.step > 0 {
		return fmt.Sprintf("%s{step=%d}", s.status, s.step)
	}
	return string(s.status)
}
