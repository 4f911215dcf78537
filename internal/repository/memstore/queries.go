package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

// queries implements repository.Queries over one data snapshot. Outside a
// transaction lock is the store mutex; inside, the transaction already
// holds it and lock is a no-op.
type queries struct {
	store *Store
	lock  sync.Locker
	data  func() *data
}

func (q *queries) begin(op string) (*data, func(), error) {
	q.lock.Lock()
	if err := q.store.faults[op]; err != nil {
		q.lock.Unlock()
		return nil, nil, err
	}
	return q.data(), q.lock.Unlock, nil
}

func (q *queries) now() time.Time { return q.store.now().UTC() }

// ── companies ────────────────────────────────────────────────────────────────

func (q *queries) CreateCompany(ctx context.Context, c *repository.Company) error {
	d, done, err := q.begin("CreateCompany")
	if err != nil {
		return err
	}
	defer done()

	if _, ok := d.companies[c.ID]; ok {
		return errors.AlreadyExists("company", c.ID)
	}
	for _, existing := range d.companies {
		if existing.Name == c.Name {
			return errors.AlreadyExists("company", c.Name)
		}
	}
	c.CreatedAt = q.now()
	d.companies[c.ID] = *c
	return nil
}

func (q *queries) GetCompany(ctx context.Context, id string) (*repository.Company, error) {
	d, done, err := q.begin("GetCompany")
	if err != nil {
		return nil, err
	}
	defer done()

	c, ok := d.companies[id]
	if !ok {
		return nil, errors.NotFound("company", id)
	}
	return &c, nil
}

func (q *queries) CompanyNameExists(ctx context.Context, name string) (bool, error) {
	d, done, err := q.begin("CompanyNameExists")
	if err != nil {
		return false, err
	}
	defer done()

	for _, c := range d.companies {
		if strings.EqualFold(c.Name, name) {
			return true, nil
		}
	}
	return false, nil
}

func (q *queries) CreateCompanySettings(ctx context.Context, s *repository.CompanySettings) error {
	d, done, err := q.begin("CreateCompanySettings")
	if err != nil {
		return err
	}
	defer done()

	if _, ok := d.companies[s.CompanyID]; !ok {
		return errors.NotFound("company", s.CompanyID)
	}
	if _, ok := d.settings[s.CompanyID]; ok {
		return errors.AlreadyExists("company_settings", s.CompanyID)
	}
	d.settings[s.CompanyID] = *s
	return nil
}

func (q *queries) GetCompanySettings(ctx context.Context, companyID string) (*repository.CompanySettings, error) {
	d, done, err := q.begin("GetCompanySettings")
	if err != nil {
		return nil, err
	}
	defer done()

	s, ok := d.settings[companyID]
	if !ok {
		return nil, errors.NotFound("company_settings", companyID)
	}
	return &s, nil
}

// ── users ────────────────────────────────────────────────────────────────────

func (q *queries) CreateUser(ctx context.Context, u *repository.User) error {
	d, done, err := q.begin("CreateUser")
	if err != nil {
		return err
	}
	defer done()

	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	for _, existing := range d.users {
		if existing.Email == u.Email {
			return errors.AlreadyExists("user", u.Email)
		}
	}
	if _, ok := d.companies[u.CompanyID]; !ok {
		return errors.NotFound("company", u.CompanyID)
	}
	u.ID = newID()
	u.CreatedAt = q.now()
	d.users[u.ID] = *u
	d.userOrder = append(d.userOrder, u.ID)
	return nil
}

func (q *queries) GetUser(ctx context.Context, id string) (*repository.User, error) {
	d, done, err := q.begin("GetUser")
	if err != nil {
		return nil, err
	}
	defer done()

	u, ok := d.users[id]
	if !ok {
		return nil, errors.NotFound("user", id)
	}
	return &u, nil
}

func (q *queries) GetUserByEmail(ctx context.Context, email string) (*repository.User, error) {
	d, done, err := q.begin("GetUserByEmail")
	if err != nil {
		return nil, err
	}
	defer done()

	email = strings.ToLower(strings.TrimSpace(email))
	for _, id := range d.userOrder {
		if u := d.users[id]; u.Email == email {
			return &u, nil
		}
	}
	return nil, errors.NotFound("user", email)
}

func (q *queries) ListUsersByCompany(ctx context.Context, companyID string) ([]*repository.User, error) {
	d, done, err := q.begin("ListUsersByCompany")
	if err != nil {
		return nil, err
	}
	defer done()

	var users []*repository.User
	for _, id := range d.userOrder {
		if u := d.users[id]; u.CompanyID == companyID {
			users = append(users, &u)
		}
	}
	return users, nil
}

func (q *queries) FindFirstUserByRole(ctx context.Context, companyID string, role repository.Role) (*repository.User, error) {
	d, done, err := q.begin("FindFirstUserByRole")
	if err != nil {
		return nil, err
	}
	defer done()

	for _, id := range d.userOrder {
		if u := d.users[id]; u.CompanyID == companyID && u.Role == role && u.IsActive {
			return &u, nil
		}
	}
	return nil, nil
}

func (q *queries) SetUserManager(ctx context.Context, userID string, managerID *string) error {
	d, done, err := q.begin("SetUserManager")
	if err != nil {
		return err
	}
	defer done()

	u, ok := d.users[userID]
	if !ok {
		return errors.NotFound("user", userID)
	}
	u.ManagerID = managerID
	d.users[userID] = u
	return nil
}

func (q *queries) SetUserActive(ctx context.Context, userID string, active bool) error {
	d, done, err := q.begin("SetUserActive")
	if err != nil {
		return err
	}
	defer done()

	u, ok := d.users[userID]
	if !ok {
		return errors.NotFound("user", userID)
	}
	u.IsActive = active
	d.users[userID] = u
	return nil
}

// ── workflows ────────────────────────────────────────────────────────────────

func (q *queries) CreateWorkflow(ctx context.Context, wf *repository.Workflow) error {
	d, done, err := q.begin("CreateWorkflow")
	if err != nil {
		return err
	}
	defer done()

	if wf.IsDefault {
		for _, existing := range d.workflows {
			if existing.CompanyID == wf.CompanyID && existing.IsDefault {
				return errors.AlreadyExists("default workflow", wf.CompanyID)
			}
		}
	}
	seen := make(map[int]bool, len(wf.Steps))
	for _, step := range wf.Steps {
		if seen[step.StepNumber] {
			return errors.AlreadyExists("workflow step", "duplicate step number")
		}
		seen[step.StepNumber] = true
	}

	wf.ID = newID()
	wf.CreatedAt = q.now()
	for _, step := range wf.Steps {
		step.ID = newID()
		step.WorkflowID = wf.ID
	}
	stored := *wf
	stored.Steps = copySteps(wf.Steps)
	d.workflows[wf.ID] = stored
	d.wfOrder = append(d.wfOrder, wf.ID)
	return nil
}

func (q *queries) GetWorkflow(ctx context.Context, id string) (*repository.Workflow, error) {
	d, done, err := q.begin("GetWorkflow")
	if err != nil {
		return nil, err
	}
	defer done()

	wf, ok := d.workflows[id]
	if !ok {
		return nil, errors.NotFound("workflow", id)
	}
	return copyWorkflow(wf), nil
}

func (q *queries) ListWorkflows(ctx context.Context, companyID string, activeOnly bool) ([]*repository.Workflow, error) {
	d, done, err := q.begin("ListWorkflows")
	if err != nil {
		return nil, err
	}
	defer done()

	var regular, defaults []*repository.Workflow
	for _, id := range d.wfOrder {
		wf := d.workflows[id]
		if wf.CompanyID != companyID || (activeOnly && !wf.IsActive) {
			continue
		}
		if wf.IsDefault {
			defaults = append(defaults, copyWorkflow(wf))
		} else {
			regular = append(regular, copyWorkflow(wf))
		}
	}
	return append(regular, defaults...), nil
}

func copyWorkflow(wf repository.Workflow) *repository.Workflow {
	wf.Steps = copySteps(wf.Steps)
	return &wf
}

func copySteps(steps []*repository.WorkflowStep) []*repository.WorkflowStep {
	out := make([]*repository.WorkflowStep, 0, len(steps))
	for _, s := range steps {
		c := *s
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out
}

// ── rules ────────────────────────────────────────────────────────────────────

func (q *queries) CreateApprovalRule(ctx context.Context, rule *repository.ApprovalRule) error {
	d, done, err := q.begin("CreateApprovalRule")
	if err != nil {
		return err
	}
	defer done()

	rule.ID = newID()
	rule.CreatedAt = q.now()
	d.rules[rule.ID] = *rule
	d.ruleOrder = append(d.ruleOrder, rule.ID)
	return nil
}

func (q *queries) ListApprovalRules(ctx context.Context, companyID string, activeOnly bool) ([]*repository.ApprovalRule, error) {
	d, done, err := q.begin("ListApprovalRules")
	if err != nil {
		return nil, err
	}
	defer done()

	var rules []*repository.ApprovalRule
	for _, id := range d.ruleOrder {
		r := d.rules[id]
		if r.CompanyID != companyID || (activeOnly && !r.IsActive) {
			continue
		}
		rules = append(rules, &r)
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })
	return rules, nil
}

func (q *queries) SetApprovalRuleActive(ctx context.Context, companyID, id string, active bool) error {
	d, done, err := q.begin("SetApprovalRuleActive")
	if err != nil {
		return err
	}
	defer done()

	r, ok := d.rules[id]
	if !ok || r.CompanyID != companyID {
		return errors.NotFound("approval_rule", id)
	}
	r.IsActive = active
	d.rules[id] = r
	return nil
}

// ── expenses ─────────────────────────────────────────────────────────────────

func (q *queries) CreateExpense(ctx context.Context, e *repository.Expense) error {
	d, done, err := q.begin("CreateExpense")
	if err != nil {
		return err
	}
	defer done()

	if e.State.IsZero() {
		return errors.InvalidInput("status", "expense state is required")
	}
	e.ID = newID()
	e.CreatedAt = q.now()
	e.UpdatedAt = e.CreatedAt
	if e.ExpenseDate.IsZero() {
		e.ExpenseDate = e.CreatedAt
	}
	d.expenses[e.ID] = *e
	d.expOrder = append(d.expOrder, e.ID)
	return nil
}

func (q *queries) GetExpense(ctx context.Context, id string) (*repository.Expense, error) {
	return q.getExpense("GetExpense", id)
}

// LockExpense is GetExpense: transactions are already serialized.
func (q *queries) LockExpense(ctx context.Context, id string) (*repository.Expense, error) {
	return q.getExpense("LockExpense", id)
}

func (q *queries) getExpense(op, id string) (*repository.Expense, error) {
	d, done, err := q.begin(op)
	if err != nil {
		return nil, err
	}
	defer done()

	e, ok := d.expenses[id]
	if !ok {
		return nil, errors.NotFound("expense", id)
	}
	return &e, nil
}

func (q *queries) UpdateExpenseState(ctx context.Context, id string, state repository.ApprovalState) error {
	d, done, err := q.begin("UpdateExpenseState")
	if err != nil {
		return err
	}
	defer done()

	e, ok := d.expenses[id]
	if !ok {
		return errors.NotFound("expense", id)
	}
	e.State = state
	e.UpdatedAt = q.now()
	d.expenses[id] = e
	return nil
}

func (q *queries) ListExpensesBySubmitter(ctx context.Context, userID string) ([]*repository.Expense, error) {
	d, done, err := q.begin("ListExpensesBySubmitter")
	if err != nil {
		return nil, err
	}
	defer done()

	var out []*repository.Expense
	for i := len(d.expOrder) - 1; i >= 0; i-- {
		if e := d.expenses[d.expOrder[i]]; e.SubmittedBy == userID {
			out = append(out, &e)
		}
	}
	return out, nil
}

// ── approvers ────────────────────────────────────────────────────────────────

func (q *queries) CreateApprovers(ctx context.Context, approvers []*repository.ExpenseApprover) error {
	d, done, err := q.begin("CreateApprovers")
	if err != nil {
		return err
	}
	defer done()

	for _, a := range approvers {
		for _, id := range d.apprOrder {
			existing := d.approvers[id]
			if existing.ExpenseID != a.ExpenseID {
				continue
			}
			if existing.SequenceOrder == a.SequenceOrder || existing.ApproverID == a.ApproverID {
				return errors.AlreadyExists("expense_approver", a.ApproverID)
			}
		}
		a.ID = newID()
		d.approvers[a.ID] = *a
		d.apprOrder = append(d.apprOrder, a.ID)
	}
	return nil
}

func (q *queries) ListApprovers(ctx context.Context, expenseID string) ([]*repository.ExpenseApprover, error) {
	d, done, err := q.begin("ListApprovers")
	if err != nil {
		return nil, err
	}
	defer done()

	var out []*repository.ExpenseApprover
	for _, id := range d.apprOrder {
		if a := d.approvers[id]; a.ExpenseID == expenseID {
			out = append(out, &a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SequenceOrder < out[j].SequenceOrder })
	return out, nil
}

func (q *queries) RecordApproverStatus(ctx context.Context, id string, status repository.ApproverStatus, decidedAt time.Time) error {
	d, done, err := q.begin("RecordApproverStatus")
	if err != nil {
		return err
	}
	defer done()

	a, ok := d.approvers[id]
	if !ok || a.Status != repository.ApproverStatusPending {
		return repository.ErrApproverNotPending
	}
	a.Status = status
	a.IsActive = false
	a.DecidedAt = &decidedAt
	d.approvers[id] = a
	return nil
}

func (q *queries) ActivateApprover(ctx context.Context, id string, notifiedAt time.Time) error {
	d, done, err := q.begin("ActivateApprover")
	if err != nil {
		return err
	}
	defer done()

	a, ok := d.approvers[id]
	if !ok || a.Status != repository.ApproverStatusPending {
		return repository.ErrApproverNotPending
	}
	a.IsActive = true
	a.NotifiedAt = &notifiedAt
	d.approvers[id] = a
	return nil
}

func (q *queries) BypassPendingApprovers(ctx context.Context, expenseID string) (int64, error) {
	d, done, err := q.begin("BypassPendingApprovers")
	if err != nil {
		return 0, err
	}
	defer done()

	var n int64
	for _, id := range d.apprOrder {
		a := d.approvers[id]
		if a.ExpenseID != expenseID || a.Status != repository.ApproverStatusPending {
			continue
		}
		a.Status = repository.ApproverStatusBypassed
		a.IsActive = false
		d.approvers[id] = a
		n++
	}
	return n, nil
}

func (q *queries) ListPendingForUser(ctx context.Context, userID string) ([]*repository.PendingApproval, error) {
	d, done, err := q.begin("ListPendingForUser")
	if err != nil {
		return nil, err
	}
	defer done()

	var out []*repository.PendingApproval
	for _, id := range d.apprOrder {
		a := d.approvers[id]
		if a.ApproverID != userID || !a.IsActive || a.Status != repository.ApproverStatusPending {
			continue
		}
		e, ok := d.expenses[a.ExpenseID]
		if !ok {
			continue
		}
		out = append(out, &repository.PendingApproval{
			Approver:      &a,
			Expense:       &e,
			SubmitterName: d.users[e.SubmittedBy].Name,
			CompanyName:   d.companies[e.CompanyID].Name,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		ni, nj := out[i].Approver.NotifiedAt, out[j].Approver.NotifiedAt
		if ni == nil || nj == nil {
			return ni != nil && nj == nil
		}
		return ni.Before(*nj)
	})
	return out, nil
}

// ── audit ────────────────────────────────────────────────────────────────────

func (q *queries) AppendHistory(ctx context.Context, entry *repository.ApprovalHistory) error {
	d, done, err := q.begin("AppendHistory")
	if err != nil {
		return err
	}
	defer done()

	entry.ID = newID()
	entry.CreatedAt = q.now()
	d.history = append(d.history, *entry)
	return nil
}

func (q *queries) ListHistory(ctx context.Context, expenseID string) ([]*repository.ApprovalHistory, error) {
	d, done, err := q.begin("ListHistory")
	if err != nil {
		return nil, err
	}
	defer done()

	var out []*repository.ApprovalHistory
	for _, h := range d.history {
		if h.ExpenseID == expenseID {
			out = append(out, &h)
		}
	}
	return out, nil
}

func (q *queries) AppendDecision(ctx context.Context, dec *repository.ApprovalDecision) error {
	d, done, err := q.begin("AppendDecision")
	if err != nil {
		return err
	}
	defer done()

	dec.ID = newID()
	dec.CreatedAt = q.now()
	d.decisions = append(d.decisions, *dec)
	return nil
}

func (q *queries) ListDecisions(ctx context.Context, expenseID string) ([]*repository.ApprovalDecision, error) {
	d, done, err := q.begin("ListDecisions")
	if err != nil {
		return nil, err
	}
	defer done()

	var out []*repository.ApprovalDecision
	for _, dec := range d.decisions {
		if dec.ExpenseID == expenseID {
			out = append(out, &dec)
		}
	}
	return out, nil
}

func (q *queries) CountDecisionsSince(ctx context.Context, approverID string, since time.Time) (repository.DecisionCounts, error) {
	d, done, err := q.begin("CountDecisionsSince")
	if err != nil {
		return repository.DecisionCounts{}, err
	}
	defer done()

	var counts repository.DecisionCounts
	for _, dec := range d.decisions {
		if dec.ApproverID != approverID || dec.CreatedAt.Before(since) {
			continue
		}
		switch dec.Decision {
		case repository.DecisionApprove:
			counts.Approved++
		case repository.DecisionReject:
			counts.Rejected++
		}
	}
	return counts, nil
}
