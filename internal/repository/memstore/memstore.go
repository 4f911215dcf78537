// Package memstore is an in-memory repository.Store. Transactions are
// serialized and run against a copy of the data that replaces the live
// copy only on success.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

// Store implements repository.Store in memory.
type Store struct {
	mu     sync.Mutex
	data   *data
	now    func() time.Time
	faults map[string]error
	*queries
}

var _ repository.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now for created_at and similar stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		data:   newData(),
		now:    time.Now,
		faults: make(map[string]error),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queries = &queries{store: s, lock: &s.mu, data: func() *data { return s.data }}
	return s
}

// FailOn makes the named operation return err until cleared with a nil err.
// Operation names match the repository.Queries method names.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

// InTx runs fn against a private copy that is published only if fn
// returns nil.
func (s *Store) InTx(ctx context.Context, fn func(q repository.Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.data.clone()
	tx := &queries{store: s, lock: noopLocker{}, data: func() *data { return working }}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.data = working
	return nil
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

func newID() string { return uuid.NewString() }

// data holds every table. Slices record insertion order where listing
// order matters.
type data struct {
	companies map[string]repository.Company
	settings  map[string]repository.CompanySettings
	users     map[string]repository.User
	userOrder []string
	workflows map[string]repository.Workflow
	wfOrder   []string
	rules     map[string]repository.ApprovalRule
	ruleOrder []string
	expenses  map[string]repository.Expense
	expOrder  []string
	approvers map[string]repository.ExpenseApprover
	apprOrder []string
	history   []repository.ApprovalHistory
	decisions []repository.ApprovalDecision
}

func newData() *data {
	return &data{
		companies: make(map[string]repository.Company),
		settings:  make(map[string]repository.CompanySettings),
		users:     make(map[string]repository.User),
		workflows: make(map[string]repository.Workflow),
		rules:     make(map[string]repository.ApprovalRule),
		expenses:  make(map[string]repository.Expense),
		approvers: make(map[string]repository.ExpenseApprover),
	}
}

// clone copies every table. Stored values are structs, and nested slices
// (workflow steps, categories) are never mutated after insert, so a
// shallow copy per row is enough.
func (d *data) clone() *data {
	c := &data{
		companies: cloneMap(d.companies),
		settings:  cloneMap(d.settings),
		users:     cloneMap(d.users),
		userOrder: append([]string(nil), d.userOrder...),
		workflows: cloneMap(d.workflows),
		wfOrder:   append([]string(nil), d.wfOrder...),
		rules:     cloneMap(d.rules),
		ruleOrder: append([]string(nil), d.ruleOrder...),
		expenses:  cloneMap(d.expenses),
		expOrder:  append([]string(nil), d.expOrder...),
		approvers: cloneMap(d.approvers),
		apprOrder: append([]string(nil), d.apprOrder...),
		history:   append([]repository.ApprovalHistory(nil), d.history...),
		decisions: append([]repository.ApprovalDecision(nil), d.decisions...),
	}
	return c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
