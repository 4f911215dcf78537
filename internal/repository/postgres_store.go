package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/database"
	"github.com/pesio-ai/be-expense-approvals/internal/platform/errors"
)

// PostgresStore composes the table repositories over one Querier.
type PostgresStore struct {
	*CompanyRepository
	*UserRepository
	*WorkflowRepository
	*ApprovalRulesRepository
	*ExpenseRepository
	*ExpenseApproversRepository
	*ApprovalAuditRepository

	db *database.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore builds a store over the connection pool.
func NewPostgresStore(db *database.DB) *PostgresStore {
	s := newPostgresQueries(db)
	s.db = db
	return s
}

func newPostgresQueries(q database.Querier) *PostgresStore {
	return &PostgresStore{
		CompanyRepository:          NewCompanyRepository(q),
		UserRepository:             NewUserRepository(q),
		WorkflowRepository:         NewWorkflowRepository(q),
		ApprovalRulesRepository:    NewApprovalRulesRepository(q),
		ExpenseRepository:          NewExpenseRepository(q),
		ExpenseApproversRepository: NewExpenseApproversRepository(q),
		ApprovalAuditRepository:    NewApprovalAuditRepository(q),
	}
}

// InTx runs fn against repositories bound to a single transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(newPostgresQueries(tx))
	})
}

const uniqueViolation = "23505"

// writeError maps a unique violation to AlreadyExists and anything else to
// Internal.
func writeError(err error, resource, key, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return errors.AlreadyExists(resource, key)
	}
	return errors.Wrap(err, errors.ErrCodeInternal, msg)
}
