package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/database"
	"github.com/pesio-ai/be-expense-approvals/internal/platform/errors"
)

// CompanyRepository persists companies and their approval settings.
type CompanyRepository struct {
	db database.Querier
}

// NewCompanyRepository creates a new CompanyRepository.
func NewCompanyRepository(db database.Querier) *CompanyRepository {
	return &CompanyRepository{db: db}
}

// CreateCompany inserts a company. The ID is assigned by the caller.
func (r *CompanyRepository) CreateCompany(ctx context.Context, c *Company) error {
	query := `
		INSERT INTO companies (id, name, country, currency)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`

	if err := r.db.QueryRow(ctx, query, c.ID, c.Name, c.Country, c.Currency).Scan(&c.CreatedAt); err != nil {
		return writeError(err, "company", c.Name, "failed to create company")
	}
	return nil
}

// GetCompany retrieves a company by ID.
func (r *CompanyRepository) GetCompany(ctx context.Context, id string) (*Company, error) {
	query := `
		SELECT id, name, country, currency, created_at
		FROM companies
		WHERE id = $1
	`

	c := &Company{}
	err := r.db.QueryRow(ctx, query, id).Scan(&c.ID, &c.Name, &c.Country, &c.Currency, &c.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("company", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get company")
	}
	return c, nil
}

// CompanyNameExists reports whether a company with this name exists,
// ignoring case.
func (r *CompanyRepository) CompanyNameExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM companies WHERE lower(name) = lower($1))`, name).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check company name")
	}
	return exists, nil
}

// CreateCompanySettings inserts the settings row for a company.
func (r *CompanyRepository) CreateCompanySettings(ctx context.Context, s *CompanySettings) error {
	query := `
		INSERT INTO company_settings
		    (company_id, approval_required, manager_approval_first, sequential_approval)
		VALUES ($1, $2, $3, $4)
	`

	if _, err := r.db.Exec(ctx, query, s.CompanyID, s.ApprovalRequired, s.ManagerApprovalFirst, s.SequentialApproval); err != nil {
		return writeError(err, "company_settings", s.CompanyID, "failed to create company settings")
	}
	return nil
}

// GetCompanySettings retrieves the settings row for a company.
func (r *CompanyRepository) GetCompanySettings(ctx context.Context, companyID string) (*CompanySettings, error) {
	query := `
		SELECT company_id, approval_required, manager_approval_first, sequential_approval
		FROM company_settings
		WHERE company_id = $1
	`

	s := &CompanySettings{}
	err := r.db.QueryRow(ctx, query, companyID).Scan(&s.CompanyID, &s.ApprovalRequired, &s.ManagerApprovalFirst, &s.SequentialApproval)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("company_settings", companyID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get company settings")
	}
	return s, nil
}
