package repository

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/database"
	"github.com/pesio-ai/be-expense-approvals/internal/platform/errors"
)

// UserRepository persists company users and their manager relationships.
type UserRepository struct {
	db database.Querier
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db database.Querier) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `
	id, company_id, email, name, role, manager_id, password_hash, is_active, created_at`

// CreateUser inserts a user. Emails are stored lower-cased.
func (r *UserRepository) CreateUser(ctx context.Context, u *User) error {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))

	query := `
		INSERT INTO users
		    (company_id, email, name, role, manager_id, password_hash, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		u.CompanyID,
		u.Email,
		u.Name,
		u.Role,
		u.ManagerID,
		u.PasswordHash,
		u.IsActive,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return writeError(err, "user", u.Email, "failed to create user")
	}
	return nil
}

// GetUser retrieves a user by ID.
func (r *UserRepository) GetUser(ctx context.Context, id string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	u, err := scanUser(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("user", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get user")
	}
	return u, nil
}

// GetUserByEmail retrieves a user by email, ignoring case.
func (r *UserRepository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`

	u, err := scanUser(r.db.QueryRow(ctx, query, strings.ToLower(strings.TrimSpace(email))))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("user", email)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get user")
	}
	return u, nil
}

// ListUsersByCompany returns a company's users in creation order.
func (r *UserRepository) ListUsersByCompany(ctx context.Context, companyID string) ([]*User, error) {
	query := `SELECT ` + userColumns + `
		FROM users
		WHERE company_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, companyID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list users")
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan user")
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// FindFirstUserByRole returns the earliest active holder of role, or nil.
func (r *UserRepository) FindFirstUserByRole(ctx context.Context, companyID string, role Role) (*User, error) {
	query := `SELECT ` + userColumns + `
		FROM users
		WHERE company_id = $1 AND role = $2 AND is_active = TRUE
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`

	u, err := scanUser(r.db.QueryRow(ctx, query, companyID, role))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find user by role")
	}
	return u, nil
}

// SetUserManager assigns or clears a user's manager.
func (r *UserRepository) SetUserManager(ctx context.Context, userID string, managerID *string) error {
	tag, err := r.db.Exec(ctx, `UPDATE users SET manager_id = $2 WHERE id = $1`, userID, managerID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to set user manager")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("user", userID)
	}
	return nil
}

// SetUserActive activates or deactivates a user. Users are never deleted.
func (r *UserRepository) SetUserActive(ctx context.Context, userID string, active bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE users SET is_active = $2 WHERE id = $1`, userID, active)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to set user active")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("user", userID)
	}
	return nil
}

func scanUser(row rowScanner) (*User, error) {
	u := &User{}
	err := row.Scan(
		&u.ID,
		&u.CompanyID,
		&u.Email,
		&u.Name,
		&u.Role,
		&u.ManagerID,
		&u.PasswordHash,
		&u.IsActive,
		&u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}
