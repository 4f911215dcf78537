package service

import (
	"context"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

const bcryptCost = 12

// UserService manages company users and reporting lines.
type UserService struct {
	store repository.Store
	log   *logger.Logger
}

// NewUserService creates a new UserService.
func NewUserService(store repository.Store, log *logger.Logger) *UserService {
	return &UserService{store: store, log: log}
}

// CreateEmployeeRequest represents a new company user.
type CreateEmployeeRequest struct {
	CompanyID string
	Email     string
	Name      string
	Role      repository.Role
	ManagerID *string
	Password  string
}

// CreateEmployee adds a user to the admin's company.
func (s *UserService) CreateEmployee(ctx context.Context, actorID string, req CreateEmployeeRequest) (*repository.User, error) {
	if err := validateEmail(req.Email); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, errors.InvalidInput("name", "name is required")
	}
	if !req.Role.IsValid() {
		return nil, errors.InvalidInput("role", "unknown role "+string(req.Role))
	}
	if err := validatePassword(req.Password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to hash password")
	}

	u := &repository.User{
		CompanyID:    req.CompanyID,
		Email:        req.Email,
		Name:         strings.TrimSpace(req.Name),
		Role:         req.Role,
		ManagerID:    req.ManagerID,
		PasswordHash: string(hash),
		IsActive:     true,
	}

	err = s.store.InTx(ctx, func(q repository.Queries) error {
		if err := requireAdmin(ctx, q, actorID, req.CompanyID); err != nil {
			return err
		}
		if _, err := q.GetUserByEmail(ctx, req.Email); err == nil {
			return errors.AlreadyExists("user", strings.ToLower(req.Email))
		} else if !errors.HasCode(err, errors.ErrCodeNotFound) {
			return err
		}
		if u.ManagerID != nil {
			if err := requireCompanyUser(ctx, q, *u.ManagerID, req.CompanyID); err != nil {
				return err
			}
		}
		return q.CreateUser(ctx, u)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("company_id", u.CompanyID).
		Str("user_id", u.ID).
		Str("role", string(u.Role)).
		Msg("Employee created")
	return u, nil
}

// ListCompanyUsers returns every user of a company.
func (s *UserService) ListCompanyUsers(ctx context.Context, companyID string) ([]*repository.User, error) {
	return s.store.ListUsersByCompany(ctx, companyID)
}

// AssignManager sets or clears (nil managerID) a user's manager.
func (s *UserService) AssignManager(ctx context.Context, actorID, userID string, managerID *string) error {
	if managerID != nil && *managerID == userID {
		return errors.InvalidInput("manager_id", "a user cannot manage themselves")
	}

	err := s.store.InTx(ctx, func(q repository.Queries) error {
		u, err := q.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if err := requireAdmin(ctx, q, actorID, u.CompanyID); err != nil {
			return err
		}
		if managerID != nil {
			if err := requireCompanyUser(ctx, q, *managerID, u.CompanyID); err != nil {
				return err
			}
		}
		return q.SetUserManager(ctx, userID, managerID)
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Str("user_id", userID).
		Str("manager_id", derefOr(managerID, "")).
		Msg("Manager assigned")
	return nil
}

// DeactivateEmployee marks a user inactive. Inactive users keep their
// history but are skipped when role steps resolve and cannot submit.
func (s *UserService) DeactivateEmployee(ctx context.Context, actorID, userID string) error {
	if actorID != "" && actorID == userID {
		return errors.InvalidInput("user_id", "admins cannot deactivate themselves")
	}

	err := s.store.InTx(ctx, func(q repository.Queries) error {
		u, err := q.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if err := requireAdmin(ctx, q, actorID, u.CompanyID); err != nil {
			return err
		}
		return q.SetUserActive(ctx, userID, false)
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Str("user_id", userID).
		Str("actor_id", actorID).
		Msg("Employee deactivated")
	return nil
}

// ── Authorization helpers ─────────────────────────────────────────────────────

// requireAdmin checks that actorID is an active ADMIN of companyID.
func requireAdmin(ctx context.Context, q repository.UserQueries, actorID, companyID string) error {
	if actorID == "" {
		return errors.New(errors.ErrCodeUnauthorized, "authentication required")
	}
	actor, err := q.GetUser(ctx, actorID)
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		return errors.New(errors.ErrCodeUnauthorized, "unknown user")
	}
	if err != nil {
		return err
	}
	if actor.CompanyID != companyID || actor.Role != repository.RoleAdmin || !actor.IsActive {
		return errors.New(errors.ErrCodeForbidden, "only company admins can perform this action")
	}
	return nil
}

// requireCompanyUser checks that userID exists in companyID.
func requireCompanyUser(ctx context.Context, q repository.UserQueries, userID, companyID string) error {
	u, err := q.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if u.CompanyID != companyID {
		return errors.InvalidInput("user", "user belongs to a different company")
	}
	return nil
}

func validateEmail(email string) error {
	if _, err := mail.ParseAddress(strings.TrimSpace(email)); err != nil || !strings.Contains(email, "@") {
		return errors.InvalidInput("email", "a valid email address is required")
	}
	return nil
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
