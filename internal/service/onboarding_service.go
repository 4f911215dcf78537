package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"golang.org/x/crypto/bcrypt"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
	"github.com/pesio-ai/be-expense-approvals/internal/verification"
)

// DefaultVerificationTTL is how long an emailed code stays valid.
const DefaultVerificationTTL = 10 * time.Minute

// Bootstrapper installs a new company's default workflow and rules.
type Bootstrapper interface {
	BootstrapCompany(ctx context.Context, companyID string) error
}

// Mailer delivers verification codes.
type Mailer interface {
	SendVerificationCode(ctx context.Context, email, companyName, code string) error
}

// OnboardingService creates companies and their first admin.
type OnboardingService struct {
	store     repository.Store
	pending   verification.Store
	ids       generator.Generator
	bootstrap Bootstrapper
	mailer    Mailer
	ttl       time.Duration
	newCode   func() (string, error)
	log       *logger.Logger
}

// NewOnboardingService creates a new OnboardingService. A zero ttl means
// DefaultVerificationTTL.
func NewOnboardingService(
	store repository.Store,
	pending verification.Store,
	ids generator.Generator,
	bootstrap Bootstrapper,
	mailer Mailer,
	ttl time.Duration,
	log *logger.Logger,
) *OnboardingService {
	if ttl <= 0 {
		ttl = DefaultVerificationTTL
	}
	return &OnboardingService{
		store:     store,
		pending:   pending,
		ids:       ids,
		bootstrap: bootstrap,
		mailer:    mailer,
		ttl:       ttl,
		newCode:   randomCode,
		log:       log,
	}
}

// OnboardRequest represents a company sign-up with its first admin.
type OnboardRequest struct {
	CompanyName string
	Country     string
	Currency    string
	AdminName   string
	AdminEmail  string
	Password    string
}

// OnboardResult is the created company and admin.
type OnboardResult struct {
	Company *repository.Company `json:"company"`
	Admin   *repository.User    `json:"admin"`
}

// ── Direct onboarding ─────────────────────────────────────────────────────────

// Onboard creates the company, its settings and the admin in one
// transaction, then installs defaults. A failed bootstrap is logged and
// does not fail the sign-up.
func (s *OnboardingService) Onboard(ctx context.Context, req OnboardRequest) (*OnboardResult, error) {
	if err := validateCompanyInput(req.CompanyName, req.Country, req.Currency); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.AdminName) == "" {
		return nil, errors.InvalidInput("admin_name", "admin name is required")
	}
	if err := validateEmail(req.AdminEmail); err != nil {
		return nil, err
	}
	if err := validatePassword(req.Password); err != nil {
		return nil, err
	}
	if err := s.ensureAvailable(ctx, req.CompanyName, req.AdminEmail); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to hash password")
	}

	result, err := s.createCompany(ctx, req.CompanyName, req.Country, req.Currency, strings.TrimSpace(req.AdminName), req.AdminEmail, string(hash))
	if err != nil {
		return nil, err
	}
	s.runBootstrap(ctx, result.Company.ID)
	return result, nil
}

// ── Email-verified onboarding ─────────────────────────────────────────────────

// CreateCompanyRequest starts an email-verified sign-up.
type CreateCompanyRequest struct {
	CompanyName string
	AdminEmail  string
	Password    string
	Country     string
	Currency    string
}

// CreateCompany stores a pending sign-up and emails its code. Nothing is
// written to the database until the code is verified.
func (s *OnboardingService) CreateCompany(ctx context.Context, req CreateCompanyRequest) error {
	if err := validateCompanyInput(req.CompanyName, req.Country, req.Currency); err != nil {
		return err
	}
	if err := validateEmail(req.AdminEmail); err != nil {
		return err
	}
	if err := validatePassword(req.Password); err != nil {
		return err
	}
	if err := s.ensureAvailable(ctx, req.CompanyName, req.AdminEmail); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to hash password")
	}
	code, err := s.newCode()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to generate verification code")
	}

	email := normalizeEmail(req.AdminEmail)
	rec := &verification.PendingCompany{
		CompanyName:  strings.TrimSpace(req.CompanyName),
		AdminEmail:   email,
		PasswordHash: string(hash),
		Country:      strings.TrimSpace(req.Country),
		Currency:     strings.ToUpper(strings.TrimSpace(req.Currency)),
		Code:         code,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.pending.Put(ctx, email, rec, s.ttl); err != nil {
		return err
	}
	if err := s.mailer.SendVerificationCode(ctx, email, rec.CompanyName, code); err != nil {
		_ = s.pending.Delete(ctx, email)
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to send verification code")
	}

	s.log.Info().
		Str("email", email).
		Str("company_name", rec.CompanyName).
		Dur("ttl", s.ttl).
		Msg("Company verification code sent")
	return nil
}

// VerifyCompanyEmail completes a pending sign-up.
func (s *OnboardingService) VerifyCompanyEmail(ctx context.Context, email, code string) (*OnboardResult, error) {
	email = normalizeEmail(email)
	rec, err := s.pending.Get(ctx, email)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(rec.Code), []byte(strings.TrimSpace(code))) != 1 {
		return nil, errors.InvalidInput("code", "verification code does not match")
	}
	if err := s.ensureAvailable(ctx, rec.CompanyName, rec.AdminEmail); err != nil {
		return nil, err
	}

	adminName := rec.CompanyName + " Admin"
	result, err := s.createCompany(ctx, rec.CompanyName, rec.Country, rec.Currency, adminName, rec.AdminEmail, rec.PasswordHash)
	if err != nil {
		return nil, err
	}
	if err := s.pending.Delete(ctx, email); err != nil {
		s.log.Warn().Err(err).Str("email", email).Msg("Failed to delete verification record")
	}

	s.runBootstrap(ctx, result.Company.ID)
	return result, nil
}

// ── Internal helpers ──────────────────────────────────────────────────────────

func (s *OnboardingService) createCompany(ctx context.Context, name, country, currency, adminName, email, passwordHash string) (*OnboardResult, error) {
	id, err := s.nextCompanyID()
	if err != nil {
		return nil, err
	}

	company := &repository.Company{
		ID:       id,
		Name:     strings.TrimSpace(name),
		Country:  strings.TrimSpace(country),
		Currency: strings.ToUpper(strings.TrimSpace(currency)),
	}
	admin := &repository.User{
		CompanyID:    id,
		Email:        email,
		Name:         adminName,
		Role:         repository.RoleAdmin,
		PasswordHash: passwordHash,
		IsActive:     true,
	}

	err = s.store.InTx(ctx, func(q repository.Queries) error {
		if err := q.CreateCompany(ctx, company); err != nil {
			return err
		}
		if err := q.CreateCompanySettings(ctx, repository.DefaultCompanySettings(id)); err != nil {
			return err
		}
		return q.CreateUser(ctx, admin)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("company_id", company.ID).
		Str("admin_id", admin.ID).
		Msg("Company onboarded")
	return &OnboardResult{Company: company, Admin: admin}, nil
}

func (s *OnboardingService) runBootstrap(ctx context.Context, companyID string) {
	if s.bootstrap == nil {
		return
	}
	if err := s.bootstrap.BootstrapCompany(ctx, companyID); err != nil {
		s.log.Warn().Err(err).
			Str("company_id", companyID).
			Msg("Failed to install default workflows and rules; company created without them")
	}
}

func (s *OnboardingService) ensureAvailable(ctx context.Context, companyName, email string) error {
	exists, err := s.store.CompanyNameExists(ctx, strings.TrimSpace(companyName))
	if err != nil {
		return err
	}
	if exists {
		return errors.AlreadyExists("company", strings.TrimSpace(companyName))
	}

	_, err = s.store.GetUserByEmail(ctx, email)
	if err == nil {
		return errors.AlreadyExists("user", normalizeEmail(email))
	}
	if !errors.HasCode(err, errors.ErrCodeNotFound) {
		return err
	}
	return nil
}

// nextCompanyID renders a snowflake ID in upper-case base 36.
func (s *OnboardingService) nextCompanyID() (string, error) {
	id, err := s.ids.NextID()
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to generate company id")
	}
	return strings.ToUpper(strconv.FormatUint(id, 36)), nil
}

func validateCompanyInput(name, country, currency string) error {
	if strings.TrimSpace(name) == "" {
		return errors.InvalidInput("company_name", "company name is required")
	}
	if strings.TrimSpace(country) == "" {
		return errors.InvalidInput("country", "country is required")
	}
	if len(strings.TrimSpace(currency)) != 3 {
		return errors.InvalidInput("currency", "must be a 3-letter ISO code")
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < 8 {
		return errors.InvalidInput("password", "must be at least 8 characters")
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
