package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/auth"
	"github.com/pesio-ai/be-expense-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
	"github.com/pesio-ai/be-expense-approvals/internal/service"
)

// HTTPHandler serves the JSON API.
type HTTPHandler struct {
	approvals  *service.ApprovalWorkflowService
	users      *service.UserService
	onboarding *service.OnboardingService
	now        func() time.Time
	log        *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	approvals *service.ApprovalWorkflowService,
	users *service.UserService,
	onboarding *service.OnboardingService,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		approvals:  approvals,
		users:      users,
		onboarding: onboarding,
		now:        time.Now,
		log:        log.With("http"),
	}
}

// Register mounts every route on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.Health)

	mux.HandleFunc("/api/v1/onboard", h.Onboard)
	mux.HandleFunc("/api/v1/companies", h.CreateCompany)
	mux.HandleFunc("/api/v1/companies/verify", h.VerifyCompanyEmail)

	mux.HandleFunc("/api/v1/users", h.Users)
	mux.HandleFunc("/api/v1/users/manager", h.AssignManager)
	mux.HandleFunc("/api/v1/users/deactivate", h.DeactivateEmployee)

	mux.HandleFunc("/api/v1/expenses", h.Expenses)
	mux.HandleFunc("/api/v1/expenses/mine", h.MyExpenses)
	mux.HandleFunc("/api/v1/expenses/history", h.ApprovalHistory)
	mux.HandleFunc("/api/v1/expenses/decide", h.ProcessApproval)
	mux.HandleFunc("/api/v1/expenses/escalate", h.EscalateExpense)

	mux.HandleFunc("/api/v1/approvals/pending", h.PendingApprovals)
	mux.HandleFunc("/api/v1/approvals/stats", h.ManagerStats)

	mux.HandleFunc("/api/v1/workflows", h.Workflows)
	mux.HandleFunc("/api/v1/rules", h.Rules)
	mux.HandleFunc("/api/v1/rules/active", h.SetRuleActive)
}

// Health reports liveness.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── Onboarding ────────────────────────────────────────────────────────────────

type onboardBody struct {
	CompanyName string `json:"company_name"`
	Country     string `json:"country"`
	Currency    string `json:"currency"`
	AdminName   string `json:"admin_name"`
	AdminEmail  string `json:"admin_email"`
	Password    string `json:"password"`
}

// Onboard handles POST /api/v1/onboard.
func (h *HTTPHandler) Onboard(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var body onboardBody
	if !h.decode(w, r, &body) {
		return
	}

	res, err := h.onboarding.Onboard(r.Context(), service.OnboardRequest{
		CompanyName: body.CompanyName,
		Country:     body.Country,
		Currency:    body.Currency,
		AdminName:   body.AdminName,
		AdminEmail:  body.AdminEmail,
		Password:    body.Password,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// CreateCompany handles POST /api/v1/companies.
func (h *HTTPHandler) CreateCompany(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var body onboardBody
	if !h.decode(w, r, &body) {
		return
	}

	err := h.onboarding.CreateCompany(r.Context(), service.CreateCompanyRequest{
		CompanyName: body.CompanyName,
		AdminEmail:  body.AdminEmail,
		Password:    body.Password,
		Country:     body.Country,
		Currency:    body.Currency,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "verification_sent"})
}

// VerifyCompanyEmail handles POST /api/v1/companies/verify.
func (h *HTTPHandler) VerifyCompanyEmail(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var body struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if !h.decode(w, r, &body) {
		return
	}

	res, err := h.onboarding.VerifyCompanyEmail(r.Context(), body.Email, body.Code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ── Users ─────────────────────────────────────────────────────────────────────

// Users handles GET and POST /api/v1/users.
func (h *HTTPHandler) Users(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		companyID, ok := h.companyScope(w, r, uc, r.URL.Query().Get("company_id"))
		if !ok {
			return
		}
		users, err := h.users.ListCompanyUsers(r.Context(), companyID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})

	case http.MethodPost:
		var body struct {
			CompanyID string          `json:"company_id"`
			Email     string          `json:"email"`
			Name      string          `json:"name"`
			Role      repository.Role `json:"role"`
			ManagerID *string         `json:"manager_id"`
			Password  string          `json:"password"`
		}
		if !h.decode(w, r, &body) {
			return
		}
		u, err := h.users.CreateEmployee(r.Context(), uc.UserID, service.CreateEmployeeRequest{
			CompanyID: firstNonEmpty(body.CompanyID, uc.CompanyID),
			Email:     body.Email,
			Name:      body.Name,
			Role:      body.Role,
			ManagerID: body.ManagerID,
			Password:  body.Password,
		})
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, u)

	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// AssignManager handles POST /api/v1/users/manager.
func (h *HTTPHandler) AssignManager(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	uc, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var body struct {
		UserID    string  `json:"user_id"`
		ManagerID *string `json:"manager_id"`
	}
	if !h.decode(w, r, &body) {
		return
	}

	if err := h.users.AssignManager(r.Context(), uc.UserID, body.UserID, body.ManagerID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// DeactivateEmployee handles POST /api/v1/users/deactivate.
func (h *HTTPHandler) DeactivateEmployee(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	uc, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var body struct {
		UserID string `json:"user_id"`
	}
	if !h.decode(w, r, &body) {
		return
	}

	if err := h.users.DeactivateEmployee(r.Context(), uc.UserID, body.UserID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// ── Expenses ──────────────────────────────────────────────────────────────────

type submitExpenseBody struct {
	CompanyID               string              `json:"company_id"`
	Amount                  decimal.Decimal     `json:"amount"`
	Currency                string              `json:"currency"`
	AmountInCompanyCurrency decimal.NullDecimal `json:"amount_in_company_currency"`
	Category                string              `json:"category"`
	Description             string              `json:"description"`
	ExpenseDate             string              `json:"expense_date"`
	IsManager               bool                `json:"is_manager"`
}

func (b submitExpenseBody) toRequest(uc auth.UserContext) (service.SubmitExpenseRequest, error) {
	req := service.SubmitExpenseRequest{
		CompanyID:               firstNonEmpty(b.CompanyID, uc.CompanyID),
		SubmittedBy:             uc.UserID,
		Amount:                  b.Amount,
		Currency:                b.Currency,
		AmountInCompanyCurrency: b.AmountInCompanyCurrency,
		Category:                b.Category,
		Description:             b.Description,
		IsManager:               b.IsManager,
	}
	if b.ExpenseDate != "" {
		d, err := time.Parse(time.DateOnly, b.ExpenseDate)
		if err != nil {
			return req, errors.InvalidInput("expense_date", "must be YYYY-MM-DD")
		}
		req.ExpenseDate = d
	}
	return req, nil
}

type expenseDetail struct {
	Expense   *repository.Expense           `json:"expense"`
	Approvers []*repository.ExpenseApprover `json:"approvers"`
}

// Expenses handles POST (submit) and GET (?id=) /api/v1/expenses.
func (h *HTTPHandler) Expenses(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
		var body submitExpenseBody
		if !h.decode(w, r, &body) {
			return
		}
		req, err := body.toRequest(uc)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		expense, err := h.approvals.SubmitExpense(r.Context(), req)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, expense)

	case http.MethodGet:
		id := r.URL.Query().Get("id")
		if id == "" {
			h.writeError(w, r, errors.InvalidInput("id", "expense id is required"))
			return
		}
		expense, err := h.approvals.GetExpense(r.Context(), id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if uc.CompanyID != "" && expense.CompanyID != uc.CompanyID {
			h.writeError(w, r, errors.NotFound("expense", id))
			return
		}
		approvers, err := h.approvals.GetExpenseApprovers(r.Context(), id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, expenseDetail{Expense: expense, Approvers: approvers})

	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// MyExpenses handles GET /api/v1/expenses/mine.
func (h *HTTPHandler) MyExpenses(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	uc, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	expenses, err := h.approvals.ListExpensesBySubmitter(r.Context(), uc.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expenses": expenses})
}

// ApprovalHistory handles GET /api/v1/expenses/history?id=.
func (h *HTTPHandler) ApprovalHistory(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if _, ok := h.requireUser(w, r); !ok {
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, r, errors.InvalidInput("id", "expense id is required"))
		return
	}

	history, err := h.approvals.GetApprovalHistory(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

// ProcessApproval handles POST /api/v1/expenses/decide.
func (h *HTTPHandler) ProcessApproval(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	uc, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var body struct {
		ExpenseID string              `json:"expense_id"`
		Decision  repository.Decision `json:"decision"`
		Comment   string              `json:"comment"`
	}
	if !h.decode(w, r, &body) {
		return
	}

	decision := repository.Decision(strings.ToUpper(string(body.Decision)))
	expense, err := h.approvals.ProcessApproval(r.Context(), body.ExpenseID, uc.UserID, decision, body.Comment)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, expense)
}

// EscalateExpense handles POST /api/v1/expenses/escalate.
func (h *HTTPHandler) EscalateExpense(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	uc, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var body struct {
		ExpenseID string `json:"expense_id"`
		Reason    string `json:"reason"`
	}
	if !h.decode(w, r, &body) {
		return
	}

	expense, err := h.approvals.EscalateExpense(r.Context(), body.ExpenseID, uc.UserID, body.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, expense)
}

// ── Approver dashboards ───────────────────────────────────────────────────────

// PendingApprovals handles GET /api/v1/approvals/pending.
func (h *HTTPHandler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	uc, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	pending, err := h.approvals.GetPendingApprovalsForUser(r.Context(), uc.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

// ManagerStats handles GET /api/v1/approvals/stats.
func (h *HTTPHandler) ManagerStats(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	uc, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	stats, err := h.approvals.GetManagerStats(r.Context(), uc.UserID, h.now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ── Workflows and rules ───────────────────────────────────────────────────────

type workflowStepBody struct {
	StepNumber    int              `json:"step_number"`
	ApproverID    *string          `json:"approver_id"`
	ApproverRole  *repository.Role `json:"approver_role"`
	IsRequired    bool             `json:"is_required"`
	CanBypass     bool             `json:"can_bypass"`
	IsManagerStep bool             `json:"is_manager_step"`
}

type workflowBody struct {
	CompanyID        string              `json:"company_id"`
	Name             string              `json:"name"`
	Description      string              `json:"description"`
	MinAmount        decimal.NullDecimal `json:"min_amount"`
	MaxAmount        decimal.NullDecimal `json:"max_amount"`
	Categories       []string            `json:"categories"`
	EnforceSequence  bool                `json:"enforce_sequence"`
	RequireManager   bool                `json:"require_manager"`
	MinimumApprovers int                 `json:"minimum_approvers"`
	IsDefault        bool                `json:"is_default"`
	Steps            []workflowStepBody  `json:"steps"`
}

// Workflows handles GET and POST /api/v1/workflows.
func (h *HTTPHandler) Workflows(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		companyID, ok := h.companyScope(w, r, uc, r.URL.Query().Get("company_id"))
		if !ok {
			return
		}
		workflows, err := h.approvals.ListWorkflows(r.Context(), companyID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})

	case http.MethodPost:
		var body workflowBody
		if !h.decode(w, r, &body) {
			return
		}
		req := service.CreateWorkflowRequest{
			CompanyID:        firstNonEmpty(body.CompanyID, uc.CompanyID),
			Name:             body.Name,
			Description:      body.Description,
			MinAmount:        body.MinAmount,
			MaxAmount:        body.MaxAmount,
			Categories:       body.Categories,
			EnforceSequence:  body.EnforceSequence,
			RequireManager:   body.RequireManager,
			MinimumApprovers: body.MinimumApprovers,
			IsDefault:        body.IsDefault,
		}
		for _, st := range body.Steps {
			req.Steps = append(req.Steps, service.CreateWorkflowStep(st))
		}
		wf, err := h.approvals.CreateWorkflow(r.Context(), uc.UserID, req)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, wf)

	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

type ruleBody struct {
	CompanyID        string              `json:"company_id"`
	Name             string              `json:"name"`
	RuleType         repository.RuleType `json:"rule_type"`
	ThresholdPercent decimal.NullDecimal `json:"threshold_percent"`
	SpecificUserID   *string             `json:"specific_user_id"`
	MinimumApprovers int                 `json:"minimum_approvers"`
	MinAmount        decimal.NullDecimal `json:"min_amount"`
	MaxAmount        decimal.NullDecimal `json:"max_amount"`
	Categories       []string            `json:"categories"`
	ConditionExpr    *string             `json:"condition_expr"`
	Priority         int                 `json:"priority"`
}

// Rules handles GET and POST /api/v1/rules.
func (h *HTTPHandler) Rules(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		companyID, ok := h.companyScope(w, r, uc, r.URL.Query().Get("company_id"))
		if !ok {
			return
		}
		rules, err := h.approvals.ListApprovalRules(r.Context(), companyID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rules": rules})

	case http.MethodPost:
		var body ruleBody
		if !h.decode(w, r, &body) {
			return
		}
		body.CompanyID = firstNonEmpty(body.CompanyID, uc.CompanyID)
		rule, err := h.approvals.CreateApprovalRule(r.Context(), uc.UserID, service.CreateApprovalRuleRequest(body))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, rule)

	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// SetRuleActive handles POST /api/v1/rules/active.
func (h *HTTPHandler) SetRuleActive(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	uc, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var body struct {
		CompanyID string `json:"company_id"`
		RuleID    string `json:"rule_id"`
		Active    bool   `json:"active"`
	}
	if !h.decode(w, r, &body) {
		return
	}

	err := h.approvals.SetApprovalRuleActive(r.Context(), uc.UserID, firstNonEmpty(body.CompanyID, uc.CompanyID), body.RuleID, body.Active)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rule_id": body.RuleID, "active": body.Active})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func (h *HTTPHandler) requireUser(w http.ResponseWriter, r *http.Request) (auth.UserContext, bool) {
	uc, err := auth.GetUserContext(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return uc, false
	}
	return uc, true
}

// companyScope resolves the company a listing is for. Callers whose
// identity names a company may only list that company.
func (h *HTTPHandler) companyScope(w http.ResponseWriter, r *http.Request, uc auth.UserContext, requested string) (string, bool) {
	companyID := firstNonEmpty(requested, uc.CompanyID)
	if companyID == "" {
		h.writeError(w, r, errors.InvalidInput("company_id", "company id is required"))
		return "", false
	}
	if uc.CompanyID != "" && companyID != uc.CompanyID {
		h.writeError(w, r, errors.New(errors.ErrCodeForbidden, "cannot access another company"))
		return "", false
	}
	return companyID, true
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return false
	}
	return true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := httpStatus(code)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Request failed")
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func httpStatus(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case errors.ErrCodeForbidden:
		return http.StatusForbidden
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeConflict, errors.ErrCodeAlreadyExists:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		methodNotAllowed(w, method)
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
