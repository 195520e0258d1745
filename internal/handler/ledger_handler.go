package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/dafibh/fortuna/budget-ledger/internal/domain"
	"github.com/dafibh/fortuna/budget-ledger/internal/middleware"
	"github.com/dafibh/fortuna/budget-ledger/internal/service"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// IdempotencyKeyHeader carries the client's deduplication key on expense creation
const IdempotencyKeyHeader = "Idempotency-Key"

// LedgerHandler handles budget ledger HTTP requests
type LedgerHandler struct {
	ledger *service.LedgerService
}

// NewLedgerHandler creates a new LedgerHandler
func NewLedgerHandler(ledger *service.LedgerService) *LedgerHandler {
	return &LedgerHandler{ledger: ledger}
}

// SetTotalBudgetRequest represents the set total budget request body
type SetTotalBudgetRequest struct {
	TotalBudget string `json:"totalBudget"`
}

// ExpenseRequest represents the create/update expense request body
type ExpenseRequest struct {
	CategoryID  string `json:"categoryId"`
	Description string `json:"description"`
	Amount      string `json:"amount"`
	Date        string `json:"date"`
}

// SettingsResponse represents the owner's budget settings
type SettingsResponse struct {
	TotalBudget string    `json:"totalBudget"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// CategoryResponse represents a budget category with its progress
type CategoryResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Allocated string `json:"allocated"`
	Spent     string `json:"spent"`
	Remaining string `json:"remaining"`
	Overspent bool   `json:"overspent"`
}

// ExpenseResponse represents an expense in API responses
type ExpenseResponse struct {
	ID          string    `json:"id"`
	CategoryID  string    `json:"categoryId"`
	Description string    `json:"description"`
	Amount      string    `json:"amount"`
	Date        string    `json:"date"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// SummaryResponse represents the ledger totals
type SummaryResponse struct {
	TotalBudget    string `json:"totalBudget"`
	TotalAllocated string `json:"totalAllocated"`
	TotalSpent     string `json:"totalSpent"`
	Remaining      string `json:"remaining"`
}

// LedgerResponse represents the full ledger of an owner
type LedgerResponse struct {
	Settings   SettingsResponse   `json:"settings"`
	Categories []CategoryResponse `json:"categories"`
	Expenses   []ExpenseResponse  `json:"expenses"`
	Summary    SummaryResponse    `json:"summary"`
}

// ReconcileResponse represents the outcome of a category reconciliation
type ReconcileResponse struct {
	CategoryID   string `json:"categoryId"`
	Previous     string `json:"previous"`
	Corrected    string `json:"corrected"`
	ExpenseCount int    `json:"expenseCount"`
	Drifted      bool   `json:"drifted"`
}

// GetLedger handles GET /api/v1/budget
func (h *LedgerHandler) GetLedger(c echo.Context) error {
	ownerID := middleware.GetOwnerID(c)
	if ownerID == "" {
		return NewUnauthorizedError(c, "Owner required")
	}

	snapshot, err := h.ledger.GetSnapshot(c.Request().Context(), ownerID)
	if err != nil {
		return NewLedgerError(c, err, "Get ledger")
	}

	return c.JSON(http.StatusOK, toLedgerResponse(snapshot))
}

// SetTotalBudget handles PUT /api/v1/budget/total
func (h *LedgerHandler) SetTotalBudget(c echo.Context) error {
	ownerID := middleware.GetOwnerID(c)
	if ownerID == "" {
		return NewUnauthorizedError(c, "Owner required")
	}

	var req SetTotalBudgetRequest
	if err := c.Bind(&req); err != nil {
		return NewValidationError(c, "Invalid request body", nil)
	}

	total, err := decimal.NewFromString(strings.TrimSpace(req.TotalBudget))
	if err != nil {
		return NewValidationError(c, "Invalid total budget", []ValidationError{
			{Field: "totalBudget", Message: "Must be a decimal number"},
		})
	}

	if _, err := h.ledger.SetTotalBudget(c.Request().Context(), ownerID, total); err != nil {
		return NewLedgerError(c, err, "Set total budget")
	}

	snapshot, err := h.ledger.GetSnapshot(c.Request().Context(), ownerID)
	if err != nil {
		return NewLedgerError(c, err, "Get ledger")
	}

	log.Info().Str("owner_id", ownerID).Str("total_budget", total.String()).Msg("Total budget updated")

	return c.JSON(http.StatusOK, toLedgerResponse(snapshot))
}

// ResetLedger handles POST /api/v1/budget/reset
func (h *LedgerHandler) ResetLedger(c echo.Context) error {
	ownerID := middleware.GetOwnerID(c)
	if ownerID == "" {
		return NewUnauthorizedError(c, "Owner required")
	}

	if err := h.ledger.ResetLedger(c.Request().Context(), ownerID); err != nil {
		return NewLedgerError(c, err, "Reset ledger")
	}

	log.Info().Str("owner_id", ownerID).Msg("Ledger reset")

	return c.NoContent(http.StatusNoContent)
}

// CreateExpense handles POST /api/v1/budget/expenses
func (h *LedgerHandler) CreateExpense(c echo.Context) error {
	ownerID := middleware.GetOwnerID(c)
	if ownerID == "" {
		return NewUnauthorizedError(c, "Owner required")
	}

	in, err := bindExpense(c)
	if err != nil {
		return err
	}
	if in == nil {
		return nil
	}
	in.IdempotencyKey = c.Request().Header.Get(IdempotencyKeyHeader)

	result, err := h.ledger.AddExpense(c.Request().Context(), ownerID, *in)
	if err != nil {
		return NewLedgerError(c, err, "Create expense")
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}

	return c.JSON(status, toExpenseResponse(result.Expense))
}

// UpdateExpense handles PUT /api/v1/budget/expenses/:id
func (h *LedgerHandler) UpdateExpense(c echo.Context) error {
	ownerID := middleware.GetOwnerID(c)
	if ownerID == "" {
		return NewUnauthorizedError(c, "Owner required")
	}

	in, err := bindExpense(c)
	if err != nil {
		return err
	}
	if in == nil {
		return nil
	}

	expense, err := h.ledger.EditExpense(c.Request().Context(), ownerID, c.Param("id"), *in)
	if err != nil {
		return NewLedgerError(c, err, "Update expense")
	}

	return c.JSON(http.StatusOK, toExpenseResponse(expense))
}

// DeleteExpense handles DELETE /api/v1/budget/expenses/:id
func (h *LedgerHandler) DeleteExpense(c echo.Context) error {
	ownerID := middleware.GetOwnerID(c)
	if ownerID == "" {
		return NewUnauthorizedError(c, "Owner required")
	}

	if err := h.ledger.DeleteExpense(c.Request().Context(), ownerID, c.Param("id")); err != nil {
		return NewLedgerError(c, err, "Delete expense")
	}

	return c.NoContent(http.StatusNoContent)
}

// GetCategoryExpenses handles GET /api/v1/budget/categories/:id/expenses
func (h *LedgerHandler) GetCategoryExpenses(c echo.Context) error {
	ownerID := middleware.GetOwnerID(c)
	if ownerID == "" {
		return NewUnauthorizedError(c, "Owner required")
	}

	expenses, err := h.ledger.GetCategoryExpenses(c.Request().Context(), ownerID, c.Param("id"))
	if err != nil {
		return NewLedgerError(c, err, "Get category expenses")
	}

	return c.JSON(http.StatusOK, toExpenseResponses(expenses))
}

// ReconcileCategory handles POST /api/v1/budget/categories/:id/reconcile
func (h *LedgerHandler) ReconcileCategory(c echo.Context) error {
	ownerID := middleware.GetOwnerID(c)
	if ownerID == "" {
		return NewUnauthorizedError(c, "Owner required")
	}

	result, err := h.ledger.ReconcileCategory(c.Request().Context(), ownerID, c.Param("id"))
	if err != nil {
		return NewLedgerError(c, err, "Reconcile category")
	}

	return c.JSON(http.StatusOK, ReconcileResponse{
		CategoryID:   result.CategoryID,
		Previous:     result.Previous.StringFixed(2),
		Corrected:    result.Corrected.StringFixed(2),
		ExpenseCount: result.ExpenseCount,
		Drifted:      result.Drifted,
	})
}

// bindExpense parses the request body. It returns (nil, nil) after writing a validation
// response, so callers stop without an error.
func bindExpense(c echo.Context) (*domain.ExpenseInput, error) {
	var req ExpenseRequest
	if err := c.Bind(&req); err != nil {
		return nil, NewValidationError(c, "Invalid request body", nil)
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		return nil, NewValidationError(c, "Invalid amount", []ValidationError{
			{Field: "amount", Message: "Must be a decimal number"},
		})
	}

	return &domain.ExpenseInput{
		CategoryID:  req.CategoryID,
		Description: req.Description,
		Amount:      amount,
		Date:        req.Date,
	}, nil
}

func toLedgerResponse(s *domain.Snapshot) LedgerResponse {
	categories := make([]CategoryResponse, len(s.Categories))
	for i, cat := range s.Categories {
		categories[i] = CategoryResponse{
			ID:        cat.ID,
			Name:      cat.Name,
			Allocated: cat.AllocatedAmount.StringFixed(2),
			Spent:     cat.SpentAmount.StringFixed(2),
			Remaining: cat.Remaining().StringFixed(2),
			Overspent: cat.IsOverspent(),
		}
	}

	var settings SettingsResponse
	if s.Settings != nil {
		settings = SettingsResponse{
			TotalBudget: s.Settings.TotalBudget.StringFixed(2),
			UpdatedAt:   s.Settings.UpdatedAt,
		}
	}

	return LedgerResponse{
		Settings:   settings,
		Categories: categories,
		Expenses:   toExpenseResponses(s.Expenses),
		Summary: SummaryResponse{
			TotalBudget:    s.Summary.TotalBudget.StringFixed(2),
			TotalAllocated: s.Summary.TotalAllocated.StringFixed(2),
			TotalSpent:     s.Summary.TotalSpent.StringFixed(2),
			Remaining:      s.Summary.Remaining.StringFixed(2),
		},
	}
}

func toExpenseResponse(e *domain.Expense) ExpenseResponse {
	return ExpenseResponse{
		ID:          e.ID,
		CategoryID:  e.CategoryID,
		Description: e.Description,
		Amount:      e.Amount.StringFixed(2),
		Date:        e.Date.Format(domain.DateLayout),
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func toExpenseResponses(expenses []*domain.Expense) []ExpenseResponse {
	out := make([]ExpenseResponse, len(expenses))
	for i, e := range expenses {
		out[i] = toExpenseResponse(e)
	}
	return out
}
