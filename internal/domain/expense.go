package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Expense is a single spend recorded against one budget category
type Expense struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"ownerId"`
	CategoryID     string          `json:"categoryId"`
	Description    string          `json:"description"`
	Amount         decimal.Decimal `json:"amount"`
	Date           time.Time       `json:"date"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Clone returns a copy safe to hand to another goroutine
func (e *Expense) Clone() *Expense {
	cp := *e
	return &cp
}

// ExpenseInput carries the client-supplied fields of an expense mutation
type ExpenseInput struct {
	CategoryID     string
	Description    string
	Amount         decimal.Decimal
	Date           string
	IdempotencyKey string
}

// Normalize trims the input and validates it, returning the parsed date.
// An empty date defaults to today (UTC).
func (in *ExpenseInput) Normalize(now time.Time) (time.Time, error) {
	in.CategoryID = strings.TrimSpace(in.CategoryID)
	in.Description = strings.TrimSpace(in.Description)
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)

	if in.CategoryID == "" {
		return time.Time{}, ErrCategoryRequired
	}
	if in.Description == "" {
		return time.Time{}, ErrDescriptionRequired
	}
	if len(in.Description) > MaxExpenseDescriptionLength {
		return time.Time{}, ErrDescriptionTooLong
	}
	if !in.Amount.IsPositive() {
		return time.Time{}, ErrInvalidAmount
	}
	if err := ValidateAmountScale(in.Amount); err != nil {
		return time.Time{}, err
	}

	if strings.TrimSpace(in.Date) == "" {
		y, m, d := now.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	date, err := time.Parse(DateLayout, strings.TrimSpace(in.Date))
	if err != nil {
		return time.Time{}, ErrInvalidDate
	}
	return date, nil
}

// SumExpenses adds up the amounts of the given expenses
func SumExpenses(expenses []*Expense) decimal.Decimal {
	total := decimal.Zero
	for _, e := range expenses {
		total = total.Add(e.Amount)
	}
	return total
}
