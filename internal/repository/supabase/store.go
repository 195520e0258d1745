// Package supabase implements domain.LedgerStore over the Supabase REST API.
//
// PostgREST offers no multi-statement transactions, so this store does not implement
// domain.Transactor and the engine uses its compensating path. Spent increments use a
// compare-and-swap update on the previous value so concurrent writers never lose one.
package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dafibh/fortuna/budget-ledger/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/supabase-community/supabase-go"
)

const (
	tableSettings   = "budget_settings"
	tableCategories = "budget_categories"
	tableExpenses   = "expenses"

	maxIncrementAttempts = 5
)

// ErrIncrementContention is returned when a compare-and-swap increment keeps losing races
var ErrIncrementContention = errors.New("spent amount changed concurrently")

type settingsRow struct {
	OwnerID     string          `json:"owner_id"`
	TotalBudget decimal.Decimal `json:"total_budget"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type categoryRow struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"owner_id"`
	Name            string          `json:"name"`
	AllocatedAmount decimal.Decimal `json:"allocated_amount"`
	SpentAmount     decimal.Decimal `json:"spent_amount"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type expenseRow struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	CategoryID     string          `json:"category_id"`
	Description    string          `json:"description"`
	Amount         decimal.Decimal `json:"amount"`
	Date           string          `json:"date"`
	IdempotencyKey *string         `json:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (r categoryRow) toDomain() *domain.BudgetCategory {
	return &domain.BudgetCategory{
		ID:              r.ID,
		OwnerID:         r.OwnerID,
		Name:            r.Name,
		AllocatedAmount: r.AllocatedAmount,
		SpentAmount:     r.SpentAmount,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func (r expenseRow) toDomain() (*domain.Expense, error) {
	date, err := time.Parse(domain.DateLayout, r.Date)
	if err != nil {
		return nil, fmt.Errorf("corrupt date for expense %s: %w", r.ID, err)
	}
	e := &domain.Expense{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		CategoryID:  r.CategoryID,
		Description: r.Description,
		Amount:      r.Amount,
		Date:        date,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.IdempotencyKey != nil {
		e.IdempotencyKey = *r.IdempotencyKey
	}
	return e, nil
}

// Store implements domain.LedgerStore against Supabase tables
type Store struct {
	client *supabase.Client
	now    func() time.Time
}

var _ domain.LedgerStore = (*Store)(nil)

// NewStore connects to the Supabase project at url with the service key
func NewStore(url, key string) (*Store, error) {
	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	return &Store{
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Store) stamp() string {
	return s.now().Format(time.RFC3339Nano)
}

func isDuplicate(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key")
}

func decodeRows[T any](data []byte) ([]T, error) {
	var rows []T
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse supabase response: %w", err)
	}
	return rows, nil
}

// Settings

func (s *Store) GetSettings(ctx context.Context, ownerID string) (*domain.BudgetSettings, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, _, err := s.client.From(tableSettings).
		Select("*", "", false).
		Eq("owner_id", ownerID).
		Execute()
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows[settingsRow](data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, domain.ErrSettingsNotFound
	}
	return &domain.BudgetSettings{
		OwnerID:     rows[0].OwnerID,
		TotalBudget: rows[0].TotalBudget,
		CreatedAt:   rows[0].CreatedAt,
		UpdatedAt:   rows[0].UpdatedAt,
	}, nil
}

func (s *Store) UpsertSettings(ctx context.Context, settings *domain.BudgetSettings) (*domain.BudgetSettings, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	row := map[string]any{
		"owner_id":     settings.OwnerID,
		"total_budget": settings.TotalBudget.String(),
		"updated_at":   s.stamp(),
	}
	if _, _, err := s.client.From(tableSettings).Insert(row, true, "owner_id", "", "").Execute(); err != nil {
		return nil, err
	}
	return s.GetSettings(ctx, settings.OwnerID)
}

func (s *Store) ListOwners(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	for _, table := range []string{tableSettings, tableCategories} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, _, err := s.client.From(table).Select("owner_id", "", false).Execute()
		if err != nil {
			return nil, err
		}
		rows, err := decodeRows[struct {
			OwnerID string `json:"owner_id"`
		}](data)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			seen[r.OwnerID] = true
		}
	}

	owners := make([]string, 0, len(seen))
	for owner := range seen {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners, nil
}

// Categories

func (s *Store) selectCategories(ctx context.Context, filters map[string]string) ([]*domain.BudgetCategory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := s.client.From(tableCategories).Select("*", "", false)
	for column, value := range filters {
		query = query.Eq(column, value)
	}
	data, _, err := query.Execute()
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows[categoryRow](data)
	if err != nil {
		return nil, err
	}
	categories := make([]*domain.BudgetCategory, len(rows))
	for i, r := range rows {
		categories[i] = r.toDomain()
	}
	return categories, nil
}

func (s *Store) ListCategories(ctx context.Context, ownerID string) ([]*domain.BudgetCategory, error) {
	categories, err := s.selectCategories(ctx, map[string]string{"owner_id": ownerID})
	if err != nil {
		return nil, err
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i].Name < categories[j].Name })
	return categories, nil
}

func (s *Store) GetCategory(ctx context.Context, ownerID, categoryID string) (*domain.BudgetCategory, error) {
	if _, err := uuid.Parse(categoryID); err != nil {
		return nil, domain.ErrCategoryNotFound
	}
	categories, err := s.selectCategories(ctx, map[string]string{"owner_id": ownerID, "id": categoryID})
	if err != nil {
		return nil, err
	}
	if len(categories) == 0 {
		return nil, domain.ErrCategoryNotFound
	}
	return categories[0], nil
}

func (s *Store) CreateCategory(ctx context.Context, category *domain.BudgetCategory) (*domain.BudgetCategory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := category.ID
	if id == "" {
		id = uuid.New().String()
	}
	row := map[string]any{
		"id":               id,
		"owner_id":         category.OwnerID,
		"name":             category.Name,
		"allocated_amount": category.AllocatedAmount.String(),
		"spent_amount":     category.SpentAmount.String(),
	}
	if _, _, err := s.client.From(tableCategories).Insert(row, false, "", "", "").Execute(); err != nil {
		if isDuplicate(err) {
			return nil, domain.ErrDuplicateCategoryName
		}
		return nil, err
	}
	return s.GetCategory(ctx, category.OwnerID, id)
}

// updateCategory applies values to one category, optionally only when extra filters match.
// It reports whether a row was updated.
func (s *Store) updateCategory(ctx context.Context, ownerID, categoryID string, values map[string]any, match map[string]string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	values["updated_at"] = s.stamp()
	query := s.client.From(tableCategories).
		Update(values, "representation", "").
		Eq("owner_id", ownerID).
		Eq("id", categoryID)
	for column, value := range match {
		query = query.Eq(column, value)
	}
	data, _, err := query.Execute()
	if err != nil {
		return false, err
	}
	rows, err := decodeRows[categoryRow](data)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (s *Store) setAmount(ctx context.Context, column, ownerID, categoryID string, amount decimal.Decimal) (*domain.BudgetCategory, error) {
	if _, err := uuid.Parse(categoryID); err != nil {
		return nil, domain.ErrCategoryNotFound
	}
	updated, err := s.updateCategory(ctx, ownerID, categoryID, map[string]any{column: amount.String()}, nil)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, domain.ErrCategoryNotFound
	}
	return s.GetCategory(ctx, ownerID, categoryID)
}

func (s *Store) SetAllocated(ctx context.Context, ownerID, categoryID string, amount decimal.Decimal) (*domain.BudgetCategory, error) {
	return s.setAmount(ctx, "allocated_amount", ownerID, categoryID, amount)
}

func (s *Store) SetSpent(ctx context.Context, ownerID, categoryID string, amount decimal.Decimal) (*domain.BudgetCategory, error) {
	return s.setAmount(ctx, "spent_amount", ownerID, categoryID, amount)
}

// IncrementSpent writes current+delta only if spent_amount still equals the value read
func (s *Store) IncrementSpent(ctx context.Context, ownerID, categoryID string, delta decimal.Decimal) (*domain.BudgetCategory, error) {
	for attempt := 0; attempt < maxIncrementAttempts; attempt++ {
		current, err := s.GetCategory(ctx, ownerID, categoryID)
		if err != nil {
			return nil, err
		}
		next := current.SpentAmount.Add(delta)
		updated, err := s.updateCategory(ctx, ownerID, categoryID,
			map[string]any{"spent_amount": next.String()},
			map[string]string{"spent_amount": current.SpentAmount.String()},
		)
		if err != nil {
			return nil, err
		}
		if updated {
			current.SpentAmount = next
			return current, nil
		}
	}
	return nil, ErrIncrementContention
}

// SwapSpent writes amount only if spent_amount still equals expected
func (s *Store) SwapSpent(ctx context.Context, ownerID, categoryID string, expected, amount decimal.Decimal) (*domain.BudgetCategory, error) {
	if _, err := uuid.Parse(categoryID); err != nil {
		return nil, domain.ErrCategoryNotFound
	}
	updated, err := s.updateCategory(ctx, ownerID, categoryID,
		map[string]any{"spent_amount": amount.String()},
		map[string]string{"spent_amount": expected.String()},
	)
	if err != nil {
		return nil, err
	}
	current, err := s.GetCategory(ctx, ownerID, categoryID)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, domain.ErrSpentChanged
	}
	return current, nil
}

func (s *Store) ResetSpent(ctx context.Context, ownerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := s.client.From(tableCategories).
		Update(map[string]any{"spent_amount": "0", "updated_at": s.stamp()}, "", "").
		Eq("owner_id", ownerID).
		Execute()
	return err
}

// Expenses

func (s *Store) selectExpenses(ctx context.Context, filters map[string]string) ([]*domain.Expense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := s.client.From(tableExpenses).Select("*", "", false)
	for column, value := range filters {
		query = query.Eq(column, value)
	}
	data, _, err := query.Execute()
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows[expenseRow](data)
	if err != nil {
		return nil, err
	}

	expenses := make([]*domain.Expense, 0, len(rows))
	for _, r := range rows {
		e, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, e)
	}
	sort.SliceStable(expenses, func(i, j int) bool {
		if !expenses[i].Date.Equal(expenses[j].Date) {
			return expenses[i].Date.After(expenses[j].Date)
		}
		return expenses[i].CreatedAt.After(expenses[j].CreatedAt)
	})
	return expenses, nil
}

func (s *Store) ListExpenses(ctx context.Context, ownerID string) ([]*domain.Expense, error) {
	return s.selectExpenses(ctx, map[string]string{"owner_id": ownerID})
}

func (s *Store) ListExpensesByCategory(ctx context.Context, ownerID, categoryID string) ([]*domain.Expense, error) {
	return s.selectExpenses(ctx, map[string]string{"owner_id": ownerID, "category_id": categoryID})
}

func (s *Store) GetExpense(ctx context.Context, ownerID, expenseID string) (*domain.Expense, error) {
	if _, err := uuid.Parse(expenseID); err != nil {
		return nil, domain.ErrExpenseNotFound
	}
	expenses, err := s.selectExpenses(ctx, map[string]string{"owner_id": ownerID, "id": expenseID})
	if err != nil {
		return nil, err
	}
	if len(expenses) == 0 {
		return nil, domain.ErrExpenseNotFound
	}
	return expenses[0], nil
}

func (s *Store) GetExpenseByIdempotencyKey(ctx context.Context, ownerID, key string) (*domain.Expense, error) {
	expenses, err := s.selectExpenses(ctx, map[string]string{"owner_id": ownerID, "idempotency_key": key})
	if err != nil {
		return nil, err
	}
	if len(expenses) == 0 {
		return nil, domain.ErrExpenseNotFound
	}
	return expenses[0], nil
}

func expenseValues(e *domain.Expense) map[string]any {
	return map[string]any{
		"category_id": e.CategoryID,
		"description": e.Description,
		"amount":      e.Amount.String(),
		"date":        e.Date.Format(domain.DateLayout),
	}
}

func (s *Store) CreateExpense(ctx context.Context, expense *domain.Expense) (*domain.Expense, error) {
	if _, err := s.GetCategory(ctx, expense.OwnerID, expense.CategoryID); err != nil {
		return nil, err
	}
	id := expense.ID
	if id == "" {
		id = uuid.New().String()
	}
	row := expenseValues(expense)
	row["id"] = id
	row["owner_id"] = expense.OwnerID
	if expense.IdempotencyKey != "" {
		row["idempotency_key"] = expense.IdempotencyKey
	}

	if _, _, err := s.client.From(tableExpenses).Insert(row, false, "", "", "").Execute(); err != nil {
		if isDuplicate(err) {
			return nil, domain.ErrDuplicateIdempotencyKey
		}
		return nil, err
	}
	return s.GetExpense(ctx, expense.OwnerID, id)
}

func (s *Store) UpdateExpense(ctx context.Context, expense *domain.Expense) (*domain.Expense, error) {
	if _, err := uuid.Parse(expense.ID); err != nil {
		return nil, domain.ErrExpenseNotFound
	}
	if _, err := s.GetCategory(ctx, expense.OwnerID, expense.CategoryID); err != nil {
		return nil, err
	}
	values := expenseValues(expense)
	values["updated_at"] = s.stamp()

	data, _, err := s.client.From(tableExpenses).
		Update(values, "representation", "").
		Eq("owner_id", expense.OwnerID).
		Eq("id", expense.ID).
		Execute()
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows[expenseRow](data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, domain.ErrExpenseNotFound
	}
	return rows[0].toDomain()
}

func (s *Store) deleteExpenses(ctx context.Context, filters map[string]string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	query := s.client.From(tableExpenses).Delete("representation", "")
	for column, value := range filters {
		query = query.Eq(column, value)
	}
	data, _, err := query.Execute()
	if err != nil {
		return 0, err
	}
	rows, err := decodeRows[expenseRow](data)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (s *Store) DeleteExpense(ctx context.Context, ownerID, expenseID string) error {
	if _, err := uuid.Parse(expenseID); err != nil {
		return domain.ErrExpenseNotFound
	}
	n, err := s.deleteExpenses(ctx, map[string]string{"owner_id": ownerID, "id": expenseID})
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrExpenseNotFound
	}
	return nil
}

func (s *Store) DeleteAllExpenses(ctx context.Context, ownerID string) (int64, error) {
	return s.deleteExpenses(ctx, map[string]string{"owner_id": ownerID})
}
