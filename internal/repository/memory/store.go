// Package memory is an in-process implementation of domain.LedgerStore.
// It has no multi-row transactions; each method is atomic on its own.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dafibh/fortuna/budget-ledger/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store implements domain.LedgerStore in memory
type Store struct {
	mu         sync.RWMutex
	settings   map[string]*domain.BudgetSettings
	categories map[string]*domain.BudgetCategory // by category ID
	expenses   map[string]*domain.Expense        // by expense ID
	now        func() time.Time
}

// NewStore creates an empty Store
func NewStore() *Store {
	return &Store{
		settings:   make(map[string]*domain.BudgetSettings),
		categories: make(map[string]*domain.BudgetCategory),
		expenses:   make(map[string]*domain.Expense),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

var _ domain.LedgerStore = (*Store)(nil)

// GetSettings retrieves the budget settings of an owner
func (s *Store) GetSettings(ctx context.Context, ownerID string) (*domain.BudgetSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	settings, ok := s.settings[ownerID]
	if !ok {
		return nil, domain.ErrSettingsNotFound
	}
	cp := *settings
	return &cp, nil
}

// UpsertSettings creates or replaces the settings of an owner
func (s *Store) UpsertSettings(ctx context.Context, settings *domain.BudgetSettings) (*domain.BudgetSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	existing, ok := s.settings[settings.OwnerID]
	if !ok {
		existing = &domain.BudgetSettings{OwnerID: settings.OwnerID, CreatedAt: now}
		s.settings[settings.OwnerID] = existing
	}
	existing.TotalBudget = settings.TotalBudget
	existing.UpdatedAt = now
	cp := *existing
	return &cp, nil
}

// ListOwners returns every owner with settings or categories
func (s *Store) ListOwners(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	for owner := range s.settings {
		seen[owner] = true
	}
	for _, c := range s.categories {
		seen[c.OwnerID] = true
	}
	owners := make([]string, 0, len(seen))
	for owner := range seen {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners, nil
}

// ListCategories retrieves all categories of an owner ordered by name
func (s *Store) ListCategories(ctx context.Context, ownerID string) ([]*domain.BudgetCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.BudgetCategory
	for _, c := range s.categories {
		if c.OwnerID == ownerID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetCategory retrieves a category by ID within an owner
func (s *Store) GetCategory(ctx context.Context, ownerID, categoryID string) (*domain.BudgetCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.categories[categoryID]
	if !ok || c.OwnerID != ownerID {
		return nil, domain.ErrCategoryNotFound
	}
	return c.Clone(), nil
}

// CreateCategory creates a new category, rejecting duplicate names per owner
func (s *Store) CreateCategory(ctx context.Context, category *domain.BudgetCategory) (*domain.BudgetCategory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.categories {
		if c.OwnerID == category.OwnerID && c.Name == category.Name {
			return nil, domain.ErrDuplicateCategoryName
		}
	}
	created := category.Clone()
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	created.CreatedAt = s.now()
	created.UpdatedAt = created.CreatedAt
	s.categories[created.ID] = created
	return created.Clone(), nil
}

// mutateCategory applies fn to the stored category under the write lock
func (s *Store) mutateCategory(ownerID, categoryID string, fn func(c *domain.BudgetCategory)) (*domain.BudgetCategory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.categories[categoryID]
	if !ok || c.OwnerID != ownerID {
		return nil, domain.ErrCategoryNotFound
	}
	fn(c)
	c.UpdatedAt = s.now()
	return c.Clone(), nil
}

// SetAllocated overwrites a category's allocation
func (s *Store) SetAllocated(ctx context.Context, ownerID, categoryID string, amount decimal.Decimal) (*domain.BudgetCategory, error) {
	return s.mutateCategory(ownerID, categoryID, func(c *domain.BudgetCategory) {
		c.AllocatedAmount = amount
	})
}

// IncrementSpent adds delta to the spent aggregate under the store lock
func (s *Store) IncrementSpent(ctx context.Context, ownerID, categoryID string, delta decimal.Decimal) (*domain.BudgetCategory, error) {
	return s.mutateCategory(ownerID, categoryID, func(c *domain.BudgetCategory) {
		c.SpentAmount = c.SpentAmount.Add(delta)
	})
}

// SetSpent overwrites a category's spent aggregate
func (s *Store) SetSpent(ctx context.Context, ownerID, categoryID string, amount decimal.Decimal) (*domain.BudgetCategory, error) {
	return s.mutateCategory(ownerID, categoryID, func(c *domain.BudgetCategory) {
		c.SpentAmount = amount
	})
}

// SwapSpent overwrites the spent aggregate only if it still equals expected
func (s *Store) SwapSpent(ctx context.Context, ownerID, categoryID string, expected, amount decimal.Decimal) (*domain.BudgetCategory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.categories[categoryID]
	if !ok || c.OwnerID != ownerID {
		return nil, domain.ErrCategoryNotFound
	}
	if !c.SpentAmount.Equal(expected) {
		return nil, domain.ErrSpentChanged
	}
	c.SpentAmount = amount
	c.UpdatedAt = s.now()
	return c.Clone(), nil
}

// ResetSpent zeroes the spent aggregate of every category of an owner
func (s *Store) ResetSpent(ctx context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, c := range s.categories {
		if c.OwnerID == ownerID {
			c.SpentAmount = decimal.Zero
			c.UpdatedAt = now
		}
	}
	return nil
}

// ListExpenses retrieves all expenses of an owner
func (s *Store) ListExpenses(ctx context.Context, ownerID string) ([]*domain.Expense, error) {
	return s.filterExpenses(func(e *domain.Expense) bool { return e.OwnerID == ownerID }), nil
}

// ListExpensesByCategory retrieves the expenses recorded against one category
func (s *Store) ListExpensesByCategory(ctx context.Context, ownerID, categoryID string) ([]*domain.Expense, error) {
	return s.filterExpenses(func(e *domain.Expense) bool {
		return e.OwnerID == ownerID && e.CategoryID == categoryID
	}), nil
}

func (s *Store) filterExpenses(match func(e *domain.Expense) bool) []*domain.Expense {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Expense
	for _, e := range s.expenses {
		if match(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// GetExpense retrieves an expense by ID within an owner
func (s *Store) GetExpense(ctx context.Context, ownerID, expenseID string) (*domain.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.expenses[expenseID]
	if !ok || e.OwnerID != ownerID {
		return nil, domain.ErrExpenseNotFound
	}
	return e.Clone(), nil
}

// GetExpenseByIdempotencyKey finds the expense created with key
func (s *Store) GetExpenseByIdempotencyKey(ctx context.Context, ownerID, key string) (*domain.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.expenses {
		if e.OwnerID == ownerID && key != "" && e.IdempotencyKey == key {
			return e.Clone(), nil
		}
	}
	return nil, domain.ErrExpenseNotFound
}

// CreateExpense stores a new expense
func (s *Store) CreateExpense(ctx context.Context, expense *domain.Expense) (*domain.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if expense.IdempotencyKey != "" {
		for _, e := range s.expenses {
			if e.OwnerID == expense.OwnerID && e.IdempotencyKey == expense.IdempotencyKey {
				return nil, domain.ErrDuplicateIdempotencyKey
			}
		}
	}
	c, ok := s.categories[expense.CategoryID]
	if !ok || c.OwnerID != expense.OwnerID {
		return nil, domain.ErrCategoryNotFound
	}
	created := expense.Clone()
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	created.CreatedAt = s.now()
	created.UpdatedAt = created.CreatedAt
	s.expenses[created.ID] = created
	return created.Clone(), nil
}

// UpdateExpense replaces an existing expense
func (s *Store) UpdateExpense(ctx context.Context, expense *domain.Expense) (*domain.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.expenses[expense.ID]
	if !ok || existing.OwnerID != expense.OwnerID {
		return nil, domain.ErrExpenseNotFound
	}
	c, ok := s.categories[expense.CategoryID]
	if !ok || c.OwnerID != expense.OwnerID {
		return nil, domain.ErrCategoryNotFound
	}
	existing.CategoryID = expense.CategoryID
	existing.Description = expense.Description
	existing.Amount = expense.Amount
	existing.Date = expense.Date
	existing.UpdatedAt = s.now()
	return existing.Clone(), nil
}

// DeleteExpense removes an expense
func (s *Store) DeleteExpense(ctx context.Context, ownerID, expenseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.expenses[expenseID]
	if !ok || e.OwnerID != ownerID {
		return domain.ErrExpenseNotFound
	}
	delete(s.expenses, expenseID)
	return nil
}

// DeleteAllExpenses removes every expense of an owner and reports how many
func (s *Store) DeleteAllExpenses(ctx context.Context, ownerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.expenses {
		if e.OwnerID == ownerID {
			delete(s.expenses, id)
			n++
		}
	}
	return n, nil
}
