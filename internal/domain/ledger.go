package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// LedgerStore is the persistence gateway of the budget ledger. All rows are keyed by owner.
//
// Implementations return ErrCategoryNotFound / ErrExpenseNotFound / ErrSettingsNotFound for
// missing rows, ErrDuplicateCategoryName and ErrDuplicateIdempotencyKey for unique violations,
// and raw errors for everything else.
type LedgerStore interface {
	GetSettings(ctx context.Context, ownerID string) (*BudgetSettings, error)
	UpsertSettings(ctx context.Context, settings *BudgetSettings) (*BudgetSettings, error)
	ListOwners(ctx context.Context) ([]string, error)

	ListCategories(ctx context.Context, ownerID string) ([]*BudgetCategory, error)
	GetCategory(ctx context.Context, ownerID, categoryID string) (*BudgetCategory, error)
	CreateCategory(ctx context.Context, category *BudgetCategory) (*BudgetCategory, error)
	SetAllocated(ctx context.Context, ownerID, categoryID string, amount decimal.Decimal) (*BudgetCategory, error)
	// IncrementSpent adds delta (which may be negative) to the spent aggregate in one row update
	IncrementSpent(ctx context.Context, ownerID, categoryID string, delta decimal.Decimal) (*BudgetCategory, error)
	SetSpent(ctx context.Context, ownerID, categoryID string, amount decimal.Decimal) (*BudgetCategory, error)
	// SwapSpent writes amount only while the spent aggregate still equals expected,
	// returning ErrSpentChanged when another writer got there first
	SwapSpent(ctx context.Context, ownerID, categoryID string, expected, amount decimal.Decimal) (*BudgetCategory, error)
	ResetSpent(ctx context.Context, ownerID string) error

	ListExpenses(ctx context.Context, ownerID string) ([]*Expense, error)
	ListExpensesByCategory(ctx context.Context, ownerID, categoryID string) ([]*Expense, error)
	GetExpense(ctx context.Context, ownerID, expenseID string) (*Expense, error)
	GetExpenseByIdempotencyKey(ctx context.Context, ownerID, key string) (*Expense, error)
	CreateExpense(ctx context.Context, expense *Expense) (*Expense, error)
	UpdateExpense(ctx context.Context, expense *Expense) (*Expense, error)
	DeleteExpense(ctx context.Context, ownerID, expenseID string) error
	DeleteAllExpenses(ctx context.Context, ownerID string) (int64, error)
}

// Transactor is implemented by stores that can apply several writes atomically.
// fn receives a store bound to the transaction; returning an error rolls everything back.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx LedgerStore) error) error
}

// CategoryLocker is implemented by transactional stores that can hold a category row lock
// until the surrounding transaction ends. Concurrent expense writes to that category wait for it.
type CategoryLocker interface {
	GetCategoryForUpdate(ctx context.Context, ownerID, categoryID string) (*BudgetCategory, error)
}

// ChangeNotifier receives a signal after an owner's ledger was durably changed
type ChangeNotifier interface {
	Notify(ownerID string)
}
