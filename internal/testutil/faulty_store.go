package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/dafibh/fortuna/budget-ledger/internal/domain"
	"github.com/shopspring/decimal"
)

// ErrInjected is the default error returned by an armed fault
var ErrInjected = errors.New("injected storage failure")

// Store operations that can be armed on a FaultyStore
const (
	OpUpsertSettings    = "UpsertSettings"
	OpCreateCategory    = "CreateCategory"
	OpSetAllocated      = "SetAllocated"
	OpIncrementSpent    = "IncrementSpent"
	OpSetSpent          = "SetSpent"
	OpSwapSpent         = "SwapSpent"
	OpResetSpent        = "ResetSpent"
	OpListExpensesByCat = "ListExpensesByCategory"
	OpGetExpense        = "GetExpense"
	OpCreateExpense     = "CreateExpense"
	OpUpdateExpense     = "UpdateExpense"
	OpDeleteExpense     = "DeleteExpense"
	OpDeleteAll         = "DeleteAllExpenses"
)

type fault struct {
	err       error
	remaining int // -1 fails forever
	after     bool
}

// FaultyStore wraps a LedgerStore and fails selected operations on demand.
// It never implements domain.Transactor, so the engine uses its non-transactional path.
type FaultyStore struct {
	domain.LedgerStore

	mu     sync.Mutex
	faults map[string]*fault
	calls  map[string]int
	hooks  map[string]func()
}

// NewFaultyStore creates a new FaultyStore around inner
func NewFaultyStore(inner domain.LedgerStore) *FaultyStore {
	return &FaultyStore{
		LedgerStore: inner,
		faults:      make(map[string]*fault),
		calls:       make(map[string]int),
		hooks:       make(map[string]func()),
	}
}

// Fail makes the next times calls of op return err without touching the inner store.
// times < 0 fails until Heal is called.
func (s *FaultyStore) Fail(op string, err error, times int) {
	if err == nil {
		err = ErrInjected
	}
	s.mu.Lock()
	s.faults[op] = &fault{err: err, remaining: times}
	s.mu.Unlock()
}

// FailAfter lets the next times calls of op reach the inner store and then returns err,
// simulating a write whose acknowledgement was lost
func (s *FaultyStore) FailAfter(op string, err error, times int) {
	if err == nil {
		err = ErrInjected
	}
	s.mu.Lock()
	s.faults[op] = &fault{err: err, remaining: times, after: true}
	s.mu.Unlock()
}

// Heal disarms every fault
func (s *FaultyStore) Heal() {
	s.mu.Lock()
	s.faults = make(map[string]*fault)
	s.mu.Unlock()
}

// OnCall runs fn once, right before the next call of op reaches the inner store
func (s *FaultyStore) OnCall(op string, fn func()) {
	s.mu.Lock()
	s.hooks[op] = fn
	s.mu.Unlock()
}

// Calls returns how often op was invoked
func (s *FaultyStore) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// check records the call and returns the armed fault for op, if any
func (s *FaultyStore) check(op string) *fault {
	s.mu.Lock()
	s.calls[op]++
	hook := s.hooks[op]
	delete(s.hooks, op)
	f, ok := s.faults[op]
	var armed *fault
	if ok && f.remaining != 0 {
		if f.remaining > 0 {
			f.remaining--
		}
		armed = &fault{err: f.err, after: f.after}
	}
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return armed
}

func run[T any](s *FaultyStore, op string, fn func() (T, error)) (T, error) {
	var zero T
	f := s.check(op)
	if f != nil && !f.after {
		return zero, f.err
	}
	v, err := fn()
	if err != nil {
		return v, err
	}
	if f != nil {
		return zero, f.err
	}
	return v, nil
}

func (s *FaultyStore) UpsertSettings(ctx context.Context, settings *domain.BudgetSettings) (*domain.BudgetSettings, error) {
	return run(s, OpUpsertSettings, func() (*domain.BudgetSettings, error) {
		return s.LedgerStore.UpsertSettings(ctx, settings)
	})
}

func (s *FaultyStore) CreateCategory(ctx context.Context, category *domain.BudgetCategory) (*domain.BudgetCategory, error) {
	return run(s, OpCreateCategory, func() (*domain.BudgetCategory, error) {
		return s.LedgerStore.CreateCategory(ctx, category)
	})
}

func (s *FaultyStore) SetAllocated(ctx context.Context, ownerID, categoryID string, amount decimal.Decimal) (*domain.BudgetCategory, error) {
	return run(s, OpSetAllocated, func() (*domain.BudgetCategory, error) {
		return s.LedgerStore.SetAllocated(ctx, ownerID, categoryID, amount)
	})
}

func (s *FaultyStore) IncrementSpent(ctx context.Context, ownerID, categoryID string, delta decimal.Decimal) (*domain.BudgetCategory, error) {
	return run(s, OpIncrementSpent, func() (*domain.BudgetCategory, error) {
		return s.LedgerStore.IncrementSpent(ctx, ownerID, categoryID, delta)
	})
}

func (s *FaultyStore) SetSpent(ctx context.Context, ownerID, categoryID string, amount decimal.Decimal) (*domain.BudgetCategory, error) {
	return run(s, OpSetSpent, func() (*domain.BudgetCategory, error) {
		return s.LedgerStore.SetSpent(ctx, ownerID, categoryID, amount)
	})
}

func (s *FaultyStore) SwapSpent(ctx context.Context, ownerID, categoryID string, expected, amount decimal.Decimal) (*domain.BudgetCategory, error) {
	return run(s, OpSwapSpent, func() (*domain.BudgetCategory, error) {
		return s.LedgerStore.SwapSpent(ctx, ownerID, categoryID, expected, amount)
	})
}

func (s *FaultyStore) ResetSpent(ctx context.Context, ownerID string) error {
	_, err := run(s, OpResetSpent, func() (struct{}, error) {
		return struct{}{}, s.LedgerStore.ResetSpent(ctx, ownerID)
	})
	return err
}

func (s *FaultyStore) ListExpensesByCategory(ctx context.Context, ownerID, categoryID string) ([]*domain.Expense, error) {
	return run(s, OpListExpensesByCat, func() ([]*domain.Expense, error) {
		return s.LedgerStore.ListExpensesByCategory(ctx, ownerID, categoryID)
	})
}

func (s *FaultyStore) GetExpense(ctx context.Context, ownerID, expenseID string) (*domain.Expense, error) {
	return run(s, OpGetExpense, func() (*domain.Expense, error) {
		return s.LedgerStore.GetExpense(ctx, ownerID, expenseID)
	})
}

func (s *FaultyStore) CreateExpense(ctx context.Context, expense *domain.Expense) (*domain.Expense, error) {
	return run(s, OpCreateExpense, func() (*domain.Expense, error) {
		return s.LedgerStore.CreateExpense(ctx, expense)
	})
}

func (s *FaultyStore) UpdateExpense(ctx context.Context, expense *domain.Expense) (*domain.Expense, error) {
	return run(s, OpUpdateExpense, func() (*domain.Expense, error) {
		return s.LedgerStore.UpdateExpense(ctx, expense)
	})
}

func (s *FaultyStore) DeleteExpense(ctx context.Context, ownerID, expenseID string) error {
	_, err := run(s, OpDeleteExpense, func() (struct{}, error) {
		return struct{}{}, s.LedgerStore.DeleteExpense(ctx, ownerID, expenseID)
	})
	return err
}

func (s *FaultyStore) DeleteAllExpenses(ctx context.Context, ownerID string) (int64, error) {
	return run(s, OpDeleteAll, func() (int64, error) {
		return s.LedgerStore.DeleteAllExpenses(ctx, ownerID)
	})
}
