package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dafibh/fortuna/budget-ledger/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// maxLockAttempts bounds how often an expense is re-read when its category moves
// between the unlocked read and acquiring the category lock
const maxLockAttempts = 3

// maxReconcileAttempts bounds the re-derivations of one category while other writers keep moving it
const maxReconcileAttempts = 3

// LedgerService is the reconciliation engine of the budget ledger. It owns the only
// write path to category aggregates.
//
// When the store implements domain.Transactor every mutation commits as one transaction.
// Otherwise the row write and the aggregate writes are applied in sequence, and a failure
// after the row write is repaired by re-deriving the affected categories from their expenses.
type LedgerService struct {
	store    domain.LedgerStore
	tx       domain.Transactor
	policy   *AllocationPolicy
	notifier domain.ChangeNotifier
	locks    *categoryLocks
	logger   zerolog.Logger
	timeout  time.Duration
	now      func() time.Time

	pendingMu    sync.Mutex
	pending      map[domain.CategoryKey]struct{}
	reallocation map[string]struct{}
}

// LedgerServiceConfig holds tuning for the engine
type LedgerServiceConfig struct {
	StoreTimeout time.Duration // Upper bound for the store calls of one operation
}

// DefaultLedgerServiceConfig returns sensible defaults
func DefaultLedgerServiceConfig() LedgerServiceConfig {
	return LedgerServiceConfig{StoreTimeout: 5 * time.Second}
}

// AddExpenseResult is the outcome of AddExpense
type AddExpenseResult struct {
	Expense  *domain.Expense
	Replayed bool // true when the idempotency key matched an existing expense
}

// NewLedgerService creates a new LedgerService
func NewLedgerService(
	store domain.LedgerStore,
	policy *AllocationPolicy,
	notifier domain.ChangeNotifier,
	logger zerolog.Logger,
	config LedgerServiceConfig,
) *LedgerService {
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = DefaultLedgerServiceConfig().StoreTimeout
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}

	s := &LedgerService{
		store:        store,
		policy:       policy,
		notifier:     notifier,
		locks:        newCategoryLocks(),
		logger:       logger.With().Str("component", "ledger_service").Logger(),
		timeout:      config.StoreTimeout,
		now:          func() time.Time { return time.Now().UTC() },
		pending:      make(map[domain.CategoryKey]struct{}),
		reallocation: make(map[string]struct{}),
	}
	if tx, ok := store.(domain.Transactor); ok {
		s.tx = tx
	}
	return s
}

type noopNotifier struct{}

func (noopNotifier) Notify(string) {}

// Transactional reports whether mutations commit atomically in the store
func (s *LedgerService) Transactional() bool {
	return s.tx != nil
}

// Policy returns the allocation policy used by the engine
func (s *LedgerService) Policy() *AllocationPolicy {
	return s.policy
}

// GetSnapshot seeds the owner's ledger if needed and returns settings, categories and expenses.
// Categories flagged for reconciliation are repaired first so the snapshot never shows
// a known-bad aggregate.
func (s *LedgerService) GetSnapshot(ctx context.Context, ownerID string) (*domain.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.ensureSeeded(ctx, ownerID); err != nil {
		return nil, err
	}
	s.repairPending(ctx, ownerID)

	settings, err := s.store.GetSettings(ctx, ownerID)
	if err != nil {
		return nil, domain.WrapStorage("get settings", err)
	}
	categories, err := s.store.ListCategories(ctx, ownerID)
	if err != nil {
		return nil, domain.WrapStorage("list categories", err)
	}
	expenses, err := s.store.ListExpenses(ctx, ownerID)
	if err != nil {
		return nil, domain.WrapStorage("list expenses", err)
	}

	sortCategories(categories)
	sortExpenses(expenses)

	return &domain.Snapshot{
		Settings:   settings,
		Categories: categories,
		Expenses:   expenses,
		Summary:    domain.Summarize(settings, categories),
	}, nil
}

// GetCategoryExpenses lists the expenses of one category
func (s *LedgerService) GetCategoryExpenses(ctx context.Context, ownerID, categoryID string) ([]*domain.Expense, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.store.GetCategory(ctx, ownerID, categoryID); err != nil {
		return nil, domain.WrapStorage("get category", err)
	}
	expenses, err := s.store.ListExpensesByCategory(ctx, ownerID, categoryID)
	if err != nil {
		return nil, domain.WrapStorage("list expenses", err)
	}
	sortExpenses(expenses)
	return expenses, nil
}

// AddExpense records a new expense and increments its category's spent aggregate
func (s *LedgerService) AddExpense(ctx context.Context, ownerID string, in domain.ExpenseInput) (*AddExpenseResult, error) {
	date, err := in.Normalize(s.now())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if in.IdempotencyKey != "" {
		existing, err := s.findByIdempotencyKey(ctx, ownerID, in.IdempotencyKey)
		if err != nil || existing != nil {
			return s.replay(ctx, ownerID, existing, err)
		}
	}

	if err := s.ensureSeeded(ctx, ownerID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetCategory(ctx, ownerID, in.CategoryID); err != nil {
		return nil, domain.WrapStorage("get category", err)
	}

	unlock, err := s.locks.Lock(ctx, ownerID, in.CategoryID)
	if err != nil {
		return nil, domain.WrapStorage("lock category", err)
	}
	defer unlock()

	// A duplicate submission may have landed while we waited for the lock
	if in.IdempotencyKey != "" {
		existing, err := s.findByIdempotencyKey(ctx, ownerID, in.IdempotencyKey)
		if err != nil || existing != nil {
			unlock()
			return s.replay(ctx, ownerID, existing, err)
		}
	}

	expense := &domain.Expense{
		ID:             uuid.New().String(),
		OwnerID:        ownerID,
		CategoryID:     in.CategoryID,
		Description:    in.Description,
		Amount:         in.Amount,
		Date:           date,
		IdempotencyKey: in.IdempotencyKey,
	}

	var created *domain.Expense
	err = s.apply(ctx, ownerID, []string{in.CategoryID}, mutation{
		name: "add expense",
		row: func(ctx context.Context, st domain.LedgerStore) error {
			var err error
			created, err = st.CreateExpense(ctx, expense)
			return err
		},
		aggregate: func(ctx context.Context, st domain.LedgerStore) error {
			_, err := st.IncrementSpent(ctx, ownerID, in.CategoryID, in.Amount)
			return err
		},
		undo: func(ctx context.Context, st domain.LedgerStore) error {
			return st.DeleteExpense(ctx, ownerID, expense.ID)
		},
	})
	if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
		unlock()
		existing, err := s.findByIdempotencyKey(ctx, ownerID, in.IdempotencyKey)
		if err == nil && existing == nil {
			return nil, domain.ErrDuplicateIdempotencyKey
		}
		return s.replay(ctx, ownerID, existing, err)
	}
	if err != nil {
		return nil, err
	}
	if created == nil {
		created = expense
	}

	s.logger.Debug().
		Str("owner_id", ownerID).
		Str("category_id", in.CategoryID).
		Str("expense_id", created.ID).
		Str("amount", in.Amount.String()).
		Msg("Expense added")

	return &AddExpenseResult{Expense: created}, nil
}

// findByIdempotencyKey returns the expense previously created with key, or nil when there is none
func (s *LedgerService) findByIdempotencyKey(ctx context.Context, ownerID, key string) (*domain.Expense, error) {
	existing, err := s.store.GetExpenseByIdempotencyKey(ctx, ownerID, key)
	if errors.Is(err, domain.ErrExpenseNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.WrapStorage("get expense by idempotency key", err)
	}
	return existing, nil
}

// replay answers a repeated submission with the original expense. If the original attempt
// left its category flagged, the category is repaired first. No lock may be held by the caller.
func (s *LedgerService) replay(ctx context.Context, ownerID string, existing *domain.Expense, err error) (*AddExpenseResult, error) {
	if err != nil {
		return nil, err
	}
	if s.isPending(domain.CategoryKey{OwnerID: ownerID, CategoryID: existing.CategoryID}) {
		if _, err := s.ReconcileCategory(ctx, ownerID, existing.CategoryID); err != nil {
			return nil, err
		}
	}
	return &AddExpenseResult{Expense: existing, Replayed: true}, nil
}

// EditExpense moves an expense's amount from its old category to the new one
// (which may be the same) and updates the row, as one logical unit
func (s *LedgerService) EditExpense(ctx context.Context, ownerID, expenseID string, in domain.ExpenseInput) (*domain.Expense, error) {
	date, err := in.Normalize(s.now())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.store.GetCategory(ctx, ownerID, in.CategoryID); err != nil {
		return nil, domain.WrapStorage("get category", err)
	}

	current, unlock, err := s.lockExpense(ctx, ownerID, expenseID, in.CategoryID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	updated := current.Clone()
	updated.CategoryID = in.CategoryID
	updated.Description = in.Description
	updated.Amount = in.Amount
	updated.Date = date

	oldCategory, newCategory := current.CategoryID, in.CategoryID
	var result *domain.Expense

	err = s.apply(ctx, ownerID, []string{oldCategory, newCategory}, mutation{
		name: "edit expense",
		row: func(ctx context.Context, st domain.LedgerStore) error {
			var err error
			result, err = st.UpdateExpense(ctx, updated)
			if errors.Is(err, domain.ErrExpenseNotFound) {
				return domain.ErrExpenseChanged
			}
			return err
		},
		aggregate: func(ctx context.Context, st domain.LedgerStore) error {
			if oldCategory == newCategory {
				delta := updated.Amount.Sub(current.Amount)
				if delta.IsZero() {
					return nil
				}
				_, err := st.IncrementSpent(ctx, ownerID, oldCategory, delta)
				return err
			}
			if _, err := st.IncrementSpent(ctx, ownerID, oldCategory, current.Amount.Neg()); err != nil {
				return err
			}
			_, err := st.IncrementSpent(ctx, ownerID, newCategory, updated.Amount)
			return err
		},
		undo: func(ctx context.Context, st domain.LedgerStore) error {
			_, err := st.UpdateExpense(ctx, current)
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = updated
	}

	s.logger.Debug().
		Str("owner_id", ownerID).
		Str("expense_id", expenseID).
		Str("from_category_id", oldCategory).
		Str("to_category_id", newCategory).
		Msg("Expense edited")

	return result, nil
}

// DeleteExpense removes an expense and decrements its category's spent aggregate
func (s *LedgerService) DeleteExpense(ctx context.Context, ownerID, expenseID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	current, unlock, err := s.lockExpense(ctx, ownerID, expenseID)
	if err != nil {
		return err
	}
	defer unlock()

	err = s.apply(ctx, ownerID, []string{current.CategoryID}, mutation{
		name: "delete expense",
		row: func(ctx context.Context, st domain.LedgerStore) error {
			err := st.DeleteExpense(ctx, ownerID, expenseID)
			if errors.Is(err, domain.ErrExpenseNotFound) {
				return domain.ErrExpenseChanged
			}
			return err
		},
		aggregate: func(ctx context.Context, st domain.LedgerStore) error {
			_, err := st.IncrementSpent(ctx, ownerID, current.CategoryID, current.Amount.Neg())
			return err
		},
		undo: func(ctx context.Context, st domain.LedgerStore) error {
			_, err := st.CreateExpense(ctx, current)
			return err
		},
	})
	if err != nil {
		return err
	}

	s.logger.Debug().
		Str("owner_id", ownerID).
		Str("expense_id", expenseID).
		Str("category_id", current.CategoryID).
		Msg("Expense deleted")

	return nil
}

// lockExpense reads the expense and locks its category plus extraCategories. If the
// expense moves to another category before the lock is held, it retries.
func (s *LedgerService) lockExpense(ctx context.Context, ownerID, expenseID string, extraCategories ...string) (*domain.Expense, func(), error) {
	expense, err := s.store.GetExpense(ctx, ownerID, expenseID)
	if err != nil {
		return nil, nil, domain.WrapStorage("get expense", err)
	}

	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		ids := append([]string{expense.CategoryID}, extraCategories...)
		unlock, err := s.locks.Lock(ctx, ownerID, ids...)
		if err != nil {
			return nil, nil, domain.WrapStorage("lock category", err)
		}

		current, err := s.store.GetExpense(ctx, ownerID, expenseID)
		if errors.Is(err, domain.ErrExpenseNotFound) {
			unlock()
			return nil, nil, domain.ErrExpenseChanged
		}
		if err != nil {
			unlock()
			return nil, nil, domain.WrapStorage("get expense", err)
		}
		if current.CategoryID == expense.CategoryID {
			return current, unlock, nil
		}

		unlock()
		expense = current
	}
	return nil, nil, domain.ErrExpenseChanged
}

// SetTotalBudget persists a new total budget and reallocates the catalog categories from it
func (s *LedgerService) SetTotalBudget(ctx context.Context, ownerID string, total decimal.Decimal) (*domain.BudgetSettings, error) {
	if total.IsNegative() {
		return nil, domain.ErrNegativeBudget
	}
	if err := domain.ValidateAmountScale(total); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.ensureSeeded(ctx, ownerID); err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, ownerID, ownerScope)
	if err != nil {
		return nil, domain.WrapStorage("lock owner", err)
	}
	defer unlock()

	var settings *domain.BudgetSettings
	write := func(ctx context.Context, st domain.LedgerStore) error {
		var err error
		settings, err = st.UpsertSettings(ctx, &domain.BudgetSettings{OwnerID: ownerID, TotalBudget: total})
		if err != nil {
			return err
		}
		_, err = s.policy.Reallocate(ctx, st, ownerID, total)
		return err
	}

	if s.tx != nil {
		err = s.tx.WithinTx(ctx, write)
	} else {
		err = write(ctx, s.store)
	}
	if err != nil {
		err = domain.WrapStorage("set total budget", err)
		if s.tx == nil && settings != nil {
			// The total landed but some allocations may be stale
			s.markReallocation(ownerID)
		}
		return nil, err
	}

	s.clearReallocation(ownerID)
	s.notifier.Notify(ownerID)

	s.logger.Info().
		Str("owner_id", ownerID).
		Str("total_budget", total.String()).
		Msg("Total budget updated")

	return settings, nil
}

// ResetLedger deletes every expense of the owner and zeroes every spent aggregate.
// Allocations and the total budget are kept.
func (s *LedgerService) ResetLedger(ctx context.Context, ownerID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	unlockOwner, err := s.locks.Lock(ctx, ownerID, ownerScope)
	if err != nil {
		return domain.WrapStorage("lock owner", err)
	}
	defer unlockOwner()

	categories, err := s.store.ListCategories(ctx, ownerID)
	if err != nil {
		return domain.WrapStorage("list categories", err)
	}
	ids := make([]string, len(categories))
	for i, c := range categories {
		ids[i] = c.ID
	}

	unlock, err := s.locks.Lock(ctx, ownerID, ids...)
	if err != nil {
		return domain.WrapStorage("lock categories", err)
	}
	defer unlock()

	var deleted int64
	err = s.apply(ctx, ownerID, ids, mutation{
		name: "reset ledger",
		row: func(ctx context.Context, st domain.LedgerStore) error {
			var err error
			deleted, err = st.DeleteAllExpenses(ctx, ownerID)
			return err
		},
		aggregate: func(ctx context.Context, st domain.LedgerStore) error {
			return st.ResetSpent(ctx, ownerID)
		},
	})
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("owner_id", ownerID).
		Int64("expenses_deleted", deleted).
		Msg("Ledger reset")

	return nil
}

// ReconcileCategory re-derives a category's spent aggregate from its expense rows and
// writes the corrected value back if it drifted
func (s *LedgerService) ReconcileCategory(ctx context.Context, ownerID, categoryID string) (*domain.ReconcileResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	unlock, err := s.locks.Lock(ctx, ownerID, categoryID)
	if err != nil {
		return nil, domain.WrapStorage("lock category", err)
	}
	defer unlock()

	result, err := s.reconcileLocked(ctx, ownerID, categoryID)
	if err != nil {
		return nil, err
	}
	if result.Drifted {
		s.notifier.Notify(ownerID)
	}
	return result, nil
}

// reconcileLocked requires the category lock to be held. The lock only covers this process,
// so the corrected value is written with a compare-and-swap against the aggregate that was read
// and the whole read is retried when a writer elsewhere moved it.
func (s *LedgerService) reconcileLocked(ctx context.Context, ownerID, categoryID string) (*domain.ReconcileResult, error) {
	var result *domain.ReconcileResult
	rederive := func(ctx context.Context, st domain.LedgerStore) error {
		read := st.GetCategory
		if locker, ok := st.(domain.CategoryLocker); ok {
			read = locker.GetCategoryForUpdate
		}
		category, err := read(ctx, ownerID, categoryID)
		if err != nil {
			return err
		}
		expenses, err := st.ListExpensesByCategory(ctx, ownerID, categoryID)
		if err != nil {
			return err
		}

		sum := domain.SumExpenses(expenses)
		result = &domain.ReconcileResult{
			OwnerID:      ownerID,
			CategoryID:   categoryID,
			Previous:     category.SpentAmount,
			Corrected:    sum,
			ExpenseCount: len(expenses),
		}
		if category.SpentAmount.Equal(sum) {
			return nil
		}
		if _, err := st.SwapSpent(ctx, ownerID, categoryID, category.SpentAmount, sum); err != nil {
			return err
		}
		result.Drifted = true
		return nil
	}

	var err error
	for attempt := 0; attempt < maxReconcileAttempts; attempt++ {
		if s.tx != nil {
			err = s.tx.WithinTx(ctx, rederive)
		} else {
			err = rederive(ctx, s.store)
		}
		if !errors.Is(err, domain.ErrSpentChanged) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, domain.ErrCategoryNotFound) {
			s.clearPending(domain.CategoryKey{OwnerID: ownerID, CategoryID: categoryID})
			return nil, err
		}
		return nil, domain.WrapStorage("reconcile category", err)
	}

	s.clearPending(domain.CategoryKey{OwnerID: ownerID, CategoryID: categoryID})
	if result.Drifted {
		s.logger.Warn().
			Err(domain.ErrIntegrityViolation).
			Str("owner_id", ownerID).
			Str("category_id", categoryID).
			Str("previous", result.Previous.String()).
			Str("corrected", result.Corrected.String()).
			Msg("Corrected category spent aggregate")
	}
	return result, nil
}

// SweepOwner reconciles every category of an owner and reapplies allocations that a failed
// SetTotalBudget may have left stale
func (s *LedgerService) SweepOwner(ctx context.Context, ownerID string) ([]*domain.ReconcileResult, error) {
	if s.needsReallocation(ownerID) {
		if err := s.reapplyAllocations(ctx, ownerID); err != nil {
			return nil, err
		}
	}

	listCtx, cancel := context.WithTimeout(ctx, s.timeout)
	categories, err := s.store.ListCategories(listCtx, ownerID)
	cancel()
	if err != nil {
		return nil, domain.WrapStorage("list categories", err)
	}

	results := make([]*domain.ReconcileResult, 0, len(categories))
	for _, c := range categories {
		result, err := s.ReconcileCategory(ctx, ownerID, c.ID)
		if err != nil {
			s.markPending(domain.CategoryKey{OwnerID: ownerID, CategoryID: c.ID})
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

// SweepPending reconciles every flagged category and returns how many were repaired
func (s *LedgerService) SweepPending(ctx context.Context) int {
	repaired := 0
	for _, key := range s.PendingReconciliation() {
		if _, err := s.ReconcileCategory(ctx, key.OwnerID, key.CategoryID); err != nil {
			s.logger.Warn().
				Err(err).
				Str("owner_id", key.OwnerID).
				Str("category_id", key.CategoryID).
				Msg("Flagged category still cannot be reconciled")
			continue
		}
		repaired++
	}

	s.pendingMu.Lock()
	owners := make([]string, 0, len(s.reallocation))
	for owner := range s.reallocation {
		owners = append(owners, owner)
	}
	s.pendingMu.Unlock()
	for _, owner := range owners {
		if err := s.reapplyAllocations(ctx, owner); err != nil {
			s.logger.Warn().Err(err).Str("owner_id", owner).Msg("Failed to reapply allocations")
		}
	}
	return repaired
}

// ListOwners returns every owner with a ledger
func (s *LedgerService) ListOwners(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	owners, err := s.store.ListOwners(ctx)
	if err != nil {
		return nil, domain.WrapStorage("list owners", err)
	}
	return owners, nil
}

func (s *LedgerService) reapplyAllocations(ctx context.Context, ownerID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	unlock, err := s.locks.Lock(ctx, ownerID, ownerScope)
	if err != nil {
		return domain.WrapStorage("lock owner", err)
	}
	defer unlock()

	settings, err := s.store.GetSettings(ctx, ownerID)
	if err != nil {
		return domain.WrapStorage("get settings", err)
	}
	if _, err := s.policy.Reallocate(ctx, s.store, ownerID, settings.TotalBudget); err != nil {
		return domain.WrapStorage("reallocate", err)
	}
	s.clearReallocation(ownerID)
	s.notifier.Notify(ownerID)
	return nil
}

// ensureSeeded creates the owner's settings and missing catalog categories on first touch
func (s *LedgerService) ensureSeeded(ctx context.Context, ownerID string) error {
	categories, err := s.store.ListCategories(ctx, ownerID)
	if err != nil {
		return domain.WrapStorage("list categories", err)
	}
	if s.policy.IsSeeded(categories) {
		return nil
	}

	unlock, err := s.locks.Lock(ctx, ownerID, ownerScope)
	if err != nil {
		return domain.WrapStorage("lock owner", err)
	}
	defer unlock()

	created, err := s.policy.SeedMissingCategories(ctx, s.store, ownerID)
	if err != nil {
		return domain.WrapStorage("seed categories", err)
	}
	if len(created) > 0 {
		s.logger.Info().
			Str("owner_id", ownerID).
			Int("created", len(created)).
			Msg("Seeded budget categories")
		s.notifier.Notify(ownerID)
	}
	return nil
}

// mutation is one logical ledger change: a row write followed by aggregate writes.
// undo reverts the row write and is only used without transactions.
type mutation struct {
	name      string
	row       func(ctx context.Context, st domain.LedgerStore) error
	aggregate func(ctx context.Context, st domain.LedgerStore) error
	undo      func(ctx context.Context, st domain.LedgerStore) error
}

// apply commits m and notifies subscribers. The caller holds the locks of every touched category.
func (s *LedgerService) apply(ctx context.Context, ownerID string, touched []string, m mutation) error {
	if s.tx != nil {
		err := s.tx.WithinTx(ctx, func(ctx context.Context, st domain.LedgerStore) error {
			if err := m.row(ctx, st); err != nil {
				return err
			}
			return m.aggregate(ctx, st)
		})
		if err == nil {
			s.notifier.Notify(ownerID)
			return nil
		}
		if domain.IsDomainError(err) {
			return err
		}
		// The commit outcome is unknown on a storage failure
		s.recover(ctx, ownerID, touched)
		return domain.WrapStorage(m.name, err)
	}

	if err := m.row(ctx, s.store); err != nil {
		if domain.IsDomainError(err) {
			return err
		}
		if s.recover(ctx, ownerID, touched) == nil {
			s.notifier.Notify(ownerID)
		}
		return domain.WrapStorage(m.name, err)
	}

	if err := m.aggregate(ctx, s.store); err != nil {
		s.logger.Warn().
			Err(err).
			Str("owner_id", ownerID).
			Str("operation", m.name).
			Msg("Aggregate update failed, re-deriving affected categories")

		// Roll forward: re-derived aggregates agree with the row write that already landed
		if s.recover(ctx, ownerID, touched) == nil {
			s.notifier.Notify(ownerID)
			return nil
		}

		if m.undo != nil {
			undoCtx, cancel := s.detached(ctx)
			if uerr := m.undo(undoCtx, s.store); uerr != nil {
				s.logger.Error().
					Err(uerr).
					Str("owner_id", ownerID).
					Str("operation", m.name).
					Msg("Failed to undo row write")
			}
			cancel()
		}
		s.notifier.Notify(ownerID)
		return domain.WrapStorage(m.name, err)
	}

	s.notifier.Notify(ownerID)
	return nil
}

// recover re-derives every touched category, flagging the ones that cannot be repaired now.
// It runs on a context detached from the caller so a cancelled request still gets repaired.
func (s *LedgerService) recover(ctx context.Context, ownerID string, touched []string) error {
	rctx, cancel := s.detached(ctx)
	defer cancel()

	var firstErr error
	for _, id := range uniqueSorted(touched) {
		if _, err := s.reconcileLocked(rctx, ownerID, id); err != nil {
			key := domain.CategoryKey{OwnerID: ownerID, CategoryID: id}
			s.markPending(key)
			s.logger.Error().
				Err(err).
				Str("owner_id", ownerID).
				Str("category_id", id).
				Msg("Category flagged for reconciliation")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *LedgerService) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
}

// repairPending reconciles the owner's flagged categories, logging failures
func (s *LedgerService) repairPending(ctx context.Context, ownerID string) {
	for _, key := range s.PendingReconciliation() {
		if key.OwnerID != ownerID {
			continue
		}
		if _, err := s.ReconcileCategory(ctx, ownerID, key.CategoryID); err != nil {
			s.logger.Warn().
				Err(err).
				Str("owner_id", ownerID).
				Str("category_id", key.CategoryID).
				Msg("Failed to repair flagged category before snapshot")
		}
	}
}

// PendingReconciliation lists the categories flagged as needing reconciliation
func (s *LedgerService) PendingReconciliation() []domain.CategoryKey {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	keys := make([]domain.CategoryKey, 0, len(s.pending))
	for key := range s.pending {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].OwnerID != keys[j].OwnerID {
			return keys[i].OwnerID < keys[j].OwnerID
		}
		return keys[i].CategoryID < keys[j].CategoryID
	})
	return keys
}

func (s *LedgerService) markPending(key domain.CategoryKey) {
	s.pendingMu.Lock()
	s.pending[key] = struct{}{}
	s.pendingMu.Unlock()
}

func (s *LedgerService) clearPending(key domain.CategoryKey) {
	s.pendingMu.Lock()
	delete(s.pending, key)
	s.pendingMu.Unlock()
}

func (s *LedgerService) isPending(key domain.CategoryKey) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	_, ok := s.pending[key]
	return ok
}

func (s *LedgerService) markReallocation(ownerID string) {
	s.pendingMu.Lock()
	s.reallocation[ownerID] = struct{}{}
	s.pendingMu.Unlock()
}

func (s *LedgerService) clearReallocation(ownerID string) {
	s.pendingMu.Lock()
	delete(s.reallocation, ownerID)
	s.pendingMu.Unlock()
}

func (s *LedgerService) needsReallocation(ownerID string) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	_, ok := s.reallocation[ownerID]
	return ok
}

func sortCategories(categories []*domain.BudgetCategory) {
	sort.SliceStable(categories, func(i, j int) bool {
		return categories[i].Name < categories[j].Name
	})
}

func sortExpenses(expenses []*domain.Expense) {
	sort.SliceStable(expenses, func(i, j int) bool {
		if !expenses[i].Date.Equal(expenses[j].Date) {
			return expenses[i].Date.After(expenses[j].Date)
		}
		return expenses[i].CreatedAt.After(expenses[j].CreatedAt)
	})
}
