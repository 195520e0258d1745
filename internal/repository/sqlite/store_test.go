package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dafibh/fortuna/budget-ledger/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createCategory(t *testing.T, store *Store, owner, name string) *domain.BudgetCategory {
	t.Helper()
	c, err := store.CreateCategory(context.Background(), &domain.BudgetCategory{
		OwnerID:         owner,
		Name:            name,
		AllocatedAmount: decimal.NewFromInt(100),
		SpentAmount:     decimal.Zero,
	})
	require.NoError(t, err)
	return c
}

func TestStore_SettingsUpsert(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.GetSettings(ctx, "owner-1")
	assert.ErrorIs(t, err, domain.ErrSettingsNotFound)

	settings, err := store.UpsertSettings(ctx, &domain.BudgetSettings{OwnerID: "owner-1", TotalBudget: decimal.RequireFromString("1500000")})
	require.NoError(t, err)
	assert.True(t, settings.TotalBudget.Equal(decimal.NewFromInt(1500000)))

	settings, err = store.UpsertSettings(ctx, &domain.BudgetSettings{OwnerID: "owner-1", TotalBudget: decimal.RequireFromString("2000.50")})
	require.NoError(t, err)
	assert.Equal(t, "2000.5", settings.TotalBudget.String())

	owners, err := store.ListOwners(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"owner-1"}, owners)
}

func TestStore_DuplicateCategoryName(t *testing.T) {
	store := openTestStore(t)
	createCategory(t, store, "owner-1", "Venue")

	_, err := store.CreateCategory(context.Background(), &domain.BudgetCategory{OwnerID: "owner-1", Name: "Venue"})
	assert.ErrorIs(t, err, domain.ErrDuplicateCategoryName)

	// Names are only unique per owner
	createCategory(t, store, "owner-2", "Venue")
}

func TestStore_IncrementSpentConcurrent(t *testing.T) {
	store := openTestStore(t)
	c := createCategory(t, store, "owner-1", "Catering")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.IncrementSpent(context.Background(), "owner-1", c.ID, decimal.RequireFromString("12.34"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.GetCategory(context.Background(), "owner-1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, "246.8", got.SpentAmount.String())
}

func TestStore_ExpenseLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	venue := createCategory(t, store, "owner-1", "Venue")
	catering := createCategory(t, store, "owner-1", "Catering")

	date := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	e, err := store.CreateExpense(ctx, &domain.Expense{
		OwnerID:        "owner-1",
		CategoryID:     venue.ID,
		Description:    "Hall deposit",
		Amount:         decimal.RequireFromString("5000.25"),
		Date:           date,
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, date, e.Date)

	_, err = store.CreateExpense(ctx, &domain.Expense{
		OwnerID:        "owner-1",
		CategoryID:     venue.ID,
		Description:    "Duplicate",
		Amount:         decimal.NewFromInt(1),
		Date:           date,
		IdempotencyKey: "key-1",
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateIdempotencyKey)

	byKey, err := store.GetExpenseByIdempotencyKey(ctx, "owner-1", "key-1")
	require.NoError(t, err)
	assert.Equal(t, e.ID, byKey.ID)

	e.CategoryID = catering.ID
	e.Amount = decimal.NewFromInt(42)
	updated, err := store.UpdateExpense(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, catering.ID, updated.CategoryID)
	assert.Equal(t, "42", updated.Amount.String())

	list, err := store.ListExpensesByCategory(ctx, "owner-1", catering.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// Other owners cannot see or touch the row
	_, err = store.GetExpense(ctx, "owner-2", e.ID)
	assert.ErrorIs(t, err, domain.ErrExpenseNotFound)
	assert.ErrorIs(t, store.DeleteExpense(ctx, "owner-2", e.ID), domain.ErrExpenseNotFound)

	require.NoError(t, store.DeleteExpense(ctx, "owner-1", e.ID))
	assert.ErrorIs(t, store.DeleteExpense(ctx, "owner-1", e.ID), domain.ErrExpenseNotFound)
}

func TestStore_CreateExpenseUnknownCategory(t *testing.T) {
	store := openTestStore(t)
	_, err := store.CreateExpense(context.Background(), &domain.Expense{
		OwnerID:     "owner-1",
		CategoryID:  "missing",
		Description: "x",
		Amount:      decimal.NewFromInt(1),
		Date:        time.Now().UTC(),
	})
	assert.ErrorIs(t, err, domain.ErrCategoryNotFound)
}

func TestStore_ExpenseOrdering(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	c := createCategory(t, store, "owner-1", "Venue")

	tick := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	add := func(desc, date string) {
		d, err := time.Parse(domain.DateLayout, date)
		require.NoError(t, err)
		_, err = store.CreateExpense(ctx, &domain.Expense{
			OwnerID: "owner-1", CategoryID: c.ID, Description: desc, Amount: decimal.NewFromInt(1), Date: d,
		})
		require.NoError(t, err)
	}
	add("old", "2026-01-01")
	add("new-first", "2026-02-01")
	add("new-second", "2026-02-01")

	list, err := store.ListExpenses(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "new-second", list[0].Description)
	assert.Equal(t, "new-first", list[1].Description)
	assert.Equal(t, "old", list[2].Description)
}

func TestStore_WithinTxRollsBack(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	c := createCategory(t, store, "owner-1", "Venue")

	err := store.WithinTx(ctx, func(ctx context.Context, tx domain.LedgerStore) error {
		if _, err := tx.CreateExpense(ctx, &domain.Expense{
			OwnerID: "owner-1", CategoryID: c.ID, Description: "x", Amount: decimal.NewFromInt(10), Date: time.Now().UTC(),
		}); err != nil {
			return err
		}
		if _, err := tx.IncrementSpent(ctx, "owner-1", c.ID, decimal.NewFromInt(10)); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	list, err := store.ListExpenses(ctx, "owner-1")
	require.NoError(t, err)
	assert.Empty(t, list)

	got, err := store.GetCategory(ctx, "owner-1", c.ID)
	require.NoError(t, err)
	assert.True(t, got.SpentAmount.IsZero())
}

func TestStore_ResetAndDeleteAll(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	c := createCategory(t, store, "owner-1", "Venue")
	other := createCategory(t, store, "owner-2", "Venue")

	for _, owner := range []struct{ id, cat string }{{"owner-1", c.ID}, {"owner-2", other.ID}} {
		_, err := store.CreateExpense(ctx, &domain.Expense{
			OwnerID: owner.id, CategoryID: owner.cat, Description: "x", Amount: decimal.NewFromInt(5), Date: time.Now().UTC(),
		})
		require.NoError(t, err)
		_, err = store.SetSpent(ctx, owner.id, owner.cat, decimal.NewFromInt(5))
		require.NoError(t, err)
	}

	n, err := store.DeleteAllExpenses(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, store.ResetSpent(ctx, "owner-1"))

	got, err := store.GetCategory(ctx, "owner-1", c.ID)
	require.NoError(t, err)
	assert.True(t, got.SpentAmount.IsZero())
	assert.Equal(t, "100", got.AllocatedAmount.String())

	untouched, err := store.GetCategory(ctx, "owner-2", other.ID)
	require.NoError(t, err)
	assert.Equal(t, "5", untouched.SpentAmount.String())
}

func TestStore_SwapSpent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	c := createCategory(t, store, "owner-1", "Venue")

	_, err := store.IncrementSpent(ctx, "owner-1", c.ID, decimal.RequireFromString("12.50"))
	require.NoError(t, err)

	// A stale expectation leaves the aggregate alone
	_, err = store.SwapSpent(ctx, "owner-1", c.ID, decimal.Zero, decimal.NewFromInt(99))
	assert.ErrorIs(t, err, domain.ErrSpentChanged)
	assert.ErrorIs(t, err, domain.ErrConflict)

	// Scale differences compare equal
	got, err := store.SwapSpent(ctx, "owner-1", c.ID, decimal.RequireFromString("12.5"), decimal.NewFromInt(20))
	require.NoError(t, err)
	assert.Equal(t, "20", got.SpentAmount.String())

	_, err = store.SwapSpent(ctx, "owner-2", c.ID, decimal.NewFromInt(20), decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrCategoryNotFound)
}
