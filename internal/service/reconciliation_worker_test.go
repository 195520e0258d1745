package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dafibh/fortuna/budget-ledger/internal/domain"
	"github.com/dafibh/fortuna/budget-ledger/internal/repository/memory"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupReconciliationWorker(t *testing.T) (*ReconciliationWorker, *LedgerService, *memory.Store) {
	store := memory.NewStore()
	svc, _ := newTestLedger(t, store)

	config := ReconciliationWorkerConfig{
		Interval:     100 * time.Millisecond, // Fast interval for testing
		PendingEvery: 20 * time.Millisecond,
	}
	worker := NewReconciliationWorker(svc, zerolog.Nop(), config)
	return worker, svc, store
}

func TestReconciliationWorker_NewReconciliationWorker(t *testing.T) {
	worker, _, _ := setupReconciliationWorker(t)

	assert.NotNil(t, worker)
	assert.Equal(t, 100*time.Millisecond, worker.interval)
	assert.Equal(t, 20*time.Millisecond, worker.pendingEvery)
	assert.False(t, worker.IsRunning())
}

func TestReconciliationWorker_DefaultConfig(t *testing.T) {
	config := DefaultReconciliationWorkerConfig()

	assert.Equal(t, 15*time.Minute, config.Interval)
	assert.Equal(t, 30*time.Second, config.PendingEvery)

	worker := NewReconciliationWorker(nil, zerolog.Nop(), ReconciliationWorkerConfig{})
	assert.Equal(t, config.Interval, worker.interval)
}

func TestReconciliationWorker_StartStop(t *testing.T) {
	worker, _, _ := setupReconciliationWorker(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.True(t, worker.IsRunning())

	worker.Stop()
	assert.False(t, worker.IsRunning())
}

func TestReconciliationWorker_StartTwice(t *testing.T) {
	worker, _, _ := setupReconciliationWorker(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker.Start(ctx)
	worker.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.True(t, worker.IsRunning())

	worker.Stop()
}

func TestReconciliationWorker_StopWithoutStart(t *testing.T) {
	worker, _, _ := setupReconciliationWorker(t)
	worker.Stop()
	assert.False(t, worker.IsRunning())
}

func TestReconciliationWorker_ConcurrentStop(t *testing.T) {
	worker, _, _ := setupReconciliationWorker(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker.Start(ctx)
	require.Eventually(t, worker.IsRunning, time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NotPanics(t, worker.Stop)
		}()
	}
	wg.Wait()

	assert.False(t, worker.IsRunning())
}

func TestReconciliationWorker_ContextCancellation(t *testing.T) {
	worker, _, _ := setupReconciliationWorker(t)

	ctx, cancel := context.WithCancel(context.Background())
	worker.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	cancel()
	time.Sleep(150 * time.Millisecond)
	assert.False(t, worker.IsRunning())
}

func TestReconciliationWorker_SweepAllCorrectsDrift(t *testing.T) {
	worker, svc, store := setupReconciliationWorker(t)
	ctx := context.Background()

	var corrupted []string
	for _, owner := range []string{"owner-a", "owner-b"} {
		snap, err := svc.GetSnapshot(ctx, owner)
		require.NoError(t, err)
		c := snap.Categories[0]
		_, err = svc.AddExpense(ctx, owner, domain.ExpenseInput{CategoryID: c.ID, Description: "x", Amount: decimal.NewFromInt(4)})
		require.NoError(t, err)
		_, err = store.SetSpent(ctx, owner, c.ID, decimal.NewFromInt(100))
		require.NoError(t, err)
		corrupted = append(corrupted, c.ID)
	}

	assert.Equal(t, 2, worker.SweepAll(ctx))
	assert.Equal(t, 0, worker.SweepAll(ctx))

	for i, owner := range []string{"owner-a", "owner-b"} {
		c, err := store.GetCategory(ctx, owner, corrupted[i])
		require.NoError(t, err)
		assert.Equal(t, "4", c.SpentAmount.String())
	}
}

func TestReconciliationWorker_RetriesFlaggedCategories(t *testing.T) {
	worker, svc, store := setupReconciliationWorker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snap, err := svc.GetSnapshot(ctx, testOwner)
	require.NoError(t, err)
	c := snap.Categories[0]
	_, err = store.SetSpent(ctx, testOwner, c.ID, decimal.NewFromInt(9))
	require.NoError(t, err)

	worker.Start(ctx)
	defer worker.Stop()

	// Flagged after the startup sweep so only the pending ticker can repair it
	time.Sleep(30 * time.Millisecond)
	_, err = store.SetSpent(ctx, testOwner, c.ID, decimal.NewFromInt(9))
	require.NoError(t, err)
	svc.markPending(domain.CategoryKey{OwnerID: testOwner, CategoryID: c.ID})

	assert.Eventually(t, func() bool {
		return len(svc.PendingReconciliation()) == 0
	}, time.Second, 10*time.Millisecond)

	got, err := store.GetCategory(ctx, testOwner, c.ID)
	require.NoError(t, err)
	assert.True(t, got.SpentAmount.IsZero())
}
