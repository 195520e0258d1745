package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ReconciliationWorker is a background worker that repairs flagged categories and
// periodically re-derives every owner's spent aggregates from their expenses
type ReconciliationWorker struct {
	ledger       *LedgerService
	logger       zerolog.Logger
	interval     time.Duration
	pendingEvery time.Duration
	stopCh       chan struct{}
	stopOnce     sync.Once
	doneCh       chan struct{}
	mu           sync.Mutex
	running      bool
}

// ReconciliationWorkerConfig holds configuration for the reconciliation worker
type ReconciliationWorkerConfig struct {
	Interval     time.Duration // How often to sweep every owner
	PendingEvery time.Duration // How often to retry flagged categories
}

// DefaultReconciliationWorkerConfig returns sensible defaults
func DefaultReconciliationWorkerConfig() ReconciliationWorkerConfig {
	return ReconciliationWorkerConfig{
		Interval:     15 * time.Minute,
		PendingEvery: 30 * time.Second,
	}
}

// NewReconciliationWorker creates a new reconciliation worker
func NewReconciliationWorker(
	ledger *LedgerService,
	logger zerolog.Logger,
	config ReconciliationWorkerConfig,
) *ReconciliationWorker {
	defaults := DefaultReconciliationWorkerConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.PendingEvery <= 0 {
		config.PendingEvery = defaults.PendingEvery
	}

	return &ReconciliationWorker{
		ledger:       ledger,
		logger:       logger.With().Str("component", "reconciliation_worker").Logger(),
		interval:     config.Interval,
		pendingEvery: config.PendingEvery,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start begins the background sweep
func (w *ReconciliationWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info().
		Dur("interval", w.interval).
		Dur("pending_every", w.pendingEvery).
		Msg("Starting reconciliation worker")

	go w.run(ctx)
}

// Stop gracefully stops the worker. Concurrent callers all wait for the loop to exit.
func (w *ReconciliationWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	w.stopOnce.Do(func() {
		w.logger.Info().Msg("Stopping reconciliation worker")
		close(w.stopCh)
	})
	<-w.doneCh
	w.logger.Info().Msg("Reconciliation worker stopped")
}

func (w *ReconciliationWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	w.SweepAll(ctx)

	sweep := time.NewTicker(w.interval)
	defer sweep.Stop()
	pending := time.NewTicker(w.pendingEvery)
	defer pending.Stop()

	for {
		select {
		case <-ctx.Done():
			w.setStopped()
			return
		case <-w.stopCh:
			w.setStopped()
			return
		case <-pending.C:
			if n := len(w.ledger.PendingReconciliation()); n > 0 {
				repaired := w.ledger.SweepPending(ctx)
				w.logger.Info().
					Int("flagged", n).
					Int("repaired", repaired).
					Msg("Retried flagged categories")
			}
		case <-sweep.C:
			w.SweepAll(ctx)
		}
	}
}

func (w *ReconciliationWorker) setStopped() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

// SweepAll reconciles flagged categories first, then every category of every owner.
// It returns how many categories were found drifted and corrected.
func (w *ReconciliationWorker) SweepAll(ctx context.Context) int {
	w.logger.Debug().Msg("Starting reconciliation sweep")
	startTime := time.Now()

	w.ledger.SweepPending(ctx)

	owners, err := w.ledger.ListOwners(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to list owners for reconciliation sweep")
		return 0
	}

	totalCategories := 0
	totalCorrected := 0
	totalErrors := 0

	for _, owner := range owners {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Context cancelled, stopping sweep")
			return totalCorrected
		case <-w.stopCh:
			w.logger.Info().Msg("Stop signal received, stopping sweep")
			return totalCorrected
		default:
		}

		results, err := w.ledger.SweepOwner(ctx, owner)
		totalCategories += len(results)
		for _, r := range results {
			if r.Drifted {
				totalCorrected++
			}
		}
		if err != nil {
			w.logger.Error().
				Err(err).
				Str("owner_id", owner).
				Msg("Failed to reconcile owner")
			totalErrors++
		}
	}

	w.logger.Info().
		Int("owners", len(owners)).
		Int("categories", totalCategories).
		Int("corrected", totalCorrected).
		Int("errors", totalErrors).
		Dur("elapsed", time.Since(startTime)).
		Msg("Completed reconciliation sweep")

	return totalCorrected
}

// IsRunning returns whether the worker is currently running
func (w *ReconciliationWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
