package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/dafibh/fortuna/budget-ledger/internal/config"
	"github.com/dafibh/fortuna/budget-ledger/internal/service"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var flagSweepOwner string

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Re-derive spent aggregates from expenses and correct any drift",
	Long:  "Runs one integrity sweep over every owner (or a single owner with --owner) and exits.",
	RunE:  runSweep,
}

func init() {
	sweepCmd.Flags().StringVar(&flagSweepOwner, "owner", "", "Only reconcile this owner")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadWithoutAuth()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.close()

	ledger, err := newLedger(ctx, cfg, db.store, nil)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if flagSweepOwner != "" {
		results, err := ledger.SweepOwner(ctx, flagSweepOwner)
		for _, r := range results {
			status := "ok"
			if r.Drifted {
				status = "corrected"
			}
			fmt.Fprintf(out, "  %-36s  %12s -> %-12s  %d expenses  %s\n",
				r.CategoryID, r.Previous.StringFixed(2), r.Corrected.StringFixed(2), r.ExpenseCount, status)
		}
		return err
	}

	worker := service.NewReconciliationWorker(ledger, log.Logger, service.DefaultReconciliationWorkerConfig())
	corrected := worker.SweepAll(ctx)
	fmt.Fprintf(out, "Sweep complete: %d categories corrected\n", corrected)
	return nil
}
