package main

import (
	"context"
	"fmt"

	"github.com/dafibh/fortuna/budget-ledger/internal/config"
	"github.com/dafibh/fortuna/budget-ledger/internal/service"
	"github.com/spf13/cobra"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Validate the configured category catalog and print its allocation",
	RunE:  runCatalog,
}

func init() {
	rootCmd.AddCommand(catalogCmd)
}

func runCatalog(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadWithoutAuth()
	if err != nil {
		return err
	}

	cat, err := loadCatalog(context.Background(), cfg)
	if err != nil {
		return err
	}

	policy := service.NewAllocationPolicy(cat, cfg.DefaultTotalBudget)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\n  Catalog %s (default total %s)\n\n", cfg.CatalogSource, cfg.DefaultTotalBudget.StringFixed(2))
	for _, entry := range cat.Entries {
		allocated := policy.AllocationFor(cfg.DefaultTotalBudget, entry.Weight)
		fmt.Fprintf(out, "  %-20s %6s%%  %14s\n", entry.Name, entry.Weight.String(), allocated.StringFixed(2))
	}
	fmt.Fprintln(out)
	return nil
}
