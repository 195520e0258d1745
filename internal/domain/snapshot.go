package domain

import "github.com/shopspring/decimal"

// Snapshot is a point-in-time read of an owner's whole ledger
type Snapshot struct {
	Settings   *BudgetSettings   `json:"settings"`
	Categories []*BudgetCategory `json:"categories"`
	Expenses   []*Expense        `json:"expenses"`
	Summary    LedgerSummary     `json:"summary"`
}

// LedgerSummary contains totals derived from a snapshot
type LedgerSummary struct {
	TotalBudget    decimal.Decimal `json:"totalBudget"`
	TotalAllocated decimal.Decimal `json:"totalAllocated"`
	TotalSpent     decimal.Decimal `json:"totalSpent"`
	Remaining      decimal.Decimal `json:"remaining"`
}

// Summarize computes the ledger totals
func Summarize(settings *BudgetSettings, categories []*BudgetCategory) LedgerSummary {
	allocated := decimal.Zero
	spent := decimal.Zero
	for _, c := range categories {
		allocated = allocated.Add(c.AllocatedAmount)
		spent = spent.Add(c.SpentAmount)
	}
	total := decimal.Zero
	if settings != nil {
		total = settings.TotalBudget
	}
	return LedgerSummary{
		TotalBudget:    total,
		TotalAllocated: allocated,
		TotalSpent:     spent,
		Remaining:      total.Sub(spent),
	}
}

// ReconcileResult describes one reconciliation of a category's spent aggregate
type ReconcileResult struct {
	OwnerID      string          `json:"ownerId"`
	CategoryID   string          `json:"categoryId"`
	Previous     decimal.Decimal `json:"previous"`
	Corrected    decimal.Decimal `json:"corrected"`
	ExpenseCount int             `json:"expenseCount"`
	Drifted      bool            `json:"drifted"`
}
