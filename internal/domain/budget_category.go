package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BudgetCategory is a named spending bucket. SpentAmount is a cached aggregate of the
// category's expenses and may exceed AllocatedAmount.
type BudgetCategory struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"ownerId"`
	Name            string          `json:"name"`
	AllocatedAmount decimal.Decimal `json:"allocatedAmount"`
	SpentAmount     decimal.Decimal `json:"spentAmount"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Remaining returns allocated minus spent (negative when overspent)
func (c *BudgetCategory) Remaining() decimal.Decimal {
	return c.AllocatedAmount.Sub(c.SpentAmount)
}

// IsOverspent reports whether spending exceeds the allocation
func (c *BudgetCategory) IsOverspent() bool {
	return c.SpentAmount.GreaterThan(c.AllocatedAmount)
}

// Clone returns a copy safe to hand to another goroutine
func (c *BudgetCategory) Clone() *BudgetCategory {
	cp := *c
	return &cp
}

// CategoryKey identifies a category across owners
type CategoryKey struct {
	OwnerID    string
	CategoryID string
}
