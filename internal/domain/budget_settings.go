package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BudgetSettings holds the single total budget of an owner
type BudgetSettings struct {
	OwnerID     string          `json:"ownerId"`
	TotalBudget decimal.Decimal `json:"totalBudget"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}
