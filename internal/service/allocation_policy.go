package service

import (
	"context"
	"errors"

	"github.com/dafibh/fortuna/budget-ledger/internal/domain"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// AllocationPolicy turns a total budget into per-category allocations using the
// catalog weights, and seeds the catalog categories an owner is missing
type AllocationPolicy struct {
	catalog      domain.Catalog
	defaultTotal decimal.Decimal
}

// NewAllocationPolicy creates a new AllocationPolicy
func NewAllocationPolicy(catalog domain.Catalog, defaultTotal decimal.Decimal) *AllocationPolicy {
	return &AllocationPolicy{
		catalog:      catalog,
		defaultTotal: defaultTotal,
	}
}

// Catalog returns the configured catalog
func (p *AllocationPolicy) Catalog() domain.Catalog {
	return p.catalog
}

// AllocationFor returns total * weight / 100 rounded to cents
func (p *AllocationPolicy) AllocationFor(total, weight decimal.Decimal) decimal.Decimal {
	return total.Mul(weight).Div(hundred).Round(2)
}

// EnsureSettings returns the owner's settings, creating them with the default total on first access
func (p *AllocationPolicy) EnsureSettings(ctx context.Context, store domain.LedgerStore, ownerID string) (*domain.BudgetSettings, error) {
	settings, err := store.GetSettings(ctx, ownerID)
	if err == nil {
		return settings, nil
	}
	if !errors.Is(err, domain.ErrSettingsNotFound) {
		return nil, err
	}
	return store.UpsertSettings(ctx, &domain.BudgetSettings{
		OwnerID:     ownerID,
		TotalBudget: p.defaultTotal,
	})
}

// IsSeeded reports whether every catalog entry has a category in categories
func (p *AllocationPolicy) IsSeeded(categories []*domain.BudgetCategory) bool {
	names := make(map[string]bool, len(categories))
	for _, c := range categories {
		names[c.Name] = true
	}
	for _, e := range p.catalog.Entries {
		if !names[e.Name] {
			return false
		}
	}
	return true
}

// SeedMissingCategories creates a category for each catalog entry the owner does not have yet,
// allocated from the current total budget. It returns only the categories it created.
func (p *AllocationPolicy) SeedMissingCategories(ctx context.Context, store domain.LedgerStore, ownerID string) ([]*domain.BudgetCategory, error) {
	settings, err := p.EnsureSettings(ctx, store, ownerID)
	if err != nil {
		return nil, err
	}

	existing, err := store.ListCategories(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(existing))
	for _, c := range existing {
		names[c.Name] = true
	}

	var created []*domain.BudgetCategory
	for _, entry := range p.catalog.Entries {
		if names[entry.Name] {
			continue
		}
		category, err := store.CreateCategory(ctx, &domain.BudgetCategory{
			OwnerID:         ownerID,
			Name:            entry.Name,
			AllocatedAmount: p.AllocationFor(settings.TotalBudget, entry.Weight),
			SpentAmount:     decimal.Zero,
		})
		if errors.Is(err, domain.ErrDuplicateCategoryName) {
			// Seeded concurrently by another instance
			continue
		}
		if err != nil {
			return created, err
		}
		created = append(created, category)
	}
	return created, nil
}

// Reallocate recomputes the allocation of every catalog-backed category from total.
// Categories outside the catalog keep their allocation; spent amounts are never touched.
func (p *AllocationPolicy) Reallocate(ctx context.Context, store domain.LedgerStore, ownerID string, total decimal.Decimal) ([]*domain.BudgetCategory, error) {
	categories, err := store.ListCategories(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	result := make([]*domain.BudgetCategory, 0, len(categories))
	for _, c := range categories {
		weight, ok := p.catalog.Weight(c.Name)
		if !ok {
			result = append(result, c)
			continue
		}
		allocated := p.AllocationFor(total, weight)
		if c.AllocatedAmount.Equal(allocated) {
			result = append(result, c)
			continue
		}
		updated, err := store.SetAllocated(ctx, ownerID, c.ID, allocated)
		if err != nil {
			return nil, err
		}
		result = append(result, updated)
	}
	return result, nil
}
