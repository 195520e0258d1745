package service

import (
	"context"
	"testing"

	"github.com/dafibh/fortuna/budget-ledger/internal/catalog"
	"github.com/dafibh/fortuna/budget-ledger/internal/domain"
	"github.com/dafibh/fortuna/budget-ledger/internal/repository/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocationPolicy_AllocationFor(t *testing.T) {
	policy := NewAllocationPolicy(catalog.Default(), decimal.NewFromInt(1500000))

	tests := []struct {
		total  string
		weight int64
		want   string
	}{
		{"1500000", 35, "525000"},
		{"1500000", 10, "150000"},
		{"0", 25, "0"},
		{"100.01", 15, "15"},
		{"999.99", 35, "350"},
		{"1", 33, "0.33"},
	}

	for _, tt := range tests {
		got := policy.AllocationFor(decimal.RequireFromString(tt.total), decimal.NewFromInt(tt.weight))
		assert.Equal(t, tt.want, got.String(), "total %s weight %d", tt.total, tt.weight)
	}
}

func TestAllocationPolicy_SeedIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	policy := NewAllocationPolicy(catalog.Default(), decimal.NewFromInt(1000))
	ctx := context.Background()

	created, err := policy.SeedMissingCategories(ctx, store, "owner-1")
	require.NoError(t, err)
	assert.Len(t, created, 5)

	first, err := store.ListCategories(ctx, "owner-1")
	require.NoError(t, err)
	assert.True(t, policy.IsSeeded(first))

	created, err = policy.SeedMissingCategories(ctx, store, "owner-1")
	require.NoError(t, err)
	assert.Empty(t, created)

	second, err := store.ListCategories(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.True(t, first[i].AllocatedAmount.Equal(second[i].AllocatedAmount))
	}

	settings, err := store.GetSettings(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "1000", settings.TotalBudget.String())
}

func TestAllocationPolicy_ReallocateSkipsCustomCategories(t *testing.T) {
	store := memory.NewStore()
	policy := NewAllocationPolicy(catalog.Default(), decimal.NewFromInt(1000))
	ctx := context.Background()

	_, err := policy.SeedMissingCategories(ctx, store, "owner-1")
	require.NoError(t, err)
	custom, err := store.CreateCategory(ctx, &domain.BudgetCategory{OwnerID: "owner-1", Name: "Honeymoon", AllocatedAmount: decimal.NewFromInt(77)})
	require.NoError(t, err)

	categories, err := policy.Reallocate(ctx, store, "owner-1", decimal.NewFromInt(2000))
	require.NoError(t, err)
	assert.Len(t, categories, 6)

	for _, c := range categories {
		if c.ID == custom.ID {
			assert.Equal(t, "77", c.AllocatedAmount.String())
			continue
		}
		weight, ok := policy.Catalog().Weight(c.Name)
		require.True(t, ok)
		assert.True(t, c.AllocatedAmount.Equal(decimal.NewFromInt(20).Mul(weight)), c.Name)
	}
}

func TestAllocationPolicy_IsSeeded(t *testing.T) {
	policy := NewAllocationPolicy(catalog.Default(), decimal.Zero)

	assert.False(t, policy.IsSeeded(nil))
	assert.False(t, policy.IsSeeded([]*domain.BudgetCategory{{Name: "Venue"}}))

	var all []*domain.BudgetCategory
	for _, name := range policy.Catalog().Names() {
		all = append(all, &domain.BudgetCategory{Name: name})
	}
	assert.True(t, policy.IsSeeded(all))
}
