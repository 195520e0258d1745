package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// CatalogEntry is a default category with its percentage weight of the total budget
type CatalogEntry struct {
	Name   string          `json:"name"`
	Weight decimal.Decimal `json:"weight"`
}

// Catalog is the ordered list of default categories. Weights sum to 100.
type Catalog struct {
	Entries []CatalogEntry `json:"categories"`
}

// Validate checks names are present and unique and that weights are positive and sum to 100
func (c Catalog) Validate() error {
	if len(c.Entries) == 0 {
		return fmt.Errorf("%w: no categories", ErrInvalidCatalog)
	}
	seen := make(map[string]bool, len(c.Entries))
	total := decimal.Zero
	for i, e := range c.Entries {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return fmt.Errorf("%w: entry %d has no name", ErrInvalidCatalog, i)
		}
		if seen[name] {
			return fmt.Errorf("%w: duplicate name %q", ErrInvalidCatalog, name)
		}
		seen[name] = true
		if !e.Weight.IsPositive() {
			return fmt.Errorf("%w: weight of %q must be positive", ErrInvalidCatalog, name)
		}
		total = total.Add(e.Weight)
	}
	if !total.Equal(decimal.NewFromInt(100)) {
		return fmt.Errorf("%w: weights sum to %s, expected 100", ErrInvalidCatalog, total.String())
	}
	return nil
}

// Weight returns the weight of the named entry
func (c Catalog) Weight(name string) (decimal.Decimal, bool) {
	for _, e := range c.Entries {
		if e.Name == name {
			return e.Weight, true
		}
	}
	return decimal.Zero, false
}

// Names returns the entry names in catalog order
func (c Catalog) Names() []string {
	names := make([]string, len(c.Entries))
	for i, e := range c.Entries {
		names[i] = e.Name
	}
	return names
}
