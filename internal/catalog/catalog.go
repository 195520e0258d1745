// Package catalog loads the default category catalog used to seed and allocate budgets.
package catalog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/dafibh/fortuna/budget-ledger/internal/domain"
	"github.com/shopspring/decimal"
)

// file mirrors the TOML layout of a catalog file
type file struct {
	Categories []struct {
		Name   string  `toml:"name"`
		Weight float64 `toml:"weight"`
	} `toml:"category"`
}

// ObjectFetcher reads a catalog document from object storage
type ObjectFetcher interface {
	Fetch(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Parse decodes and validates a TOML catalog document
func Parse(r io.Reader) (domain.Catalog, error) {
	var f file
	if _, err := toml.NewDecoder(r).Decode(&f); err != nil {
		return domain.Catalog{}, fmt.Errorf("%w: %v", domain.ErrInvalidCatalog, err)
	}

	cat := domain.Catalog{Entries: make([]domain.CatalogEntry, 0, len(f.Categories))}
	for _, c := range f.Categories {
		cat.Entries = append(cat.Entries, domain.CatalogEntry{
			Name:   strings.TrimSpace(c.Name),
			Weight: decimal.NewFromFloat(c.Weight),
		})
	}

	if err := cat.Validate(); err != nil {
		return domain.Catalog{}, err
	}
	return cat, nil
}

// LoadFile reads a catalog from a TOML file on disk
func LoadFile(path string) (domain.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Catalog{}, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Load resolves source as either an s3://bucket/key URL or a local file path.
// fetcher may be nil when source is a file.
func Load(ctx context.Context, source string, fetcher ObjectFetcher) (domain.Catalog, error) {
	bucket, key, ok := ParseS3URL(source)
	if !ok {
		return LoadFile(source)
	}
	if fetcher == nil {
		return domain.Catalog{}, fmt.Errorf("catalog source %q requires S3 access", source)
	}

	body, err := fetcher.Fetch(ctx, bucket, key)
	if err != nil {
		return domain.Catalog{}, fmt.Errorf("failed to fetch catalog from s3: %w", err)
	}
	defer body.Close()

	return Parse(body)
}

// ParseS3URL splits s3://bucket/key into its parts
func ParseS3URL(source string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(source, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// Default returns the built-in event catalog, used when no catalog source is configured
func Default() domain.Catalog {
	return domain.Catalog{Entries: []domain.CatalogEntry{
		{Name: "Venue", Weight: decimal.NewFromInt(35)},
		{Name: "Catering", Weight: decimal.NewFromInt(25)},
		{Name: "Entertainment", Weight: decimal.NewFromInt(15)},
		{Name: "Decoration", Weight: decimal.NewFromInt(15)},
		{Name: "Photography", Weight: decimal.NewFromInt(10)},
	}}
}
