package core

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"stockledger/pkg/domain"
)

// CatalogEntry holds informational defaults for a category and sub-kind. An
// entry with an empty SubKind applies to the whole category.
type CatalogEntry struct {
	Category             domain.Category `yaml:"category" json:"category"`
	SubKind              domain.SubKind  `yaml:"sub_kind" json:"sub_kind,omitempty"`
	Unit                 domain.Unit     `yaml:"unit" json:"unit,omitempty"`
	CostPerUnit          decimal.Decimal `yaml:"cost_per_unit" json:"cost_per_unit"`
	ReorderPoint         decimal.Decimal `yaml:"reorder_point" json:"reorder_point"`
	ReorderQuantity      decimal.Decimal `yaml:"reorder_quantity" json:"reorder_quantity"`
	WithdrawalPeriodDays *int            `yaml:"withdrawal_period_days" json:"withdrawal_period_days,omitempty"`
}

type catalogKey struct {
	category domain.Category
	subKind  domain.SubKind
}

// Catalog resolves creation defaults. It is read-only once built.
type Catalog struct {
	entries map[catalogKey]CatalogEntry
}

// NewCatalog indexes entries; later entries replace earlier ones with the same key.
func NewCatalog(entries ...CatalogEntry) *Catalog {
	c := &Catalog{entries: make(map[catalogKey]CatalogEntry, len(entries))}
	for _, e := range entries {
		c.entries[catalogKey{e.Category, e.SubKind}] = e
	}
	return c
}

// ValidateCatalogEntries checks categories, sub-kinds, units and amounts.
func ValidateCatalogEntries(entries []CatalogEntry) error {
	for i, e := range entries {
		if !e.Category.Allows(e.SubKind) {
			return fmt.Errorf("catalog entry %d: sub_kind %q not valid for category %q", i, e.SubKind, e.Category)
		}
		if e.Unit != "" && !e.Unit.Valid() {
			return fmt.Errorf("catalog entry %d: unknown unit %q", i, e.Unit)
		}
		if e.CostPerUnit.IsNegative() || e.ReorderPoint.IsNegative() || e.ReorderQuantity.IsNegative() {
			return fmt.Errorf("catalog entry %d: amounts must not be negative", i)
		}
		if e.WithdrawalPeriodDays != nil && *e.WithdrawalPeriodDays < 0 {
			return fmt.Errorf("catalog entry %d: withdrawal_period_days must not be negative", i)
		}
	}
	return nil
}

// Lookup returns the most specific entry for the pair, falling back to the
// category-wide entry.
func (c *Catalog) Lookup(category domain.Category, subKind domain.SubKind) (CatalogEntry, bool) {
	if c == nil {
		return CatalogEntry{}, false
	}
	if e, ok := c.entries[catalogKey{category, subKind}]; ok {
		return e, true
	}
	e, ok := c.entries[catalogKey{category, ""}]
	return e, ok
}

// Entries lists the catalog ordered by category then sub-kind.
func (c *Catalog) Entries() []CatalogEntry {
	if c == nil {
		return nil
	}
	out := make([]CatalogEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].SubKind < out[j].SubKind
	})
	return out
}

// applyDefaults fills zero-valued fields of item from the catalog.
func (c *Catalog) applyDefaults(item *domain.StockItem) {
	entry, ok := c.Lookup(item.Category, item.SubKind)
	if !ok {
		return
	}
	if item.Unit == "" {
		item.Unit = entry.Unit
	}
	if item.CostPerUnit.IsZero() {
		item.CostPerUnit = entry.CostPerUnit
	}
	if item.ReorderPoint.IsZero() {
		item.ReorderPoint = entry.ReorderPoint
	}
	if item.ReorderQuantity.IsZero() {
		item.ReorderQuantity = entry.ReorderQuantity
	}
	if item.WithdrawalPeriodDays == nil && entry.WithdrawalPeriodDays != nil {
		days := *entry.WithdrawalPeriodDays
		item.WithdrawalPeriodDays = &days
	}
}
