package core

import (
	"testing"

	"stockledger/pkg/domain"
)

func TestCatalogLookupFallsBackToCategory(t *testing.T) {
	c := NewCatalog(
		CatalogEntry{Category: domain.CategoryFeed, Unit: domain.UnitKilogram},
		CatalogEntry{Category: domain.CategoryFeed, SubKind: domain.SubKindHay, Unit: domain.UnitBale},
	)
	if e, ok := c.Lookup(domain.CategoryFeed, domain.SubKindHay); !ok || e.Unit != domain.UnitBale {
		t.Fatalf("expected the hay entry, got %+v", e)
	}
	if e, ok := c.Lookup(domain.CategoryFeed, domain.SubKindSilage); !ok || e.Unit != domain.UnitKilogram {
		t.Fatalf("expected the feed-wide entry, got %+v", e)
	}
	if _, ok := c.Lookup(domain.CategoryDrug, domain.SubKindVaccine); ok {
		t.Fatal("drug has no entry")
	}
	var nilCatalog *Catalog
	if _, ok := nilCatalog.Lookup(domain.CategoryFeed, ""); ok || nilCatalog.Entries() != nil {
		t.Fatal("a nil catalog is empty")
	}
}

func TestCatalogEntriesOrdered(t *testing.T) {
	c := NewCatalog(
		CatalogEntry{Category: domain.CategorySupplement, SubKind: domain.SubKindMineral},
		CatalogEntry{Category: domain.CategoryDrug, SubKind: domain.SubKindVaccine},
		CatalogEntry{Category: domain.CategoryDrug},
		CatalogEntry{Category: domain.CategoryDrug, SubKind: domain.SubKindVaccine, Unit: domain.UnitDose},
	)
	entries := c.Entries()
	if len(entries) != 3 {
		t.Fatalf("duplicate keys should collapse, got %d entries", len(entries))
	}
	if entries[0].SubKind != "" || entries[1].Unit != domain.UnitDose || entries[2].Category != domain.CategorySupplement {
		t.Fatalf("unexpected order %+v", entries)
	}
}

func TestValidateCatalogEntries(t *testing.T) {
	days := -2
	bad := []CatalogEntry{
		{Category: domain.CategoryFeed, SubKind: domain.SubKindVaccine},
		{Category: "toys"},
		{Category: domain.CategoryFeed, Unit: "barrel"},
		{Category: domain.CategoryFeed, CostPerUnit: dec("-1")},
		{Category: domain.CategoryDrug, WithdrawalPeriodDays: &days},
	}
	for i, e := range bad {
		if err := ValidateCatalogEntries([]CatalogEntry{e}); err == nil {
			t.Fatalf("entry %d should be rejected: %+v", i, e)
		}
	}
	ok := []CatalogEntry{{Category: domain.CategoryDrug, SubKind: domain.SubKindHormone, Unit: domain.UnitMilliliter, ReorderPoint: dec("5")}}
	if err := ValidateCatalogEntries(ok); err != nil {
		t.Fatalf("valid entry rejected: %v", err)
	}
}
