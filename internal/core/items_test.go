package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stockledger/pkg/domain"
)

func TestCreateItemBooksOpeningBalance(t *testing.T) {
	svc := newTestService(t)
	item := mustCreateItem(t, svc, "Oxytetracycline", "250", "0.8", "50")
	if item.ID == "" || item.Version == 0 {
		t.Fatalf("expected persisted identity, got %+v", item)
	}
	if !item.QuantityOnHand.Equal(dec("250")) {
		t.Fatalf("expected 250 on hand, got %s", item.QuantityOnHand)
	}
	entries, err := svc.GetTransactions(context.Background(), domain.TransactionFilter{ItemID: item.ID})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one opening entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Kind != domain.KindPurchase || e.Reason != openingBalanceReason || e.Operator != testOperator {
		t.Fatalf("unexpected opening entry %+v", e)
	}
	if !e.CostImpact.Equal(dec("200")) {
		t.Fatalf("expected cost impact 200, got %s", e.CostImpact)
	}
}

func TestCreateItemWithoutStockHasNoLedger(t *testing.T) {
	svc := newTestService(t)
	item := mustCreateItem(t, svc, "Empty", "0", "1", "5")
	entries, _ := svc.GetTransactions(context.Background(), domain.TransactionFilter{ItemID: item.ID})
	if len(entries) != 0 {
		t.Fatalf("expected no ledger entries, got %d", len(entries))
	}
	alerts, err := svc.GetActiveAlerts(context.Background())
	if err != nil {
		t.Fatalf("alerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Kind != domain.AlertLowStock || alerts[0].Severity != domain.AlertCritical {
		t.Fatalf("an empty item should raise a critical low_stock alert, got %+v", alerts)
	}
}

func TestCreateItemAppliesCatalogDefaults(t *testing.T) {
	days := 28
	catalog := NewCatalog(
		CatalogEntry{Category: domain.CategoryFeed, Unit: domain.UnitKilogram, ReorderPoint: dec("100")},
		CatalogEntry{Category: domain.CategoryDrug, SubKind: domain.SubKindAntibiotic, Unit: domain.UnitMilliliter, CostPerUnit: dec("0.5"), WithdrawalPeriodDays: &days},
	)
	svc := newTestService(t, WithCatalog(catalog))
	ctx := context.Background()

	drug, err := svc.CreateItem(ctx, domain.StockItem{
		Name:           "Penicillin G",
		Category:       domain.CategoryDrug,
		SubKind:        domain.SubKindAntibiotic,
		QuantityOnHand: dec("10"),
	}, testOperator)
	if err != nil {
		t.Fatalf("create drug: %v", err)
	}
	if drug.Unit != domain.UnitMilliliter || !drug.CostPerUnit.Equal(dec("0.5")) {
		t.Fatalf("expected unit and cost defaults, got %s @ %s", drug.Unit, drug.CostPerUnit)
	}
	if drug.WithdrawalPeriodDays == nil || *drug.WithdrawalPeriodDays != 28 {
		t.Fatalf("expected withdrawal default of 28 days, got %v", drug.WithdrawalPeriodDays)
	}

	feed, err := svc.CreateItem(ctx, domain.StockItem{
		Name:         "Barley",
		Category:     domain.CategoryFeed,
		SubKind:      domain.SubKindGrain,
		ReorderPoint: dec("40"),
	}, testOperator)
	if err != nil {
		t.Fatalf("create feed: %v", err)
	}
	if feed.Unit != domain.UnitKilogram {
		t.Fatalf("expected category-wide unit default, got %s", feed.Unit)
	}
	if !feed.ReorderPoint.Equal(dec("40")) {
		t.Fatalf("explicit reorder point should win over the default, got %s", feed.ReorderPoint)
	}
}

func TestCreateItemValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	valid := domain.StockItem{Name: "Ok", Category: domain.CategoryFeed, SubKind: domain.SubKindHay, Unit: domain.UnitBale}

	cases := map[string]func(*domain.StockItem){
		"blank name":        func(i *domain.StockItem) { i.Name = "  " },
		"unknown category":  func(i *domain.StockItem) { i.Category = "toy" },
		"foreign sub-kind":  func(i *domain.StockItem) { i.SubKind = domain.SubKindVaccine },
		"unknown unit":      func(i *domain.StockItem) { i.Unit = "barrel" },
		"negative quantity": func(i *domain.StockItem) { i.QuantityOnHand = dec("-1") },
		"negative cost":     func(i *domain.StockItem) { i.CostPerUnit = dec("-0.01") },
		"negative reorder":  func(i *domain.StockItem) { i.ReorderPoint = dec("-3") },
		"negative withdrawal": func(i *domain.StockItem) {
			days := -1
			i.WithdrawalPeriodDays = &days
		},
	}
	for name, mutate := range cases {
		item := valid
		mutate(&item)
		if _, err := svc.CreateItem(ctx, item, testOperator); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("%s: expected invalid argument, got %v", name, err)
		}
	}
	if _, err := svc.CreateItem(ctx, valid, ""); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("missing operator: expected invalid argument, got %v", err)
	}
	if n := len(svc.ListItems(ctx)); n != 0 {
		t.Fatalf("rejected items were stored: %d", n)
	}
}

func TestUpdateItemMetadataReevaluatesLowStock(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	item := mustCreateItem(t, svc, "Dewormer", "12", "2", "10")

	alerts, _ := svc.GetActiveAlerts(ctx)
	if len(alerts) != 0 {
		t.Fatalf("expected no alerts above the reorder point, got %+v", alerts)
	}

	location := "cold room"
	updated, err := svc.UpdateItemMetadata(ctx, item.ID, ItemPatch{ReorderPoint: decPtr("15"), StorageLocation: &location}, testOperator)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.StorageLocation != location || !updated.ReorderPoint.Equal(dec("15")) {
		t.Fatalf("patch not applied: %+v", updated)
	}
	if !updated.QuantityOnHand.Equal(dec("12")) || updated.Version <= item.Version {
		t.Fatalf("metadata update must keep the balance and bump the version: %+v", updated)
	}
	alerts, _ = svc.GetActiveAlerts(ctx)
	if len(alerts) != 1 || alerts[0].ItemID != item.ID || alerts[0].Severity != domain.AlertWarning {
		t.Fatalf("expected a warning low_stock alert, got %+v", alerts)
	}

	if _, err := svc.UpdateItemMetadata(ctx, item.ID, ItemPatch{ReorderPoint: decPtr("5")}, testOperator); err != nil {
		t.Fatalf("lower reorder point: %v", err)
	}
	if alerts, _ = svc.GetActiveAlerts(ctx); len(alerts) != 0 {
		t.Fatalf("alert should resolve once the reorder point drops, got %+v", alerts)
	}
	history := svc.GetAlertHistory(ctx)
	if len(history) != 1 || history[0].Open() {
		t.Fatalf("expected one resolved alert in history, got %+v", history)
	}
}

func TestUpdateItemMetadataRejectsInvalidPatch(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	item := mustCreateItem(t, svc, "Vaccine", "3", "12", "0")

	sub := domain.SubKindGrain
	if _, err := svc.UpdateItemMetadata(ctx, item.ID, ItemPatch{SubKind: &sub}, testOperator); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid sub-kind, got %v", err)
	}
	if _, err := svc.UpdateItemMetadata(ctx, "missing", ItemPatch{}, testOperator); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if got := mustGetItem(t, svc, item.ID); got.SubKind != domain.SubKindAntibiotic || got.Version != item.Version {
		t.Fatalf("rejected patch leaked into the store: %+v", got)
	}
}

func TestDeleteItemRequiresZeroBalance(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	item := mustCreateItem(t, svc, "Salt block", "4", "6", "0")

	if err := svc.DeleteItem(ctx, item.ID, testOperator); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict while stock remains, got %v", err)
	}
	if _, err := svc.Waste(ctx, item.ID, dec("4"), "cracked", testOperator); err != nil {
		t.Fatalf("waste: %v", err)
	}
	if err := svc.DeleteItem(ctx, item.ID, testOperator); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.GetItem(ctx, item.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	entries, _ := svc.GetTransactions(ctx, domain.TransactionFilter{ItemID: item.ID})
	if len(entries) != 2 {
		t.Fatalf("ledger history should survive deletion, got %d entries", len(entries))
	}
	for _, a := range svc.GetAlertHistory(ctx) {
		if a.ItemID == item.ID && a.Open() {
			t.Fatalf("deleted item kept an open alert: %+v", a)
		}
	}
}

func TestGetTransactionsFilters(t *testing.T) {
	clock := newSteppingClock()
	svc := NewInMemoryService(nil, WithClock(clock))
	ctx := context.Background()
	a := mustCreateItem(t, svc, "A", "10", "1", "0")
	b := mustCreateItem(t, svc, "B", "10", "1", "0")
	mid := clock.Now()
	if _, err := svc.Waste(ctx, a.ID, dec("1"), "", testOperator); err != nil {
		t.Fatalf("waste: %v", err)
	}
	if _, err := svc.Deduct(ctx, b.ID, dec("2"), "", testOperator, nil); err != nil {
		t.Fatalf("deduct: %v", err)
	}

	cases := []struct {
		name   string
		filter domain.TransactionFilter
		want   int
	}{
		{"all", domain.TransactionFilter{}, 4},
		{"by item", domain.TransactionFilter{ItemID: a.ID}, 2},
		{"by kind", domain.TransactionFilter{Kind: domain.KindWaste}, 1},
		{"from", domain.TransactionFilter{From: &mid}, 2},
		{"to", domain.TransactionFilter{To: &mid}, 2},
	}
	for _, tc := range cases {
		got, err := svc.GetTransactions(ctx, tc.filter)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if len(got) != tc.want {
			t.Fatalf("%s: expected %d entries, got %d", tc.name, tc.want, len(got))
		}
	}

	before := mid.Add(-time.Hour)
	if _, err := svc.GetTransactions(ctx, domain.TransactionFilter{From: &mid, To: &before}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid range, got %v", err)
	}
}

func TestGetItemAndEventNotFound(t *testing.T) {
	svc := newTestService(t)
	var nf domain.NotFoundError
	if _, err := svc.GetItem(context.Background(), "nope"); !errors.As(err, &nf) || nf.Entity != domain.EntityStockItem {
		t.Fatalf("expected stock item not found, got %v", err)
	}
	if _, err := svc.GetAllocationEvent(context.Background(), "nope"); !errors.As(err, &nf) || nf.Entity != domain.EntityAllocationEvent {
		t.Fatalf("expected event not found, got %v", err)
	}
}

func TestListItemsOrderedByID(t *testing.T) {
	svc := newTestService(t)
	for i := 0; i < 5; i++ {
		mustCreateItem(t, svc, itemName(i), "1", "1", "0")
	}
	items := svc.ListItems(context.Background())
	if len(items) != 5 {
		t.Fatalf("expected 5 items, got %d", len(items))
	}
	for i := 1; i < len(items); i++ {
		if items[i-1].ID >= items[i].ID {
			t.Fatalf("items not ordered by ID: %s then %s", items[i-1].ID, items[i].ID)
		}
	}
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.QuantityOnHand)
	}
	if !total.Equal(dec("5")) {
		t.Fatalf("expected 5 units across items, got %s", total)
	}
}
