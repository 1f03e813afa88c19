package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stockledger/pkg/domain"
)

func mustCreateItem(t *testing.T, store *Store, item domain.StockItem) domain.StockItem {
	t.Helper()
	var created domain.StockItem
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateStockItem(item)
		return err
	})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	return created
}

func TestStoreRunInTransactionAndSnapshots(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, ok := tx.FindStockItem("missing"); ok {
			t.Fatalf("expected missing item lookup")
		}
		created, err := tx.CreateStockItem(domain.StockItem{Name: "Oxytet", Category: domain.CategoryDrug, Unit: domain.UnitMilliliter})
		if err != nil {
			return err
		}
		if created.ID == "" {
			t.Fatalf("expected generated ID")
		}
		if created.Version != 1 {
			t.Fatalf("expected version 1, got %d", created.Version)
		}
		if len(tx.Snapshot().ListStockItems()) != 1 {
			t.Fatalf("snapshot should expose staged item")
		}
		if len(store.state.items) != 0 {
			t.Fatalf("staged item leaked into committed state")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run transaction: %v", err)
	}
	if len(store.ListStockItems()) != 1 {
		t.Fatalf("expected persisted item")
	}
	snapshot := store.ExportState()
	store.ImportState(Snapshot{})
	if len(store.ListStockItems()) != 0 {
		t.Fatalf("expected cleared state")
	}
	store.ImportState(snapshot)
	if len(store.ListStockItems()) != 1 {
		t.Fatalf("expected restored state")
	}
	if store.RulesEngine() == nil {
		t.Fatalf("expected rules engine")
	}
	if store.NowFunc() == nil {
		t.Fatalf("expected now func")
	}
}

func TestStoreRuleViolation(t *testing.T) {
	store := NewStore(domain.NewRulesEngine())
	store.RulesEngine().Register(blockingRule{})
	res, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.CreateStockItem(domain.StockItem{Name: "Fail", Category: domain.CategoryFeed, Unit: domain.UnitKilogram})
		return e
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation error, got %v", err)
	}
	if !res.HasBlocking() {
		t.Fatalf("expected blocking result")
	}
	if len(store.ListStockItems()) != 0 {
		t.Fatalf("blocked transaction must not commit")
	}
}

type blockingRule struct{}

func (blockingRule) Name() string { return "block" }

func (blockingRule) Evaluate(context.Context, domain.RuleView, []domain.Change) (domain.Result, error) {
	return domain.Result{Violations: []domain.Violation{{Rule: "block", Severity: domain.SeverityBlock}}}, nil
}

func TestStoreCallbackErrorDiscardsStagedWrites(t *testing.T) {
	store := NewStore(nil)
	boom := errors.New("boom")
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateStockItem(domain.StockItem{Name: "Hay", Category: domain.CategoryFeed, Unit: domain.UnitBale}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if len(store.ListStockItems()) != 0 {
		t.Fatalf("expected no committed items")
	}
}

func TestStoreCancelledContext(t *testing.T) {
	store := NewStore(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	if _, err := store.RunInTransaction(ctx, func(domain.Transaction) error {
		called = true
		return nil
	}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if called {
		t.Fatalf("callback must not run on cancelled context")
	}
}

func TestSetBalanceVersionCheck(t *testing.T) {
	store := NewStore(nil)
	item := mustCreateItem(t, store, domain.StockItem{Name: "Grain", Category: domain.CategoryFeed, Unit: domain.UnitKilogram})
	ctx := context.Background()

	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.SetBalance(item.ID, item.Version+1, decimal.NewFromInt(10), decimal.NewFromInt(2))
		return err
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict on stale version, got %v", err)
	}

	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		updated, err := tx.SetBalance(item.ID, item.Version, decimal.NewFromInt(10), decimal.NewFromInt(2))
		if err != nil {
			return err
		}
		if updated.Version != item.Version+1 {
			t.Fatalf("expected version bump, got %d", updated.Version)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("set balance: %v", err)
	}
	stored, _ := store.GetStockItem(item.ID)
	if !stored.QuantityOnHand.Equal(decimal.NewFromInt(10)) || !stored.CostPerUnit.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("unexpected balance %s @ %s", stored.QuantityOnHand, stored.CostPerUnit)
	}

	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.SetBalance(item.ID, stored.Version, decimal.NewFromInt(-1), decimal.Zero)
		return err
	})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected negative balance rejection, got %v", err)
	}
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.SetBalance("missing", 1, decimal.Zero, decimal.Zero)
		return err
	}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateStockItemKeepsBalance(t *testing.T) {
	store := NewStore(nil)
	item := mustCreateItem(t, store, domain.StockItem{
		Name: "Mineral lick", Category: domain.CategorySupplement, Unit: domain.UnitEach,
		QuantityOnHand: decimal.NewFromInt(4), CostPerUnit: decimal.NewFromInt(12),
	})
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateStockItem(item.ID, func(s *domain.StockItem) error {
			s.StorageLocation = "barn 2"
			s.QuantityOnHand = decimal.NewFromInt(1000)
			s.CostPerUnit = decimal.Zero
			s.Version = 99
			return nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	stored, _ := store.GetStockItem(item.ID)
	if stored.StorageLocation != "barn 2" {
		t.Fatalf("metadata not applied")
	}
	if !stored.QuantityOnHand.Equal(decimal.NewFromInt(4)) || !stored.CostPerUnit.Equal(decimal.NewFromInt(12)) {
		t.Fatalf("balance must not change through metadata update: %+v", stored)
	}
	if stored.Version != item.Version+1 {
		t.Fatalf("expected version %d, got %d", item.Version+1, stored.Version)
	}

	mutErr := errors.New("reject")
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateStockItem(item.ID, func(*domain.StockItem) error { return mutErr })
		return err
	}); !errors.Is(err, mutErr) {
		t.Fatalf("expected mutator error, got %v", err)
	}
}

func TestDeleteStockItemRequiresEmptyBalance(t *testing.T) {
	store := NewStore(nil)
	item := mustCreateItem(t, store, domain.StockItem{
		Name: "Silage", Category: domain.CategoryFeed, Unit: domain.UnitTon, QuantityOnHand: decimal.NewFromInt(3),
	})
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.DeleteStockItem(item.ID)
	}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict deleting stocked item, got %v", err)
	}
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.SetBalance(item.ID, item.Version, decimal.Zero, decimal.Zero); err != nil {
			return err
		}
		return tx.DeleteStockItem(item.ID)
	}); err != nil {
		t.Fatalf("delete after draining: %v", err)
	}
	if _, ok := store.GetStockItem(item.ID); ok {
		t.Fatalf("expected item removed")
	}
}

func TestLedgerAppendAndFilter(t *testing.T) {
	store := NewStore(nil)
	a := mustCreateItem(t, store, domain.StockItem{Name: "A", Category: domain.CategoryFeed, Unit: domain.UnitKilogram})
	b := mustCreateItem(t, store, domain.StockItem{Name: "B", Category: domain.CategoryFeed, Unit: domain.UnitKilogram})
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	entries := []domain.LedgerTransaction{
		{ItemID: a.ID, Kind: domain.KindPurchase, OccurredAt: base},
		{ItemID: b.ID, Kind: domain.KindPurchase, OccurredAt: base.Add(time.Hour)},
		{ItemID: a.ID, Kind: domain.KindUsage, OccurredAt: base.Add(2 * time.Hour), Link: &domain.EventLink{Kind: domain.EventFeeding, ID: "evt-1"}},
		{ItemID: b.ID, Kind: domain.KindUsage, OccurredAt: base.Add(3 * time.Hour), Link: &domain.EventLink{Kind: domain.EventFeeding, ID: "evt-1"}},
	}
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		for _, e := range entries {
			if _, err := tx.AppendLedgerTransaction(e); err != nil {
				return err
			}
		}
		if got := len(tx.Snapshot().ListLedgerTransactions(domain.TransactionFilter{})); got != len(entries) {
			t.Fatalf("staged ledger view expected %d entries, got %d", len(entries), got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	all := store.ListLedgerTransactions(domain.TransactionFilter{})
	if len(all) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].OccurredAt.Before(all[i-1].OccurredAt) {
			t.Fatalf("ledger order not preserved")
		}
	}
	if got := store.ListLedgerTransactions(domain.TransactionFilter{ItemID: a.ID}); len(got) != 2 || got[1].Kind != domain.KindUsage {
		t.Fatalf("item filter mismatch: %+v", got)
	}
	if got := store.ListLedgerTransactions(domain.TransactionFilter{EventID: "evt-1"}); len(got) != 2 {
		t.Fatalf("event filter expected 2, got %d", len(got))
	}
	from := base.Add(time.Hour)
	to := base.Add(3 * time.Hour)
	if got := store.ListLedgerTransactions(domain.TransactionFilter{From: &from, To: &to}); len(got) != 2 {
		t.Fatalf("range filter expected 2, got %d", len(got))
	}
	if got := store.ListLedgerTransactions(domain.TransactionFilter{Kind: domain.KindPurchase, ItemID: b.ID}); len(got) != 1 {
		t.Fatalf("kind filter expected 1, got %d", len(got))
	}

	dup := all[0]
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.AppendLedgerTransaction(dup)
		return err
	}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected duplicate ledger conflict, got %v", err)
	}
}

func TestAlertLifecycle(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	var first domain.StockAlert
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		first, err = tx.CreateAlert(domain.StockAlert{ItemID: "item-1", Kind: domain.AlertLowStock, Severity: domain.AlertWarning})
		if err != nil {
			return err
		}
		if _, err := tx.CreateAlert(domain.StockAlert{ItemID: "item-1", Kind: domain.AlertLowStock}); !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected duplicate open alert conflict, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}

	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		open, ok := tx.FindOpenAlert("item-1", domain.AlertLowStock)
		if !ok || open.ID != first.ID {
			t.Fatalf("expected open alert %s", first.ID)
		}
		resolved, err := tx.ResolveAlert(open.ID)
		if err != nil {
			return err
		}
		if resolved.Open() {
			t.Fatalf("expected resolved alert")
		}
		if _, ok := tx.FindOpenAlert("item-1", domain.AlertLowStock); ok {
			t.Fatalf("resolved alert should not be found as open")
		}
		_, err = tx.CreateAlert(domain.StockAlert{ItemID: "item-1", Kind: domain.AlertLowStock, Severity: domain.AlertCritical})
		return err
	})
	if err != nil {
		t.Fatalf("resolve and reopen: %v", err)
	}
	alerts := store.ListAlerts()
	if len(alerts) != 2 {
		t.Fatalf("expected history of 2 alerts, got %d", len(alerts))
	}
	open := 0
	for _, a := range alerts {
		if a.Open() {
			open++
		}
	}
	if open != 1 {
		t.Fatalf("expected exactly one open alert, got %d", open)
	}
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.ResolveAlert("missing")
		return err
	}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateAlertSeverity(t *testing.T) {
	var last []domain.Change
	store := NewStore(nil, WithCommitHook(func(_ context.Context, changes []domain.Change) error {
		last = append([]domain.Change(nil), changes...)
		return nil
	}))
	ctx := context.Background()
	var alert domain.StockAlert
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		alert, err = tx.CreateAlert(domain.StockAlert{ItemID: "item-1", Kind: domain.AlertLowStock, Severity: domain.AlertWarning})
		return err
	})
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}

	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		updated, err := tx.UpdateAlertSeverity(alert.ID, domain.AlertCritical)
		if err != nil {
			return err
		}
		if updated.Severity != domain.AlertCritical || !updated.Open() {
			t.Fatalf("unexpected updated alert %+v", updated)
		}
		open, ok := tx.FindOpenAlert("item-1", domain.AlertLowStock)
		if !ok || open.Severity != domain.AlertCritical {
			t.Fatalf("staged severity not visible: %+v", open)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update severity: %v", err)
	}
	if len(last) != 1 || last[0].Action != domain.ActionUpdate || last[0].Entity != domain.EntityStockAlert {
		t.Fatalf("expected one alert update change, got %+v", last)
	}
	if before, ok := last[0].Before.(domain.StockAlert); !ok || before.Severity != domain.AlertWarning {
		t.Fatalf("change should carry the previous severity, got %+v", last[0].Before)
	}
	alerts := store.ListAlerts()
	if len(alerts) != 1 || alerts[0].Severity != domain.AlertCritical {
		t.Fatalf("expected committed critical alert, got %+v", alerts)
	}

	last = nil
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.UpdateAlertSeverity(alert.ID, domain.AlertCritical)
		return err
	})
	if err != nil || len(last) != 0 {
		t.Fatalf("unchanged severity should record nothing, got %v %+v", err, last)
	}

	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.UpdateAlertSeverity("missing", domain.AlertWarning)
		return err
	}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.ResolveAlert(alert.ID); err != nil {
			return err
		}
		_, err := tx.UpdateAlertSeverity(alert.ID, domain.AlertWarning)
		return err
	}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict for resolved alert, got %v", err)
	}
}

func TestPendingAllocationsAndEvents(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	pending := domain.PendingAllocation{
		EventID: "evt-9",
		Kind:    domain.EventFeeding,
		Lines:   []domain.PendingLine{{ItemID: "a", Quantity: decimal.NewFromInt(2)}},
	}
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.PutPendingAllocation(pending)
	}); err != nil {
		t.Fatalf("put pending: %v", err)
	}
	listed := store.ListPendingAllocations()
	if len(listed) != 1 || listed[0].CreatedAt.IsZero() {
		t.Fatalf("expected stamped pending checkpoint, got %+v", listed)
	}
	listed[0].Lines[0].ItemID = "mutated"
	if store.ListPendingAllocations()[0].Lines[0].ItemID != "a" {
		t.Fatalf("listed pending allocation aliases store state")
	}

	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateAllocationEvent(domain.AllocationEvent{Base: domain.Base{ID: "evt-9"}, Kind: domain.EventFeeding}); err != nil {
			return err
		}
		return tx.DeletePendingAllocation("evt-9")
	}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(store.ListPendingAllocations()) != 0 {
		t.Fatalf("expected pending removed")
	}
	if _, ok := store.GetAllocationEvent("evt-9"); !ok {
		t.Fatalf("expected finalized event")
	}
	if len(store.ListAllocationEvents()) != 1 {
		t.Fatalf("expected one event")
	}
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateAllocationEvent(domain.AllocationEvent{Base: domain.Base{ID: "evt-9"}})
		return err
	}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected duplicate event conflict, got %v", err)
	}
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.DeletePendingAllocation("evt-9")
	}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found deleting twice, got %v", err)
	}
}

func TestCommitHook(t *testing.T) {
	var seen []domain.Change
	fail := false
	hookErr := errors.New("disk full")
	store := NewStore(nil, WithCommitHook(func(_ context.Context, changes []domain.Change) error {
		if fail {
			return hookErr
		}
		seen = append(seen, changes...)
		return nil
	}))
	mustCreateItem(t, store, domain.StockItem{Name: "Vaccine", Category: domain.CategoryDrug, Unit: domain.UnitDose})
	if len(seen) != 1 || seen[0].Entity != domain.EntityStockItem || seen[0].Action != domain.ActionCreate {
		t.Fatalf("unexpected hook changes: %+v", seen)
	}

	fail = true
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateStockItem(domain.StockItem{Name: "Dropped", Category: domain.CategoryDrug, Unit: domain.UnitDose})
		return err
	})
	if !errors.Is(err, hookErr) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if len(store.ListStockItems()) != 1 {
		t.Fatalf("hook failure must abort the commit")
	}
}

func TestWithNowFuncStampsRecords(t *testing.T) {
	fixed := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	store := NewStore(nil, WithNowFunc(func() time.Time { return fixed }))
	item := mustCreateItem(t, store, domain.StockItem{Name: "Pellets", Category: domain.CategoryFeed, Unit: domain.UnitBag})
	if !item.CreatedAt.Equal(fixed) || !item.UpdatedAt.Equal(fixed) {
		t.Fatalf("expected fixed timestamps, got %v", item.CreatedAt)
	}
	err := store.View(context.Background(), func(view domain.TransactionView) error {
		if _, ok := view.FindStockItem(item.ID); !ok {
			t.Fatalf("view missing item")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}
