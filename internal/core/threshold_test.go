package core

import (
	"context"
	"testing"
	"time"

	"stockledger/pkg/domain"
)

func TestEvaluateThresholds(t *testing.T) {
	now := testEpoch
	past := now.Add(-time.Hour)
	soon := now.Add(10 * 24 * time.Hour)
	later := now.Add(90 * 24 * time.Hour)
	items := []domain.StockItem{
		{Base: domain.Base{ID: "a"}, Name: "Plenty", QuantityOnHand: dec("50"), ReorderPoint: dec("10"), ExpirationDate: &later},
		{Base: domain.Base{ID: "b"}, Name: "Low", QuantityOnHand: dec("10"), ReorderPoint: dec("10")},
		{Base: domain.Base{ID: "c"}, Name: "Empty", QuantityOnHand: dec("0"), ReorderPoint: dec("5")},
		{Base: domain.Base{ID: "d"}, Name: "Stale", QuantityOnHand: dec("40"), ReorderPoint: dec("1"), ExpirationDate: &past},
		{Base: domain.Base{ID: "e"}, Name: "Soon", QuantityOnHand: dec("40"), ReorderPoint: dec("1"), ExpirationDate: &soon},
	}
	snapshot := append([]domain.StockItem(nil), items...)

	alerts := EvaluateThresholds(items, now, DefaultExpiryHorizon)
	type key struct {
		item string
		kind domain.AlertKind
	}
	got := make(map[key]domain.AlertSeverity)
	for _, a := range alerts {
		got[key{a.ItemID, a.Kind}] = a.Severity
	}
	want := map[key]domain.AlertSeverity{
		{"b", domain.AlertLowStock}:     domain.AlertWarning,
		{"c", domain.AlertLowStock}:     domain.AlertCritical,
		{"d", domain.AlertExpired}:      domain.AlertCritical,
		{"e", domain.AlertExpiringSoon}: domain.AlertWarning,
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d alerts, got %+v", len(want), alerts)
	}
	for k, sev := range want {
		if got[k] != sev {
			t.Fatalf("alert %v: expected %s, got %q", k, sev, got[k])
		}
	}
	for i := 1; i < len(alerts); i++ {
		if alerts[i-1].Severity.Rank() > alerts[i].Severity.Rank() {
			t.Fatalf("alerts not ordered by severity: %+v", alerts)
		}
	}
	for i := range items {
		if !items[i].QuantityOnHand.Equal(snapshot[i].QuantityOnHand) {
			t.Fatalf("EvaluateThresholds mutated its input")
		}
	}
}

func TestLowStockAlertLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	item := mustCreateItem(t, svc, "Calf starter", "12", "1.2", "10")

	if _, err := svc.Deduct(ctx, item.ID, dec("5"), "", testOperator, nil); err != nil {
		t.Fatalf("deduct: %v", err)
	}
	alerts, err := svc.GetActiveAlerts(ctx)
	if err != nil {
		t.Fatalf("alerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Kind != domain.AlertLowStock || alerts[0].ID == "" {
		t.Fatalf("expected one persisted low_stock alert at 7, got %+v", alerts)
	}
	opened := alerts[0]

	// Dropping further keeps the same alert open rather than stacking another.
	if _, err := svc.Deduct(ctx, item.ID, dec("1"), "", testOperator, nil); err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if history := svc.GetAlertHistory(ctx); len(history) != 1 {
		t.Fatalf("expected a single alert record, got %d", len(history))
	}

	if _, err := svc.Add(ctx, item.ID, dec("11"), "delivery", testOperator, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	requireQuantity(t, svc, item.ID, "17")
	if alerts, _ = svc.GetActiveAlerts(ctx); len(alerts) != 0 {
		t.Fatalf("alert should resolve above the reorder point, got %+v", alerts)
	}
	history := svc.GetAlertHistory(ctx)
	if len(history) != 1 || history[0].ID != opened.ID || history[0].ResolvedAt == nil {
		t.Fatalf("expected the original alert to be resolved, got %+v", history)
	}
}

func TestLowStockAlertSeverityTracksQuantity(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	item := mustCreateItem(t, svc, "Mineral block", "12", "3", "10")

	activeLowStock := func(want domain.AlertSeverity) domain.StockAlert {
		t.Helper()
		alerts, err := svc.GetActiveAlerts(ctx)
		if err != nil {
			t.Fatalf("alerts: %v", err)
		}
		if len(alerts) != 1 || alerts[0].Kind != domain.AlertLowStock {
			t.Fatalf("expected one low_stock alert, got %+v", alerts)
		}
		if alerts[0].Severity != want {
			t.Fatalf("expected severity %s, got %s", want, alerts[0].Severity)
		}
		return alerts[0]
	}

	if _, err := svc.Deduct(ctx, item.ID, dec("5"), "", testOperator, nil); err != nil {
		t.Fatalf("deduct: %v", err)
	}
	opened := activeLowStock(domain.AlertWarning)

	if _, err := svc.Deduct(ctx, item.ID, dec("7"), "", testOperator, nil); err != nil {
		t.Fatalf("deduct: %v", err)
	}
	requireQuantity(t, svc, item.ID, "0")
	if got := activeLowStock(domain.AlertCritical); got.ID != opened.ID {
		t.Fatalf("severity change should update alert %s in place, got %s", opened.ID, got.ID)
	}

	if _, err := svc.Adjust(ctx, item.ID, dec("5"), "recount", testOperator); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if got := activeLowStock(domain.AlertWarning); got.ID != opened.ID {
		t.Fatalf("severity change should update alert %s in place, got %s", opened.ID, got.ID)
	}
	history := svc.GetAlertHistory(ctx)
	if len(history) != 1 || history[0].Severity != domain.AlertWarning || history[0].ResolvedAt != nil {
		t.Fatalf("expected a single open warning alert in history, got %+v", history)
	}
}

func TestActiveAlertsIncludeExpiry(t *testing.T) {
	clock := newSteppingClock()
	svc := NewInMemoryService(nil, WithClock(clock), WithExpiryHorizon(7*24*time.Hour))
	ctx := context.Background()
	expired := testEpoch.Add(-48 * time.Hour)
	inThreeDays := testEpoch.Add(72 * time.Hour)
	inTwoWeeks := testEpoch.Add(14 * 24 * time.Hour)

	for name, exp := range map[string]time.Time{"expired": expired, "soon": inThreeDays, "fine": inTwoWeeks} {
		exp := exp
		if _, err := svc.CreateItem(ctx, domain.StockItem{
			Name:           name,
			Category:       domain.CategoryDrug,
			SubKind:        domain.SubKindVaccine,
			Unit:           domain.UnitDose,
			QuantityOnHand: dec("10"),
			ExpirationDate: &exp,
		}, testOperator); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}

	alerts, err := svc.GetActiveAlerts(ctx)
	if err != nil {
		t.Fatalf("alerts: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("expected expired and expiring_soon alerts, got %+v", alerts)
	}
	if alerts[0].Kind != domain.AlertExpired || alerts[0].ItemName != "expired" {
		t.Fatalf("expired alert should sort first, got %+v", alerts[0])
	}
	if alerts[1].Kind != domain.AlertExpiringSoon || alerts[1].ItemName != "soon" {
		t.Fatalf("unexpected second alert %+v", alerts[1])
	}
	if n := len(svc.GetAlertHistory(ctx)); n != 0 {
		t.Fatalf("expiry alerts are derived and must not be persisted, found %d", n)
	}
}
