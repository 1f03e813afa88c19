package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stockledger/pkg/domain"
)

const testOperator = "tester"

var testEpoch = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

// steppingClock advances by one millisecond per reading so ledger times are distinct.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newSteppingClock() *steppingClock { return &steppingClock{now: testEpoch} }

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type logRecord struct {
	level string
	msg   string
	args  []any
}

type captureLogger struct {
	mu      sync.Mutex
	records []logRecord
}

func (l *captureLogger) add(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, logRecord{level: level, msg: msg, args: args})
}

func (l *captureLogger) Debug(msg string, args ...any) { l.add("debug", msg, args) }
func (l *captureLogger) Info(msg string, args ...any)  { l.add("info", msg, args) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.add("warn", msg, args) }
func (l *captureLogger) Error(msg string, args ...any) { l.add("error", msg, args) }

func (l *captureLogger) count(level, msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.records {
		if r.level == level && r.msg == msg {
			n++
		}
	}
	return n
}

type captureAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *captureAudit) Record(_ context.Context, e AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *captureAudit) snapshot() []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AuditEntry(nil), a.entries...)
}

type metricCall struct {
	operation string
	success   bool
}

type captureMetrics struct {
	mu    sync.Mutex
	calls []metricCall
}

func (m *captureMetrics) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, metricCall{operation: op, success: success})
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func newTestService(t *testing.T, opts ...ServiceOption) *Service {
	t.Helper()
	base := []ServiceOption{WithClock(newSteppingClock())}
	return NewInMemoryService(nil, append(base, opts...)...)
}

func mustCreateItem(t *testing.T, svc *Service, name string, qty, cost, reorder string) domain.StockItem {
	t.Helper()
	item, err := svc.CreateItem(context.Background(), domain.StockItem{
		Name:           name,
		Category:       domain.CategoryDrug,
		SubKind:        domain.SubKindAntibiotic,
		Unit:           domain.UnitMilliliter,
		QuantityOnHand: dec(qty),
		CostPerUnit:    dec(cost),
		ReorderPoint:   dec(reorder),
	}, testOperator)
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return item
}

func mustGetItem(t *testing.T, svc *Service, id string) domain.StockItem {
	t.Helper()
	item, err := svc.GetItem(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return item
}

func requireQuantity(t *testing.T, svc *Service, id, want string) {
	t.Helper()
	got := mustGetItem(t, svc, id).QuantityOnHand
	if !got.Equal(dec(want)) {
		t.Fatalf("item %s quantity = %s, want %s", id, got, want)
	}
}

// requireLedgerConserved checks that every item's ledger replays to its balance.
func requireLedgerConserved(t *testing.T, svc *Service) {
	t.Helper()
	for _, item := range svc.ListItems(context.Background()) {
		entries, err := svc.GetTransactions(context.Background(), domain.TransactionFilter{ItemID: item.ID})
		if err != nil {
			t.Fatalf("transactions: %v", err)
		}
		sum := decimal.Zero
		prev := decimal.Zero
		for i, e := range entries {
			if !e.Balanced() {
				t.Fatalf("entry %s does not balance", e.ID)
			}
			if !e.QuantityBefore.Equal(prev) {
				t.Fatalf("entry %d of %s starts at %s, previous ended at %s", i, item.Name, e.QuantityBefore, prev)
			}
			sum = sum.Add(e.QuantityChange)
			prev = e.QuantityAfter
		}
		if !sum.Equal(item.QuantityOnHand) {
			t.Fatalf("ledger for %s sums to %s, balance is %s", item.Name, sum, item.QuantityOnHand)
		}
	}
}

func itemName(i int) string { return fmt.Sprintf("item-%02d", i) }
