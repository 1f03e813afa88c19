package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"stockledger/internal/infra/persistence/postgres/testutil"
	"stockledger/internal/infra/persistence/sqlstate"
	"stockledger/pkg/domain"
)

func openStub(t *testing.T) (*sql.DB, *testutil.StubConn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)
	return db, conn
}

func TestNewStoreAppliesSchema(t *testing.T) {
	_, conn := openStub(t)
	if _, err := NewStore(context.Background(), "", domain.NewRulesEngine()); err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	var created []string
	for _, stmt := range conn.Execs {
		if strings.HasPrefix(stmt, "CREATE TABLE") {
			created = append(created, stmt)
		}
	}
	if len(created) != 5 {
		t.Fatalf("expected 5 tables, got %d: %v", len(created), conn.Execs)
	}
	for _, stmt := range created {
		if !strings.Contains(stmt, "JSONB") {
			t.Fatalf("expected JSONB payload column: %s", stmt)
		}
	}
}

func TestRunInTransactionPersistsAndReloads(t *testing.T) {
	ctx := context.Background()
	_, conn := openStub(t)
	store, err := NewStore(ctx, "ignored", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	var itemID string
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		item, err := tx.CreateStockItem(domain.StockItem{Name: "Penicillin", Category: domain.CategoryDrug, Unit: domain.UnitMilliliter})
		if err != nil {
			return err
		}
		itemID = item.ID
		if _, err := tx.SetBalance(item.ID, item.Version, decimal.NewFromInt(500), decimal.RequireFromString("0.12")); err != nil {
			return err
		}
		_, err = tx.AppendLedgerTransaction(domain.LedgerTransaction{
			ItemID: item.ID, Kind: domain.KindPurchase,
			QuantityBefore: decimal.Zero, QuantityChange: decimal.NewFromInt(500), QuantityAfter: decimal.NewFromInt(500),
		})
		return err
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := len(conn.Rows(sqlstate.TableStockItems)); got != 1 {
		t.Fatalf("expected one upserted item row, got %d", got)
	}
	if got := len(conn.Rows(sqlstate.TableLedger)); got != 1 {
		t.Fatalf("expected one ledger row, got %d", got)
	}
	if conn.Commits != 1 {
		t.Fatalf("expected a single SQL commit per store transaction, got %d", conn.Commits)
	}

	reloaded, err := NewStore(ctx, "ignored", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	item, ok := reloaded.GetStockItem(itemID)
	if !ok {
		t.Fatalf("expected item after reload")
	}
	if !item.QuantityOnHand.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("unexpected quantity %s", item.QuantityOnHand)
	}
	if got := len(reloaded.ListLedgerTransactions(domain.TransactionFilter{ItemID: itemID})); got != 1 {
		t.Fatalf("expected ledger reloaded, got %d", got)
	}
}

func TestCommitFailureLeavesMemoryUntouched(t *testing.T) {
	ctx := context.Background()
	_, conn := openStub(t)
	store, err := NewStore(ctx, "", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	conn.FailCommit = true
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateStockItem(domain.StockItem{Name: "Hay", Category: domain.CategoryFeed, Unit: domain.UnitBale})
		return err
	})
	if err == nil {
		t.Fatalf("expected commit error")
	}
	if len(store.ListStockItems()) != 0 {
		t.Fatalf("memory state must not advance when SQL commit fails")
	}
}

func TestPendingDeletePropagates(t *testing.T) {
	ctx := context.Background()
	_, conn := openStub(t)
	store, err := NewStore(ctx, "", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.PutPendingAllocation(domain.PendingAllocation{EventID: "evt-1", Kind: domain.EventFeeding})
	}); err != nil {
		t.Fatalf("put pending: %v", err)
	}
	if len(conn.Rows(sqlstate.TablePending)) != 1 {
		t.Fatalf("expected pending row")
	}
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.DeletePendingAllocation("evt-1")
	}); err != nil {
		t.Fatalf("delete pending: %v", err)
	}
	if len(conn.Rows(sqlstate.TablePending)) != 0 {
		t.Fatalf("expected pending row removed")
	}
}

func TestNewStoreErrors(t *testing.T) {
	ctx := context.Background()
	openErr := errors.New("dial")
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return nil, openErr })
	if _, err := NewStore(ctx, "", nil); !errors.Is(err, openErr) {
		t.Fatalf("expected open error, got %v", err)
	}
	restore()

	_, conn := openStub(t)
	conn.FailPing = true
	if _, err := NewStore(ctx, "", nil); err == nil || !strings.Contains(err.Error(), "ping") {
		t.Fatalf("expected ping error, got %v", err)
	}

	_, conn = openStub(t)
	conn.FailExec = true
	if _, err := NewStore(ctx, "", nil); err == nil || !strings.Contains(err.Error(), "ddl") {
		t.Fatalf("expected ddl error, got %v", err)
	}
}
