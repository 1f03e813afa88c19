package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	Now() time.Time
	FindStockItem(id string) (StockItem, bool)
	CreateStockItem(StockItem) (StockItem, error)
	// UpdateStockItem applies metadata changes; quantity, cost and version edits are discarded.
	UpdateStockItem(id string, mutator func(*StockItem) error) (StockItem, error)
	// SetBalance writes a new balance and cost when the stored version equals expectedVersion.
	SetBalance(id string, expectedVersion int64, quantity, costPerUnit decimal.Decimal) (StockItem, error)
	DeleteStockItem(id string) error
	AppendLedgerTransaction(LedgerTransaction) (LedgerTransaction, error)
	CreateAllocationEvent(AllocationEvent) (AllocationEvent, error)
	FindOpenAlert(itemID string, kind AlertKind) (StockAlert, bool)
	CreateAlert(StockAlert) (StockAlert, error)
	ResolveAlert(id string) (StockAlert, error)
	// UpdateAlertSeverity changes the severity of an open alert in place.
	UpdateAlertSeverity(id string, severity AlertSeverity) (StockAlert, error)
	PutPendingAllocation(PendingAllocation) error
	DeletePendingAllocation(eventID string) error
}

// TransactionView provides read-only access to snapshot data for rules.
type TransactionView interface {
	ListStockItems() []StockItem
	FindStockItem(id string) (StockItem, bool)
	ListLedgerTransactions(filter TransactionFilter) []LedgerTransaction
	ListAlerts() []StockAlert
	FindPendingAllocation(eventID string) (PendingAllocation, bool)
}

// TransactionFilter narrows ledger queries. Zero values match everything.
type TransactionFilter struct {
	ItemID  string
	EventID string
	Kind    TransactionKind
	From    *time.Time
	To      *time.Time
}

// Matches reports whether the entry satisfies the filter. From is inclusive, To exclusive.
func (f TransactionFilter) Matches(t LedgerTransaction) bool {
	if f.ItemID != "" && t.ItemID != f.ItemID {
		return false
	}
	if f.EventID != "" && !t.LinkedTo(f.EventID) {
		return false
	}
	if f.Kind != "" && t.Kind != f.Kind {
		return false
	}
	if f.From != nil && t.OccurredAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !t.OccurredAt.Before(*f.To) {
		return false
	}
	return true
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetStockItem(id string) (StockItem, bool)
	ListStockItems() []StockItem
	ListLedgerTransactions(filter TransactionFilter) []LedgerTransaction
	GetAllocationEvent(id string) (AllocationEvent, bool)
	ListAllocationEvents() []AllocationEvent
	ListAlerts() []StockAlert
	ListPendingAllocations() []PendingAllocation
}
