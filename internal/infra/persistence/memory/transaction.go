package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stockledger/pkg/domain"
)

// transaction stages writes over the committed state. Reads consult the
// staged maps first and fall back to the base state.
type transaction struct {
	store   *Store
	base    *memoryState
	now     time.Time
	changes []Change

	items   map[string]*StockItem
	ledger  []LedgerTransaction
	events  map[string]AllocationEvent
	alerts  map[string]StockAlert
	pending map[string]*PendingAllocation
}

func newTransaction(store *Store, base *memoryState, now time.Time) *transaction {
	return &transaction{
		store:   store,
		base:    base,
		now:     now,
		items:   make(map[string]*StockItem),
		events:  make(map[string]AllocationEvent),
		alerts:  make(map[string]StockAlert),
		pending: make(map[string]*PendingAllocation),
	}
}

// apply folds the staged writes into the base state. A nil staged item or
// pending entry marks a deletion.
func (tx *transaction) apply() {
	for id, item := range tx.items {
		if item == nil {
			delete(tx.base.items, id)
			continue
		}
		tx.base.items[id] = *item
	}
	for _, t := range tx.ledger {
		tx.base.appendLedger(t)
	}
	for id, e := range tx.events {
		tx.base.events[id] = e
	}
	for id, a := range tx.alerts {
		tx.base.alerts[id] = a
	}
	for id, p := range tx.pending {
		if p == nil {
			delete(tx.base.pending, id)
			continue
		}
		tx.base.pending[id] = *p
	}
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

func (tx *transaction) Snapshot() TransactionView {
	return transactionView{tx: tx}
}

func (tx *transaction) Now() time.Time {
	return tx.now
}

func (tx *transaction) lookupItem(id string) (StockItem, bool) {
	if staged, ok := tx.items[id]; ok {
		if staged == nil {
			return StockItem{}, false
		}
		return *staged, true
	}
	item, ok := tx.base.items[id]
	return item, ok
}

func (tx *transaction) FindStockItem(id string) (StockItem, bool) {
	item, ok := tx.lookupItem(id)
	if !ok {
		return StockItem{}, false
	}
	return cloneStockItem(item), true
}

func (tx *transaction) CreateStockItem(item StockItem) (StockItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if _, exists := tx.lookupItem(item.ID); exists {
		return StockItem{}, domain.ConflictError{ItemID: item.ID, Reason: "stock item already exists"}
	}
	if strings.TrimSpace(item.Name) == "" {
		return StockItem{}, domain.Invalid("name", "must not be empty")
	}
	if item.QuantityOnHand.IsNegative() {
		return StockItem{}, domain.Invalid("quantity_on_hand", "must not be negative")
	}
	item.CreatedAt = tx.now
	item.UpdatedAt = tx.now
	item.Version = 1
	staged := cloneStockItem(item)
	tx.items[item.ID] = &staged
	tx.recordChange(Change{Entity: domain.EntityStockItem, Action: domain.ActionCreate, After: cloneStockItem(item)})
	return cloneStockItem(item), nil
}

func (tx *transaction) UpdateStockItem(id string, mutator func(*StockItem) error) (StockItem, error) {
	current, ok := tx.lookupItem(id)
	if !ok {
		return StockItem{}, domain.NotFoundError{Entity: domain.EntityStockItem, ID: id}
	}
	before := cloneStockItem(current)
	updated := cloneStockItem(current)
	if err := mutator(&updated); err != nil {
		return StockItem{}, err
	}
	updated.ID = before.ID
	updated.CreatedAt = before.CreatedAt
	updated.QuantityOnHand = before.QuantityOnHand
	updated.CostPerUnit = before.CostPerUnit
	updated.Version = before.Version + 1
	updated.UpdatedAt = tx.now
	tx.items[id] = &updated
	tx.recordChange(Change{Entity: domain.EntityStockItem, Action: domain.ActionUpdate, Before: before, After: cloneStockItem(updated)})
	return cloneStockItem(updated), nil
}

func (tx *transaction) SetBalance(id string, expectedVersion int64, quantity, costPerUnit decimal.Decimal) (StockItem, error) {
	current, ok := tx.lookupItem(id)
	if !ok {
		return StockItem{}, domain.NotFoundError{Entity: domain.EntityStockItem, ID: id}
	}
	if current.Version != expectedVersion {
		return StockItem{}, domain.ConflictError{
			ItemID: id,
			Reason: fmt.Sprintf("version mismatch: expected %d, stored %d", expectedVersion, current.Version),
		}
	}
	if quantity.IsNegative() {
		return StockItem{}, domain.Invalid("quantity_on_hand", "must not be negative")
	}
	before := cloneStockItem(current)
	updated := cloneStockItem(current)
	updated.QuantityOnHand = quantity
	updated.CostPerUnit = costPerUnit
	updated.Version = before.Version + 1
	updated.UpdatedAt = tx.now
	tx.items[id] = &updated
	tx.recordChange(Change{Entity: domain.EntityStockItem, Action: domain.ActionUpdate, Before: before, After: cloneStockItem(updated)})
	return cloneStockItem(updated), nil
}

func (tx *transaction) DeleteStockItem(id string) error {
	current, ok := tx.lookupItem(id)
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityStockItem, ID: id}
	}
	if !current.QuantityOnHand.IsZero() {
		return domain.ConflictError{ItemID: id, Reason: "stock item still carries a balance"}
	}
	tx.items[id] = nil
	tx.recordChange(Change{Entity: domain.EntityStockItem, Action: domain.ActionDelete, Before: cloneStockItem(current)})
	return nil
}

func (tx *transaction) ledgerExists(id string) bool {
	if _, ok := tx.base.ledgerX[id]; ok {
		return true
	}
	for _, t := range tx.ledger {
		if t.ID == id {
			return true
		}
	}
	return false
}

func (tx *transaction) AppendLedgerTransaction(t LedgerTransaction) (LedgerTransaction, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if tx.ledgerExists(t.ID) {
		return LedgerTransaction{}, domain.ConflictError{ItemID: t.ItemID, Reason: "ledger transaction " + t.ID + " already recorded"}
	}
	if t.ItemID == "" {
		return LedgerTransaction{}, domain.Invalid("item_id", "must not be empty")
	}
	if t.OccurredAt.IsZero() {
		t.OccurredAt = tx.now
	}
	tx.ledger = append(tx.ledger, cloneLedgerTransaction(t))
	tx.recordChange(Change{Entity: domain.EntityLedgerTransaction, Action: domain.ActionCreate, After: cloneLedgerTransaction(t)})
	return cloneLedgerTransaction(t), nil
}

func (tx *transaction) CreateAllocationEvent(e AllocationEvent) (AllocationEvent, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if _, ok := tx.events[e.ID]; ok {
		return AllocationEvent{}, domain.ConflictError{ItemID: e.ID, Reason: "allocation event already finalized"}
	}
	if _, ok := tx.base.events[e.ID]; ok {
		return AllocationEvent{}, domain.ConflictError{ItemID: e.ID, Reason: "allocation event already finalized"}
	}
	e.CreatedAt = tx.now
	e.UpdatedAt = tx.now
	tx.events[e.ID] = cloneAllocationEvent(e)
	tx.recordChange(Change{Entity: domain.EntityAllocationEvent, Action: domain.ActionCreate, After: cloneAllocationEvent(e)})
	return cloneAllocationEvent(e), nil
}

func (tx *transaction) lookupAlert(id string) (StockAlert, bool) {
	if a, ok := tx.alerts[id]; ok {
		return a, true
	}
	a, ok := tx.base.alerts[id]
	return a, ok
}

func (tx *transaction) FindOpenAlert(itemID string, kind domain.AlertKind) (StockAlert, bool) {
	for _, a := range tx.alerts {
		if a.ItemID == itemID && a.Kind == kind && a.Open() {
			return cloneAlert(a), true
		}
	}
	for id, a := range tx.base.alerts {
		if _, staged := tx.alerts[id]; staged {
			continue
		}
		if a.ItemID == itemID && a.Kind == kind && a.Open() {
			return cloneAlert(a), true
		}
	}
	return StockAlert{}, false
}

func (tx *transaction) CreateAlert(a StockAlert) (StockAlert, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if _, ok := tx.lookupAlert(a.ID); ok {
		return StockAlert{}, domain.ConflictError{ItemID: a.ItemID, Reason: "alert " + a.ID + " already exists"}
	}
	if existing, ok := tx.FindOpenAlert(a.ItemID, a.Kind); ok {
		return StockAlert{}, domain.ConflictError{ItemID: a.ItemID, Reason: "open " + string(a.Kind) + " alert " + existing.ID + " already exists"}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = tx.now
	}
	a.ResolvedAt = nil
	tx.alerts[a.ID] = cloneAlert(a)
	tx.recordChange(Change{Entity: domain.EntityStockAlert, Action: domain.ActionCreate, After: cloneAlert(a)})
	return cloneAlert(a), nil
}

func (tx *transaction) ResolveAlert(id string) (StockAlert, error) {
	current, ok := tx.lookupAlert(id)
	if !ok {
		return StockAlert{}, domain.NotFoundError{Entity: domain.EntityStockAlert, ID: id}
	}
	if !current.Open() {
		return cloneAlert(current), nil
	}
	before := cloneAlert(current)
	resolved := cloneAlert(current)
	at := tx.now
	resolved.ResolvedAt = &at
	tx.alerts[id] = resolved
	tx.recordChange(Change{Entity: domain.EntityStockAlert, Action: domain.ActionUpdate, Before: before, After: cloneAlert(resolved)})
	return cloneAlert(resolved), nil
}

func (tx *transaction) UpdateAlertSeverity(id string, severity domain.AlertSeverity) (StockAlert, error) {
	current, ok := tx.lookupAlert(id)
	if !ok {
		return StockAlert{}, domain.NotFoundError{Entity: domain.EntityStockAlert, ID: id}
	}
	if !current.Open() {
		return StockAlert{}, domain.ConflictError{ItemID: current.ItemID, Reason: "alert " + id + " is resolved"}
	}
	if current.Severity == severity {
		return cloneAlert(current), nil
	}
	before := cloneAlert(current)
	updated := cloneAlert(current)
	updated.Severity = severity
	tx.alerts[id] = updated
	tx.recordChange(Change{Entity: domain.EntityStockAlert, Action: domain.ActionUpdate, Before: before, After: cloneAlert(updated)})
	return cloneAlert(updated), nil
}

func (tx *transaction) PutPendingAllocation(p PendingAllocation) error {
	if p.EventID == "" {
		return domain.Invalid("event_id", "must not be empty")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = tx.now
	}
	action := domain.ActionCreate
	var before any
	if existing, ok := tx.lookupPending(p.EventID); ok {
		action = domain.ActionUpdate
		before = clonePending(existing)
	}
	staged := clonePending(p)
	tx.pending[p.EventID] = &staged
	tx.recordChange(Change{Entity: domain.EntityPendingAllocation, Action: action, Before: before, After: clonePending(p)})
	return nil
}

func (tx *transaction) lookupPending(eventID string) (PendingAllocation, bool) {
	if staged, ok := tx.pending[eventID]; ok {
		if staged == nil {
			return PendingAllocation{}, false
		}
		return *staged, true
	}
	p, ok := tx.base.pending[eventID]
	return p, ok
}

func (tx *transaction) DeletePendingAllocation(eventID string) error {
	existing, ok := tx.lookupPending(eventID)
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityPendingAllocation, ID: eventID}
	}
	tx.pending[eventID] = nil
	tx.recordChange(Change{Entity: domain.EntityPendingAllocation, Action: domain.ActionDelete, Before: clonePending(existing)})
	return nil
}

// transactionView exposes the staged state of a transaction to rules.
type transactionView struct {
	tx *transaction
}

func (v transactionView) ListStockItems() []StockItem {
	out := make([]StockItem, 0, len(v.tx.base.items)+len(v.tx.items))
	for id, item := range v.tx.base.items {
		if _, staged := v.tx.items[id]; staged {
			continue
		}
		out = append(out, cloneStockItem(item))
	}
	for _, item := range v.tx.items {
		if item != nil {
			out = append(out, cloneStockItem(*item))
		}
	}
	sortItems(out)
	return out
}

func (v transactionView) FindStockItem(id string) (StockItem, bool) {
	return v.tx.FindStockItem(id)
}

func (v transactionView) ListLedgerTransactions(filter domain.TransactionFilter) []LedgerTransaction {
	out := v.tx.base.filterLedger(filter)
	for _, t := range v.tx.ledger {
		if filter.Matches(t) {
			out = append(out, cloneLedgerTransaction(t))
		}
	}
	return out
}

func (v transactionView) FindPendingAllocation(eventID string) (PendingAllocation, bool) {
	p, ok := v.tx.lookupPending(eventID)
	if !ok {
		return PendingAllocation{}, false
	}
	return clonePending(p), true
}

func (v transactionView) ListAlerts() []StockAlert {
	out := make([]StockAlert, 0, len(v.tx.base.alerts)+len(v.tx.alerts))
	for id, a := range v.tx.base.alerts {
		if _, staged := v.tx.alerts[id]; staged {
			continue
		}
		out = append(out, cloneAlert(a))
	}
	for _, a := range v.tx.alerts {
		out = append(out, cloneAlert(a))
	}
	sortAlerts(out)
	return out
}
