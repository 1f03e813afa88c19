// Package memory provides an in-memory implementation of the core persistence
// store used for tests, ephemeral environments, and as the working set of the
// SQL-backed stores.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"stockledger/pkg/domain"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// StockItem aliases domain.StockItem for in-memory persistence operations.
	StockItem = domain.StockItem
	// LedgerTransaction aliases domain.LedgerTransaction.
	LedgerTransaction = domain.LedgerTransaction
	// AllocationEvent aliases domain.AllocationEvent.
	AllocationEvent = domain.AllocationEvent
	// StockAlert aliases domain.StockAlert.
	StockAlert = domain.StockAlert
	// PendingAllocation aliases domain.PendingAllocation.
	PendingAllocation = domain.PendingAllocation
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

// CommitHook persists the change set of a transaction before it becomes
// visible in memory. A hook error aborts the commit.
type CommitHook func(ctx context.Context, changes []Change) error

type memoryState struct {
	items   map[string]StockItem
	ledger  []LedgerTransaction
	ledgerX map[string]int
	byItem  map[string][]int
	events  map[string]AllocationEvent
	alerts  map[string]StockAlert
	pending map[string]PendingAllocation
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Items   map[string]StockItem         `json:"items"`
	Ledger  []LedgerTransaction          `json:"ledger"`
	Events  map[string]AllocationEvent   `json:"events"`
	Alerts  map[string]StockAlert        `json:"alerts"`
	Pending map[string]PendingAllocation `json:"pending"`
}

func newMemoryState() memoryState {
	return memoryState{
		items:   make(map[string]StockItem),
		ledgerX: make(map[string]int),
		byItem:  make(map[string][]int),
		events:  make(map[string]AllocationEvent),
		alerts:  make(map[string]StockAlert),
		pending: make(map[string]PendingAllocation),
	}
}

func (s *memoryState) appendLedger(t LedgerTransaction) {
	idx := len(s.ledger)
	s.ledger = append(s.ledger, cloneLedgerTransaction(t))
	s.ledgerX[t.ID] = idx
	s.byItem[t.ItemID] = append(s.byItem[t.ItemID], idx)
}

func (s *memoryState) filterLedger(filter domain.TransactionFilter) []LedgerTransaction {
	var out []LedgerTransaction
	if filter.ItemID != "" {
		for _, idx := range s.byItem[filter.ItemID] {
			if t := s.ledger[idx]; filter.Matches(t) {
				out = append(out, cloneLedgerTransaction(t))
			}
		}
		return out
	}
	for _, t := range s.ledger {
		if filter.Matches(t) {
			out = append(out, cloneLedgerTransaction(t))
		}
	}
	return out
}

func snapshotFromMemoryState(state *memoryState) Snapshot {
	s := Snapshot{
		Items:   make(map[string]StockItem, len(state.items)),
		Ledger:  make([]LedgerTransaction, 0, len(state.ledger)),
		Events:  make(map[string]AllocationEvent, len(state.events)),
		Alerts:  make(map[string]StockAlert, len(state.alerts)),
		Pending: make(map[string]PendingAllocation, len(state.pending)),
	}
	for k, v := range state.items {
		s.Items[k] = cloneStockItem(v)
	}
	for _, t := range state.ledger {
		s.Ledger = append(s.Ledger, cloneLedgerTransaction(t))
	}
	for k, v := range state.events {
		s.Events[k] = cloneAllocationEvent(v)
	}
	for k, v := range state.alerts {
		s.Alerts[k] = cloneAlert(v)
	}
	for k, v := range state.pending {
		s.Pending[k] = clonePending(v)
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range s.Items {
		state.items[k] = cloneStockItem(v)
	}
	for _, t := range s.Ledger {
		if _, dup := state.ledgerX[t.ID]; dup {
			continue
		}
		state.appendLedger(t)
	}
	for k, v := range s.Events {
		state.events[k] = cloneAllocationEvent(v)
	}
	for k, v := range s.Alerts {
		state.alerts[k] = cloneAlert(v)
	}
	for k, v := range s.Pending {
		state.pending[k] = clonePending(v)
	}
	return state
}

func cloneStockItem(s StockItem) StockItem {
	cp := s
	if s.ExpirationDate != nil {
		t := *s.ExpirationDate
		cp.ExpirationDate = &t
	}
	if s.LotNumber != nil {
		lot := *s.LotNumber
		cp.LotNumber = &lot
	}
	if s.WithdrawalPeriodDays != nil {
		days := *s.WithdrawalPeriodDays
		cp.WithdrawalPeriodDays = &days
	}
	return cp
}

func cloneLedgerTransaction(t LedgerTransaction) LedgerTransaction {
	cp := t
	if t.Link != nil {
		link := *t.Link
		cp.Link = &link
	}
	return cp
}

func cloneAllocationEvent(e AllocationEvent) AllocationEvent {
	cp := e
	cp.Lines = append([]domain.AllocationLine(nil), e.Lines...)
	if e.Subjects != nil {
		cp.Subjects = make([]domain.SubjectTreatment, len(e.Subjects))
		for i, st := range e.Subjects {
			cp.Subjects[i] = st
			if st.WithdrawalUntil != nil {
				until := *st.WithdrawalUntil
				cp.Subjects[i].WithdrawalUntil = &until
			}
		}
	}
	return cp
}

func cloneAlert(a StockAlert) StockAlert {
	cp := a
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return cp
}

func clonePending(p PendingAllocation) PendingAllocation {
	cp := p
	cp.Lines = append([]domain.PendingLine(nil), p.Lines...)
	cp.Subjects = append([]domain.SubjectDose(nil), p.Subjects...)
	return cp
}

// Option configures a Store.
type Option func(*Store)

// WithCommitHook installs a hook invoked with the change set of each
// transaction while the store lock is held, before state is swapped.
func WithCommitHook(hook CommitHook) Option {
	return func(s *Store) { s.hook = hook }
}

// WithNowFunc overrides the clock used to stamp records.
func WithNowFunc(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

// Store provides an in-memory transactional store for the stock ledger.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
	hook   CommitHook
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetCommitHook replaces the commit hook. Used by wrapping backends after hydration.
func (s *Store) SetCommitHook(hook CommitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(&s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// RunInTransaction executes fn against a staged overlay of the store state.
// Staged writes become visible only if fn succeeds, no rule blocks, and the
// commit hook (if any) accepts the change set.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newTransaction(s, &s.state, s.nowFn())
	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, transactionView{tx: tx}, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	if s.hook != nil && len(tx.changes) > 0 {
		if err := s.hook(ctx, tx.changes); err != nil {
			return result, err
		}
	}
	tx.apply()
	return result, nil
}

// View executes fn against the committed state under a read lock. The view
// must not be retained after fn returns.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(committedView{state: &s.state})
}

// GetStockItem retrieves an item by ID from committed state.
func (s *Store) GetStockItem(id string) (StockItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.state.items[id]
	if !ok {
		return StockItem{}, false
	}
	return cloneStockItem(item), true
}

// ListStockItems returns all items ordered by ID.
func (s *Store) ListStockItems() []StockItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return committedView{state: &s.state}.ListStockItems()
}

// ListLedgerTransactions returns committed ledger entries in commit order.
func (s *Store) ListLedgerTransactions(filter domain.TransactionFilter) []LedgerTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.filterLedger(filter)
}

// GetAllocationEvent retrieves a finalized event.
func (s *Store) GetAllocationEvent(id string) (AllocationEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.state.events[id]
	if !ok {
		return AllocationEvent{}, false
	}
	return cloneAllocationEvent(e), true
}

// ListAllocationEvents returns finalized events ordered by date then ID.
func (s *Store) ListAllocationEvents() []AllocationEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AllocationEvent, 0, len(s.state.events))
	for _, e := range s.state.events {
		out = append(out, cloneAllocationEvent(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListAlerts returns all persisted alerts, open and resolved.
func (s *Store) ListAlerts() []StockAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return committedView{state: &s.state}.ListAlerts()
}

// ListPendingAllocations returns checkpoints ordered by creation time.
func (s *Store) ListPendingAllocations() []PendingAllocation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PendingAllocation, 0, len(s.state.pending))
	for _, p := range s.state.pending {
		out = append(out, clonePending(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].EventID < out[j].EventID
	})
	return out
}

type committedView struct {
	state *memoryState
}

func (v committedView) ListStockItems() []StockItem {
	out := make([]StockItem, 0, len(v.state.items))
	for _, item := range v.state.items {
		out = append(out, cloneStockItem(item))
	}
	sortItems(out)
	return out
}

func sortItems(items []StockItem) {
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
}

func (v committedView) FindStockItem(id string) (StockItem, bool) {
	item, ok := v.state.items[id]
	if !ok {
		return StockItem{}, false
	}
	return cloneStockItem(item), true
}

func (v committedView) ListLedgerTransactions(filter domain.TransactionFilter) []LedgerTransaction {
	return v.state.filterLedger(filter)
}

func (v committedView) ListAlerts() []StockAlert {
	out := make([]StockAlert, 0, len(v.state.alerts))
	for _, a := range v.state.alerts {
		out = append(out, cloneAlert(a))
	}
	sortAlerts(out)
	return out
}

func (v committedView) FindPendingAllocation(eventID string) (PendingAllocation, bool) {
	p, ok := v.state.pending[eventID]
	if !ok {
		return PendingAllocation{}, false
	}
	return clonePending(p), true
}

func sortAlerts(alerts []StockAlert) {
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
		}
		return alerts[i].ID < alerts[j].ID
	})
}
