// Package domain defines the core persistent entities, value types, and
// rule evaluation primitives used by stockledger.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityStockItem identifies a stock balance record.
	EntityStockItem EntityType = "stock_item"
	// EntityLedgerTransaction identifies an immutable ledger entry.
	EntityLedgerTransaction EntityType = "ledger_transaction"
	// EntityAllocationEvent identifies a finalized consumption event.
	EntityAllocationEvent EntityType = "allocation_event"
	// EntityStockAlert identifies a persisted low-stock alert.
	EntityStockAlert EntityType = "stock_alert"
	// EntityPendingAllocation identifies an allocation checkpoint awaiting finalization.
	EntityPendingAllocation EntityType = "pending_allocation"
)

// Category groups stock items by consumable family.
type Category string

// Stock categories.
const (
	CategoryDrug       Category = "drug"
	CategoryFeed       Category = "feed"
	CategorySupplement Category = "supplement"
)

// SubKind refines a Category.
type SubKind string

// Drug sub-kinds.
const (
	SubKindAntibiotic       SubKind = "antibiotic"
	SubKindVaccine          SubKind = "vaccine"
	SubKindAntiInflammatory SubKind = "anti_inflammatory"
	SubKindAntiparasitic    SubKind = "antiparasitic"
	SubKindHormone          SubKind = "hormone"
)

// Feed sub-kinds.
const (
	SubKindHay         SubKind = "hay"
	SubKindGrain       SubKind = "grain"
	SubKindSilage      SubKind = "silage"
	SubKindPellet      SubKind = "pellet"
	SubKindConcentrate SubKind = "concentrate"
)

// Supplement sub-kinds.
const (
	SubKindMineral     SubKind = "mineral"
	SubKindVitamin     SubKind = "vitamin"
	SubKindProtein     SubKind = "protein"
	SubKindElectrolyte SubKind = "electrolyte"
)

// SubKindOther is accepted for every category.
const SubKindOther SubKind = "other"

var categorySubKinds = map[Category][]SubKind{
	CategoryDrug:       {SubKindAntibiotic, SubKindVaccine, SubKindAntiInflammatory, SubKindAntiparasitic, SubKindHormone, SubKindOther},
	CategoryFeed:       {SubKindHay, SubKindGrain, SubKindSilage, SubKindPellet, SubKindConcentrate, SubKindOther},
	CategorySupplement: {SubKindMineral, SubKindVitamin, SubKindProtein, SubKindElectrolyte, SubKindOther},
}

// Valid reports whether the category is known.
func (c Category) Valid() bool {
	_, ok := categorySubKinds[c]
	return ok
}

// Allows reports whether sub is a legal sub-kind of c. An empty sub-kind is allowed.
func (c Category) Allows(sub SubKind) bool {
	if sub == "" {
		return c.Valid()
	}
	for _, candidate := range categorySubKinds[c] {
		if candidate == sub {
			return true
		}
	}
	return false
}

// Unit is the measure a stock balance is counted in.
type Unit string

// Supported units of measure.
const (
	UnitMilliliter Unit = "ml"
	UnitLiter      Unit = "l"
	UnitGram       Unit = "g"
	UnitKilogram   Unit = "kg"
	UnitPound      Unit = "lb"
	UnitTon        Unit = "ton"
	UnitDose       Unit = "dose"
	UnitTablet     Unit = "tablet"
	UnitBag        Unit = "bag"
	UnitBale       Unit = "bale"
	UnitEach       Unit = "each"
)

var knownUnits = map[Unit]struct{}{
	UnitMilliliter: {}, UnitLiter: {}, UnitGram: {}, UnitKilogram: {}, UnitPound: {},
	UnitTon: {}, UnitDose: {}, UnitTablet: {}, UnitBag: {}, UnitBale: {}, UnitEach: {},
}

// Valid reports whether the unit is one of the supported measures.
func (u Unit) Valid() bool {
	_, ok := knownUnits[u]
	return ok
}

// TransactionKind classifies a ledger entry.
type TransactionKind string

// Ledger transaction kinds.
const (
	KindPurchase   TransactionKind = "purchase"
	KindUsage      TransactionKind = "usage"
	KindAdjustment TransactionKind = "adjustment"
	KindWaste      TransactionKind = "waste"
	KindReturn     TransactionKind = "return"
	KindTransfer   TransactionKind = "transfer"
)

// EventKind identifies the business event that consumed stock.
type EventKind string

// Allocation event kinds.
const (
	EventFeeding       EventKind = "feeding"
	EventTreatment     EventKind = "treatment"
	EventBulkTreatment EventKind = "bulk_treatment"
)

// Valid reports whether the event kind is known.
func (k EventKind) Valid() bool {
	switch k {
	case EventFeeding, EventTreatment, EventBulkTreatment:
		return true
	}
	return false
}

// AlertKind identifies a stock alert condition.
type AlertKind string

// Alert kinds.
const (
	AlertLowStock     AlertKind = "low_stock"
	AlertExpiringSoon AlertKind = "expiring_soon"
	AlertExpired      AlertKind = "expired"
)

// AlertSeverity ranks alerts for display.
type AlertSeverity string

// Alert severities.
const (
	AlertInfo     AlertSeverity = "info"
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

// Rank orders severities, critical first.
func (s AlertSeverity) Rank() int {
	switch s {
	case AlertCritical:
		return 0
	case AlertWarning:
		return 1
	default:
		return 2
	}
}

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StockItem is a named, categorized consumable with a single balance.
// QuantityOnHand and CostPerUnit change only through the balance mutator.
type StockItem struct {
	Base
	Name                 string          `json:"name"`
	Category             Category        `json:"category"`
	SubKind              SubKind         `json:"sub_kind,omitempty"`
	QuantityOnHand       decimal.Decimal `json:"quantity_on_hand"`
	Unit                 Unit            `json:"unit"`
	CostPerUnit          decimal.Decimal `json:"cost_per_unit"`
	ReorderPoint         decimal.Decimal `json:"reorder_point"`
	ReorderQuantity      decimal.Decimal `json:"reorder_quantity"`
	ExpirationDate       *time.Time      `json:"expiration_date,omitempty"`
	LotNumber            *string         `json:"lot_number,omitempty"`
	WithdrawalPeriodDays *int            `json:"withdrawal_period_days,omitempty"`
	StorageLocation      string          `json:"storage_location,omitempty"`
	Supplier             string          `json:"supplier,omitempty"`
	Version              int64           `json:"version"`
}

// TotalValue derives the carried value of the balance.
func (s StockItem) TotalValue() decimal.Decimal {
	return s.QuantityOnHand.Mul(s.CostPerUnit)
}

// IsLowStock reports whether the balance is at or below the reorder point.
func (s StockItem) IsLowStock() bool {
	return s.QuantityOnHand.LessThanOrEqual(s.ReorderPoint)
}

// EventLink ties a ledger entry to the business event that caused it.
type EventLink struct {
	Kind EventKind `json:"kind"`
	ID   string    `json:"id"`
}

// LedgerTransaction is the immutable record of one balance mutation.
type LedgerTransaction struct {
	ID             string          `json:"id"`
	ItemID         string          `json:"item_id"`
	ItemName       string          `json:"item_name"`
	Kind           TransactionKind `json:"kind"`
	QuantityBefore decimal.Decimal `json:"quantity_before"`
	QuantityChange decimal.Decimal `json:"quantity_change"`
	QuantityAfter  decimal.Decimal `json:"quantity_after"`
	Unit           Unit            `json:"unit"`
	CostPerUnit    decimal.Decimal `json:"cost_per_unit"`
	CostImpact     decimal.Decimal `json:"cost_impact"`
	Link           *EventLink      `json:"link,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Operator       string          `json:"operator"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// Balanced reports whether before + change == after and after is non-negative.
func (t LedgerTransaction) Balanced() bool {
	return t.QuantityBefore.Add(t.QuantityChange).Equal(t.QuantityAfter) && !t.QuantityAfter.IsNegative()
}

// LinkedTo reports whether the entry belongs to the given event.
func (t LedgerTransaction) LinkedTo(eventID string) bool {
	return t.Link != nil && t.Link.ID == eventID
}

// AllocationLine records one consumed item within an event.
type AllocationLine struct {
	ItemID        string          `json:"item_id"`
	ItemName      string          `json:"item_name"`
	Quantity      decimal.Decimal `json:"quantity"`
	Unit          Unit            `json:"unit"`
	CostImpact    decimal.Decimal `json:"cost_impact"`
	TransactionID string          `json:"transaction_id"`
}

// SubjectTreatment is the per-subject record fanned out from a bulk treatment.
type SubjectTreatment struct {
	SubjectID       string          `json:"subject_id"`
	Dose            decimal.Decimal `json:"dose"`
	CostImpact      decimal.Decimal `json:"cost_impact"`
	TransactionID   string          `json:"transaction_id"`
	WithdrawalUntil *time.Time      `json:"withdrawal_until,omitempty"`
}

// AllocationEvent is a completed consumption event spanning one or more items.
// It exists only when every line was deducted.
type AllocationEvent struct {
	Base
	Kind           EventKind          `json:"kind"`
	Date           time.Time          `json:"date"`
	SubjectRef     string             `json:"subject_ref,omitempty"`
	Lines          []AllocationLine   `json:"lines"`
	Subjects       []SubjectTreatment `json:"subjects,omitempty"`
	SubjectCount   int                `json:"subject_count"`
	TotalCost      decimal.Decimal    `json:"total_cost"`
	CostPerSubject decimal.Decimal    `json:"cost_per_subject"`
	Operator       string             `json:"operator"`
	Notes          string             `json:"notes,omitempty"`
}

// StockAlert is a derived alert about an item's balance or expiry.
type StockAlert struct {
	ID         string        `json:"id"`
	ItemID     string        `json:"item_id"`
	ItemName   string        `json:"item_name"`
	Kind       AlertKind     `json:"kind"`
	Severity   AlertSeverity `json:"severity"`
	CreatedAt  time.Time     `json:"created_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

// Open reports whether the alert has not been resolved.
func (a StockAlert) Open() bool {
	return a.ResolvedAt == nil
}

// PendingLine is a planned deduction held by an allocation checkpoint.
type PendingLine struct {
	ItemID   string          `json:"item_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

// PendingAllocation is the durability checkpoint written before an
// allocation's commit phase and removed when it finalizes or compensates.
type PendingAllocation struct {
	EventID      string        `json:"event_id"`
	Kind         EventKind     `json:"kind"`
	Date         time.Time     `json:"date"`
	SubjectRef   string        `json:"subject_ref,omitempty"`
	Lines        []PendingLine `json:"lines"`
	Subjects     []SubjectDose `json:"subjects,omitempty"`
	SubjectCount int           `json:"subject_count"`
	Operator     string        `json:"operator"`
	Notes        string        `json:"notes,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// SubjectDose is one subject's share of a bulk treatment.
type SubjectDose struct {
	SubjectID string          `json:"subject_id"`
	Dose      decimal.Decimal `json:"dose"`
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported mutations captured in the audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a rule outcome.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if any violation has blocking severity.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	return "transaction blocked by rules"
}
