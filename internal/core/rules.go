package core

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"stockledger/pkg/domain"
)

// Rule names reported in violations.
const (
	RuleBalanceLedger = "balance-ledger-consistency"
	RuleLowStock      = "low-stock"
)

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewBalanceLedgerRule())
	engine.Register(NewLowStockRule())
	return engine
}

// NewBalanceLedgerRule blocks any transaction whose net balance change for an
// item differs from the ledger entries it appends for that item, or that
// appends an entry whose before, change and after do not add up.
func NewBalanceLedgerRule() domain.Rule {
	return balanceLedgerRule{}
}

type balanceLedgerRule struct{}

func (balanceLedgerRule) Name() string { return RuleBalanceLedger }

type balanceSpan struct {
	first, last decimal.Decimal
	seen        bool
}

func (balanceLedgerRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	spans := make(map[string]*balanceSpan)
	ledger := make(map[string]decimal.Decimal)
	var order []string

	track := func(id string) *balanceSpan {
		span, ok := spans[id]
		if !ok {
			span = &balanceSpan{}
			spans[id] = span
			order = append(order, id)
		}
		return span
	}

	for _, change := range changes {
		switch change.Entity {
		case domain.EntityStockItem:
			var id string
			before, after := decimal.Zero, decimal.Zero
			if item, ok := change.Before.(domain.StockItem); ok {
				id = item.ID
				before = item.QuantityOnHand
			}
			if item, ok := change.After.(domain.StockItem); ok {
				id = item.ID
				after = item.QuantityOnHand
			}
			if id == "" {
				continue
			}
			span := track(id)
			if !span.seen {
				span.first = before
				span.seen = true
			}
			span.last = after
		case domain.EntityLedgerTransaction:
			entry, ok := change.After.(domain.LedgerTransaction)
			if !ok {
				continue
			}
			if !entry.Balanced() {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     RuleBalanceLedger,
					Severity: domain.SeverityBlock,
					Message:  fmt.Sprintf("ledger entry %s does not balance: %s + %s != %s", entry.ID, entry.QuantityBefore, entry.QuantityChange, entry.QuantityAfter),
					Entity:   domain.EntityLedgerTransaction,
					EntityID: entry.ID,
				})
			}
			if _, ok := ledger[entry.ItemID]; !ok {
				track(entry.ItemID)
			}
			ledger[entry.ItemID] = ledger[entry.ItemID].Add(entry.QuantityChange)
		}
	}

	for _, id := range order {
		span := spans[id]
		delta := span.last.Sub(span.first)
		recorded := ledger[id]
		if delta.Equal(recorded) {
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     RuleBalanceLedger,
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf("balance of %s moved by %s but the ledger records %s", id, delta, recorded),
			Entity:   domain.EntityStockItem,
			EntityID: id,
		})
	}
	return res, nil
}

// NewLowStockRule warns when a transaction leaves an item at or below its
// reorder point.
func NewLowStockRule() domain.Rule {
	return lowStockRule{}
}

type lowStockRule struct{}

func (lowStockRule) Name() string { return RuleLowStock }

func (lowStockRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	seen := make(map[string]struct{})
	for _, change := range changes {
		if change.Entity != domain.EntityStockItem || change.After == nil {
			continue
		}
		after, ok := change.After.(domain.StockItem)
		if !ok {
			continue
		}
		if _, dup := seen[after.ID]; dup {
			continue
		}
		seen[after.ID] = struct{}{}
		current, ok := view.FindStockItem(after.ID)
		if !ok || !current.IsLowStock() {
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     RuleLowStock,
			Severity: domain.SeverityWarn,
			Message:  fmt.Sprintf("%s at %s %s is at or below reorder point %s", current.Name, current.QuantityOnHand, current.Unit, current.ReorderPoint),
			Entity:   domain.EntityStockItem,
			EntityID: current.ID,
		})
	}
	return res, nil
}
