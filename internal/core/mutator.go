package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"stockledger/pkg/domain"
)

// costScale is the number of decimal places kept on weighted-average costs.
const costScale = 6

// RetryPolicy bounds optimistic concurrency retries on version conflicts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 2 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if d <= 0 || d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// do runs fn until it succeeds, fails with anything other than a conflict, or
// the attempts run out.
func (p RetryPolicy) do(ctx context.Context, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, domain.ErrConflict) {
			return err
		}
		if attempt >= p.MaxAttempts {
			return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}
		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// balanceChange is the outcome computed from the current item state.
type balanceChange struct {
	kind       domain.TransactionKind
	quantity   decimal.Decimal
	cost       decimal.Decimal
	ledgerCost decimal.Decimal
	link       *domain.EventLink
	reason     string
	operator   string
}

// mutateBalance is the only path that writes QuantityOnHand. It holds the
// item lock, reads the committed item, and commits the balance, its ledger
// entry and the low-stock alert state in one store transaction.
func (s *Service) mutateBalance(ctx context.Context, itemID string, compute func(domain.StockItem) (balanceChange, error)) (domain.LedgerTransaction, error) {
	unlock := s.locks.lock(itemID)
	defer unlock()

	var entry domain.LedgerTransaction
	err := s.retry.do(ctx, func() error {
		item, ok := s.store.GetStockItem(itemID)
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityStockItem, ID: itemID}
		}
		change, err := compute(item)
		if err != nil {
			return err
		}
		res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			updated, err := tx.SetBalance(item.ID, item.Version, change.quantity, change.cost)
			if err != nil {
				return err
			}
			delta := change.quantity.Sub(item.QuantityOnHand)
			entry, err = tx.AppendLedgerTransaction(domain.LedgerTransaction{
				ItemID:         item.ID,
				ItemName:       item.Name,
				Kind:           change.kind,
				QuantityBefore: item.QuantityOnHand,
				QuantityChange: delta,
				QuantityAfter:  change.quantity,
				Unit:           item.Unit,
				CostPerUnit:    change.ledgerCost,
				CostImpact:     delta.Abs().Mul(change.ledgerCost),
				Link:           change.link,
				Reason:         change.reason,
				Operator:       change.operator,
				OccurredAt:     tx.Now(),
			})
			if err != nil {
				return err
			}
			return syncLowStockAlert(tx, updated)
		})
		if err != nil {
			return err
		}
		s.logViolations(string(change.kind), res)
		return nil
	})
	if err != nil {
		return domain.LedgerTransaction{}, err
	}
	return entry, nil
}

func requirePositive(field string, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return domain.Invalid(field, "must be greater than zero")
	}
	return nil
}

func requireOperator(operator string) error {
	if strings.TrimSpace(operator) == "" {
		return domain.Invalid("operator", "must not be empty")
	}
	return nil
}

func shortfallFor(item domain.StockItem, required decimal.Decimal) domain.Shortfall {
	return domain.Shortfall{
		ItemID:    item.ID,
		ItemName:  item.Name,
		Current:   item.QuantityOnHand,
		Required:  required,
		Shortfall: required.Sub(item.QuantityOnHand),
		Unit:      item.Unit,
	}
}

// weightedAverageCost blends the carried cost with the cost of added stock.
func weightedAverageCost(before, oldCost, added, supplied decimal.Decimal) decimal.Decimal {
	total := before.Add(added)
	if !total.IsPositive() {
		return supplied
	}
	if oldCost.Equal(supplied) {
		return oldCost
	}
	return before.Mul(oldCost).Add(added.Mul(supplied)).Div(total).Round(costScale)
}

func (s *Service) debit(ctx context.Context, kind domain.TransactionKind, itemID string, qty decimal.Decimal, reason, operator string, link *domain.EventLink) (domain.LedgerTransaction, error) {
	if err := requirePositive("quantity", qty); err != nil {
		return domain.LedgerTransaction{}, err
	}
	if err := requireOperator(operator); err != nil {
		return domain.LedgerTransaction{}, err
	}
	return s.mutateBalance(ctx, itemID, func(item domain.StockItem) (balanceChange, error) {
		if qty.GreaterThan(item.QuantityOnHand) {
			return balanceChange{}, domain.InsufficientStockError{Lines: []domain.Shortfall{shortfallFor(item, qty)}}
		}
		return balanceChange{
			kind:       kind,
			quantity:   item.QuantityOnHand.Sub(qty),
			cost:       item.CostPerUnit,
			ledgerCost: item.CostPerUnit,
			link:       link,
			reason:     reason,
			operator:   operator,
		}, nil
	})
}

// Deduct consumes qty of an item as usage. Callers recording business events
// should go through RecordAllocationEvent instead.
func (s *Service) Deduct(ctx context.Context, itemID string, qty decimal.Decimal, reason, operator string, link *domain.EventLink) (domain.LedgerTransaction, error) {
	var entry domain.LedgerTransaction
	err := s.instrument(withOperator(ctx, operator), opDeduct, func(ctx context.Context) (string, error) {
		var err error
		entry, err = s.debit(ctx, domain.KindUsage, itemID, qty, reason, operator, link)
		return entry.ID, err
	})
	return entry, err
}

// Waste writes off qty of an item, for spoilage, breakage or expiry.
func (s *Service) Waste(ctx context.Context, itemID string, qty decimal.Decimal, reason, operator string) (domain.LedgerTransaction, error) {
	var entry domain.LedgerTransaction
	err := s.instrument(withOperator(ctx, operator), opWaste, func(ctx context.Context) (string, error) {
		var err error
		entry, err = s.debit(ctx, domain.KindWaste, itemID, qty, reason, operator, nil)
		return entry.ID, err
	})
	return entry, err
}

// Add receives qty of an item. When costPerUnit is supplied the carried cost
// becomes the weighted average of the old and new stock; otherwise it is kept.
func (s *Service) Add(ctx context.Context, itemID string, qty decimal.Decimal, reason, operator string, costPerUnit *decimal.Decimal) (domain.LedgerTransaction, error) {
	var entry domain.LedgerTransaction
	err := s.instrument(withOperator(ctx, operator), opAdd, func(ctx context.Context) (string, error) {
		if err := requirePositive("quantity", qty); err != nil {
			return "", err
		}
		if err := requireOperator(operator); err != nil {
			return "", err
		}
		if costPerUnit != nil && costPerUnit.IsNegative() {
			return "", domain.Invalid("cost_per_unit", "must not be negative")
		}
		var err error
		entry, err = s.mutateBalance(ctx, itemID, func(item domain.StockItem) (balanceChange, error) {
			cost := item.CostPerUnit
			ledgerCost := item.CostPerUnit
			if costPerUnit != nil {
				cost = weightedAverageCost(item.QuantityOnHand, item.CostPerUnit, qty, *costPerUnit)
				ledgerCost = *costPerUnit
			}
			return balanceChange{
				kind:       domain.KindPurchase,
				quantity:   item.QuantityOnHand.Add(qty),
				cost:       cost,
				ledgerCost: ledgerCost,
				reason:     reason,
				operator:   operator,
			}, nil
		})
		return entry.ID, err
	})
	return entry, err
}

// Return puts qty of previously issued stock back on hand at the carried cost.
func (s *Service) Return(ctx context.Context, itemID string, qty decimal.Decimal, reason, operator string) (domain.LedgerTransaction, error) {
	var entry domain.LedgerTransaction
	err := s.instrument(withOperator(ctx, operator), opReturn, func(ctx context.Context) (string, error) {
		if err := requirePositive("quantity", qty); err != nil {
			return "", err
		}
		if err := requireOperator(operator); err != nil {
			return "", err
		}
		var err error
		entry, err = s.mutateBalance(ctx, itemID, func(item domain.StockItem) (balanceChange, error) {
			return balanceChange{
				kind:       domain.KindReturn,
				quantity:   item.QuantityOnHand.Add(qty),
				cost:       item.CostPerUnit,
				ledgerCost: item.CostPerUnit,
				reason:     reason,
				operator:   operator,
			}, nil
		})
		return entry.ID, err
	})
	return entry, err
}

// Adjust sets the balance to an absolute counted value.
func (s *Service) Adjust(ctx context.Context, itemID string, newQty decimal.Decimal, reason, operator string) (domain.LedgerTransaction, error) {
	var entry domain.LedgerTransaction
	err := s.instrument(withOperator(ctx, operator), opAdjust, func(ctx context.Context) (string, error) {
		if newQty.IsNegative() {
			return "", domain.Invalid("quantity", "must not be negative")
		}
		if err := requireOperator(operator); err != nil {
			return "", err
		}
		var err error
		entry, err = s.mutateBalance(ctx, itemID, func(item domain.StockItem) (balanceChange, error) {
			return balanceChange{
				kind:       domain.KindAdjustment,
				quantity:   newQty,
				cost:       item.CostPerUnit,
				ledgerCost: item.CostPerUnit,
				reason:     reason,
				operator:   operator,
			}, nil
		})
		return entry.ID, err
	})
	return entry, err
}

// restock reverses a committed deduction with an adjustment entry at the cost
// the deduction was booked at. It ignores caller cancellation.
func (s *Service) restock(ctx context.Context, itemID string, qty, cost decimal.Decimal, link *domain.EventLink, reason, operator string) (domain.LedgerTransaction, error) {
	return s.mutateBalance(context.WithoutCancel(ctx), itemID, func(item domain.StockItem) (balanceChange, error) {
		return balanceChange{
			kind:       domain.KindAdjustment,
			quantity:   item.QuantityOnHand.Add(qty),
			cost:       weightedAverageCost(item.QuantityOnHand, item.CostPerUnit, qty, cost),
			ledgerCost: cost,
			link:       link,
			reason:     reason,
			operator:   operator,
		}, nil
	})
}
