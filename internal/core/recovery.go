package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"stockledger/pkg/domain"
)

// RecoveryOutcome names what Recover did with one pending allocation.
type RecoveryOutcome string

// Recovery outcomes.
const (
	RecoveryFinalized   RecoveryOutcome = "finalized"
	RecoveryCompensated RecoveryOutcome = "compensated"
	RecoverySkipped     RecoveryOutcome = "skipped"
)

// RecoveryReport lists the outcome per event ID.
type RecoveryReport struct {
	Outcomes map[string]RecoveryOutcome `json:"outcomes"`
}

// Count returns how many events ended with outcome.
func (r RecoveryReport) Count(outcome RecoveryOutcome) int {
	n := 0
	for _, o := range r.Outcomes {
		if o == outcome {
			n++
		}
	}
	return n
}

// Recover resolves allocations left pending by an interrupted process. An
// event whose every line carries its usage entry and no compensation is
// finalized; anything else has its outstanding usage restored. Allocations
// still running in this process are skipped. Running Recover again writes
// nothing new.
func (s *Service) Recover(ctx context.Context) (RecoveryReport, error) {
	report := RecoveryReport{Outcomes: make(map[string]RecoveryOutcome)}
	err := s.instrument(ctx, opRecover, func(ctx context.Context) (string, error) {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.recoveryLimit)
		for _, p := range s.store.ListPendingAllocations() {
			g.Go(func() error {
				outcome, err := s.recoverOne(gctx, p)
				if err != nil {
					return fmt.Errorf("recover allocation %s: %w", p.EventID, err)
				}
				mu.Lock()
				report.Outcomes[p.EventID] = outcome
				mu.Unlock()
				return nil
			})
		}
		return "", g.Wait()
	})
	return report, err
}

func (s *Service) recoverOne(ctx context.Context, p domain.PendingAllocation) (RecoveryOutcome, error) {
	if _, busy := s.inflight.LoadOrStore(p.EventID, struct{}{}); busy {
		return RecoverySkipped, nil
	}
	defer s.inflight.Delete(p.EventID)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	// The allocation may have finalized between listing and claiming it.
	current, ok := s.pendingCheckpoint(ctx, p.EventID)
	if !ok {
		return RecoverySkipped, nil
	}
	p = current

	linked := s.store.ListLedgerTransactions(domain.TransactionFilter{EventID: p.EventID})
	usage := make(map[string]domain.LedgerTransaction)
	net := make(map[string]decimal.Decimal)
	compensatedAny := false
	for _, entry := range linked {
		net[entry.ItemID] = net[entry.ItemID].Add(entry.QuantityChange)
		switch entry.Kind {
		case domain.KindUsage:
			usage[entry.ItemID] = entry
		default:
			compensatedAny = true
		}
	}

	complete := !compensatedAny
	for _, line := range p.Lines {
		entry, ok := usage[line.ItemID]
		if !ok || !entry.QuantityChange.Neg().Equal(line.Quantity) {
			complete = false
			break
		}
	}

	if complete {
		items := make(map[string]domain.StockItem, len(p.Lines))
		for _, line := range p.Lines {
			if item, ok := s.store.GetStockItem(line.ItemID); ok {
				items[item.ID] = item
			}
		}
		if err := s.finalizeEvent(ctx, buildEvent(p, usage, items)); err != nil {
			return "", err
		}
		s.logger.Info("recovered allocation finalized", "event_id", p.EventID)
		return RecoveryFinalized, nil
	}

	reason := compensationReason(p.Kind, p.EventID)
	link := &domain.EventLink{Kind: p.Kind, ID: p.EventID}
	for i := len(p.Lines) - 1; i >= 0; i-- {
		itemID := p.Lines[i].ItemID
		outstanding := net[itemID].Neg()
		if !outstanding.IsPositive() {
			continue
		}
		cost := usage[itemID].CostPerUnit
		if _, err := s.restock(ctx, itemID, outstanding, cost, link, reason, p.Operator); err != nil {
			return "", err
		}
	}
	if _, err := s.store.RunInTransaction(context.WithoutCancel(ctx), func(tx domain.Transaction) error {
		return tx.DeletePendingAllocation(p.EventID)
	}); err != nil {
		return "", err
	}
	s.logger.Info("recovered allocation compensated", "event_id", p.EventID)
	return RecoveryCompensated, nil
}

func (s *Service) pendingCheckpoint(ctx context.Context, eventID string) (domain.PendingAllocation, bool) {
	var (
		p  domain.PendingAllocation
		ok bool
	)
	_ = s.store.View(ctx, func(view domain.TransactionView) error {
		p, ok = view.FindPendingAllocation(eventID)
		return nil
	})
	return p, ok
}
