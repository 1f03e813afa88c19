package core

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"stockledger/pkg/domain"
)

const openingBalanceReason = "opening balance"

func validateItem(item domain.StockItem) error {
	if strings.TrimSpace(item.Name) == "" {
		return domain.Invalid("name", "must not be empty")
	}
	if !item.Category.Valid() {
		return domain.Invalid("category", "unknown category "+string(item.Category))
	}
	if !item.Category.Allows(item.SubKind) {
		return domain.Invalid("sub_kind", string(item.SubKind)+" is not a "+string(item.Category)+" sub-kind")
	}
	if !item.Unit.Valid() {
		return domain.Invalid("unit", "unknown unit "+string(item.Unit))
	}
	if item.QuantityOnHand.IsNegative() {
		return domain.Invalid("quantity_on_hand", "must not be negative")
	}
	if item.CostPerUnit.IsNegative() {
		return domain.Invalid("cost_per_unit", "must not be negative")
	}
	if item.ReorderPoint.IsNegative() {
		return domain.Invalid("reorder_point", "must not be negative")
	}
	if item.ReorderQuantity.IsNegative() {
		return domain.Invalid("reorder_quantity", "must not be negative")
	}
	if item.WithdrawalPeriodDays != nil && *item.WithdrawalPeriodDays < 0 {
		return domain.Invalid("withdrawal_period_days", "must not be negative")
	}
	return nil
}

// CreateItem registers a stock item. Zero-valued defaults are filled from the
// catalog. A positive initial quantity is booked as an opening purchase entry
// so the ledger accounts for the whole balance.
func (s *Service) CreateItem(ctx context.Context, item domain.StockItem, operator string) (domain.StockItem, error) {
	var created domain.StockItem
	err := s.instrument(withOperator(ctx, operator), opCreateItem, func(ctx context.Context) (string, error) {
		if err := requireOperator(operator); err != nil {
			return "", err
		}
		s.catalog.applyDefaults(&item)
		if err := validateItem(item); err != nil {
			return "", err
		}
		opening := item.QuantityOnHand
		item.QuantityOnHand = decimal.Zero
		item.Version = 0
		res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			var err error
			created, err = tx.CreateStockItem(item)
			if err != nil {
				return err
			}
			if opening.IsPositive() {
				created, err = tx.SetBalance(created.ID, created.Version, opening, created.CostPerUnit)
				if err != nil {
					return err
				}
				if _, err = tx.AppendLedgerTransaction(domain.LedgerTransaction{
					ItemID:         created.ID,
					ItemName:       created.Name,
					Kind:           domain.KindPurchase,
					QuantityBefore: decimal.Zero,
					QuantityChange: opening,
					QuantityAfter:  opening,
					Unit:           created.Unit,
					CostPerUnit:    created.CostPerUnit,
					CostImpact:     opening.Mul(created.CostPerUnit),
					Reason:         openingBalanceReason,
					Operator:       operator,
					OccurredAt:     tx.Now(),
				}); err != nil {
					return err
				}
			}
			return syncLowStockAlert(tx, created)
		})
		if err != nil {
			return created.ID, err
		}
		s.logViolations(opCreateItem, res)
		return created.ID, nil
	})
	if err != nil {
		return domain.StockItem{}, err
	}
	return created, nil
}

// ItemPatch lists the metadata fields UpdateItemMetadata may change. Balance
// and cost are not part of it.
type ItemPatch struct {
	Name                 *string          `json:"name,omitempty"`
	SubKind              *domain.SubKind  `json:"sub_kind,omitempty"`
	ReorderPoint         *decimal.Decimal `json:"reorder_point,omitempty"`
	ReorderQuantity      *decimal.Decimal `json:"reorder_quantity,omitempty"`
	ExpirationDate       *time.Time       `json:"expiration_date,omitempty"`
	LotNumber            *string          `json:"lot_number,omitempty"`
	WithdrawalPeriodDays *int             `json:"withdrawal_period_days,omitempty"`
	StorageLocation      *string          `json:"storage_location,omitempty"`
	Supplier             *string          `json:"supplier,omitempty"`
}

func (p ItemPatch) apply(item *domain.StockItem) {
	if p.Name != nil {
		item.Name = *p.Name
	}
	if p.SubKind != nil {
		item.SubKind = *p.SubKind
	}
	if p.ReorderPoint != nil {
		item.ReorderPoint = *p.ReorderPoint
	}
	if p.ReorderQuantity != nil {
		item.ReorderQuantity = *p.ReorderQuantity
	}
	if p.ExpirationDate != nil {
		exp := *p.ExpirationDate
		item.ExpirationDate = &exp
	}
	if p.LotNumber != nil {
		lot := *p.LotNumber
		item.LotNumber = &lot
	}
	if p.WithdrawalPeriodDays != nil {
		days := *p.WithdrawalPeriodDays
		item.WithdrawalPeriodDays = &days
	}
	if p.StorageLocation != nil {
		item.StorageLocation = *p.StorageLocation
	}
	if p.Supplier != nil {
		item.Supplier = *p.Supplier
	}
}

// UpdateItemMetadata changes descriptive fields and thresholds. A reorder
// point change re-evaluates the low-stock alert.
func (s *Service) UpdateItemMetadata(ctx context.Context, id string, patch ItemPatch, operator string) (domain.StockItem, error) {
	var updated domain.StockItem
	err := s.instrument(withOperator(ctx, operator), opUpdateItem, func(ctx context.Context) (string, error) {
		if err := requireOperator(operator); err != nil {
			return id, err
		}
		unlock := s.locks.lock(id)
		defer unlock()
		res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			var err error
			updated, err = tx.UpdateStockItem(id, func(item *domain.StockItem) error {
				patch.apply(item)
				return validateItem(*item)
			})
			if err != nil {
				return err
			}
			return syncLowStockAlert(tx, updated)
		})
		if err != nil {
			return id, err
		}
		s.logViolations(opUpdateItem, res)
		return id, nil
	})
	if err != nil {
		return domain.StockItem{}, err
	}
	return updated, nil
}

// DeleteItem removes an item whose balance is zero. Its ledger history stays.
func (s *Service) DeleteItem(ctx context.Context, id, operator string) error {
	return s.instrument(withOperator(ctx, operator), opDeleteItem, func(ctx context.Context) (string, error) {
		if err := requireOperator(operator); err != nil {
			return id, err
		}
		unlock := s.locks.lock(id)
		defer unlock()
		_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			if err := tx.DeleteStockItem(id); err != nil {
				return err
			}
			if open, ok := tx.FindOpenAlert(id, domain.AlertLowStock); ok {
				if _, err := tx.ResolveAlert(open.ID); err != nil {
					return err
				}
			}
			return nil
		})
		return id, err
	})
}

// GetItem returns the committed item.
func (s *Service) GetItem(_ context.Context, id string) (domain.StockItem, error) {
	item, ok := s.store.GetStockItem(id)
	if !ok {
		return domain.StockItem{}, domain.NotFoundError{Entity: domain.EntityStockItem, ID: id}
	}
	return item, nil
}

// ListItems returns all items ordered by ID.
func (s *Service) ListItems(_ context.Context) []domain.StockItem {
	return s.store.ListStockItems()
}

// GetTransactions returns ledger entries matching filter in commit order.
func (s *Service) GetTransactions(_ context.Context, filter domain.TransactionFilter) ([]domain.LedgerTransaction, error) {
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, domain.Invalid("to", "must not be before from")
	}
	return s.store.ListLedgerTransactions(filter), nil
}

// GetAllocationEvent returns a finalized event.
func (s *Service) GetAllocationEvent(_ context.Context, id string) (domain.AllocationEvent, error) {
	event, ok := s.store.GetAllocationEvent(id)
	if !ok {
		return domain.AllocationEvent{}, domain.NotFoundError{Entity: domain.EntityAllocationEvent, ID: id}
	}
	return event, nil
}

// ListAllocationEvents returns finalized events ordered by date.
func (s *Service) ListAllocationEvents(_ context.Context) []domain.AllocationEvent {
	return s.store.ListAllocationEvents()
}
