package core

import (
	"context"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"

	"stockledger/pkg/domain"
)

// Availability is the answer to "can this quantity be consumed right now".
type Availability struct {
	ItemID    string          `json:"item_id"`
	ItemName  string          `json:"item_name"`
	Available bool            `json:"available"`
	Current   decimal.Decimal `json:"current"`
	Required  decimal.Decimal `json:"required"`
	Shortfall decimal.Decimal `json:"shortfall"`
	Unit      domain.Unit     `json:"unit"`
}

// LineRequest asks for Quantity of ItemID.
type LineRequest struct {
	ItemID   string          `json:"item_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

func availabilityOf(item domain.StockItem, required decimal.Decimal) Availability {
	a := Availability{
		ItemID:    item.ID,
		ItemName:  item.Name,
		Available: item.QuantityOnHand.GreaterThanOrEqual(required),
		Current:   item.QuantityOnHand,
		Required:  required,
		Shortfall: decimal.Zero,
		Unit:      item.Unit,
	}
	if !a.Available {
		a.Shortfall = required.Sub(item.QuantityOnHand)
	}
	return a
}

// CheckAvailability reads the committed balance; it never mutates.
func (s *Service) CheckAvailability(_ context.Context, itemID string, required decimal.Decimal) (Availability, error) {
	if required.IsNegative() {
		return Availability{}, domain.Invalid("required", "must not be negative")
	}
	item, ok := s.store.GetStockItem(itemID)
	if !ok {
		return Availability{}, domain.NotFoundError{Entity: domain.EntityStockItem, ID: itemID}
	}
	return availabilityOf(item, required), nil
}

// aggregateLines sums duplicate item IDs and orders the result by item ID.
func aggregateLines(lines []LineRequest) ([]LineRequest, error) {
	totals := make(map[string]decimal.Decimal, len(lines))
	for i, line := range lines {
		if line.ItemID == "" {
			return nil, domain.Invalid("lines", "line "+strconv.Itoa(i)+" has no item_id")
		}
		if !line.Quantity.IsPositive() {
			return nil, domain.Invalid("lines", "line "+strconv.Itoa(i)+" quantity must be greater than zero")
		}
		totals[line.ItemID] = totals[line.ItemID].Add(line.Quantity)
	}
	out := make([]LineRequest, 0, len(totals))
	for id, qty := range totals {
		out = append(out, LineRequest{ItemID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

// CheckAvailabilityBatch checks several lines against one consistent view.
// Duplicate item IDs are summed; results are ordered by item ID.
func (s *Service) CheckAvailabilityBatch(ctx context.Context, lines []LineRequest) ([]Availability, error) {
	if len(lines) == 0 {
		return nil, domain.Invalid("lines", "must not be empty")
	}
	merged, err := aggregateLines(lines)
	if err != nil {
		return nil, err
	}
	out := make([]Availability, 0, len(merged))
	err = s.store.View(ctx, func(view domain.TransactionView) error {
		for _, line := range merged {
			item, ok := view.FindStockItem(line.ItemID)
			if !ok {
				return domain.NotFoundError{Entity: domain.EntityStockItem, ID: line.ItemID}
			}
			out = append(out, availabilityOf(item, line.Quantity))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
