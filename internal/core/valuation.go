package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"stockledger/pkg/domain"
)

// CategoryValue is the carried value of one category.
type CategoryValue struct {
	Category domain.Category `json:"category"`
	Items    int             `json:"items"`
	Value    decimal.Decimal `json:"value"`
}

// Valuation totals QuantityOnHand × CostPerUnit over the current stock.
type Valuation struct {
	Categories []CategoryValue `json:"categories"`
	Total      decimal.Decimal `json:"total"`
	AsOf       time.Time       `json:"as_of"`
}

var categoryOrder = []domain.Category{domain.CategoryDrug, domain.CategoryFeed, domain.CategorySupplement}

// Valuation derives stock value per category from one consistent view.
func (s *Service) Valuation(ctx context.Context) (Valuation, error) {
	byCategory := make(map[domain.Category]*CategoryValue, len(categoryOrder))
	for _, c := range categoryOrder {
		byCategory[c] = &CategoryValue{Category: c, Value: decimal.Zero}
	}
	total := decimal.Zero
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		for _, item := range view.ListStockItems() {
			cv, ok := byCategory[item.Category]
			if !ok {
				continue
			}
			v := item.TotalValue()
			cv.Items++
			cv.Value = cv.Value.Add(v)
			total = total.Add(v)
		}
		return nil
	})
	if err != nil {
		return Valuation{}, err
	}
	out := Valuation{Total: total, AsOf: s.now()}
	for _, c := range categoryOrder {
		out.Categories = append(out.Categories, *byCategory[c])
	}
	return out, nil
}

// UsageCostReport summarizes consumption cost over a ledger range.
type UsageCostReport struct {
	Usage        decimal.Decimal `json:"usage"`
	Waste        decimal.Decimal `json:"waste"`
	Compensation decimal.Decimal `json:"compensation"`
	Total        decimal.Decimal `json:"total"`
}

// UsageCost sums the cost impact of usage and waste entries matching filter,
// net of compensations for aborted allocations. Linked adjustments are only
// ever written as compensation. A Kind in filter is ignored.
func (s *Service) UsageCost(ctx context.Context, filter domain.TransactionFilter) (UsageCostReport, error) {
	filter.Kind = ""
	entries, err := s.GetTransactions(ctx, filter)
	if err != nil {
		return UsageCostReport{}, err
	}
	r := UsageCostReport{Usage: decimal.Zero, Waste: decimal.Zero, Compensation: decimal.Zero}
	for _, e := range entries {
		switch {
		case e.Kind == domain.KindUsage:
			r.Usage = r.Usage.Add(e.CostImpact)
		case e.Kind == domain.KindWaste:
			r.Waste = r.Waste.Add(e.CostImpact)
		case e.Kind == domain.KindAdjustment && e.Link != nil:
			r.Compensation = r.Compensation.Add(e.CostImpact)
		}
	}
	r.Total = r.Usage.Add(r.Waste).Sub(r.Compensation)
	return r, nil
}
