package core

import (
	"context"
	"sort"
	"time"

	"stockledger/pkg/domain"
)

// DefaultExpiryHorizon is how far ahead expiring_soon alerts look.
const DefaultExpiryHorizon = 30 * 24 * time.Hour

// EvaluateThresholds derives alert conditions from item state. It is a pure
// function: low_stock when the balance is at or below the reorder point,
// expired when the expiration date has passed, expiring_soon when it falls
// within horizon of now. Returned alerts carry no persisted identity.
func EvaluateThresholds(items []domain.StockItem, now time.Time, horizon time.Duration) []domain.StockAlert {
	var out []domain.StockAlert
	for _, item := range items {
		if item.IsLowStock() {
			out = append(out, domain.StockAlert{
				ItemID:    item.ID,
				ItemName:  item.Name,
				Kind:      domain.AlertLowStock,
				Severity:  lowStockSeverity(item),
				CreatedAt: now,
			})
		}
		if alert, ok := expiryAlert(item, now, horizon); ok {
			out = append(out, alert)
		}
	}
	sortAlertsBySeverity(out)
	return out
}

func lowStockSeverity(item domain.StockItem) domain.AlertSeverity {
	if item.QuantityOnHand.IsZero() {
		return domain.AlertCritical
	}
	return domain.AlertWarning
}

func expiryAlert(item domain.StockItem, now time.Time, horizon time.Duration) (domain.StockAlert, bool) {
	if item.ExpirationDate == nil {
		return domain.StockAlert{}, false
	}
	exp := *item.ExpirationDate
	alert := domain.StockAlert{
		ID:        item.ID + ":" + string(domain.AlertExpired),
		ItemID:    item.ID,
		ItemName:  item.Name,
		Kind:      domain.AlertExpired,
		Severity:  domain.AlertCritical,
		CreatedAt: now,
	}
	switch {
	case exp.Before(now):
		return alert, true
	case !exp.After(now.Add(horizon)):
		alert.ID = item.ID + ":" + string(domain.AlertExpiringSoon)
		alert.Kind = domain.AlertExpiringSoon
		alert.Severity = domain.AlertWarning
		return alert, true
	}
	return domain.StockAlert{}, false
}

func sortAlertsBySeverity(alerts []domain.StockAlert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		a, b := alerts[i], alerts[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() < b.Severity.Rank()
		}
		if a.ItemName != b.ItemName {
			return a.ItemName < b.ItemName
		}
		if a.ItemID != b.ItemID {
			return a.ItemID < b.ItemID
		}
		return a.Kind < b.Kind
	})
}

// syncLowStockAlert opens a low_stock alert when the item is at or below its
// reorder point and resolves the open one once it rises above it.
func syncLowStockAlert(tx domain.Transaction, item domain.StockItem) error {
	open, hasOpen := tx.FindOpenAlert(item.ID, domain.AlertLowStock)
	switch {
	case item.IsLowStock() && !hasOpen:
		_, err := tx.CreateAlert(domain.StockAlert{
			ItemID:   item.ID,
			ItemName: item.Name,
			Kind:     domain.AlertLowStock,
			Severity: lowStockSeverity(item),
		})
		return err
	case item.IsLowStock() && hasOpen && open.Severity != lowStockSeverity(item):
		_, err := tx.UpdateAlertSeverity(open.ID, lowStockSeverity(item))
		return err
	case !item.IsLowStock() && hasOpen:
		_, err := tx.ResolveAlert(open.ID)
		return err
	}
	return nil
}

// GetActiveAlerts returns open low_stock alerts together with expiry alerts
// computed against the current time, most severe first.
func (s *Service) GetActiveAlerts(ctx context.Context) ([]domain.StockAlert, error) {
	var out []domain.StockAlert
	now := s.now()
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		for _, alert := range view.ListAlerts() {
			if alert.Kind == domain.AlertLowStock && alert.Open() {
				out = append(out, alert)
			}
		}
		for _, item := range view.ListStockItems() {
			if alert, ok := expiryAlert(item, now, s.expiryHorizon); ok {
				out = append(out, alert)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortAlertsBySeverity(out)
	return out, nil
}

// GetAlertHistory returns every persisted alert, resolved ones included.
func (s *Service) GetAlertHistory(_ context.Context) []domain.StockAlert {
	return s.store.ListAlerts()
}
