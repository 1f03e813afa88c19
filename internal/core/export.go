package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"stockledger/internal/blob"
	"stockledger/pkg/domain"
)

const ledgerContentType = "application/x-ndjson"

// ledgerArchiveKey places an export under ledger/<yyyy>/<mm>/<dd>/.
func ledgerArchiveKey(at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("ledger/%04d/%02d/%02d/%d.jsonl", at.Year(), int(at.Month()), at.Day(), at.UnixNano())
}

func formatBound(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// ExportLedger writes the matching ledger entries to store as JSON lines, one
// entry per line in commit order. The blob metadata records the entry count
// and the requested range.
func (s *Service) ExportLedger(ctx context.Context, store blob.Store, filter domain.TransactionFilter) (blob.Info, error) {
	var info blob.Info
	err := s.instrument(ctx, opExportLedger, func(ctx context.Context) (string, error) {
		if store == nil {
			return "", domain.Invalid("store", "archive store is not configured")
		}
		entries, err := s.GetTransactions(ctx, filter)
		if err != nil {
			return "", err
		}
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return "", fmt.Errorf("encode ledger entry %s: %w", e.ID, err)
			}
		}
		key := ledgerArchiveKey(s.now())
		info, err = store.Put(ctx, key, &buf, blob.PutOptions{
			ContentType: ledgerContentType,
			Metadata: map[string]string{
				"count": strconv.Itoa(len(entries)),
				"from":  formatBound(filter.From),
				"to":    formatBound(filter.To),
			},
		})
		if err != nil {
			return key, fmt.Errorf("archive ledger: %w", err)
		}
		s.logger.Info("ledger exported", "key", key, "count", len(entries), "driver", store.Driver())
		return key, nil
	})
	return info, err
}
