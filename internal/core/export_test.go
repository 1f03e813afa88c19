package core

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	blobmem "stockledger/internal/infra/blob/memory"
	"stockledger/pkg/domain"
)

func TestLedgerArchiveKey(t *testing.T) {
	at := time.Date(2026, 3, 7, 23, 30, 0, 5, time.FixedZone("x", -2*3600))
	want := "ledger/2026/03/08/"
	if got := ledgerArchiveKey(at); !strings.HasPrefix(got, want) || !strings.HasSuffix(got, ".jsonl") {
		t.Fatalf("expected key under %s, got %s", want, got)
	}
}

func TestExportLedgerWritesJSONLines(t *testing.T) {
	logger := &captureLogger{}
	svc := newTestService(t, WithLogger(logger))
	ctx := context.Background()
	item := mustCreateItem(t, svc, "Hay", "30", "2", "0")
	if _, err := svc.Deduct(ctx, item.ID, dec("4"), "", testOperator, nil); err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if _, err := svc.Waste(ctx, item.ID, dec("1"), "mould", testOperator); err != nil {
		t.Fatalf("waste: %v", err)
	}

	store := blobmem.New()
	from := testEpoch
	info, err := svc.ExportLedger(ctx, store, domain.TransactionFilter{ItemID: item.ID, From: &from})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.HasPrefix(info.Key, "ledger/2026/10/19/") {
		t.Fatalf("unexpected key %s", info.Key)
	}
	if info.ContentType != ledgerContentType || info.Metadata["count"] != "3" || info.Metadata["to"] != "" {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.Metadata["from"] != from.Format(time.RFC3339Nano) {
		t.Fatalf("from bound not recorded: %q", info.Metadata["from"])
	}

	_, body, err := store.Get(ctx, info.Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer body.Close()
	var kinds []domain.TransactionKind
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		var e domain.LedgerTransaction
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("decode line %q: %v", sc.Text(), err)
		}
		kinds = append(kinds, e.Kind)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	want := []domain.TransactionKind{domain.KindPurchase, domain.KindUsage, domain.KindWaste}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("line %d: expected %s, got %s", i, want[i], kinds[i])
		}
	}
	if logger.count("info", "ledger exported") != 1 {
		t.Fatalf("expected an export log line")
	}
}

func TestExportLedgerEmptyRange(t *testing.T) {
	svc := newTestService(t)
	store := blobmem.New()
	info, err := svc.ExportLedger(context.Background(), store, domain.TransactionFilter{ItemID: "nothing"})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	_, body, err := store.Get(context.Background(), info.Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if len(data) != 0 || info.Metadata["count"] != "0" {
		t.Fatalf("expected an empty archive, got %d bytes and %+v", len(data), info.Metadata)
	}
}

func TestExportLedgerErrors(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	if _, err := svc.ExportLedger(ctx, nil, domain.TransactionFilter{}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("nil store: expected invalid argument, got %v", err)
	}
	from, to := testEpoch, testEpoch.Add(-time.Minute)
	if _, err := svc.ExportLedger(ctx, blobmem.New(), domain.TransactionFilter{From: &from, To: &to}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("bad range: expected invalid argument, got %v", err)
	}
}
