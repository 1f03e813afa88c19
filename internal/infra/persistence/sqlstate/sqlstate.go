// Package sqlstate maps the in-memory store's change sets onto relational
// tables shared by the SQLite and Postgres backends. Each record is stored as a
// JSON payload next to the columns needed for lookups and ordering.
package sqlstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"stockledger/internal/infra/persistence/memory"
	"stockledger/pkg/domain"
)

// Dialect captures the differences between supported SQL engines.
type Dialect struct {
	Name        string
	PayloadType string
	TimeType    string
	numbered    bool
}

// SQLite targets modernc.org/sqlite.
var SQLite = Dialect{Name: "sqlite", PayloadType: "BLOB", TimeType: "TEXT"}

// Postgres targets pgx through database/sql.
var Postgres = Dialect{Name: "postgres", PayloadType: "JSONB", TimeType: "TIMESTAMPTZ", numbered: true}

// Placeholders renders n bind parameters for the dialect.
func (d Dialect) Placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		if d.numbered {
			parts[i] = "$" + strconv.Itoa(i+1)
		} else {
			parts[i] = "?"
		}
	}
	return strings.Join(parts, ", ")
}

// Table names.
const (
	TableStockItems = "stock_items"
	TableLedger     = "ledger_transactions"
	TableEvents     = "allocation_events"
	TableAlerts     = "stock_alerts"
	TablePending    = "pending_allocations"
)

// Schema returns the DDL statements for the dialect.
func Schema(d Dialect) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	payload %s NOT NULL
)`, TableStockItems, d.PayloadType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	seq BIGINT NOT NULL,
	item_id TEXT NOT NULL,
	occurred_at %s NOT NULL,
	payload %s NOT NULL
)`, TableLedger, d.TimeType, d.PayloadType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_item ON %s (item_id)`, TableLedger, TableLedger),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_occurred ON %s (occurred_at)`, TableLedger, TableLedger),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	payload %s NOT NULL
)`, TableEvents, d.PayloadType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	item_id TEXT NOT NULL,
	payload %s NOT NULL
)`, TableAlerts, d.PayloadType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	event_id TEXT PRIMARY KEY,
	payload %s NOT NULL
)`, TablePending, d.PayloadType),
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// EnsureSchema creates missing tables and indexes.
func EnsureSchema(ctx context.Context, db execer, d Dialect) error {
	for _, stmt := range Schema(d) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// Load reads every table into a memory snapshot. Ledger rows are returned in
// commit order.
func Load(ctx context.Context, db queryer) (memory.Snapshot, error) {
	snapshot := memory.Snapshot{
		Items:   map[string]domain.StockItem{},
		Events:  map[string]domain.AllocationEvent{},
		Alerts:  map[string]domain.StockAlert{},
		Pending: map[string]domain.PendingAllocation{},
	}
	if err := loadKeyed(ctx, db, TableStockItems, "id", func(payload []byte) error {
		var item domain.StockItem
		if err := json.Unmarshal(payload, &item); err != nil {
			return err
		}
		snapshot.Items[item.ID] = item
		return nil
	}); err != nil {
		return memory.Snapshot{}, err
	}
	if err := loadKeyed(ctx, db, TableEvents, "id", func(payload []byte) error {
		var event domain.AllocationEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return err
		}
		snapshot.Events[event.ID] = event
		return nil
	}); err != nil {
		return memory.Snapshot{}, err
	}
	if err := loadKeyed(ctx, db, TableAlerts, "id", func(payload []byte) error {
		var alert domain.StockAlert
		if err := json.Unmarshal(payload, &alert); err != nil {
			return err
		}
		snapshot.Alerts[alert.ID] = alert
		return nil
	}); err != nil {
		return memory.Snapshot{}, err
	}
	if err := loadKeyed(ctx, db, TablePending, "event_id", func(payload []byte) error {
		var pending domain.PendingAllocation
		if err := json.Unmarshal(payload, &pending); err != nil {
			return err
		}
		snapshot.Pending[pending.EventID] = pending
		return nil
	}); err != nil {
		return memory.Snapshot{}, err
	}
	ledger, err := loadLedger(ctx, db)
	if err != nil {
		return memory.Snapshot{}, err
	}
	snapshot.Ledger = ledger
	return snapshot, nil
}

func loadKeyed(ctx context.Context, db queryer, table, key string, decode func([]byte) error) error {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT %s, payload FROM %s", key, table))
	if err != nil {
		return fmt.Errorf("select %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return fmt.Errorf("scan %s: %w", table, err)
		}
		if len(payload) == 0 {
			continue
		}
		if err := decode(payload); err != nil {
			return fmt.Errorf("decode %s %s: %w", table, id, err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", table, err)
	}
	return nil
}

func loadLedger(ctx context.Context, db queryer) ([]domain.LedgerTransaction, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT seq, payload FROM %s ORDER BY seq", TableLedger))
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", TableLedger, err)
	}
	defer func() { _ = rows.Close() }()
	type row struct {
		seq   int64
		entry domain.LedgerTransaction
	}
	var loaded []row
	for rows.Next() {
		var r row
		var payload []byte
		if err := rows.Scan(&r.seq, &payload); err != nil {
			return nil, fmt.Errorf("scan %s: %w", TableLedger, err)
		}
		if err := json.Unmarshal(payload, &r.entry); err != nil {
			return nil, fmt.Errorf("decode %s seq %d: %w", TableLedger, r.seq, err)
		}
		loaded = append(loaded, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", TableLedger, err)
	}
	sort.SliceStable(loaded, func(i, j int) bool { return loaded[i].seq < loaded[j].seq })
	out := make([]domain.LedgerTransaction, len(loaded))
	for i, r := range loaded {
		out[i] = r.entry
	}
	return out, nil
}

// Writer persists change sets in one SQL transaction each. It is meant to be
// installed as a memory.CommitHook, which serializes calls under the store lock.
type Writer struct {
	db      *sql.DB
	dialect Dialect
	nextSeq int64
}

// NewWriter constructs a writer whose ledger sequence continues after ledgerLen
// existing entries.
func NewWriter(db *sql.DB, d Dialect, ledgerLen int) *Writer {
	return &Writer{db: db, dialect: d, nextSeq: int64(ledgerLen)}
}

// Apply writes the change set. On error the SQL transaction is rolled back and
// the ledger sequence is left untouched.
func (w *Writer) Apply(ctx context.Context, changes []domain.Change) (retErr error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	seq := w.nextSeq
	for i, change := range changes {
		if err := w.applyChange(ctx, tx, change, &seq); err != nil {
			return fmt.Errorf("change %d (%s %s): %w", i, change.Action, change.Entity, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	w.nextSeq = seq
	return nil
}

func (w *Writer) applyChange(ctx context.Context, tx *sql.Tx, change domain.Change, seq *int64) error {
	switch change.Entity {
	case domain.EntityStockItem:
		if change.Action == domain.ActionDelete {
			before, ok := change.Before.(domain.StockItem)
			if !ok {
				return fmt.Errorf("unexpected payload %T", change.Before)
			}
			return w.delete(ctx, tx, TableStockItems, "id", before.ID)
		}
		item, ok := change.After.(domain.StockItem)
		if !ok {
			return fmt.Errorf("unexpected payload %T", change.After)
		}
		return w.upsert(ctx, tx, TableStockItems, []string{"id", "payload"}, item.ID, item)
	case domain.EntityLedgerTransaction:
		entry, ok := change.After.(domain.LedgerTransaction)
		if !ok {
			return fmt.Errorf("unexpected payload %T", change.After)
		}
		payload, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		query := fmt.Sprintf("INSERT INTO %s (id, seq, item_id, occurred_at, payload) VALUES (%s)",
			TableLedger, w.dialect.Placeholders(5))
		if _, err := tx.ExecContext(ctx, query, entry.ID, *seq, entry.ItemID, entry.OccurredAt.UTC(), payload); err != nil {
			return err
		}
		*seq++
		return nil
	case domain.EntityAllocationEvent:
		event, ok := change.After.(domain.AllocationEvent)
		if !ok {
			return fmt.Errorf("unexpected payload %T", change.After)
		}
		return w.upsert(ctx, tx, TableEvents, []string{"id", "payload"}, event.ID, event)
	case domain.EntityStockAlert:
		alert, ok := change.After.(domain.StockAlert)
		if !ok {
			return fmt.Errorf("unexpected payload %T", change.After)
		}
		return w.upsert(ctx, tx, TableAlerts, []string{"id", "item_id", "payload"}, alert.ID, alert, alert.ItemID)
	case domain.EntityPendingAllocation:
		if change.Action == domain.ActionDelete {
			before, ok := change.Before.(domain.PendingAllocation)
			if !ok {
				return fmt.Errorf("unexpected payload %T", change.Before)
			}
			return w.delete(ctx, tx, TablePending, "event_id", before.EventID)
		}
		pending, ok := change.After.(domain.PendingAllocation)
		if !ok {
			return fmt.Errorf("unexpected payload %T", change.After)
		}
		return w.upsert(ctx, tx, TablePending, []string{"event_id", "payload"}, pending.EventID, pending)
	default:
		return fmt.Errorf("unsupported entity %q", change.Entity)
	}
}

// upsert writes key, any extra columns, then the JSON payload. cols must list
// the key first and payload last.
func (w *Writer) upsert(ctx context.Context, tx *sql.Tx, table string, cols []string, key string, record any, extra ...any) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	args := make([]any, 0, len(cols))
	args = append(args, key)
	args = append(args, extra...)
	args = append(args, payload)
	if len(args) != len(cols) {
		return fmt.Errorf("column/arg mismatch for %s", table)
	}
	sets := make([]string, 0, len(cols)-1)
	for _, col := range cols[1:] {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), w.dialect.Placeholders(len(cols)), cols[0], strings.Join(sets, ", "))
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

func (w *Writer) delete(ctx context.Context, tx *sql.Tx, table, key, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", table, key, w.dialect.Placeholders(1))
	_, err := tx.ExecContext(ctx, query, id)
	return err
}
