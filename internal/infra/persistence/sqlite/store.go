// Package sqlite provides a file-backed store on the pure Go SQLite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"stockledger/internal/infra/persistence/memory"
	"stockledger/internal/infra/persistence/sqlstate"
	"stockledger/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

const defaultPath = "stockledger.db"

// Store keeps the working set in memory and writes each committed change set
// to SQLite inside a single SQL transaction.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string
}

// NewStore opens (or creates) the database at path and hydrates the store.
func NewStore(ctx context.Context, path string, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := sqlstate.EnsureSchema(ctx, db, sqlstate.SQLite); err != nil {
		_ = db.Close()
		return nil, err
	}
	snapshot, err := sqlstate.Load(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := sqlstate.NewWriter(db, sqlstate.SQLite, len(snapshot.Ledger))
	mem := memory.NewStore(engine, append(opts, memory.WithCommitHook(writer.Apply))...)
	mem.ImportState(snapshot)
	return &Store{Store: mem, db: db, path: path}, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
