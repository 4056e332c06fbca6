// Package sqlite implements the lineage metadata store on SQLite.
//
// Three tables hold artifact versions, runs and per-epoch results. Every
// connection enables foreign keys and waits up to the configured lock
// timeout for another writer, and every write transaction takes the
// database write lock when it begins, so version allocation by concurrent
// processes is serialized by SQLite itself.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/projectkit/pkg/types"
)

// Backend is the SQLite metadata store.
type Backend struct {
	mu       sync.RWMutex
	attached bool
	config   types.StoreConfig
	db       *sql.DB
	now      func() time.Time
}

// NewBackend creates a new SQLite backend instance.
// The backend is not attached; call Attach with a StoreConfig to initialize.
func NewBackend() *Backend {
	return &Backend{now: time.Now}
}

// Open creates a backend and attaches it.
func Open(config types.StoreConfig) (*Backend, error) {
	b := NewBackend()
	if err := b.Attach(config); err != nil {
		return nil, err
	}
	return b, nil
}

// Attach opens the database at config.Path, creating the file, its parent
// directory and the schema when missing. Existing data is kept.
// Returns ErrAlreadyAttached if already attached.
func (b *Backend) Attach(config types.StoreConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attached {
		return types.ErrAlreadyAttached
	}
	if config.Path == "" {
		return fmt.Errorf("%w: empty store path", types.ErrIO)
	}
	if config.LockTimeout <= 0 {
		config.LockTimeout = types.DefaultLockTimeout
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return fmt.Errorf("%w: creating store directory: %w", types.ErrIO, err)
	}

	db, err := sql.Open("sqlite", dsn(config))
	if err != nil {
		return fmt.Errorf("opening %s: %w", config.Path, err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return fmt.Errorf("applying schema to %s: %w", config.Path, classify(err))
	}

	b.db = db
	b.config = config
	b.attached = true
	return nil
}

// Detach closes the database. After Detach, all operations return
// ErrStoreDetached. Detach is idempotent.
func (b *Backend) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return nil
	}
	if b.db != nil {
		if err := b.db.Close(); err != nil {
			return err
		}
		b.db = nil
	}
	b.attached = false
	return nil
}

// Path returns the database file of an attached backend.
func (b *Backend) Path() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.config.Path
}

// handle returns the open database or ErrStoreDetached.
func (b *Backend) handle() (*sql.DB, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.attached {
		return nil, types.ErrStoreDetached
	}
	return b.db, nil
}

// withTx runs fn in one write transaction. The transaction holds the write
// lock from BEGIN, so reads inside fn see a state no other writer can change
// before commit.
func (b *Backend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, err := b.handle()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

// dsn builds the connection string. Pragmas given here apply to every pooled
// connection, not only the first.
func dsn(config types.StoreConfig) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", config.LockTimeout.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	return config.Path + "?" + q.Encode()
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, group := range [][]string{schemaDDL, indexDDL, triggerDDL} {
		for _, stmt := range group {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
	}
	if err := runMigrations(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(tx *sql.Tx) error {
	var version int
	if err := tx.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version >= currentSchemaVersion {
		return nil
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// generateUUID generates a new UUID v7 for external run identifiers.
func generateUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
