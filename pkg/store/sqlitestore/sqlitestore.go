// Package sqlitestore provides a SQLite-backed RowStore via sqlx. Each
// logical namespace maps to one physical table. The canonical schema is
// applied with golang-migrate from embedded migration files; environments
// where the migration source is unavailable still work because every
// namespace table is also created lazily on first write.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/swarmmem/swarmmem/pkg/errors"
	"github.com/swarmmem/swarmmem/pkg/log"
	"github.com/swarmmem/swarmmem/pkg/store"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// validNamespaces guards SQL identifier interpolation. Namespace names are
// engine constants, never caller input, but the whitelist keeps that true.
var validNamespaces = func() map[string]bool {
	m := make(map[string]bool, len(store.Namespaces))
	for _, ns := range store.Namespaces {
		m[ns] = true
	}
	return m
}()

// SQLiteStore implements store.RowStore using a SQLite database.
type SQLiteStore struct {
	db *sqlx.DB

	// ensured tracks namespaces whose table is known to exist
	ensuredMu sync.Mutex
	ensured   map[string]bool
}

// NewSQLiteStore creates a new SQLiteStore with the given database connection.
func NewSQLiteStore(db *sqlx.DB) *SQLiteStore {
	return &SQLiteStore{
		db:      db,
		ensured: make(map[string]bool),
	}
}

// Open opens (creating if necessary) a SQLite database at path, applies the
// canonical schema, and wraps it in a SQLiteStore that owns the connection.
func Open(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to open sqlite database at %s", path)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	s := NewSQLiteStore(db)
	if err := s.Migrate(context.Background()); err != nil {
		// Migration source unavailable or incompatible: fall back to lazy
		// per-namespace creation on first write.
		log.Warn("sqlite schema migration unavailable, relying on lazy table creation", "error", err)
	}
	return s, nil
}

// Migrate applies the embedded canonical schema with golang-migrate.
// Running it on an already-migrated database is a no-op.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to load embedded migrations")
	}

	driver, err := sqlite3.WithInstance(s.db.DB, &sqlite3.Config{})
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to prepare migration driver")
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to create migrator")
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(errors.ErrStorage, "failed to apply schema migrations")
	}

	s.ensuredMu.Lock()
	for _, ns := range store.Namespaces {
		s.ensured[ns] = true
	}
	s.ensuredMu.Unlock()

	log.DebugContext(ctx, "SQLite schema migrated", "namespaces", len(store.Namespaces))
	return nil
}

// ensureNamespace lazily creates the table for a namespace. Idempotent.
func (s *SQLiteStore) ensureNamespace(ctx context.Context, namespace string) error {
	if !validNamespaces[namespace] {
		return errors.Wrap(errors.ErrValidation, "unknown namespace %q", namespace)
	}

	s.ensuredMu.Lock()
	defer s.ensuredMu.Unlock()
	if s.ensured[namespace] {
		return nil
	}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %q (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at TEXT NOT NULL
		)`, namespace))
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to create table for namespace %s", namespace)
	}
	s.ensured[namespace] = true
	return nil
}

// Get fetches a single row.
func (s *SQLiteStore) Get(ctx context.Context, namespace, key string) (store.Row, error) {
	if err := s.ensureNamespace(ctx, namespace); err != nil {
		return store.Row{}, err
	}

	var value []byte
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT value, updated_at FROM %q WHERE key = ?`, namespace),
		key,
	).Scan(&value, &updatedAt)
	if err == sql.ErrNoRows {
		return store.Row{}, errors.Wrap(errors.ErrNotFound, "namespace %s has no key %s", namespace, key)
	}
	if err != nil {
		return store.Row{}, errors.Wrap(errors.ErrStorage, "failed to get row %s/%s", namespace, key)
	}

	return store.Row{Key: key, Value: value, UpdatedAt: parseTimestamp(updatedAt)}, nil
}

// Put writes a row, replacing any previous value for the key.
func (s *SQLiteStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	if err := s.ensureNamespace(ctx, namespace); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %q (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, namespace),
		key, value, now,
	)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to put row %s/%s", namespace, key)
	}
	return nil
}

// Delete removes a row. Deleting an absent key is a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, namespace, key string) error {
	if err := s.ensureNamespace(ctx, namespace); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %q WHERE key = ?`, namespace), key)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to delete row %s/%s", namespace, key)
	}
	return nil
}

// Scan visits every row in the namespace in key order.
func (s *SQLiteStore) Scan(ctx context.Context, namespace string, fn func(store.Row) error) error {
	if err := s.ensureNamespace(ctx, namespace); err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT key, value, updated_at FROM %q ORDER BY key`, namespace))
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to scan namespace %s", namespace)
	}

	// Read everything before invoking fn so fn may call back into the store
	// on the single pooled connection.
	var collected []store.Row
	for rows.Next() {
		var key string
		var value []byte
		var updatedAt string
		if err := rows.Scan(&key, &value, &updatedAt); err != nil {
			rows.Close()
			return errors.Wrap(errors.ErrStorage, "failed to scan row in namespace %s", namespace)
		}
		collected = append(collected, store.Row{Key: key, Value: value, UpdatedAt: parseTimestamp(updatedAt)})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return errors.Wrap(errors.ErrStorage, "error iterating namespace %s", namespace)
	}
	rows.Close()

	for _, row := range collected {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// parseTimestamp parses an RFC3339 timestamp column, falling back to the
// zero time for values written by other tooling.
func parseTimestamp(ts string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}
	}
	return t
}
