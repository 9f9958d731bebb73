// Package memstore provides an in-memory RowStore used by tests and by
// deployments that do not need persistence.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/swarmmem/swarmmem/pkg/errors"
	"github.com/swarmmem/swarmmem/pkg/store"
)

// MemStore implements store.RowStore with plain maps guarded by a RWMutex.
type MemStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]store.Row
	clock      func() time.Time
	closed     bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		namespaces: make(map[string]map[string]store.Row),
		clock:      time.Now,
	}
}

// SetClock overrides the time source. Tests use this to control UpdatedAt.
func (m *MemStore) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// Get fetches a single row.
func (m *MemStore) Get(ctx context.Context, namespace, key string) (store.Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return store.Row{}, errors.Wrap(errors.ErrStorage, "store is closed")
	}

	ns, ok := m.namespaces[namespace]
	if !ok {
		return store.Row{}, errors.Wrap(errors.ErrNotFound, "namespace %s has no key %s", namespace, key)
	}
	row, ok := ns[key]
	if !ok {
		return store.Row{}, errors.Wrap(errors.ErrNotFound, "namespace %s has no key %s", namespace, key)
	}
	return row, nil
}

// Put writes a row, replacing any previous value for the key.
func (m *MemStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.Wrap(errors.ErrStorage, "store is closed")
	}

	ns, ok := m.namespaces[namespace]
	if !ok {
		ns = make(map[string]store.Row)
		m.namespaces[namespace] = ns
	}

	// Copy the value so callers can reuse their buffer
	stored := make([]byte, len(value))
	copy(stored, value)

	ns[key] = store.Row{
		Key:       key,
		Value:     stored,
		UpdatedAt: m.clock().UTC(),
	}
	return nil
}

// Delete removes a row. Deleting an absent key is a no-op.
func (m *MemStore) Delete(ctx context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.Wrap(errors.ErrStorage, "store is closed")
	}

	if ns, ok := m.namespaces[namespace]; ok {
		delete(ns, key)
	}
	return nil
}

// Scan visits every row in the namespace in key order. Rows are snapshotted
// before fn runs so fn may call back into the store.
func (m *MemStore) Scan(ctx context.Context, namespace string, fn func(store.Row) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return errors.Wrap(errors.ErrStorage, "store is closed")
	}
	ns := m.namespaces[namespace]
	rows := make([]store.Row, 0, len(ns))
	for _, row := range ns {
		rows = append(rows, row)
	}
	m.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

// Close marks the store closed. Subsequent operations fail with ErrStorage.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
