package memstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmmem/swarmmem/pkg/errors"
	"github.com/swarmmem/swarmmem/pkg/store"
	"github.com/swarmmem/swarmmem/pkg/store/memstore"
)

func TestPutGetDelete(t *testing.T) {
	m := memstore.NewMemStore()
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, store.NamespaceMemory, "k1", []byte("v1")))

	row, err := m.Get(ctx, store.NamespaceMemory, "k1")
	require.NoError(t, err)
	assert.Equal(t, "k1", row.Key)
	assert.Equal(t, []byte("v1"), row.Value)
	assert.False(t, row.UpdatedAt.IsZero())

	require.NoError(t, m.Delete(ctx, store.NamespaceMemory, "k1"))
	_, err = m.Get(ctx, store.NamespaceMemory, "k1")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestGetMissingNamespace(t *testing.T) {
	m := memstore.NewMemStore()

	_, err := m.Get(context.Background(), store.NamespaceHints, "absent")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestNamespacesDoNotLeak(t *testing.T) {
	m := memstore.NewMemStore()
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, store.NamespaceMemory, "k", []byte("memory")))
	require.NoError(t, m.Put(ctx, store.NamespaceHints, "k", []byte("hint")))

	row, err := m.Get(ctx, store.NamespaceMemory, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("memory"), row.Value)
}

func TestPutCopiesValue(t *testing.T) {
	m := memstore.NewMemStore()
	ctx := context.Background()

	buf := []byte("original")
	require.NoError(t, m.Put(ctx, store.NamespaceMemory, "k", buf))
	buf[0] = 'X'

	row, err := m.Get(ctx, store.NamespaceMemory, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), row.Value)
}

func TestScanVisitsInKeyOrder(t *testing.T) {
	m := memstore.NewMemStore()
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, store.NamespaceMemory, "b", []byte("2")))
	require.NoError(t, m.Put(ctx, store.NamespaceMemory, "a", []byte("1")))
	require.NoError(t, m.Put(ctx, store.NamespaceMemory, "c", []byte("3")))

	var keys []string
	err := m.Scan(ctx, store.NamespaceMemory, func(row store.Row) error {
		keys = append(keys, row.Key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestScanAllowsReentrantCalls(t *testing.T) {
	m := memstore.NewMemStore()
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, store.NamespaceMemory, "a", []byte("1")))
	require.NoError(t, m.Put(ctx, store.NamespaceMemory, "b", []byte("2")))

	err := m.Scan(ctx, store.NamespaceMemory, func(row store.Row) error {
		return m.Delete(ctx, store.NamespaceMemory, row.Key)
	})
	require.NoError(t, err)

	_, err = m.Get(ctx, store.NamespaceMemory, "a")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestClosedStoreFailsOperations(t *testing.T) {
	m := memstore.NewMemStore()
	require.NoError(t, m.Close())

	err := m.Put(context.Background(), store.NamespaceMemory, "k", []byte("v"))
	assert.True(t, errors.Is(err, errors.ErrStorage))
}
