package boltstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmmem/swarmmem/pkg/errors"
	"github.com/swarmmem/swarmmem/pkg/store"
	"github.com/swarmmem/swarmmem/pkg/store/boltstore"
	"github.com/swarmmem/swarmmem/test/testutil"
)

func newTestStore(t *testing.T) *boltstore.BoltStore {
	t.Helper()
	db, _, cleanup := testutil.CreateTempBoltDB(t)
	t.Cleanup(cleanup)

	s := boltstore.NewBoltStore(db)
	require.NoError(t, s.Initialize(context.Background()))
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, store.NamespaceMemory, "k1", []byte("v1")))

	row, err := s.Get(ctx, store.NamespaceMemory, "k1")
	require.NoError(t, err)
	assert.Equal(t, "k1", row.Key)
	assert.Equal(t, []byte("v1"), row.Value)
	assert.False(t, row.UpdatedAt.IsZero())

	require.NoError(t, s.Delete(ctx, store.NamespaceMemory, "k1"))
	_, err = s.Get(ctx, store.NamespaceMemory, "k1")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestInitializeCreatesAllNamespaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Every canonical namespace is scannable without a prior write
	for _, ns := range store.Namespaces {
		err := s.Scan(ctx, ns, func(store.Row) error { return nil })
		assert.NoError(t, err, "namespace %s", ns)
	}
}

func TestLazyBucketCreation(t *testing.T) {
	db, _, cleanup := testutil.CreateTempBoltDB(t)
	t.Cleanup(cleanup)

	// No Initialize: the first write must create the bucket
	s := boltstore.NewBoltStore(db)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, store.NamespacePatterns, "p1", []byte("v")))
	row, err := s.Get(ctx, store.NamespacePatterns, "p1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), row.Value)
}

func TestScanIsReentrant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, store.NamespaceHints, "a", []byte("1")))
	require.NoError(t, s.Put(ctx, store.NamespaceHints, "b", []byte("2")))

	err := s.Scan(ctx, store.NamespaceHints, func(row store.Row) error {
		return s.Delete(ctx, store.NamespaceHints, row.Key)
	})
	require.NoError(t, err)

	count := 0
	require.NoError(t, s.Scan(ctx, store.NamespaceHints, func(store.Row) error {
		count++
		return nil
	}))
	assert.Equal(t, 0, count)
}

func TestValuesPersistAcrossReopen(t *testing.T) {
	db, path, cleanup := testutil.CreateTempBoltDB(t)
	defer cleanup()

	s := boltstore.NewBoltStore(db)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, store.NamespaceMemory, "persist", []byte("durable")))
	require.NoError(t, s.Close())

	reopened, err := boltstore.Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	row, err := reopened.Get(ctx, store.NamespaceMemory, "persist")
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), row.Value)
}
