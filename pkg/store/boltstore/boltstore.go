// Package boltstore provides a BoltDB-backed RowStore. One bucket per
// namespace, keys sorted byte-wise, single writer semantics supplied by
// BoltDB itself.
package boltstore

import (
	"context"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/swarmmem/swarmmem/pkg/errors"
	"github.com/swarmmem/swarmmem/pkg/log"
	"github.com/swarmmem/swarmmem/pkg/store"
)

// BoltStore implements store.RowStore using a BoltDB database.
type BoltStore struct {
	db *bolt.DB
}

// boltRow is the on-disk envelope for a row value.
type boltRow struct {
	Value     []byte    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewBoltStore creates a new BoltStore with the given database connection.
func NewBoltStore(db *bolt.DB) *BoltStore {
	s := &BoltStore{db: db}

	log.Debug("Initialized BoltDB row store",
		"db_path", db.Path(),
		"read_only", db.IsReadOnly(),
	)

	return s
}

// Open opens (creating if necessary) a BoltDB file at path and wraps it in
// a BoltStore that owns the connection.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to open bolt database at %s", path)
	}
	return NewBoltStore(db), nil
}

// Initialize creates every namespace bucket up front. The store also creates
// buckets lazily on first write, so calling this is optional.
func (b *BoltStore) Initialize(ctx context.Context) error {
	log.DebugContext(ctx, "Initializing BoltDB namespace buckets")

	err := b.db.Update(func(tx *bolt.Tx) error {
		for _, ns := range store.Namespaces {
			if _, err := tx.CreateBucketIfNotExists([]byte(ns)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.ErrorContext(ctx, "Failed to initialize BoltDB buckets", "error", err)
		return errors.Wrap(errors.ErrStorage, "failed to initialize buckets")
	}
	return nil
}

// Get fetches a single row.
func (b *BoltStore) Get(ctx context.Context, namespace, key string) (store.Row, error) {
	var row store.Row
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return errors.Wrap(errors.ErrNotFound, "namespace %s has no key %s", namespace, key)
		}
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return errors.Wrap(errors.ErrNotFound, "namespace %s has no key %s", namespace, key)
		}
		var env boltRow
		if err := json.Unmarshal(raw, &env); err != nil {
			return errors.Wrap(errors.ErrStorage, "failed to decode row %s/%s", namespace, key)
		}
		row = store.Row{Key: key, Value: env.Value, UpdatedAt: env.UpdatedAt}
		return nil
	})
	if err != nil {
		return store.Row{}, err
	}
	return row, nil
}

// Put writes a row, replacing any previous value for the key.
func (b *BoltStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	env := boltRow{Value: value, UpdatedAt: time.Now().UTC()}
	raw, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to encode row %s/%s", namespace, key)
	}

	err = b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), raw)
	})
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to put row %s/%s", namespace, key)
	}
	return nil
}

// Delete removes a row. Deleting an absent key is a no-op.
func (b *BoltStore) Delete(ctx context.Context, namespace, key string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to delete row %s/%s", namespace, key)
	}
	return nil
}

// Scan visits every row in the namespace in key order. The rows are read
// inside a single View transaction; fn runs after the transaction completes
// so it may call back into the store.
func (b *BoltStore) Scan(ctx context.Context, namespace string, fn func(store.Row) error) error {
	var rows []store.Row
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var env boltRow
			if err := json.Unmarshal(v, &env); err != nil {
				return errors.Wrap(errors.ErrStorage, "failed to decode row %s/%s", namespace, string(k))
			}
			value := make([]byte, len(env.Value))
			copy(value, env.Value)
			rows = append(rows, store.Row{Key: string(k), Value: value, UpdatedAt: env.UpdatedAt})
			return nil
		})
	})
	if err != nil {
		return err
	}

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

// Close closes the underlying BoltDB database.
func (b *BoltStore) Close() error {
	return b.db.Close()
}
