// Package pgstore provides a PostgreSQL-backed RowStore via pgx. All
// namespaces share one relation keyed by (namespace, key), which keeps the
// schema footprint small for deployments pointing several nodes at one
// database.
package pgstore

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/swarmmem/swarmmem/pkg/errors"
	"github.com/swarmmem/swarmmem/pkg/log"
	"github.com/swarmmem/swarmmem/pkg/store"
)

// PostgresStore implements store.RowStore using a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool

	initOnce sync.Once
	initErr  error
}

// NewPostgresStore creates a new PostgresStore with the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Open connects to PostgreSQL with the given DSN and wraps the pool in a
// PostgresStore that owns it.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(errors.ErrStorage, "failed to connect to postgres")
	}

	log.Debug("Initialized PostgreSQL row store")
	return NewPostgresStore(pool), nil
}

// ensureSchema creates the shared relation on first use. Idempotent.
func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	p.initOnce.Do(func() {
		_, err := p.pool.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS swarm_rows (
				namespace TEXT NOT NULL,
				key TEXT NOT NULL,
				value BYTEA NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (namespace, key)
			)`)
		if err != nil {
			p.initErr = errors.Wrap(errors.ErrStorage, "failed to create swarm_rows relation")
		}
	})
	return p.initErr
}

// Get fetches a single row.
func (p *PostgresStore) Get(ctx context.Context, namespace, key string) (store.Row, error) {
	if err := p.ensureSchema(ctx); err != nil {
		return store.Row{}, err
	}

	var value []byte
	var updatedAt time.Time
	err := p.pool.QueryRow(ctx,
		`SELECT value, updated_at FROM swarm_rows WHERE namespace = $1 AND key = $2`,
		namespace, key,
	).Scan(&value, &updatedAt)
	if err == pgx.ErrNoRows {
		return store.Row{}, errors.Wrap(errors.ErrNotFound, "namespace %s has no key %s", namespace, key)
	}
	if err != nil {
		return store.Row{}, errors.Wrap(errors.ErrStorage, "failed to get row %s/%s", namespace, key)
	}
	return store.Row{Key: key, Value: value, UpdatedAt: updatedAt}, nil
}

// Put writes a row, replacing any previous value for the key.
func (p *PostgresStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	if err := p.ensureSchema(ctx); err != nil {
		return err
	}

	_, err := p.pool.Exec(ctx,
		`INSERT INTO swarm_rows (namespace, key, value, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		namespace, key, value, time.Now().UTC(),
	)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to put row %s/%s", namespace, key)
	}
	return nil
}

// Delete removes a row. Deleting an absent key is a no-op.
func (p *PostgresStore) Delete(ctx context.Context, namespace, key string) error {
	if err := p.ensureSchema(ctx); err != nil {
		return err
	}

	_, err := p.pool.Exec(ctx,
		`DELETE FROM swarm_rows WHERE namespace = $1 AND key = $2`, namespace, key)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to delete row %s/%s", namespace, key)
	}
	return nil
}

// Scan visits every row in the namespace in key order.
func (p *PostgresStore) Scan(ctx context.Context, namespace string, fn func(store.Row) error) error {
	if err := p.ensureSchema(ctx); err != nil {
		return err
	}

	rows, err := p.pool.Query(ctx,
		`SELECT key, value, updated_at FROM swarm_rows WHERE namespace = $1 ORDER BY key`, namespace)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to scan namespace %s", namespace)
	}
	defer rows.Close()

	var collected []store.Row
	for rows.Next() {
		var row store.Row
		if err := rows.Scan(&row.Key, &row.Value, &row.UpdatedAt); err != nil {
			return errors.Wrap(errors.ErrStorage, "failed to scan row in namespace %s", namespace)
		}
		collected = append(collected, row)
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(errors.ErrStorage, "error iterating namespace %s", namespace)
	}

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

// Close releases the connection pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
