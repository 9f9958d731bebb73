package store

import (
	"context"
	"time"
)

// Namespaces are the logical tables of the engine. One physical store holds
// all of them; adapters map a namespace to a bucket, table, or key prefix.
const (
	NamespaceMemory      = "memory_entries"
	NamespaceACL         = "memory_acl"
	NamespaceHints       = "hints"
	NamespaceEvents      = "events"
	NamespaceWorkflow    = "workflow_state"
	NamespacePatterns    = "patterns"
	NamespaceExperiences = "learning_experiences"
	NamespaceQValues     = "q_values"
	NamespaceHistory     = "learning_history"
	NamespaceGoapGoals   = "goap_goals"
	NamespaceGoapActions = "goap_actions"
	NamespaceGoapPlans   = "goap_plans"
)

// Namespaces lists every logical table, in layout order. Adapters that
// pre-create physical tables iterate this.
var Namespaces = []string{
	NamespaceMemory,
	NamespaceACL,
	NamespaceHints,
	NamespaceEvents,
	NamespaceWorkflow,
	NamespacePatterns,
	NamespaceExperiences,
	NamespaceQValues,
	NamespaceHistory,
	NamespaceGoapGoals,
	NamespaceGoapActions,
	NamespaceGoapPlans,
}

// Row is a single stored row within a namespace. Value is an opaque
// serialized payload owned by the domain layer above.
type Row struct {
	// Key is unique within the row's namespace
	Key string

	// Value is the serialized payload
	Value []byte

	// UpdatedAt is when this row was last written
	UpdatedAt time.Time
}

// RowStore is the minimal interface every storage adapter implements.
// Domain layers (memory engine, pattern bank, learning store, blackboard,
// planner) are written against it so the concrete embedded engine is
// swappable without touching them.
type RowStore interface {
	// Get fetches a single row. It returns an error wrapping
	// errors.ErrNotFound when the key is absent.
	Get(ctx context.Context, namespace, key string) (Row, error)

	// Put writes a row, replacing any previous value for the key.
	Put(ctx context.Context, namespace, key string, value []byte) error

	// Delete removes a row. Deleting an absent key is a no-op.
	Delete(ctx context.Context, namespace, key string) error

	// Scan visits every row in the namespace. Returning an error from fn
	// stops the scan and propagates the error. Scanning a namespace that
	// was never written visits nothing.
	Scan(ctx context.Context, namespace string, fn func(Row) error) error

	// Close releases the underlying database resources.
	Close() error
}
