// Package memory implements the access-controlled, TTL-aware shared memory
// engine all other subsystems build on. Entries live in one row-store
// namespace; ACL records live in a parallel namespace keyed by the same
// resource ID.
package memory

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/swarmmem/swarmmem/pkg/agent"
	"github.com/swarmmem/swarmmem/pkg/errors"
	"github.com/swarmmem/swarmmem/pkg/log"
	"github.com/swarmmem/swarmmem/pkg/store"
)

// Engine is the storage engine. It is safe for concurrent use; per-key
// serialization is delegated to the underlying row store.
type Engine struct {
	rows  store.RowStore
	mods  *ModTracker
	clock func() time.Time

	// defaultTTLSeconds applies when a Store call passes TTLSeconds 0 and
	// the engine was configured with a category default. 0 keeps the
	// "never expires" semantics.
	defaultTTLSeconds int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine time source. Tests use this to drive TTL
// expiry deterministically.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithDefaultTTL sets the default TTL, in seconds, applied to Store calls
// that do not specify one.
func WithDefaultTTL(seconds int64) Option {
	return func(e *Engine) { e.defaultTTLSeconds = seconds }
}

// NewEngine creates a storage engine over the given row store.
func NewEngine(rows store.RowStore, opts ...Option) *Engine {
	e := &Engine{
		rows:  rows,
		mods:  NewModTracker(),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mods exposes the modification tracker for the sync transport.
func (e *Engine) Mods() *ModTracker {
	return e.mods
}

// Store validates and persists an entry. Storing to an existing
// (partition, key) overwrites the value and refreshes the TTL while keeping
// the original creation time; the overwrite must pass the write check
// against the existing entry. The modification instant is recorded for the
// sync transport.
func (e *Engine) Store(ctx context.Context, key string, value interface{}, opts StoreOptions) error {
	if key == "" {
		return errors.Wrap(errors.ErrValidation, "key must not be empty")
	}
	if err := opts.validate(); err != nil {
		return err
	}

	owner := opts.Owner
	if owner == "" {
		if agentCtx, ok := agent.GetAgentContext(ctx); ok {
			owner = agentCtx.AgentID
		}
	}
	if owner == "" && opts.AccessLevel != agent.AccessSystem {
		return errors.Wrap(errors.ErrValidation, "owner is required for non-system entries")
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(errors.ErrValidation, "value is not serializable")
	}

	partition := opts.Partition
	if partition == "" {
		partition = DefaultPartition
	}

	ttl := opts.TTLSeconds
	if ttl == 0 {
		ttl = e.defaultTTLSeconds
	}
	if ttl < 0 {
		ttl = 0
	}

	now := e.clock().UTC()
	entry := Entry{
		Partition:    partition,
		Key:          key,
		Value:        raw,
		Owner:        owner,
		AccessLevel:  opts.AccessLevel,
		TeamID:       opts.TeamID,
		SwarmID:      opts.SwarmID,
		TTLSeconds:   ttl,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastModified: now.UnixMilli(),
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Unix() + ttl
	}

	rowKey := EntryKey(partition, key)

	// An overwrite of a live entry requires write permission. The creation
	// time survives, and a writer other than the owner keeps the original
	// ownership and visibility metadata rather than seizing the entry.
	if existing, err := e.loadEntry(ctx, rowKey); err == nil && !existing.Expired(now) {
		caller, ok := agent.GetAgentContext(ctx)
		if !ok {
			caller = agent.Context{AgentID: owner}
		}
		acl, _ := e.loadACL(ctx, rowKey)
		if !canWrite(existing, acl, caller) {
			return errors.Wrap(errors.ErrAccessDenied, "agent %s may not overwrite %s", caller.AgentID, rowKey)
		}
		entry.CreatedAt = existing.CreatedAt
		if caller.AgentID != existing.Owner {
			entry.Owner = existing.Owner
			entry.AccessLevel = existing.AccessLevel
			entry.TeamID = existing.TeamID
			entry.SwarmID = existing.SwarmID
		}
	} else if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return err
	}

	if err := e.putEntry(ctx, rowKey, &entry); err != nil {
		return err
	}
	e.mods.Touch(rowKey, entry.LastModified)

	log.DebugContext(ctx, "Stored memory entry",
		"partition", partition,
		"key", key,
		"access_level", entry.AccessLevel.String(),
		"ttl_seconds", ttl,
	)
	return nil
}

// RetrieveOptions carries the per-retrieve parameters of a Retrieve call.
// The caller identity comes from the agent context in ctx.
type RetrieveOptions struct {
	// Partition is the logical grouping; empty means DefaultPartition
	Partition string
}

// Retrieve returns a not-yet-expired entry if the caller passes the
// permission check. It returns ErrNotFound for absent or expired keys and
// ErrAccessDenied when the entry exists but the caller may not read it;
// the two cases are deliberately distinguishable for debuggability inside
// a trusted cluster.
func (e *Engine) Retrieve(ctx context.Context, key string, opts RetrieveOptions) (*Entry, error) {
	caller, ok := agent.GetAgentContext(ctx)
	if !ok {
		return nil, errors.Wrap(errors.ErrValidation, "missing agent context")
	}

	rowKey := EntryKey(opts.Partition, key)
	entry, err := e.loadEntry(ctx, rowKey)
	if err != nil {
		return nil, err
	}

	if entry.Expired(e.clock()) {
		return nil, errors.Wrap(errors.ErrNotFound, "entry %s has expired", rowKey)
	}

	acl, _ := e.loadACL(ctx, rowKey)
	if !canRead(entry, acl, caller) {
		return nil, errors.Wrap(errors.ErrAccessDenied, "agent %s may not read %s", caller.AgentID, rowKey)
	}

	return entry, nil
}

// Delete removes an entry. Only the owner, a caller holding an explicit
// delete grant, or anyone for system-level entries may delete.
func (e *Engine) Delete(ctx context.Context, key, partition string) error {
	caller, ok := agent.GetAgentContext(ctx)
	if !ok {
		return errors.Wrap(errors.ErrValidation, "missing agent context")
	}

	rowKey := EntryKey(partition, key)
	entry, err := e.loadEntry(ctx, rowKey)
	if err != nil {
		return err
	}

	acl, _ := e.loadACL(ctx, rowKey)
	if !canDelete(entry, acl, caller) {
		return errors.Wrap(errors.ErrAccessDenied, "agent %s may not delete %s", caller.AgentID, rowKey)
	}

	if err := e.rows.Delete(ctx, store.NamespaceMemory, rowKey); err != nil {
		return err
	}
	_ = e.rows.Delete(ctx, store.NamespaceACL, rowKey)
	e.mods.Forget(rowKey)

	log.DebugContext(ctx, "Deleted memory entry", "partition", entry.Partition, "key", key)
	return nil
}

// Grant adds explicit permissions for grantee on an entry. Only the owner
// or a caller holding the share permission may grant.
func (e *Engine) Grant(ctx context.Context, key, partition string, grantee agent.ID, perms ...Permission) error {
	return e.updateACL(ctx, key, partition, func(acl *ACLRecord) {
		if acl.Granted == nil {
			acl.Granted = make(map[agent.ID][]Permission)
		}
		existing := acl.Granted[grantee]
		for _, perm := range perms {
			found := false
			for _, p := range existing {
				if p == perm {
					found = true
					break
				}
			}
			if !found {
				existing = append(existing, perm)
			}
		}
		acl.Granted[grantee] = existing
	})
}

// Revoke removes every explicit permission grantee holds on an entry.
func (e *Engine) Revoke(ctx context.Context, key, partition string, grantee agent.ID) error {
	return e.updateACL(ctx, key, partition, func(acl *ACLRecord) {
		delete(acl.Granted, grantee)
	})
}

// Block denies blocked all access to an entry regardless of other rules.
func (e *Engine) Block(ctx context.Context, key, partition string, blocked agent.ID) error {
	return e.updateACL(ctx, key, partition, func(acl *ACLRecord) {
		if acl.Blocked == nil {
			acl.Blocked = make(map[agent.ID]bool)
		}
		acl.Blocked[blocked] = true
	})
}

// Unblock removes blocked from the entry's block list.
func (e *Engine) Unblock(ctx context.Context, key, partition string, blocked agent.ID) error {
	return e.updateACL(ctx, key, partition, func(acl *ACLRecord) {
		delete(acl.Blocked, blocked)
	})
}

// updateACL loads (or seeds) the ACL record for an entry, applies mutate,
// and persists it. Only the owner or a share-grant holder may change ACLs.
func (e *Engine) updateACL(ctx context.Context, key, partition string, mutate func(*ACLRecord)) error {
	caller, ok := agent.GetAgentContext(ctx)
	if !ok {
		return errors.Wrap(errors.ErrValidation, "missing agent context")
	}

	rowKey := EntryKey(partition, key)
	entry, err := e.loadEntry(ctx, rowKey)
	if err != nil {
		return err
	}

	acl, _ := e.loadACL(ctx, rowKey)
	if entry.Owner != caller.AgentID && !acl.hasGrant(caller.AgentID, PermissionShare) {
		return errors.Wrap(errors.ErrAccessDenied, "agent %s may not change the ACL of %s", caller.AgentID, rowKey)
	}

	if acl == nil {
		acl = &ACLRecord{
			ResourceID:  rowKey,
			Owner:       entry.Owner,
			AccessLevel: entry.AccessLevel,
		}
	}
	mutate(acl)

	raw, err := json.Marshal(acl)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to encode acl for %s", rowKey)
	}
	return e.rows.Put(ctx, store.NamespaceACL, rowKey, raw)
}

// ModifiedSince returns the entries modified strictly after the given unix
// millisecond instant, for the sync transport. Expired entries are skipped.
func (e *Engine) ModifiedSince(ctx context.Context, modifiedAfter int64) ([]Entry, error) {
	now := e.clock()
	var out []Entry
	for _, rowKey := range e.mods.Since(modifiedAfter) {
		entry, err := e.loadEntry(ctx, rowKey)
		if err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if entry.Expired(now) {
			continue
		}
		out = append(out, *entry)
	}
	return out, nil
}

// ApplyReplica applies an entry received from a peer using last-writer-wins
// on the entry's modification instant. It bypasses the ACL check: replica
// writes carry the origin's ownership metadata verbatim. The applied entry
// is recorded in the modification tracker so it propagates onward.
func (e *Engine) ApplyReplica(ctx context.Context, incoming Entry) (bool, error) {
	rowKey := EntryKey(incoming.Partition, incoming.Key)

	if existing, err := e.loadEntry(ctx, rowKey); err == nil {
		if existing.LastModified >= incoming.LastModified {
			return false, nil
		}
	} else if !errors.Is(err, errors.ErrNotFound) {
		return false, err
	}

	if err := e.putEntry(ctx, rowKey, &incoming); err != nil {
		return false, err
	}
	e.mods.Touch(rowKey, incoming.LastModified)
	return true, nil
}

// ScanPartition visits every live entry of one partition. Used by the
// facade for partition-level queries; expired entries are skipped.
func (e *Engine) ScanPartition(ctx context.Context, partition string, fn func(Entry) error) error {
	if partition == "" {
		partition = DefaultPartition
	}
	prefix := partition + ":"
	now := e.clock()

	return e.rows.Scan(ctx, store.NamespaceMemory, func(row store.Row) error {
		if !strings.HasPrefix(row.Key, prefix) {
			return nil
		}
		var entry Entry
		if err := json.Unmarshal(row.Value, &entry); err != nil {
			return errors.Wrap(errors.ErrStorage, "failed to decode entry %s", row.Key)
		}
		if entry.Expired(now) {
			return nil
		}
		return fn(entry)
	})
}

// loadACL fetches the ACL record for a resource. A missing record is not
// an error; it returns (nil, nil) and the entry-level rules apply alone.
func (e *Engine) loadACL(ctx context.Context, rowKey string) (*ACLRecord, error) {
	row, err := e.rows.Get(ctx, store.NamespaceACL, rowKey)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var acl ACLRecord
	if err := json.Unmarshal(row.Value, &acl); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to decode acl %s", rowKey)
	}
	return &acl, nil
}

func (e *Engine) loadEntry(ctx context.Context, rowKey string) (*Entry, error) {
	row, err := e.rows.Get(ctx, store.NamespaceMemory, rowKey)
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(row.Value, &entry); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to decode entry %s", rowKey)
	}
	return &entry, nil
}

func (e *Engine) putEntry(ctx context.Context, rowKey string, entry *Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to encode entry %s", rowKey)
	}
	return e.rows.Put(ctx, store.NamespaceMemory, rowKey, raw)
}
