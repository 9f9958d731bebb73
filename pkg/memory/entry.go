package memory

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/swarmmem/swarmmem/pkg/agent"
	"github.com/swarmmem/swarmmem/pkg/errors"
)

// DefaultPartition is used when a caller does not name a partition.
const DefaultPartition = "default"

// TTLNever explicitly requests an entry that never expires. TTLSeconds 0
// takes the engine's configured default instead, so callers need the
// sentinel to opt out of a non-zero default.
const TTLNever int64 = -1

// Entry represents a single shared memory entry. (Partition, Key) is the
// only uniqueness constraint.
type Entry struct {
	// Partition is the logical grouping the entry lives in
	Partition string `json:"partition"`

	// Key is unique within the partition
	Key string `json:"key"`

	// Value is the opaque serialized payload
	Value json.RawMessage `json:"value"`

	// Owner is the agent that stored the entry
	Owner agent.ID `json:"owner"`

	// AccessLevel determines the visibility of this entry
	AccessLevel agent.AccessLevel `json:"access_level"`

	// TeamID is required when AccessLevel is team
	TeamID string `json:"team_id,omitempty"`

	// SwarmID is required when AccessLevel is swarm
	SwarmID string `json:"swarm_id,omitempty"`

	// TTLSeconds is the requested time to live; 0 means never expires
	TTLSeconds int64 `json:"ttl_seconds"`

	// ExpiresAt is the expiration instant in unix seconds, derived from
	// TTLSeconds at write time. 0 is a sentinel meaning "never expires"
	// and is never treated as "already expired".
	ExpiresAt int64 `json:"expires_at"`

	// CreatedAt is when the entry was first stored
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the entry was last stored
	UpdatedAt time.Time `json:"updated_at"`

	// LastModified is the modification instant in unix milliseconds; it
	// drives sync delta selection and last-writer-wins resolution.
	LastModified int64 `json:"last_modified"`
}

// Expired reports whether the entry is past its expiration at now.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != 0 && e.ExpiresAt <= now.Unix()
}

// StoreOptions carries the per-store parameters of a Store call.
type StoreOptions struct {
	// Partition is the logical grouping; empty means DefaultPartition
	Partition string

	// TTLSeconds is the time to live. 0 applies the engine's default TTL,
	// which is itself "never expires" unless configured; TTLNever forces
	// no expiry regardless of the default.
	TTLSeconds int64

	// AccessLevel is the visibility of the entry
	AccessLevel agent.AccessLevel

	// Owner is the owning agent; empty falls back to the caller in ctx
	Owner agent.ID

	// TeamID is required when AccessLevel is team
	TeamID string

	// SwarmID is required when AccessLevel is swarm
	SwarmID string
}

// validate enforces the tagged-union rules of the access levels at the API
// boundary: team requires a team ID, swarm requires a swarm ID, TTLs are
// non-negative, and the level tag is known.
func (o *StoreOptions) validate() error {
	if o.TTLSeconds < TTLNever {
		return errors.Wrap(errors.ErrValidation, "ttl seconds must be >= %d, got %d", TTLNever, o.TTLSeconds)
	}
	if !o.AccessLevel.Valid() {
		return errors.Wrap(errors.ErrValidation, "unknown access level %d", int(o.AccessLevel))
	}
	if o.AccessLevel == agent.AccessTeam && o.TeamID == "" {
		return errors.Wrap(errors.ErrValidation, "team access level requires a team id")
	}
	if o.AccessLevel == agent.AccessSwarm && o.SwarmID == "" {
		return errors.Wrap(errors.ErrValidation, "swarm access level requires a swarm id")
	}
	if strings.Contains(o.Partition, ":") {
		return errors.Wrap(errors.ErrValidation, "partition must not contain ':'")
	}
	return nil
}

// EntryKey is the composite row key for an entry, also used as the ACL
// resource ID and the modification-tracker key.
func EntryKey(partition, key string) string {
	if partition == "" {
		partition = DefaultPartition
	}
	return partition + ":" + key
}
